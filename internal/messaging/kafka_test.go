package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

// fakeReader serves queued messages and cancels the run once drained.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.queue[0]
	r.queue = r.queue[1:]
	r.mu.Unlock()
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func outcomeMessage(t *testing.T, offset int64, o TaskOutcome) kafka.Message {
	t.Helper()
	b, err := json.Marshal(o)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Key: []byte(o.FeedbackID), Value: b}
}

func runConsumer(t *testing.T, msgs []kafka.Message, handler OutcomeHandler) (*fakeReader, *fakeWriter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reader := &fakeReader{queue: msgs, cancel: cancel}
	dlq := &fakeWriter{}
	c := NewConsumer(reader, dlq, "task-outcomes", testLogger(), WithRetry(3, time.Millisecond))

	err := c.Run(ctx, handler)
	assert.ErrorIs(t, err, context.Canceled)
	return reader, dlq
}

func TestPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisher(w, "allocation-events", testLogger())

	score := 0.7
	err := p.Publish(context.Background(), AllocationEvent{
		Type:           EventAllocationRecorded,
		FactoryID:      "f1",
		WorkerID:       42,
		FeedbackID:     "fb-1",
		PredictedScore: &score,
	})
	require.NoError(t, err)

	msgs := w.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "f1:42", string(msgs[0].Key))

	var got AllocationEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &got))
	assert.Equal(t, EventAllocationRecorded, got.Type)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", got.EventID.String())
	assert.False(t, got.Timestamp.IsZero())
	require.NotNil(t, got.PredictedScore)
	assert.Equal(t, 0.7, *got.PredictedScore)

	headers := map[string]string{}
	for _, h := range msgs[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, EventAllocationRecorded, headers["event_type"])
	assert.Equal(t, got.EventID.String(), headers["event_id"])
}

func TestPublisher_WriteFailure(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := NewPublisher(w, "allocation-events", testLogger())

	err := p.Publish(context.Background(), AllocationEvent{Type: EventModelReset, FactoryID: "f1"})
	assert.Error(t, err)
}

func TestTaskOutcome_Validate(t *testing.T) {
	tests := []struct {
		name    string
		outcome TaskOutcome
		wantErr bool
	}{
		{"valid", TaskOutcome{FeedbackID: "a", ActualQuantity: 10, ActualHours: 2}, false},
		{"missing id", TaskOutcome{ActualQuantity: 10}, true},
		{"blank id", TaskOutcome{FeedbackID: "  "}, true},
		{"negative quantity", TaskOutcome{FeedbackID: "a", ActualQuantity: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.outcome.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConsumer_HandlesAndCommits(t *testing.T) {
	var handled []string
	reader, dlq := runConsumer(t, []kafka.Message{
		outcomeMessage(t, 1, TaskOutcome{FeedbackID: "a", ActualQuantity: 90, ActualHours: 7}),
		outcomeMessage(t, 2, TaskOutcome{FeedbackID: "b", ActualQuantity: 50, ActualHours: 3}),
	}, func(_ context.Context, o TaskOutcome) error {
		handled = append(handled, o.FeedbackID)
		return nil
	})

	assert.Equal(t, []string{"a", "b"}, handled)
	assert.Equal(t, []int64{1, 2}, reader.committed)
	assert.Empty(t, dlq.messages())
}

func TestConsumer_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	reader, dlq := runConsumer(t, []kafka.Message{
		outcomeMessage(t, 7, TaskOutcome{FeedbackID: "a", ActualQuantity: 1, ActualHours: 1}),
	}, func(context.Context, TaskOutcome) error {
		calls++
		if calls < 3 {
			return errors.New("database unavailable")
		}
		return nil
	})

	assert.Equal(t, 3, calls)
	assert.Equal(t, []int64{7}, reader.committed)
	assert.Empty(t, dlq.messages())
}

func TestConsumer_ExhaustedRetriesGoToDLQ(t *testing.T) {
	calls := 0
	reader, dlq := runConsumer(t, []kafka.Message{
		outcomeMessage(t, 3, TaskOutcome{FeedbackID: "a", ActualQuantity: 1, ActualHours: 1}),
	}, func(context.Context, TaskOutcome) error {
		calls++
		return errors.New("still failing")
	})

	assert.Equal(t, 4, calls)
	assert.Equal(t, []int64{3}, reader.committed)

	msgs := dlq.messages()
	require.Len(t, msgs, 1)
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(msgs[0].Value, &envelope))
	assert.Contains(t, envelope["error"], "max retries exceeded")
	assert.Equal(t, float64(4), envelope["attempts"])
	original, ok := envelope["original_message"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "a", original["feedbackId"])
}

func TestConsumer_PermanentErrorSkipsRetries(t *testing.T) {
	calls := 0
	_, dlq := runConsumer(t, []kafka.Message{
		outcomeMessage(t, 1, TaskOutcome{FeedbackID: "missing", ActualQuantity: 1, ActualHours: 1}),
	}, func(context.Context, TaskOutcome) error {
		calls++
		return Permanent(errors.New("feedback not found"))
	})

	assert.Equal(t, 1, calls)
	assert.Len(t, dlq.messages(), 1)
}

func TestConsumer_MalformedMessageGoesToDLQ(t *testing.T) {
	calls := 0
	reader, dlq := runConsumer(t, []kafka.Message{
		{Offset: 5, Value: []byte("not json")},
		outcomeMessage(t, 6, TaskOutcome{ActualQuantity: 1}),
	}, func(context.Context, TaskOutcome) error {
		calls++
		return nil
	})

	assert.Zero(t, calls)
	assert.Equal(t, []int64{5, 6}, reader.committed)

	msgs := dlq.messages()
	require.Len(t, msgs, 2)
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(msgs[0].Value, &envelope))
	assert.Equal(t, "not json", envelope["original_message"])
}

func TestConsumer_ShutdownDuringBackoffIsNotDeadLettered(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reader := &fakeReader{
		queue:  []kafka.Message{outcomeMessage(t, 9, TaskOutcome{FeedbackID: "a", ActualQuantity: 1, ActualHours: 1})},
		cancel: cancel,
	}
	dlq := &fakeWriter{}
	c := NewConsumer(reader, dlq, "task-outcomes", testLogger(), WithRetry(3, time.Hour))

	calls := 0
	err := c.Run(ctx, func(context.Context, TaskOutcome) error {
		calls++
		cancel()
		return errors.New("database unavailable")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Empty(t, dlq.messages())
	assert.Empty(t, reader.committed)
}

func TestPermanent(t *testing.T) {
	cause := errors.New("boom")
	err := Permanent(cause)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.ErrorIs(t, err, cause)
}
