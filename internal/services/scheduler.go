package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// BatchRunner applies pending feedback for every factory.
type BatchRunner interface {
	RunAllBatches(ctx context.Context) (int, error)
}

// BatchScheduler runs the feedback batch on a cron schedule. Runs never
// overlap: a tick that fires while the previous run is active is skipped.
type BatchScheduler struct {
	cron     *cron.Cron
	runner   BatchRunner
	schedule string
	logger   *logrus.Logger
	timeout  time.Duration

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewBatchScheduler parses schedule (with seconds) and returns a stopped
// scheduler.
func NewBatchScheduler(runner BatchRunner, schedule string, logger *logrus.Logger) (*BatchScheduler, error) {
	s := &BatchScheduler{
		cron:     cron.New(cron.WithSeconds()),
		runner:   runner,
		schedule: schedule,
		logger:   logger,
		timeout:  5 * time.Minute,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if _, err := s.cron.AddFunc(schedule, s.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid batch update schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *BatchScheduler) Start() {
	s.cron.Start()
	s.logger.WithField("schedule", s.schedule).Info("Batch feedback scheduler started")
}

// Stop halts the schedule, cancels an active run and waits for it.
func (s *BatchScheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Batch feedback scheduler stopped")
}

// RunOnce runs one batch pass unless another is in progress.
func (s *BatchScheduler) RunOnce() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debug("Previous batch run still active, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := s.runner.RunAllBatches(ctx)
	log := s.logger.WithFields(logrus.Fields{
		"processed": n,
		"duration":  time.Since(start),
	})
	if err != nil {
		log.WithError(err).Error("Scheduled batch update failed")
		return
	}
	log.Info("Scheduled batch update finished")
}
