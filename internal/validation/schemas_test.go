package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T) *SchemaValidator {
	t.Helper()
	sv, err := NewSchemaValidator()
	require.NoError(t, err)
	return sv
}

func TestValidateTaskInfo(t *testing.T) {
	sv := newValidator(t)

	tests := []struct {
		name  string
		info  map[string]interface{}
		valid bool
		field string
	}{
		{"nil", nil, true, ""},
		{"camel case", map[string]interface{}{"quantity": 120, "stageType": "SLICING", "productTypeId": 7}, true, ""},
		{"snake case", map[string]interface{}{"deadline_hours": 4.5, "stage_type": "切片"}, true, ""},
		{"unknown keys pass", map[string]interface{}{"line": "A"}, true, ""},
		{"negative quantity", map[string]interface{}{"quantity": -1}, false, "quantity"},
		{"complexity out of range", map[string]interface{}{"complexity": 9}, false, "complexity"},
		{"priority as text", map[string]interface{}{"priority": "high"}, false, "priority"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := sv.ValidateTaskInfo(tt.info)
			assert.Equal(t, tt.valid, res.Valid, "%v", res.Errors)
			if tt.field != "" {
				assert.Contains(t, res.FieldErrors(), tt.field)
			}
		})
	}
}

func TestValidateJSON(t *testing.T) {
	sv := newValidator(t)

	tests := []struct {
		name   string
		schema string
		body   string
		valid  bool
	}{
		{"recommendation", RecommendationRequest, `{"candidate_worker_ids":[1,2],"mode":"mmr"}`, true},
		{"recommendation without candidates", RecommendationRequest, `{"task_info":{}}`, false},
		{"recommendation bad mode", RecommendationRequest, `{"candidate_worker_ids":[1],"mode":"random"}`, false},
		{"recommendation zero worker", RecommendationRequest, `{"candidate_worker_ids":[0]}`, false},
		{"allocation", AllocationRequest, `{"task_id":"t1","stage_type":"SLICING","worker_id":3}`, true},
		{"allocation short context", AllocationRequest, `{"task_id":"t1","stage_type":"SLICING","worker_id":3,"context":[0.1]}`, false},
		{"allocation unknown field", AllocationRequest, `{"task_id":"t1","stage_type":"SLICING","worker_id":3,"extra":1}`, false},
		{"outcome", TaskOutcome, `{"actual_quantity":90,"actual_hours":7.5,"quality_score":0.9}`, true},
		{"outcome quality above one", TaskOutcome, `{"actual_quantity":90,"actual_hours":7.5,"quality_score":1.5}`, false},
		{"malformed", TaskOutcome, `{"actual_quantity":`, false},
		{"unknown schema", "nope", `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := sv.ValidateJSON(tt.schema, []byte(tt.body))
			assert.Equal(t, tt.valid, res.Valid, "%v", res.Errors)
		})
	}
}
