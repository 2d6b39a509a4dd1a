package features

import (
	"strings"
	"time"

	"github.com/spf13/cast"
)

// TaskInfo is the typed form of the loosely-specified task description
// callers send. Nil / empty fields fall back to configured defaults during
// extraction.
type TaskInfo struct {
	Quantity      *float64   `json:"quantity,omitempty"`
	DeadlineHours *float64   `json:"deadline_hours,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	ProductTypeID string     `json:"product_type_id,omitempty"`
	Priority      *float64   `json:"priority,omitempty"`
	Complexity    *float64   `json:"complexity,omitempty"`
	WorkshopID    string     `json:"workshop_id,omitempty"`
	StageType     string     `json:"stage_type,omitempty"`
	PlannedHours  *float64   `json:"planned_hours,omitempty"`
}

// TaskInfoFromMap coerces a loose key/value task description. Keys are
// accepted in camelCase or snake_case; values that cannot be coerced are
// dropped so the extraction default applies.
func TaskInfoFromMap(m map[string]any) TaskInfo {
	var info TaskInfo
	if len(m) == 0 {
		return info
	}
	keyed := make(map[string]any, len(m))
	for k, v := range m {
		keyed[normalizeKey(k)] = v
	}

	info.Quantity = floatField(keyed, "quantity", "plannedquantity")
	info.DeadlineHours = floatField(keyed, "deadlinehours", "hoursuntildeadline")
	info.Priority = floatField(keyed, "priority")
	info.Complexity = floatField(keyed, "complexity", "complexitylevel")
	info.PlannedHours = floatField(keyed, "plannedhours")
	info.ProductTypeID = stringField(keyed, "producttypeid", "producttype")
	info.WorkshopID = stringField(keyed, "workshopid", "workshop")
	info.StageType = stringField(keyed, "stagetype", "processstagetype", "stage")

	if v, ok := first(keyed, "deadline", "duedate", "expectedcompletiondate"); ok {
		if t, err := cast.ToTimeE(v); err == nil && !t.IsZero() {
			info.Deadline = &t
		}
	}
	return info
}

// Map renders the task info back to its loose form.
func (t TaskInfo) Map() map[string]any {
	m := make(map[string]any)
	setFloat := func(k string, v *float64) {
		if v != nil {
			m[k] = *v
		}
	}
	setFloat("quantity", t.Quantity)
	setFloat("deadlineHours", t.DeadlineHours)
	setFloat("priority", t.Priority)
	setFloat("complexity", t.Complexity)
	setFloat("plannedHours", t.PlannedHours)
	if t.Deadline != nil {
		m["deadline"] = t.Deadline.Format(time.RFC3339)
	}
	if t.ProductTypeID != "" {
		m["productTypeId"] = t.ProductTypeID
	}
	if t.WorkshopID != "" {
		m["workshopId"] = t.WorkshopID
	}
	if t.StageType != "" {
		m["stageType"] = t.StageType
	}
	return m
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "_", "")
	return strings.ReplaceAll(k, "-", "")
}

func first(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func floatField(m map[string]any, keys ...string) *float64 {
	v, ok := first(m, keys...)
	if !ok {
		return nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return nil
	}
	return &f
}

func stringField(m map[string]any, keys ...string) string {
	v, ok := first(m, keys...)
	if !ok {
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// Float is a small helper for building TaskInfo literals.
func Float(v float64) *float64 { return &v }
