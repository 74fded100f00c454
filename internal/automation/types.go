package automation

import (
	"text/template"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nerrad567/fleetlink-core/internal/alert"
)

// Wildcard matches every device.
const Wildcard = "*"

// TriggerKind is the closed set of events a rule reacts to.
type TriggerKind string

const (
	TriggerMetricChange  TriggerKind = "metric_change"
	TriggerSchedule      TriggerKind = "schedule"
	TriggerDeviceOffline TriggerKind = "device_offline"
)

// Trigger selects when a rule is evaluated.
type Trigger struct {
	Kind TriggerKind `json:"kind"`

	// DeviceID restricts the trigger to one device. Empty or "*" matches
	// every device.
	DeviceID string `json:"device_id,omitempty"`

	// Metric restricts metric_change to one metric. Empty matches any
	// metric or status update of the device.
	Metric string `json:"metric,omitempty"`

	// Schedule is a standard 5-field cron expression.
	Schedule string `json:"schedule,omitempty"`
}

// ConditionKind is the closed set of condition variants.
type ConditionKind string

const (
	CondAlways       ConditionKind = "always"
	CondMetric       ConditionKind = "metric"
	CondOnline       ConditionKind = "online"
	CondOffline      ConditionKind = "offline"
	CondStatusEquals ConditionKind = "status_equals"
	CondAll          ConditionKind = "all"
	CondAny          ConditionKind = "any"
	CondNot          ConditionKind = "not"
)

// Condition is a predicate over registry state. Fields not used by Kind
// are ignored.
type Condition struct {
	Kind ConditionKind `json:"kind"`

	// DeviceID names the device to inspect. Empty means the rule's target
	// device.
	DeviceID string `json:"device_id,omitempty"`

	// metric: either Operator and Bound, or an inclusive Min/Max range.
	Metric   string         `json:"metric,omitempty"`
	Operator alert.Operator `json:"operator,omitempty"`
	Bound    *float64       `json:"bound,omitempty"`
	Min      *float64       `json:"min,omitempty"`
	Max      *float64       `json:"max,omitempty"`

	// status_equals
	Key   string `json:"key,omitempty"`
	Value any    `json:"value,omitempty"`

	// all, any and not. not takes exactly one.
	Conditions []Condition `json:"conditions,omitempty"`
}

// ActionKind is the closed set of rule actions.
type ActionKind string

const (
	ActionCommand ActionKind = "command"
	ActionAlert   ActionKind = "alert"
)

// Action is what a rule does when it fires. DeviceID, string Params and
// Message are text/template strings rendered with TemplateData.
type Action struct {
	Kind ActionKind `json:"kind"`

	// DeviceID defaults to the target device.
	DeviceID string `json:"device_id,omitempty"`

	// command
	Action         string         `json:"action,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`

	// alert
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
}

// TemplateData is the context for action templates.
type TemplateData struct {
	DeviceID string
	Metric   string
	Value    float64
	Rule     string
}

// Rule is an operator-defined automation rule.
type Rule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Trigger   Trigger    `json:"trigger"`
	Condition *Condition `json:"condition,omitempty"`
	Action    Action     `json:"action"`
	Enabled   bool       `json:"enabled"`

	// LevelTriggered rules fire on every evaluation while the condition
	// holds instead of only on its rising edge.
	LevelTriggered bool `json:"level_triggered"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	compiled *compiled
}

// compiled holds the parsed schedule and templates of a validated rule.
type compiled struct {
	schedule cron.Schedule
	device   *template.Template
	message  *template.Template
	params   map[string]*template.Template
}

// DeepCopy creates an independent copy of the rule. Compiled templates
// are shared; they are immutable after validation.
func (r *Rule) DeepCopy() *Rule {
	if r == nil {
		return nil
	}
	cpy := *r
	if r.Condition != nil {
		c := r.Condition.deepCopy()
		cpy.Condition = &c
	}
	cpy.Action.Params = deepCopyMap(r.Action.Params)
	return &cpy
}

func (c Condition) deepCopy() Condition {
	cpy := c
	cpy.Bound = cloneFloatPtr(c.Bound)
	cpy.Min = cloneFloatPtr(c.Min)
	cpy.Max = cloneFloatPtr(c.Max)
	cpy.Value = deepCopyValue(c.Value)
	if c.Conditions != nil {
		cpy.Conditions = make([]Condition, len(c.Conditions))
		for i, sub := range c.Conditions {
			cpy.Conditions[i] = sub.deepCopy()
		}
	}
	return cpy
}

func cloneFloatPtr(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}
