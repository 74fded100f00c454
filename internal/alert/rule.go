package alert

import (
	"fmt"
	"math"
	"strings"
	"text/template"
	"time"

	"github.com/nerrad567/fleetlink-core/internal/codec"
	"github.com/nerrad567/fleetlink-core/internal/infrastructure/config"
)

// Wildcard matches every device.
const Wildcard = "*"

// Kind is the closed set of alert condition kinds.
type Kind string

const (
	KindThreshold    Kind = "threshold"
	KindRateOfChange Kind = "rate_of_change"
	KindStaleness    Kind = "staleness"
)

// Operator compares a value against a bound.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
)

// Compare applies the operator to v and bound.
func (o Operator) Compare(v, bound float64) (bool, error) {
	switch o {
	case OpGreater:
		return v > bound, nil
	case OpLess:
		return v < bound, nil
	case OpGreaterEqual:
		return v >= bound, nil
	case OpLessEqual:
		return v <= bound, nil
	case OpEqual:
		return v == bound, nil
	default:
		return false, fmt.Errorf("unknown operator %q", string(o))
	}
}

// Condition is the tagged condition of a rule. Fields not used by Kind are
// ignored.
type Condition struct {
	Kind     Kind     `json:"kind"`
	Operator Operator `json:"operator,omitempty"`
	Bound    float64  `json:"bound,omitempty"`

	// Per scales rate_of_change to a unit of time. Defaults to one second.
	Per time.Duration `json:"per,omitempty"`

	// Absolute compares the magnitude of the rate.
	Absolute bool `json:"absolute,omitempty"`

	// MaxAge is the staleness limit.
	MaxAge time.Duration `json:"max_age,omitempty"`
}

// Rule is an alert rule.
type Rule struct {
	ID        string        `json:"id"`
	DeviceID  string        `json:"device_id"`
	Metric    string        `json:"metric,omitempty"`
	Condition Condition     `json:"condition"`
	Severity  string        `json:"severity"`
	Cooldown  time.Duration `json:"cooldown"`

	// Message is a text/template rendered with MessageData.
	Message string `json:"message,omitempty"`

	tmpl *template.Template
}

// MessageData is the template context of a rule message.
type MessageData struct {
	Rule     string
	DeviceID string
	Metric   string
	Value    float64
	Bound    float64
}

// Matches reports whether the rule applies to a device.
func (r *Rule) Matches(deviceID string) bool {
	return r.DeviceID == Wildcard || r.DeviceID == deviceID
}

// Validate checks a rule and compiles its message template.
func (r *Rule) Validate() error {
	var errs []string
	if r.ID == "" {
		errs = append(errs, "id is required")
	}
	if r.DeviceID == "" {
		errs = append(errs, `device_id is required (use "*" for all devices)`)
	} else if r.DeviceID != Wildcard && !codec.ValidDeviceID(r.DeviceID) {
		errs = append(errs, fmt.Sprintf("device_id %q is invalid", r.DeviceID))
	}
	if codec.LevelRank(r.Severity) == 0 {
		errs = append(errs, fmt.Sprintf("severity %q is invalid", r.Severity))
	}
	if r.Cooldown < 0 {
		errs = append(errs, "cooldown must not be negative")
	}

	c := r.Condition
	switch c.Kind {
	case KindThreshold, KindRateOfChange:
		if r.Metric == "" {
			errs = append(errs, "metric is required")
		}
		if _, err := c.Operator.Compare(0, 0); err != nil {
			errs = append(errs, err.Error())
		}
		if math.IsNaN(c.Bound) || math.IsInf(c.Bound, 0) {
			errs = append(errs, "bound must be finite")
		}
		if c.Per < 0 {
			errs = append(errs, "per must not be negative")
		}
	case KindStaleness:
		if c.MaxAge <= 0 {
			errs = append(errs, "max_age must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("kind %q is invalid", string(c.Kind)))
	}

	if r.Message != "" {
		tmpl, err := template.New(r.ID).Option("missingkey=error").Parse(r.Message)
		if err != nil {
			errs = append(errs, fmt.Sprintf("message template: %v", err))
		}
		r.tmpl = tmpl
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w %q: %s", ErrInvalidRule, r.ID, strings.Join(errs, "; "))
	}
	return nil
}

func (r *Rule) render(deviceID string, value float64) (string, error) {
	if r.tmpl == nil {
		return r.defaultMessage(deviceID, value), nil
	}
	var b strings.Builder
	err := r.tmpl.Execute(&b, MessageData{
		Rule:     r.ID,
		DeviceID: deviceID,
		Metric:   r.Metric,
		Value:    value,
		Bound:    r.Condition.Bound,
	})
	if err != nil {
		return "", fmt.Errorf("rendering message: %w", err)
	}
	return b.String(), nil
}

func (r *Rule) defaultMessage(deviceID string, value float64) string {
	c := r.Condition
	switch c.Kind {
	case KindRateOfChange:
		return fmt.Sprintf("%s on %s changing at %g per %s (%s %g)", r.Metric, deviceID, value, c.per(), c.Operator, c.Bound)
	case KindStaleness:
		subject := "no traffic"
		if r.Metric != "" {
			subject = "no " + r.Metric + " readings"
		}
		return fmt.Sprintf("%s from %s for %s", subject, deviceID, time.Duration(value*float64(time.Second)).Round(time.Second))
	default:
		return fmt.Sprintf("%s on %s is %g (%s %g)", r.Metric, deviceID, value, c.Operator, c.Bound)
	}
}

func (c Condition) per() time.Duration {
	if c.Per <= 0 {
		return time.Second
	}
	return c.Per
}

// RulesFromConfig converts configured rules, defaulting an empty device to
// the wildcard and an empty severity to WARNING. NewEngine validates them.
func RulesFromConfig(cfgs []config.AlertRuleConfig) []Rule {
	rules := make([]Rule, 0, len(cfgs))
	for _, c := range cfgs {
		r := Rule{
			ID:       c.ID,
			DeviceID: c.DeviceID,
			Metric:   c.Metric,
			Condition: Condition{
				Kind:     Kind(c.Kind),
				Operator: Operator(c.Operator),
				Bound:    c.Bound,
				Per:      c.Per,
				Absolute: c.Absolute,
				MaxAge:   c.MaxAge,
			},
			Severity: c.Severity,
			Cooldown: c.Cooldown,
			Message:  c.Message,
		}
		if r.DeviceID == "" {
			r.DeviceID = Wildcard
		}
		if r.Severity == "" {
			r.Severity = codec.LevelWarning
		}
		rules = append(rules, r)
	}
	return rules
}
