package alert

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fleetlink-core/internal/codec"
	"github.com/nerrad567/fleetlink-core/internal/device"
)

// Event is one alert occurrence, raised by a rule or received from a device.
type Event struct {
	ID       string    `json:"id"`
	RuleID   string    `json:"rule_id,omitempty"`
	DeviceID string    `json:"device_id"`
	Metric   string    `json:"metric,omitempty"`
	Level    string    `json:"level"`
	Message  string    `json:"message"`
	Value    *float64  `json:"value,omitempty"`
	Source   string    `json:"source"`
	FiredAt  time.Time `json:"timestamp"`
}

// AtLeast reports whether the event is at or above level.
func (ev Event) AtLeast(level string) bool {
	return codec.LevelRank(ev.Level) >= codec.LevelRank(level)
}

type phase int

const (
	armed phase = iota
	cooldown
)

type pairKey struct {
	rule   string
	device string
}

type pairState struct {
	phase   phase
	firedAt time.Time
}

// errNoData means a condition cannot be decided yet. It is not reported.
var errNoData = errors.New("no data")

// Engine evaluates alert rules. It is not safe for concurrent use.
type Engine struct {
	rules  []Rule
	states map[pairKey]*pairState
	source string
	newID  func() string
}

// NewEngine validates rules and creates an engine. Events carry source in
// their Source field.
func NewEngine(rules []Rule, source string) (*Engine, error) {
	seen := make(map[string]bool, len(rules))
	compiled := make([]Rule, len(rules))
	var errs []error
	for i := range rules {
		compiled[i] = rules[i]
		r := &compiled[i]
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("%w %q: duplicate id", ErrInvalidRule, r.ID))
		}
		seen[r.ID] = true
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &Engine{
		rules:  compiled,
		states: make(map[pairKey]*pairState),
		source: source,
		newID:  uuid.NewString,
	}, nil
}

// Rules returns the configured rules.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate runs threshold and rate-of-change rules for a metric that just
// received a reading on deviceID.
func (e *Engine) Evaluate(deviceID, metric string, reg device.StateReader, now time.Time) ([]Event, []error) {
	var (
		events []Event
		errs   []error
	)
	for i := range e.rules {
		r := &e.rules[i]
		if r.Condition.Kind == KindStaleness || r.Metric != metric || !r.Matches(deviceID) {
			continue
		}
		ev, err := e.evaluateRule(r, deviceID, reg, now)
		if err != nil {
			errs = append(errs, &RuleError{RuleID: r.ID, DeviceID: deviceID, Err: err})
			continue
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return events, errs
}

// Tick runs staleness rules across the fleet.
func (e *Engine) Tick(reg device.StateReader, now time.Time) ([]Event, []error) {
	var (
		events []Event
		errs   []error
	)
	for i := range e.rules {
		r := &e.rules[i]
		if r.Condition.Kind != KindStaleness {
			continue
		}
		targets := []string{r.DeviceID}
		if r.DeviceID == Wildcard {
			targets = reg.IDs()
		}
		for _, id := range targets {
			if !reg.Known(id) {
				continue
			}
			ev, err := e.evaluateRule(r, id, reg, now)
			if err != nil {
				errs = append(errs, &RuleError{RuleID: r.ID, DeviceID: id, Err: err})
				continue
			}
			if ev != nil {
				events = append(events, *ev)
			}
		}
	}
	return events, errs
}

// Forget drops all state kept for a device.
func (e *Engine) Forget(deviceID string) {
	for k := range e.states {
		if k.device == deviceID {
			delete(e.states, k)
		}
	}
}

func (e *Engine) evaluateRule(r *Rule, deviceID string, reg device.StateReader, now time.Time) (*Event, error) {
	active, value, err := condition(r, deviceID, reg, now)
	if errors.Is(err, errNoData) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEvaluation, err)
	}
	if !e.step(pairKey{r.ID, deviceID}, r.Cooldown, active, now) {
		return nil, nil
	}

	msg, err := r.render(deviceID, value)
	if err != nil {
		// The alert still fires; the message falls back to the default.
		msg = r.defaultMessage(deviceID, value)
	}
	v := value
	return &Event{
		ID:       e.newID(),
		RuleID:   r.ID,
		DeviceID: deviceID,
		Metric:   r.Metric,
		Level:    r.Severity,
		Message:  msg,
		Value:    &v,
		Source:   e.source,
		FiredAt:  now,
	}, nil
}

// step advances the per-pair state machine and reports whether to fire.
// A pair in cooldown re-arms only on an evaluation that finds the cooldown
// elapsed and the condition false; the next true evaluation fires.
func (e *Engine) step(key pairKey, cd time.Duration, active bool, now time.Time) bool {
	st, ok := e.states[key]
	if !ok {
		st = &pairState{phase: armed}
		e.states[key] = st
	}

	switch {
	case st.phase == cooldown:
		if !active && now.Sub(st.firedAt) >= cd {
			st.phase = armed
		}
		return false
	case !active:
		return false
	}

	st.phase = cooldown
	st.firedAt = now
	return true
}

// condition decides a rule for one device and returns the observed value:
// the metric value, the scaled rate, or the age in seconds.
func condition(r *Rule, deviceID string, reg device.StateReader, now time.Time) (bool, float64, error) {
	c := r.Condition
	switch c.Kind {
	case KindThreshold:
		latest, ok := reg.Latest(deviceID, r.Metric)
		if !ok {
			return false, 0, errNoData
		}
		active, err := c.Operator.Compare(latest.Value, c.Bound)
		return active, latest.Value, err

	case KindRateOfChange:
		latest, ok := reg.Latest(deviceID, r.Metric)
		if !ok {
			return false, 0, errNoData
		}
		prev, ok := reg.Previous(deviceID, r.Metric)
		if !ok {
			return false, 0, errNoData
		}
		dt := latest.Timestamp.Sub(prev.Timestamp)
		if dt <= 0 {
			return false, 0, errNoData
		}
		rate := (latest.Value - prev.Value) / dt.Seconds() * c.per().Seconds()
		if c.Absolute {
			rate = math.Abs(rate)
		}
		active, err := c.Operator.Compare(rate, c.Bound)
		return active, rate, err

	case KindStaleness:
		var last time.Time
		if r.Metric != "" {
			latest, ok := reg.Latest(deviceID, r.Metric)
			if !ok {
				return false, 0, errNoData
			}
			last = latest.ReceivedAt
		} else {
			seen, ok := reg.LastSeen(deviceID)
			if !ok {
				return false, 0, errNoData
			}
			last = seen
		}
		age := now.Sub(last)
		return age > c.MaxAge, age.Seconds(), nil

	default:
		return false, 0, fmt.Errorf("unknown kind %q", string(c.Kind))
	}
}
