package automation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/nerrad567/fleetlink-core/internal/alert"
	"github.com/nerrad567/fleetlink-core/internal/command"
	"github.com/nerrad567/fleetlink-core/internal/device"
)

// Logger defines the logging interface used by the Engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// CommandSubmitter accepts commands produced by rules. The command router
// satisfies it.
type CommandSubmitter interface {
	Submit(deviceID, action string, params map[string]any, timeout time.Duration, now time.Time) (command.Pending, error)
}

// ChangeKind classifies a registry change for trigger matching.
type ChangeKind int

const (
	ChangeMetric ChangeKind = iota + 1
	ChangeStatus
	ChangeOffline
)

// StateChange is a registry change that may trigger rules.
type StateChange struct {
	DeviceID string
	Kind     ChangeKind
	Metric   string
	Value    float64
}

// ChangesFrom converts the result of a registry Apply call. Readings that
// only reached history produce no metric change.
func ChangesFrom(c device.Change) []StateChange {
	var out []StateChange
	switch c.Kind {
	case device.DataChanged:
		if c.LatestUpdated {
			out = append(out, StateChange{
				DeviceID: c.DeviceID,
				Kind:     ChangeMetric,
				Metric:   c.Metric,
				Value:    c.Reading.Value,
			})
		}
	case device.StatusChanged:
		out = append(out, StateChange{DeviceID: c.DeviceID, Kind: ChangeStatus})
	}
	if c.WentOffline {
		out = append(out, StateChange{DeviceID: c.DeviceID, Kind: ChangeOffline})
	}
	return out
}

// Firing is the result of one rule firing for one target.
type Firing struct {
	RuleID   string
	DeviceID string
	At       time.Time

	// Exactly one of Command and Alert is set.
	Command *command.Pending
	Alert   *alert.Event
}

type edgeKey struct {
	rule   string
	device string
}

// Engine evaluates automation rules against registry state. It is not safe
// for concurrent use; the dispatch loop owns it.
type Engine struct {
	rules   map[string]*Rule
	fired   map[edgeKey]bool
	lastRun map[string]time.Time

	router CommandSubmitter
	source string
	newID  func() string
	logger Logger
}

// NewEngine creates an engine that submits commands through router. Alert
// actions carry source in their Source field.
func NewEngine(router CommandSubmitter, source string) *Engine {
	return &Engine{
		rules:   make(map[string]*Rule),
		fired:   make(map[edgeKey]bool),
		lastRun: make(map[string]time.Time),
		router:  router,
		source:  source,
		newID:   GenerateID,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	e.logger = logger
}

// Load replaces the rule set with stored rules. Invalid rules are skipped
// and reported in the returned error; valid ones are still loaded.
func (e *Engine) Load(rules []Rule) error {
	e.rules = make(map[string]*Rule, len(rules))
	e.fired = make(map[edgeKey]bool)
	e.lastRun = make(map[string]time.Time)

	var errs []error
	for i := range rules {
		r := rules[i].DeepCopy()
		if err := Validate(r); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rules[i].ID, err))
			continue
		}
		e.rules[r.ID] = r
	}
	e.logger.Info("automation rules loaded", "count", len(e.rules), "skipped", len(errs))
	return errors.Join(errs...)
}

// Upsert validates and stores a rule. An empty ID is generated. Firing
// state of an existing rule is reset.
func (e *Engine) Upsert(rule Rule, now time.Time) (Rule, error) {
	r := rule.DeepCopy()
	if r.ID == "" {
		r.ID = e.newID()
	}
	if err := Validate(r); err != nil {
		return Rule{}, err
	}

	if old, ok := e.rules[r.ID]; ok {
		r.CreatedAt = old.CreatedAt
	} else if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	e.rules[r.ID] = r
	e.resetRule(r.ID)
	e.lastRun[r.ID] = now

	e.logger.Info("automation rule saved", "id", r.ID, "name", r.Name)
	return *r.DeepCopy(), nil
}

// Delete removes a rule.
func (e *Engine) Delete(id string) error {
	if _, ok := e.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(e.rules, id)
	e.resetRule(id)
	e.logger.Info("automation rule deleted", "id", id)
	return nil
}

// Get returns a copy of one rule.
func (e *Engine) Get(id string) (Rule, bool) {
	r, ok := e.rules[id]
	if !ok {
		return Rule{}, false
	}
	return *r.DeepCopy(), true
}

// List returns copies of all rules ordered by name then ID.
func (e *Engine) List() []Rule {
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.sorted() {
		out = append(out, *r.DeepCopy())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Forget drops firing state kept for a device.
func (e *Engine) Forget(deviceID string) {
	for k := range e.fired {
		if k.device == deviceID {
			delete(e.fired, k)
		}
	}
}

func (e *Engine) resetRule(id string) {
	for k := range e.fired {
		if k.rule == id {
			delete(e.fired, k)
		}
	}
	delete(e.lastRun, id)
}

func (e *Engine) sorted() []*Rule {
	out := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnChange evaluates enabled rules triggered by a registry change.
func (e *Engine) OnChange(ev StateChange, reg device.StateReader, now time.Time) ([]Firing, []error) {
	var (
		firings []Firing
		errs    []error
	)
	for _, r := range e.sorted() {
		if !r.Enabled || !r.Trigger.matches(ev) {
			continue
		}
		td := e.templateData(r, ev.DeviceID, &ev, reg)
		f, err := e.run(r, ev.DeviceID, td, reg, now)
		if err != nil {
			errs = append(errs, &RuleError{RuleID: r.ID, DeviceID: ev.DeviceID, Err: err})
			continue
		}
		if f != nil {
			firings = append(firings, *f)
		}
	}
	return firings, errs
}

// Tick runs schedule rules whose next occurrence is due. Occurrences
// missed between ticks collapse into one. A rule's first tick only
// records the starting point.
func (e *Engine) Tick(reg device.StateReader, now time.Time) ([]Firing, []error) {
	var (
		firings []Firing
		errs    []error
	)
	for _, r := range e.sorted() {
		if !r.Enabled || r.Trigger.Kind != TriggerSchedule {
			continue
		}
		last, ok := e.lastRun[r.ID]
		if !ok {
			e.lastRun[r.ID] = now
			continue
		}
		if r.compiled.schedule.Next(last).After(now) {
			continue
		}
		e.lastRun[r.ID] = now

		for _, target := range scheduleTargets(r.Trigger, reg) {
			td := e.templateData(r, target, nil, reg)
			f, err := e.run(r, target, td, reg, now)
			if err != nil {
				errs = append(errs, &RuleError{RuleID: r.ID, DeviceID: target, Err: err})
				continue
			}
			if f != nil {
				firings = append(firings, *f)
			}
		}
	}
	return firings, errs
}

func scheduleTargets(t Trigger, reg device.StateReader) []string {
	switch t.DeviceID {
	case Wildcard:
		return reg.IDs()
	default:
		return []string{t.DeviceID}
	}
}

func (t Trigger) matchesDevice(id string) bool {
	return t.DeviceID == "" || t.DeviceID == Wildcard || t.DeviceID == id
}

func (t Trigger) matches(ev StateChange) bool {
	if !t.matchesDevice(ev.DeviceID) {
		return false
	}
	switch t.Kind {
	case TriggerMetricChange:
		switch ev.Kind {
		case ChangeMetric:
			return t.Metric == "" || t.Metric == ev.Metric
		case ChangeStatus:
			return t.Metric == ""
		}
	case TriggerDeviceOffline:
		return ev.Kind == ChangeOffline
	}
	return false
}

// run evaluates the condition and fires on its rising edge. Rules without
// a condition fire on every trigger. A failed action leaves the edge
// unconsumed so the next evaluation retries.
func (e *Engine) run(r *Rule, target string, td TemplateData, reg device.StateReader, now time.Time) (*Firing, error) {
	key := edgeKey{rule: r.ID, device: target}

	ok, err := evaluate(r.Condition, target, reg, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		delete(e.fired, key)
		return nil, nil
	}
	edge := r.Condition != nil && !r.LevelTriggered
	if edge && e.fired[key] {
		return nil, nil
	}

	f, err := e.execute(r, target, td, now)
	if err != nil {
		return nil, err
	}
	if edge {
		e.fired[key] = true
	}
	e.logger.Debug("automation rule fired", "id", r.ID, "device_id", f.DeviceID)
	return f, nil
}

func (e *Engine) templateData(r *Rule, target string, ev *StateChange, reg device.StateReader) TemplateData {
	td := TemplateData{DeviceID: target, Rule: r.Name, Metric: r.Trigger.Metric}
	if ev != nil && ev.Kind == ChangeMetric {
		td.Metric = ev.Metric
		td.Value = ev.Value
		return td
	}
	if td.Metric != "" && target != "" {
		if latest, ok := reg.Latest(target, td.Metric); ok {
			td.Value = latest.Value
		}
	}
	return td
}

func (e *Engine) execute(r *Rule, target string, td TemplateData, now time.Time) (*Firing, error) {
	deviceID := target
	if r.compiled.device != nil {
		var err error
		if deviceID, err = render(r.compiled.device, td); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrActionFailed, err)
		}
		deviceID = strings.TrimSpace(deviceID)
	}
	if deviceID == "" {
		return nil, fmt.Errorf("%w: no target device", ErrActionFailed)
	}

	f := &Firing{RuleID: r.ID, DeviceID: deviceID, At: now}
	switch r.Action.Kind {
	case ActionCommand:
		params, err := r.renderParams(td)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrActionFailed, err)
		}
		timeout := time.Duration(r.Action.TimeoutSeconds) * time.Second
		p, err := e.router.Submit(deviceID, r.Action.Action, params, timeout, now)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrActionFailed, err)
		}
		f.Command = &p

	case ActionAlert:
		msg := fmt.Sprintf("automation %q fired for %s", r.Name, deviceID)
		if r.compiled.message != nil {
			var err error
			if msg, err = render(r.compiled.message, td); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrActionFailed, err)
			}
		}
		ev := alert.Event{
			ID:       e.newID(),
			RuleID:   r.ID,
			DeviceID: deviceID,
			Metric:   td.Metric,
			Level:    r.Action.Level,
			Message:  msg,
			Source:   e.source,
			FiredAt:  now,
		}
		if td.Metric != "" {
			v := td.Value
			ev.Value = &v
		}
		f.Alert = &ev

	default:
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidAction, string(r.Action.Kind))
	}
	return f, nil
}

func (r *Rule) renderParams(td TemplateData) (map[string]any, error) {
	if len(r.Action.Params) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(r.Action.Params))
	for k, v := range r.Action.Params {
		tmpl, ok := r.compiled.params[k]
		if !ok {
			out[k] = deepCopyValue(v)
			continue
		}
		s, err := render(tmpl, td)
		if err != nil {
			return nil, err
		}
		out[k] = s
	}
	return out, nil
}

func render(tmpl *template.Template, td TemplateData) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, td); err != nil {
		return "", fmt.Errorf("rendering %s: %w", tmpl.Name(), err)
	}
	return b.String(), nil
}
