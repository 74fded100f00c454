package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/nerrad567/fleetlink-core/internal/alert"
	"github.com/nerrad567/fleetlink-core/internal/automation"
	"github.com/nerrad567/fleetlink-core/internal/codec"
	"github.com/nerrad567/fleetlink-core/internal/command"
	"github.com/nerrad567/fleetlink-core/internal/device"
	"github.com/nerrad567/fleetlink-core/internal/fanout"
	"github.com/nerrad567/fleetlink-core/internal/infrastructure/config"
)

// Defaults applied by New for zero options.
const (
	DefaultTickInterval     = time.Second
	DefaultOfflineQueueSize = 256
)

// Logger defines the logging interface used by the loop.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options tunes the loop.
type Options struct {
	TickInterval time.Duration

	// InboundBuffer is the capacity of the inbound message channel. Zero
	// makes it unbuffered. While it is full the transport's delivery
	// goroutine waits, which also holds back publish acknowledgements.
	InboundBuffer int

	// OfflinePolicy is config.OfflinePolicyQueue (default) or
	// config.OfflinePolicyFailFast.
	OfflinePolicy    string
	OfflineQueueSize int

	// QoS for subscriptions and publishes.
	QoS byte

	// MaxClockSkew bounds device timestamps. Zero uses the codec default.
	MaxClockSkew time.Duration

	// Reconnect backoff. Zero values use the defaults.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	ReconnectJitter  float64
}

// Deps are the components the loop owns. Registry, Router and Alerts are
// required.
type Deps struct {
	Bus      Bus
	Registry *device.Registry
	Router   *command.Router
	Alerts   *alert.Engine

	// AlertLog holds recent alerts. A default-sized log is created when nil.
	AlertLog *alert.Log

	// AutomationRules are loaded into the automation engine. Invalid rules
	// are skipped with a warning.
	AutomationRules []automation.Rule

	// RuleStore persists operator rule changes. Optional.
	RuleStore automation.Repository

	// Fanout receives side effects. Optional.
	Fanout *fanout.Fanout

	Logger Logger
}

// Status is a snapshot of the loop for health reporting.
type Status struct {
	Connected       bool      `json:"connected"`
	ClientID        string    `json:"client_id"`
	Devices         int       `json:"devices"`
	PendingCommands int       `json:"pending_commands"`
	OfflineQueued   int       `json:"offline_queued"`
	AlertRules      int       `json:"alert_rules"`
	AutomationRules int       `json:"automation_rules"`
	StartedAt       time.Time `json:"started_at"`
}

type inbound struct {
	topic   string
	payload []byte
}

type outbound struct {
	topic   string
	payload []byte
}

// Loop is the dispatch loop. All fields below the channels are owned by the
// goroutine running Run.
type Loop struct {
	bus        Bus
	clientID   string
	codec      *codec.Codec
	opts       Options
	logger     Logger
	now        func() time.Time
	newBackOff func() backoff.BackOff

	inbound    chan inbound
	requests   chan func()
	connEvents chan connEvent
	done       chan struct{}

	registry   *device.Registry
	router     *command.Router
	alerts     *alert.Engine
	alertLog   *alert.Log
	automation *automation.Engine
	ruleStore  automation.Repository
	fanout     *fanout.Fanout

	connected    bool
	subscribed   bool
	reconnecting bool
	offline      []outbound
	startedAt    time.Time
}

// New creates a loop. Run starts it.
func New(deps Deps, opts Options) *Loop {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.OfflinePolicy == "" {
		opts.OfflinePolicy = config.OfflinePolicyQueue
	}
	if opts.OfflineQueueSize <= 0 {
		opts.OfflineQueueSize = DefaultOfflineQueueSize
	}
	if opts.InboundBuffer < 0 {
		opts.InboundBuffer = 0
	}
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = codec.DefaultMaxClockSkew
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = DefaultReconnectInitial
	}
	if opts.ReconnectMax < opts.ReconnectInitial {
		opts.ReconnectMax = max(DefaultReconnectMax, opts.ReconnectInitial)
	}
	if opts.ReconnectJitter <= 0 || opts.ReconnectJitter >= 1 {
		opts.ReconnectJitter = DefaultReconnectJitter
	}

	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	alertLog := deps.AlertLog
	if alertLog == nil {
		alertLog = alert.NewLog(alert.DefaultLogSize)
	}

	clientID := deps.Bus.ClientID()
	l := &Loop{
		bus:        deps.Bus,
		clientID:   clientID,
		codec:      codec.New(clientID, opts.MaxClockSkew),
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		newBackOff: reconnectBackOff(opts.ReconnectInitial, opts.ReconnectMax, opts.ReconnectJitter),
		inbound:    make(chan inbound, opts.InboundBuffer),
		requests:   make(chan func()),
		connEvents: make(chan connEvent),
		done:       make(chan struct{}),
		registry:   deps.Registry,
		router:     deps.Router,
		alerts:     deps.Alerts,
		alertLog:   alertLog,
		ruleStore:  deps.RuleStore,
		fanout:     deps.Fanout,
	}

	l.automation = automation.NewEngine(submitter{l}, clientID)
	l.automation.SetLogger(logger)
	if err := l.automation.Load(deps.AutomationRules); err != nil {
		logger.Warn("some automation rules were skipped", "error", err)
	}
	return l
}

// Run connects the bus and processes events until ctx is cancelled. The bus
// is closed on return.
func (l *Loop) Run(ctx context.Context) error {
	l.startedAt = l.now()
	l.bus.SetOnDisconnect(func(err error) {
		if err == nil {
			err = errors.New("disconnected")
		}
		l.signal(connEvent{err: err})
	})

	l.startConnect(ctx)

	ticker := time.NewTicker(l.opts.TickInterval)
	defer ticker.Stop()

	l.logger.Info("dispatch loop started",
		"client_id", l.clientID,
		"tick", l.opts.TickInterval.String(),
		"offline_policy", l.opts.OfflinePolicy,
	)

	for {
		select {
		case <-ctx.Done():
			close(l.done)
			l.shutdown()
			return nil
		case m := <-l.inbound:
			l.handleInbound(m)
		case fn := <-l.requests:
			fn()
		case <-ticker.C:
			l.tick(l.now())
		case ev := <-l.connEvents:
			l.handleConnEvent(ctx, ev)
		}
		l.flushOutbound()
	}
}

func (l *Loop) shutdown() {
	if n := len(l.offline); n > 0 {
		l.logger.Warn("discarding queued outbound messages", "count", n)
	}
	if err := l.bus.Close(); err != nil {
		l.logger.Warn("MQTT close failed", "error", err)
	}
	l.logger.Info("dispatch loop stopped")
}

// handle is the bus message handler. It runs on the transport's goroutine
// and blocks until the loop accepts the message.
func (l *Loop) handle(topic string, payload []byte) error {
	select {
	case l.inbound <- inbound{topic: topic, payload: payload}:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

func (l *Loop) handleInbound(m inbound) {
	now := l.now()
	msg, err := l.codec.Decode(m.topic, m.payload, now)
	if err != nil {
		l.logger.Warn("dropping inbound message", "topic", m.topic, "error", err)
		return
	}

	switch v := msg.(type) {
	case codec.StatusMessage:
		l.onStatus(v, now)
	case codec.DataMessage:
		l.onData(v, now)
	case codec.AlertMessage:
		l.onAlert(v)
	case codec.SystemStatusMessage:
		l.onSystemStatus(v)
	default:
		l.logger.Debug("ignoring inbound message", "topic", m.topic, "kind", msg.Kind().String())
	}
}

func (l *Loop) onStatus(s codec.StatusMessage, now time.Time) {
	ch := l.registry.ApplyStatus(s.DeviceID, s, now)
	for _, p := range l.router.ObserveStatus(s.DeviceID, s, now) {
		l.logger.Debug("command acknowledged",
			"command_id", p.ID,
			"device_id", p.DeviceID,
			"ack", string(p.AckKind),
		)
		l.commandResolved(p)
	}
	l.afterChange(ch, now)
}

func (l *Loop) onData(d codec.DataMessage, now time.Time) {
	rd := device.Reading{
		DeviceID:   d.DeviceID,
		Metric:     d.Metric,
		Value:      d.Value,
		Unit:       d.Unit,
		Timestamp:  d.Timestamp,
		ReceivedAt: d.ReceivedAt,
	}
	ch := l.registry.ApplyData(d.DeviceID, rd, now)
	if l.fanout != nil {
		l.fanout.Reading(ch.Reading)
	}
	if ch.LatestUpdated {
		events, errs := l.alerts.Evaluate(d.DeviceID, d.Metric, l.registry, now)
		l.logErrors("alert rule evaluation failed", errs)
		for _, ev := range events {
			l.raise(ev)
		}
	}
	l.afterChange(ch, now)
}

// afterChange persists device identity and runs automation for one
// registry change.
func (l *Loop) afterChange(ch device.Change, now time.Time) {
	if l.fanout != nil && (ch.Kind == device.StatusChanged || ch.Created || ch.WentOnline) {
		if rec, ok := l.registry.Get(ch.DeviceID, now); ok {
			l.fanout.DeviceSeen(rec)
		}
	}
	if ch.WentOnline {
		l.logger.Info("device online", "device_id", ch.DeviceID)
	}
	if ch.WentOffline {
		l.logger.Info("device offline", "device_id", ch.DeviceID)
		if l.fanout != nil {
			last, _ := l.registry.LastSeen(ch.DeviceID)
			l.fanout.DeviceOffline(device.Transition{DeviceID: ch.DeviceID, LastSeen: last})
		}
	}
	for _, sc := range automation.ChangesFrom(ch) {
		l.runAutomation(l.automation.OnChange(sc, l.registry, now))
	}
}

// onAlert records an alert raised elsewhere. Echoes of our own alerts are
// already recorded.
func (l *Loop) onAlert(a codec.AlertMessage) {
	if a.Source == l.clientID {
		return
	}
	ev := alert.Event{
		ID:       uuid.NewString(),
		RuleID:   a.RuleID,
		DeviceID: a.DeviceID,
		Metric:   a.Metric,
		Level:    a.Level,
		Message:  a.Message,
		Value:    a.Value,
		Source:   a.Source,
		FiredAt:  a.Timestamp,
	}
	l.alertLog.Add(ev)
	if l.fanout != nil {
		l.fanout.Alert(ev)
	}
}

func (l *Loop) onSystemStatus(s codec.SystemStatusMessage) {
	if s.ClientID == l.clientID {
		return
	}
	l.logger.Info("peer service status",
		"client_id", s.ClientID,
		"status", s.Status,
		"reason", s.Reason,
	)
}

// raise records an alert produced by this service and publishes it.
func (l *Loop) raise(ev alert.Event) {
	l.logger.Info("alert raised",
		"alert_id", ev.ID,
		"rule_id", ev.RuleID,
		"device_id", ev.DeviceID,
		"level", ev.Level,
	)
	l.alertLog.Add(ev)
	if l.fanout != nil {
		l.fanout.Alert(ev)
	}

	topic, payload, err := l.codec.EncodeAlert(codec.AlertMessage{
		DeviceID:  ev.DeviceID,
		Level:     ev.Level,
		Message:   ev.Message,
		Timestamp: ev.FiredAt,
		Source:    ev.Source,
		RuleID:    ev.RuleID,
		Metric:    ev.Metric,
		Value:     ev.Value,
	})
	if err != nil {
		l.logger.Error("alert encode failed", "alert_id", ev.ID, "error", err)
		return
	}
	l.publish(topic, payload)
}

func (l *Loop) runAutomation(firings []automation.Firing, errs []error) {
	l.logErrors("automation rule failed", errs)
	for _, f := range firings {
		switch {
		case f.Command != nil:
			l.logger.Info("automation issued command",
				"rule_id", f.RuleID,
				"device_id", f.DeviceID,
				"command_id", f.Command.ID,
				"action", f.Command.Action,
			)
		case f.Alert != nil:
			l.raise(*f.Alert)
		}
	}
}

func (l *Loop) commandResolved(p command.Pending) {
	if l.fanout != nil {
		l.fanout.CommandResolved(p)
	}
}

func (l *Loop) tick(now time.Time) {
	for _, t := range l.registry.Sweep(now) {
		l.logger.Info("device offline", "device_id", t.DeviceID, "last_seen", t.LastSeen)
		if l.fanout != nil {
			l.fanout.DeviceOffline(t)
		}
		sc := automation.StateChange{DeviceID: t.DeviceID, Kind: automation.ChangeOffline}
		l.runAutomation(l.automation.OnChange(sc, l.registry, now))
	}

	for _, p := range l.router.Sweep(now) {
		l.logger.Warn("command timed out",
			"command_id", p.ID,
			"device_id", p.DeviceID,
			"action", p.Action,
		)
		l.commandResolved(p)
	}

	events, errs := l.alerts.Tick(l.registry, now)
	l.logErrors("alert rule evaluation failed", errs)
	for _, ev := range events {
		l.raise(ev)
	}

	l.runAutomation(l.automation.Tick(l.registry, now))

	if l.fanout != nil {
		l.fanout.Maintain(now)
	}
}

// flushOutbound encodes and publishes every control message the router
// has released.
func (l *Loop) flushOutbound() {
	for _, o := range l.router.Drain() {
		topic, payload, err := l.codec.EncodeControl(o.DeviceID, o.CommandID, o.Action, o.Params, o.IssuedAt)
		if err != nil {
			l.logger.Error("control encode failed", "command_id", o.CommandID, "error", err)
			continue
		}
		l.publish(topic, payload)
	}
}

// publish sends a message or holds it while the bus is down.
func (l *Loop) publish(topic string, payload []byte) {
	if l.connected {
		err := l.bus.Publish(topic, payload, l.opts.QoS, false)
		if err == nil {
			return
		}
		l.logger.Warn("MQTT publish failed", "topic", topic, "error", err)
	}

	if l.opts.OfflinePolicy == config.OfflinePolicyFailFast {
		l.logger.Warn("dropping outbound message while disconnected", "topic", topic)
		return
	}
	if len(l.offline) >= l.opts.OfflineQueueSize {
		dropped := l.offline[0]
		l.offline = l.offline[1:]
		l.logger.Warn("offline queue full, dropping oldest message",
			"topic", dropped.topic,
			"capacity", l.opts.OfflineQueueSize,
		)
	}
	l.offline = append(l.offline, outbound{topic: topic, payload: payload})
}

// flushOffline publishes held messages in order, stopping at the first
// failure.
func (l *Loop) flushOffline() {
	for len(l.offline) > 0 {
		m := l.offline[0]
		if err := l.bus.Publish(m.topic, m.payload, l.opts.QoS, false); err != nil {
			l.logger.Warn("MQTT publish failed, keeping queued messages",
				"topic", m.topic,
				"queued", len(l.offline),
				"error", err,
			)
			return
		}
		l.offline = l.offline[1:]
	}
	l.offline = nil
}

func (l *Loop) logErrors(msg string, errs []error) {
	for _, err := range errs {
		var re *alert.RuleError
		var ae *automation.RuleError
		switch {
		case errors.As(err, &re):
			l.logger.Warn(msg, "rule_id", re.RuleID, "device_id", re.DeviceID, "error", re.Err)
		case errors.As(err, &ae):
			l.logger.Warn(msg, "rule_id", ae.RuleID, "device_id", ae.DeviceID, "error", ae.Err)
		default:
			l.logger.Warn(msg, "error", err)
		}
	}
}

// submitter routes automation commands through the loop's offline policy.
type submitter struct{ l *Loop }

func (s submitter) Submit(deviceID, action string, params map[string]any, timeout time.Duration, now time.Time) (command.Pending, error) {
	if err := s.l.checkConnected(); err != nil {
		return command.Pending{}, err
	}
	return s.l.router.Submit(deviceID, action, params, timeout, now)
}

func (l *Loop) checkConnected() error {
	if !l.connected && l.opts.OfflinePolicy == config.OfflinePolicyFailFast {
		return ErrConnectionLost
	}
	return nil
}
