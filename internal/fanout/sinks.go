package fanout

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/fleetlink-core/internal/alert"
	"github.com/nerrad567/fleetlink-core/internal/codec"
	"github.com/nerrad567/fleetlink-core/internal/command"
	"github.com/nerrad567/fleetlink-core/internal/device"
)

// Push event types.
const (
	EventAlertRaised     = "alert.raised"
	EventCommandTimedOut = "command.timed_out"
	EventDeviceOffline   = "device.offline"
)

// DeviceStore persists device identity.
type DeviceStore interface {
	Upsert(ctx context.Context, rec device.Record) error
	Delete(ctx context.Context, id string) error
}

// AlertStore persists alert history.
type AlertStore interface {
	Insert(ctx context.Context, ev alert.Event) error
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// PruneInterval is how often Maintain prunes alert history.
const PruneInterval = time.Hour

// MetricsWriter writes time-series points. Writes are non-blocking.
type MetricsWriter interface {
	WriteReading(deviceID, metric, unit string, value float64, ts time.Time)
	WriteAlert(deviceID, ruleID, level string, ts time.Time)
	WriteCommandOutcome(deviceID, action, state string, latency time.Duration, ts time.Time)
}

// Notifier pushes events to connected operators.
type Notifier interface {
	Broadcast(eventType string, payload any)
}

// Sinks are the side-effect targets. Nil sinks are skipped.
type Sinks struct {
	Devices  DeviceStore
	Alerts   AlertStore
	Metrics  MetricsWriter
	Notifier Notifier

	// NotifyMinLevel is the lowest alert level pushed to operators.
	NotifyMinLevel string

	// AlertRetention is how long stored alerts are kept. Zero keeps them
	// forever.
	AlertRetention time.Duration
}

// DeviceOfflinePayload is the payload of a device.offline push.
type DeviceOfflinePayload struct {
	DeviceID string    `json:"device_id"`
	LastSeen time.Time `json:"last_seen"`
}

// Fanout turns dispatch loop events into queued side effects. Its methods
// are called from the dispatch loop only.
type Fanout struct {
	worker *Worker
	sinks  Sinks

	lastPrune time.Time
}

// New creates a Fanout on a started worker.
func New(worker *Worker, sinks Sinks) *Fanout {
	if sinks.NotifyMinLevel == "" {
		sinks.NotifyMinLevel = codec.LevelWarning
	}
	return &Fanout{worker: worker, sinks: sinks}
}

// DeviceSeen persists a device record.
func (f *Fanout) DeviceSeen(rec device.Record) {
	if f.sinks.Devices == nil {
		return
	}
	f.worker.Enqueue("device.upsert", func(ctx context.Context) error {
		return f.sinks.Devices.Upsert(ctx, rec)
	})
}

// DevicePurged removes a stored device record. A record that was never
// stored is not an error.
func (f *Fanout) DevicePurged(id string) {
	if f.sinks.Devices == nil {
		return
	}
	f.worker.Enqueue("device.delete", func(ctx context.Context) error {
		if err := f.sinks.Devices.Delete(ctx, id); err != nil && !errors.Is(err, device.ErrDeviceNotFound) {
			return err
		}
		return nil
	})
}

// Reading writes an accepted reading to the time-series store.
func (f *Fanout) Reading(rd device.Reading) {
	if f.sinks.Metrics == nil {
		return
	}
	f.worker.Enqueue("metrics.reading", func(context.Context) error {
		f.sinks.Metrics.WriteReading(rd.DeviceID, rd.Metric, rd.Unit, rd.Value, rd.Timestamp)
		return nil
	})
}

// Alert records an alert and pushes it when at or above NotifyMinLevel.
func (f *Fanout) Alert(ev alert.Event) {
	if f.sinks.Alerts != nil {
		f.worker.Enqueue("alert.insert", func(ctx context.Context) error {
			return f.sinks.Alerts.Insert(ctx, ev)
		})
	}
	if f.sinks.Metrics != nil {
		f.worker.Enqueue("metrics.alert", func(context.Context) error {
			f.sinks.Metrics.WriteAlert(ev.DeviceID, ev.RuleID, ev.Level, ev.FiredAt)
			return nil
		})
	}
	if f.sinks.Notifier != nil && ev.AtLeast(f.sinks.NotifyMinLevel) {
		f.push(EventAlertRaised, ev)
	}
}

// CommandResolved records the outcome of an acknowledged or timed-out
// command. Timeouts are pushed to operators.
func (f *Fanout) CommandResolved(p command.Pending) {
	if f.sinks.Metrics != nil {
		latency := p.Timeout
		if p.State == command.Acknowledged {
			latency = p.AckedAt.Sub(p.IssuedAt)
		}
		f.worker.Enqueue("metrics.command", func(context.Context) error {
			f.sinks.Metrics.WriteCommandOutcome(p.DeviceID, p.Action, p.State.String(), latency, p.ResolvedAt)
			return nil
		})
	}
	if f.sinks.Notifier != nil && p.State == command.TimedOut {
		f.push(EventCommandTimedOut, p)
	}
}

// DeviceOffline pushes an Online to Offline transition.
func (f *Fanout) DeviceOffline(t device.Transition) {
	if f.sinks.Notifier == nil {
		return
	}
	f.push(EventDeviceOffline, DeviceOfflinePayload{DeviceID: t.DeviceID, LastSeen: t.LastSeen})
}

// Maintain runs periodic housekeeping from the loop tick. Alert history
// older than AlertRetention is pruned at most once per PruneInterval.
func (f *Fanout) Maintain(now time.Time) {
	if f.sinks.Alerts == nil || f.sinks.AlertRetention <= 0 {
		return
	}
	if !f.lastPrune.IsZero() && now.Sub(f.lastPrune) < PruneInterval {
		return
	}
	f.lastPrune = now
	cutoff := now.Add(-f.sinks.AlertRetention)
	f.worker.Enqueue("alert.prune", func(ctx context.Context) error {
		_, err := f.sinks.Alerts.Prune(ctx, cutoff)
		return err
	})
}

func (f *Fanout) push(eventType string, payload any) {
	f.worker.Enqueue("push."+eventType, func(context.Context) error {
		f.sinks.Notifier.Broadcast(eventType, payload)
		return nil
	})
}
