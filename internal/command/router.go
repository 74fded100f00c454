package command

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fleetlink-core/internal/codec"
)

// Defaults applied when Options leave values unset.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultRetention = 10 * time.Minute
)

// DeviceDirectory answers whether a device has ever been seen.
// device.Registry satisfies it.
type DeviceDirectory interface {
	Known(id string) bool
}

// Options configures a Router.
type Options struct {
	// DefaultTimeout applies when Submit is given a non-positive timeout.
	DefaultTimeout time.Duration

	// SerializePerDevice keeps at most one Sent command per device.
	SerializePerDevice bool

	// Retention is how long resolved commands stay queryable.
	Retention time.Duration
}

// Router tracks commands. It is not safe for concurrent use.
type Router struct {
	devices DeviceDirectory
	opts    Options
	newID   func() string

	commands map[string]*Pending
	order    []string // submission order
	outbox   []Outbound
}

// NewRouter creates a Router that checks targets against devices.
func NewRouter(devices DeviceDirectory, opts Options) *Router {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	return &Router{
		devices:  devices,
		opts:     opts,
		newID:    uuid.NewString,
		commands: make(map[string]*Pending),
	}
}

// Submit validates and records a command. Commands to devices that are
// known but currently offline are accepted.
func (r *Router) Submit(deviceID, action string, params map[string]any, timeout time.Duration, now time.Time) (Pending, error) {
	if !r.devices.Known(deviceID) {
		return Pending{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if action == "" {
		return Pending{}, ErrInvalidAction
	}
	for key := range params {
		if codec.IsReservedParam(key) {
			return Pending{}, fmt.Errorf("%w: %s", ErrReservedParam, key)
		}
	}
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}

	p := &Pending{
		ID:          r.newID(),
		DeviceID:    deviceID,
		Action:      action,
		Params:      maps.Clone(params),
		SubmittedAt: now,
		Timeout:     timeout,
		State:       Queued,
	}
	r.commands[p.ID] = p
	r.order = append(r.order, p.ID)

	if !r.opts.SerializePerDevice || r.inFlight(deviceID) == nil {
		r.send(p, now)
	}
	return p.clone(), nil
}

func (r *Router) send(p *Pending, now time.Time) {
	p.State = Sent
	p.IssuedAt = now
	r.outbox = append(r.outbox, Outbound{
		CommandID: p.ID,
		DeviceID:  p.DeviceID,
		Action:    p.Action,
		Params:    maps.Clone(p.Params),
		IssuedAt:  now,
	})
}

// inFlight returns the oldest Sent command for a device.
func (r *Router) inFlight(deviceID string) *Pending {
	for _, id := range r.order {
		p := r.commands[id]
		if p.DeviceID == deviceID && p.State == Sent {
			return p
		}
	}
	return nil
}

// releaseNext sends the oldest Queued command for a device.
func (r *Router) releaseNext(deviceID string, now time.Time) {
	if !r.opts.SerializePerDevice || r.inFlight(deviceID) != nil {
		return
	}
	for _, id := range r.order {
		p := r.commands[id]
		if p.DeviceID == deviceID && p.State == Queued {
			r.send(p, now)
			return
		}
	}
}

func (r *Router) acknowledge(p *Pending, kind AckKind, now time.Time) Pending {
	p.State = Acknowledged
	p.AckKind = kind
	p.AckedAt = now
	p.ResolvedAt = now
	r.releaseNext(p.DeviceID, now)
	return p.clone()
}

// Ack acknowledges a Sent command by ID. It returns false when the command
// is unknown, belongs to another device, or is not in flight.
func (r *Router) Ack(deviceID, commandID string, now time.Time) bool {
	p, ok := r.commands[commandID]
	if !ok || p.DeviceID != deviceID || p.State != Sent {
		return false
	}
	r.acknowledge(p, AckExplicit, now)
	return true
}

// ObserveStatus correlates a status report with in-flight commands and
// returns the commands it acknowledged. An echoed command_id is matched
// exactly and suppresses implicit matching; otherwise the oldest Sent
// command issued at or before now is acknowledged. An offline report (a
// last will or graceful shutdown) never acknowledges implicitly.
func (r *Router) ObserveStatus(deviceID string, s codec.StatusMessage, now time.Time) []Pending {
	if s.CommandID != "" {
		p, ok := r.commands[s.CommandID]
		if !ok || p.DeviceID != deviceID || p.State != Sent {
			return nil
		}
		return []Pending{r.acknowledge(p, AckExplicit, now)}
	}
	if !s.Online {
		return nil
	}

	p := r.inFlight(deviceID)
	if p == nil || p.IssuedAt.After(now) {
		return nil
	}
	return []Pending{r.acknowledge(p, AckImplicit, now)}
}

// Sweep times out Sent commands whose deadline has passed, releases queued
// successors, prunes resolved commands older than the retention window, and
// returns the newly timed-out commands.
func (r *Router) Sweep(now time.Time) []Pending {
	var timedOut []Pending
	for _, id := range r.order {
		p := r.commands[id]
		if p.State != Sent || now.Sub(p.IssuedAt) < p.Timeout {
			continue
		}
		p.State = TimedOut
		p.ResolvedAt = now
		timedOut = append(timedOut, p.clone())
	}
	for _, p := range timedOut {
		r.releaseNext(p.DeviceID, now)
	}
	r.prune(now)
	return timedOut
}

func (r *Router) prune(now time.Time) {
	kept := r.order[:0]
	for _, id := range r.order {
		p := r.commands[id]
		if p.State.Resolved() && now.Sub(p.ResolvedAt) > r.opts.Retention {
			delete(r.commands, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

// Drain returns and clears the outbox.
func (r *Router) Drain() []Outbound {
	out := r.outbox
	r.outbox = nil
	return out
}

// Get returns a command by ID.
func (r *Router) Get(id string) (Pending, bool) {
	p, ok := r.commands[id]
	if !ok {
		return Pending{}, false
	}
	return p.clone(), true
}

// List returns commands in submission order, for one device or for all
// when deviceID is empty.
func (r *Router) List(deviceID string) []Pending {
	var out []Pending
	for _, id := range r.order {
		p := r.commands[id]
		if deviceID == "" || p.DeviceID == deviceID {
			out = append(out, p.clone())
		}
	}
	return out
}

// Forget drops every command for a purged device and any of its messages
// still in the outbox.
func (r *Router) Forget(deviceID string) int {
	n := 0
	kept := r.order[:0]
	for _, id := range r.order {
		if r.commands[id].DeviceID == deviceID {
			delete(r.commands, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept

	outbox := r.outbox[:0]
	for _, o := range r.outbox {
		if o.DeviceID != deviceID {
			outbox = append(outbox, o)
		}
	}
	r.outbox = outbox
	return n
}
