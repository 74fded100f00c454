package command

import (
	"fmt"
	"maps"
	"time"
)

// State is the lifecycle state of a command.
type State int

const (
	Queued State = iota + 1
	Sent
	Acknowledged
	TimedOut
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Sent:
		return "sent"
	case Acknowledged:
		return "acknowledged"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// MarshalText renders the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Queued, Sent, Acknowledged, TimedOut} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("command: unknown state %q", text)
}

// Resolved reports whether the command has reached a final state.
func (s State) Resolved() bool {
	return s == Acknowledged || s == TimedOut
}

// AckKind says how a command was acknowledged.
type AckKind string

const (
	AckExplicit AckKind = "explicit"
	AckImplicit AckKind = "implicit"
)

// Pending is a tracked command.
type Pending struct {
	ID          string         `json:"id"`
	DeviceID    string         `json:"device_id"`
	Action      string         `json:"action"`
	Params      map[string]any `json:"params,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	IssuedAt    time.Time      `json:"issued_at,omitzero"`
	Timeout     time.Duration  `json:"timeout"`
	State       State          `json:"state"`
	AckKind     AckKind        `json:"ack_kind,omitempty"`
	AckedAt     time.Time      `json:"acked_at,omitzero"`
	ResolvedAt  time.Time      `json:"resolved_at,omitzero"`
}

// Deadline is when a Sent command times out.
func (p Pending) Deadline() time.Time {
	return p.IssuedAt.Add(p.Timeout)
}

func (p *Pending) clone() Pending {
	cpy := *p
	cpy.Params = maps.Clone(p.Params)
	return cpy
}

// Outbound is a control message waiting to be published.
type Outbound struct {
	CommandID string
	DeviceID  string
	Action    string
	Params    map[string]any
	IssuedAt  time.Time
}

// Err returns ErrTimedOut for timed-out commands and nil otherwise.
func (p Pending) Err() error {
	if p.State == TimedOut {
		return ErrTimedOut
	}
	return nil
}
