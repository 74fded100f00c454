package codec

import "time"

// Kind identifies the message variant.
type Kind int

const (
	KindStatus Kind = iota + 1
	KindData
	KindControl
	KindAlert
	KindSystemStatus
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindData:
		return "data"
	case KindControl:
		return "control"
	case KindAlert:
		return "alert"
	case KindSystemStatus:
		return "system_status"
	default:
		return "unknown"
	}
}

// Message is one decoded inbound message.
type Message interface {
	Kind() Kind
}

// StatusMessage is a device status report.
type StatusMessage struct {
	DeviceID        string
	Online          bool
	Type            string
	Location        string
	FirmwareVersion string
	Timestamp       time.Time

	// CommandID is set when the device echoes the command it is reporting
	// on. Explicit echoes take precedence over implicit correlation.
	CommandID string

	// Extra holds every non-core field, numbers decoded as float64.
	Extra map[string]any

	ReceivedAt time.Time
}

// DataMessage is one sensor reading.
type DataMessage struct {
	DeviceID   string
	Metric     string // sensor_type on the wire
	Value      float64
	Unit       string
	Timestamp  time.Time
	ReceivedAt time.Time
}

// ControlMessage is a command addressed to a device.
type ControlMessage struct {
	DeviceID  string
	CommandID string
	Action    string
	Params    map[string]any
	Timestamp time.Time
	Source    string
}

// AlertMessage is a fleet alert, raised by a device or by this service.
type AlertMessage struct {
	DeviceID  string
	Level     string
	Message   string
	Timestamp time.Time
	Source    string
	RuleID    string
	Metric    string
	Value     *float64
}

// SystemStatusMessage is a service presence message.
type SystemStatusMessage struct {
	Status    string
	ClientID  string
	Reason    string
	Timestamp time.Time
}

func (StatusMessage) Kind() Kind       { return KindStatus }
func (DataMessage) Kind() Kind         { return KindData }
func (ControlMessage) Kind() Kind      { return KindControl }
func (AlertMessage) Kind() Kind        { return KindAlert }
func (SystemStatusMessage) Kind() Kind { return KindSystemStatus }

// Alert levels in ascending severity.
const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// LevelRank orders alert levels. Unknown levels rank 0.
func LevelRank(level string) int {
	switch level {
	case LevelInfo:
		return 1
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	case LevelCritical:
		return 4
	default:
		return 0
	}
}
