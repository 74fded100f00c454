package device

import (
	"fmt"
	"time"
)

// Classification is the derived connectivity state of a device.
type Classification int

const (
	Unknown Classification = iota
	Online
	Offline
)

func (c Classification) String() string {
	switch c {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// MarshalText renders the classification as its name.
func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses a classification name written by MarshalText.
func (c *Classification) UnmarshalText(text []byte) error {
	switch string(text) {
	case "online":
		*c = Online
	case "offline":
		*c = Offline
	case "unknown":
		*c = Unknown
	default:
		return fmt.Errorf("device: unknown classification %q", text)
	}
	return nil
}

// Reading is one metric sample from a device.
type Reading struct {
	DeviceID   string    `json:"device_id"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	Timestamp  time.Time `json:"timestamp"`   // declared by the device
	ReceivedAt time.Time `json:"received_at"` // when the core saw it
}

// Record is a device as seen by reporting and the API.
type Record struct {
	ID              string             `json:"id"`
	Type            string             `json:"type"`
	Location        string             `json:"location"`
	FirmwareVersion string             `json:"firmware_version"`
	LastSeen        time.Time          `json:"last_seen"`
	Online          bool               `json:"online"`
	LastStatus      map[string]any     `json:"last_status,omitempty"`
	LastData        map[string]Reading `json:"last_data,omitempty"`
}

// DeepCopy returns a copy sharing no mutable state with r.
func (r Record) DeepCopy() Record {
	cpy := r
	cpy.LastStatus = deepCopyMap(r.LastStatus)
	if r.LastData != nil {
		cpy.LastData = make(map[string]Reading, len(r.LastData))
		for k, v := range r.LastData {
			cpy.LastData[k] = v
		}
	}
	return cpy
}

// ChangeKind says what caused a registry change.
type ChangeKind int

const (
	StatusChanged ChangeKind = iota + 1
	DataChanged
)

// Change describes the effect of one Apply call.
type Change struct {
	DeviceID string
	Kind     ChangeKind

	// Created is true when the device was seen for the first time.
	Created bool

	// Metric and Reading are set for data changes.
	Metric  string
	Reading Reading

	// LatestUpdated is false when a reading was older than the stored one
	// and only reached history.
	LatestUpdated bool

	// WentOnline and WentOffline report classification edges caused by
	// this message.
	WentOnline  bool
	WentOffline bool
}

// Transition is an Online to Offline edge found by Sweep.
type Transition struct {
	DeviceID string
	LastSeen time.Time
}

// MetricStats summarises the history of one metric.
type MetricStats struct {
	Metric string  `json:"metric"`
	Unit   string  `json:"unit"`
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
}

// StateReader is the read-only view of the registry used by the alert and
// automation engines and the command router.
type StateReader interface {
	Known(id string) bool
	IDs() []string
	Classify(id string, now time.Time) Classification
	LastSeen(id string) (time.Time, bool)
	Latest(id, metric string) (Reading, bool)
	Previous(id, metric string) (Reading, bool)
	StatusValue(id, key string) (any, bool)
}

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
