package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/fleetlink-core/internal/infrastructure/mqtt"
)

// DefaultMaxClockSkew is how far in the future a device timestamp may be
// before it is replaced by the receipt time.
const DefaultMaxClockSkew = 5 * time.Minute

// Reserved control payload keys. Command parameters may not use them.
var reservedKeys = map[string]bool{
	"action":     true,
	"command_id": true,
	"timestamp":  true,
	"source":     true,
}

// IsReservedParam reports whether key is set by the codec itself on
// control payloads.
func IsReservedParam(key string) bool {
	return reservedKeys[key]
}

var statusCoreKeys = map[string]bool{
	"device_id":        true,
	"online":           true,
	"type":             true,
	"location":         true,
	"firmware_version": true,
	"timestamp":        true,
	"command_id":       true,
}

// Codec decodes inbound messages and encodes outbound ones.
type Codec struct {
	// Source is written into the source field of outbound payloads.
	Source string

	// MaxClockSkew bounds how far ahead of receipt a device timestamp may be.
	MaxClockSkew time.Duration
}

// New creates a Codec. A non-positive maxClockSkew uses DefaultMaxClockSkew.
func New(source string, maxClockSkew time.Duration) *Codec {
	if maxClockSkew <= 0 {
		maxClockSkew = DefaultMaxClockSkew
	}
	return &Codec{Source: source, MaxClockSkew: maxClockSkew}
}

var defaultCodec = New("", DefaultMaxClockSkew)

// Decode decodes a message with the default clock skew.
func Decode(topic string, payload []byte, receivedAt time.Time) (Message, error) {
	return defaultCodec.Decode(topic, payload, receivedAt)
}

// Decode parses topic and payload into one of the Message variants.
func (c *Codec) Decode(topic string, payload []byte, receivedAt time.Time) (Message, error) {
	route, err := ParseTopic(topic)
	if err != nil {
		return nil, err
	}

	fields, err := decodeObject(payload)
	if err != nil {
		return nil, malformed(topic, "%v", err)
	}

	switch route.Kind {
	case KindStatus:
		return c.decodeStatus(topic, route.DeviceID, fields, receivedAt)
	case KindData:
		return c.decodeData(topic, route.DeviceID, fields, receivedAt)
	case KindControl:
		return c.decodeControl(topic, route.DeviceID, fields, receivedAt)
	case KindAlert:
		return c.decodeAlert(topic, fields, receivedAt)
	default:
		return c.decodeSystemStatus(topic, fields, receivedAt)
	}
}

func decodeObject(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("payload is not a JSON object")
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON object")
	}
	return fields, nil
}

func (c *Codec) decodeStatus(topic, deviceID string, f map[string]any, receivedAt time.Time) (Message, error) {
	var (
		m   = StatusMessage{ReceivedAt: receivedAt}
		err error
	)
	if m.DeviceID, err = matchDeviceID(topic, deviceID, f); err != nil {
		return nil, err
	}
	online, ok := f["online"].(bool)
	if !ok {
		return nil, malformed(topic, "online must be a boolean")
	}
	m.Online = online
	for key, dst := range map[string]*string{
		"type":             &m.Type,
		"location":         &m.Location,
		"firmware_version": &m.FirmwareVersion,
	} {
		if *dst, err = requireString(topic, f, key); err != nil {
			return nil, err
		}
	}
	if m.CommandID, err = optionalString(topic, f, "command_id"); err != nil {
		return nil, err
	}
	if m.Timestamp, err = c.timestamp(topic, f, receivedAt); err != nil {
		return nil, err
	}

	for key, v := range f {
		if statusCoreKeys[key] {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[key] = plain(v)
	}
	return m, nil
}

func (c *Codec) decodeData(topic, deviceID string, f map[string]any, receivedAt time.Time) (Message, error) {
	var (
		m   = DataMessage{ReceivedAt: receivedAt}
		err error
	)
	if m.DeviceID, err = matchDeviceID(topic, deviceID, f); err != nil {
		return nil, err
	}
	if m.Metric, err = requireString(topic, f, "sensor_type"); err != nil {
		return nil, err
	}
	if m.Metric == "" {
		return nil, malformed(topic, "sensor_type is empty")
	}
	num, ok := f["value"].(json.Number)
	if !ok {
		return nil, malformed(topic, "value must be a number")
	}
	if m.Value, err = num.Float64(); err != nil {
		return nil, malformed(topic, "value %q out of range", num)
	}
	if m.Unit, err = requireString(topic, f, "unit"); err != nil {
		return nil, err
	}
	if m.Timestamp, err = c.timestamp(topic, f, receivedAt); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Codec) decodeControl(topic, deviceID string, f map[string]any, receivedAt time.Time) (Message, error) {
	var (
		m   = ControlMessage{DeviceID: deviceID}
		err error
	)
	if m.Action, err = requireString(topic, f, "action"); err != nil {
		return nil, err
	}
	if m.CommandID, err = optionalString(topic, f, "command_id"); err != nil {
		return nil, err
	}
	if m.Source, err = optionalString(topic, f, "source"); err != nil {
		return nil, err
	}
	if m.Timestamp, err = c.timestamp(topic, f, receivedAt); err != nil {
		return nil, err
	}
	for key, v := range f {
		if reservedKeys[key] {
			continue
		}
		if m.Params == nil {
			m.Params = make(map[string]any)
		}
		m.Params[key] = plain(v)
	}
	return m, nil
}

// decodeAlert is lenient: devices publish alerts with few fields and the
// core only needs a level to decide on notification.
func (c *Codec) decodeAlert(topic string, f map[string]any, receivedAt time.Time) (Message, error) {
	var (
		m   AlertMessage
		err error
	)
	if m.Level, err = optionalString(topic, f, "level"); err != nil {
		return nil, err
	}
	if m.Level == "" {
		m.Level = LevelInfo
	}
	if LevelRank(m.Level) == 0 {
		return nil, malformed(topic, "unknown alert level %q", m.Level)
	}
	for key, dst := range map[string]*string{
		"device_id": &m.DeviceID,
		"message":   &m.Message,
		"source":    &m.Source,
		"rule_id":   &m.RuleID,
		"metric":    &m.Metric,
	} {
		if *dst, err = optionalString(topic, f, key); err != nil {
			return nil, err
		}
	}
	if raw, ok := f["value"]; ok && raw != nil {
		num, ok := raw.(json.Number)
		if !ok {
			return nil, malformed(topic, "value must be a number")
		}
		v, err := num.Float64()
		if err != nil {
			return nil, malformed(topic, "value %q out of range", num)
		}
		m.Value = &v
	}
	if m.Timestamp, err = c.timestamp(topic, f, receivedAt); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Codec) decodeSystemStatus(topic string, f map[string]any, receivedAt time.Time) (Message, error) {
	var (
		m   SystemStatusMessage
		err error
	)
	if m.Status, err = requireString(topic, f, "status"); err != nil {
		return nil, err
	}
	if m.ClientID, err = optionalString(topic, f, "client_id"); err != nil {
		return nil, err
	}
	if m.Reason, err = optionalString(topic, f, "reason"); err != nil {
		return nil, err
	}
	if m.Timestamp, err = c.timestamp(topic, f, receivedAt); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Codec) timestamp(topic string, f map[string]any, receivedAt time.Time) (time.Time, error) {
	ts, err := NormalizeTimestamp(f["timestamp"], receivedAt, c.MaxClockSkew)
	if err != nil {
		return time.Time{}, malformed(topic, "timestamp: %v", err)
	}
	return ts, nil
}

func matchDeviceID(topic, topicID string, f map[string]any) (string, error) {
	id, err := requireString(topic, f, "device_id")
	if err != nil {
		return "", err
	}
	if id != topicID {
		return "", malformed(topic, "device_id %q does not match topic", id)
	}
	return id, nil
}

func requireString(topic string, f map[string]any, key string) (string, error) {
	raw, ok := f[key]
	if !ok {
		return "", malformed(topic, "missing %s", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", malformed(topic, "%s must be a string", key)
	}
	return s, nil
}

func optionalString(topic string, f map[string]any, key string) (string, error) {
	raw, ok := f[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", malformed(topic, "%s must be a string", key)
	}
	return s, nil
}

// plain replaces json.Number with float64 throughout a decoded value.
func plain(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case map[string]any:
		for k, inner := range t {
			t[k] = plain(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = plain(inner)
		}
		return t
	default:
		return v
	}
}

// EncodeControl builds the control topic and payload for a command.
// The payload is {action, ...params, command_id, timestamp, source}.
func (c *Codec) EncodeControl(deviceID, commandID, action string, params map[string]any, now time.Time) (string, []byte, error) {
	if !ValidDeviceID(deviceID) {
		return "", nil, fmt.Errorf("%w: device id %q", ErrInvalidCommand, deviceID)
	}
	if action == "" {
		return "", nil, fmt.Errorf("%w: empty action", ErrInvalidCommand)
	}

	body := make(map[string]any, len(params)+4)
	for k, v := range params {
		if reservedKeys[k] {
			return "", nil, fmt.Errorf("%w: parameter %q is reserved", ErrInvalidCommand, k)
		}
		body[k] = v
	}
	body["action"] = action
	body["timestamp"] = now.UTC().Format(time.RFC3339)
	body["source"] = c.Source
	if commandID != "" {
		body["command_id"] = commandID
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	return mqtt.Topics{}.DeviceControl(deviceID), payload, nil
}

type alertPayload struct {
	DeviceID  string   `json:"device_id"`
	Level     string   `json:"level"`
	Message   string   `json:"message"`
	Timestamp string   `json:"timestamp"`
	Source    string   `json:"source"`
	RuleID    string   `json:"rule_id,omitempty"`
	Metric    string   `json:"metric,omitempty"`
	Value     *float64 `json:"value,omitempty"`
}

// EncodeAlert builds the iot/alerts payload. An empty Source is filled
// with the codec's own source.
func (c *Codec) EncodeAlert(a AlertMessage) (string, []byte, error) {
	if LevelRank(a.Level) == 0 {
		return "", nil, fmt.Errorf("codec: unknown alert level %q", a.Level)
	}
	source := a.Source
	if source == "" {
		source = c.Source
	}
	payload, err := json.Marshal(alertPayload{
		DeviceID:  a.DeviceID,
		Level:     a.Level,
		Message:   a.Message,
		Timestamp: a.Timestamp.UTC().Format(time.RFC3339),
		Source:    source,
		RuleID:    a.RuleID,
		Metric:    a.Metric,
		Value:     a.Value,
	})
	if err != nil {
		return "", nil, fmt.Errorf("codec: encoding alert: %w", err)
	}
	return mqtt.Topics{}.Alerts(), payload, nil
}
