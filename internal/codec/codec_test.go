package codec

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var receivedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDecode_Status(t *testing.T) {
	payload := `{
		"device_id": "sensor_01",
		"online": true,
		"type": "esp32",
		"location": "greenhouse",
		"firmware_version": "1.4.2",
		"timestamp": "2026-03-01T11:59:58Z",
		"relay_state": true,
		"rssi": -61,
		"command_id": "c-1"
	}`

	msg, err := Decode("iot/devices/sensor_01/status", []byte(payload), receivedAt)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	s, ok := msg.(StatusMessage)
	if !ok {
		t.Fatalf("Decode() = %T, want StatusMessage", msg)
	}

	if s.DeviceID != "sensor_01" || !s.Online || s.Type != "esp32" || s.Location != "greenhouse" || s.FirmwareVersion != "1.4.2" {
		t.Errorf("core fields = %+v", s)
	}
	if want := receivedAt.Add(-2 * time.Second); !s.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", s.Timestamp, want)
	}
	if s.CommandID != "c-1" {
		t.Errorf("CommandID = %q, want c-1", s.CommandID)
	}
	if s.Extra["relay_state"] != true {
		t.Errorf("Extra[relay_state] = %v", s.Extra["relay_state"])
	}
	if s.Extra["rssi"] != float64(-61) {
		t.Errorf("Extra[rssi] = %#v, want float64(-61)", s.Extra["rssi"])
	}
	for _, core := range []string{"device_id", "online", "timestamp", "command_id"} {
		if _, ok := s.Extra[core]; ok {
			t.Errorf("Extra contains core field %q", core)
		}
	}
	if !s.ReceivedAt.Equal(receivedAt) {
		t.Errorf("ReceivedAt = %v", s.ReceivedAt)
	}
}

func TestDecode_Data(t *testing.T) {
	payload := `{"device_id":"sensor_01","sensor_type":"temperature","value":32.5,"unit":"°C","timestamp":1772366400000}`

	msg, err := Decode("iot/devices/sensor_01/data", []byte(payload), receivedAt)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	d := msg.(DataMessage)
	if d.Metric != "temperature" || d.Value != 32.5 || d.Unit != "°C" {
		t.Errorf("DataMessage = %+v", d)
	}
	if want := time.UnixMilli(1772366400000).UTC(); !d.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", d.Timestamp, want)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		want    error
	}{
		{"unknown root", "home/devices/a/status", `{}`, ErrUnknownChannel},
		{"unknown channel", "iot/devices/a/firmware", `{}`, ErrUnknownChannel},
		{"extra segment", "iot/devices/a/status/x", `{}`, ErrUnknownChannel},
		{"missing device", "iot/devices//status", `{}`, ErrUnknownChannel},
		{"wildcard device", "iot/devices/+/status", `{}`, ErrUnknownChannel},
		{"not json", "iot/devices/a/data", `temperature=21`, ErrMalformedPayload},
		{"json array", "iot/devices/a/data", `[1,2]`, ErrMalformedPayload},
		{"json null", "iot/devices/a/data", `null`, ErrMalformedPayload},
		{"trailing data", "iot/devices/a/data", `{"device_id":"a"} {}`, ErrMalformedPayload},
		{"status missing online", "iot/devices/a/status",
			`{"device_id":"a","type":"t","location":"l","firmware_version":"1"}`, ErrMalformedPayload},
		{"status online as string", "iot/devices/a/status",
			`{"device_id":"a","online":"yes","type":"t","location":"l","firmware_version":"1"}`, ErrMalformedPayload},
		{"status missing location", "iot/devices/a/status",
			`{"device_id":"a","online":true,"type":"t","firmware_version":"1"}`, ErrMalformedPayload},
		{"status id mismatch", "iot/devices/a/status",
			`{"device_id":"b","online":true,"type":"t","location":"l","firmware_version":"1"}`, ErrMalformedPayload},
		{"data value as string", "iot/devices/a/data",
			`{"device_id":"a","sensor_type":"t","value":"21","unit":"C"}`, ErrMalformedPayload},
		{"data missing unit", "iot/devices/a/data",
			`{"device_id":"a","sensor_type":"t","value":21}`, ErrMalformedPayload},
		{"data empty metric", "iot/devices/a/data",
			`{"device_id":"a","sensor_type":"","value":21,"unit":"C"}`, ErrMalformedPayload},
		{"data bad timestamp", "iot/devices/a/data",
			`{"device_id":"a","sensor_type":"t","value":21,"unit":"C","timestamp":"yesterday"}`, ErrMalformedPayload},
		{"data timestamp as bool", "iot/devices/a/data",
			`{"device_id":"a","sensor_type":"t","value":21,"unit":"C","timestamp":true}`, ErrMalformedPayload},
		{"alert unknown level", "iot/alerts", `{"level":"PANIC"}`, ErrMalformedPayload},
		{"control missing action", "iot/devices/a/control", `{"command_id":"c"}`, ErrMalformedPayload},
		{"system missing status", "iot/system/status", `{"client_id":"x"}`, ErrMalformedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.topic, []byte(tt.payload), receivedAt)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Decode() error = %v, want %v", err, tt.want)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error %T is not *DecodeError", err)
			}
			if de.Topic != tt.topic {
				t.Errorf("DecodeError.Topic = %q, want %q", de.Topic, tt.topic)
			}
		})
	}
}

func TestDecode_AlertDefaults(t *testing.T) {
	msg, err := Decode("iot/alerts", []byte(`{"message":"door open","device_id":"door_01","value":1}`), receivedAt)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	a := msg.(AlertMessage)
	if a.Level != LevelInfo {
		t.Errorf("Level = %q, want INFO", a.Level)
	}
	if !a.Timestamp.Equal(receivedAt) {
		t.Errorf("Timestamp = %v, want receipt time", a.Timestamp)
	}
	if a.Value == nil || *a.Value != 1 {
		t.Errorf("Value = %v", a.Value)
	}
}

func TestDecode_SystemStatus(t *testing.T) {
	msg, err := Decode("iot/system/status", []byte(`{"status":"offline","client_id":"core-1","reason":"connection_lost"}`), receivedAt)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	s := msg.(SystemStatusMessage)
	if s.Kind() != KindSystemStatus || s.Status != "offline" || s.ClientID != "core-1" {
		t.Errorf("SystemStatusMessage = %+v", s)
	}
}

func TestEncodeControl(t *testing.T) {
	c := New("fleetlink-core", 0)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	topic, payload, err := c.EncodeControl("relay_01", "cmd-1", "relay_on", map[string]any{"channel": 1}, now)
	if err != nil {
		t.Fatalf("EncodeControl() error = %v", err)
	}
	if topic != "iot/devices/relay_01/control" {
		t.Errorf("topic = %q", topic)
	}

	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	want := map[string]any{
		"action":     "relay_on",
		"channel":    float64(1),
		"command_id": "cmd-1",
		"timestamp":  "2026-03-01T12:00:00Z",
		"source":     "fleetlink-core",
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("payload[%q] = %v, want %v", k, body[k], v)
		}
	}

	// A device reading its own control topic sees the same command back.
	msg, err := c.Decode(topic, payload, now)
	if err != nil {
		t.Fatalf("Decode(control) error = %v", err)
	}
	ctl := msg.(ControlMessage)
	if ctl.Action != "relay_on" || ctl.CommandID != "cmd-1" || ctl.Params["channel"] != float64(1) {
		t.Errorf("ControlMessage = %+v", ctl)
	}
}

func TestEncodeControl_Invalid(t *testing.T) {
	c := New("core", 0)
	tests := []struct {
		name     string
		deviceID string
		action   string
		params   map[string]any
	}{
		{"empty device", "", "relay_on", nil},
		{"wildcard device", "a/#", "relay_on", nil},
		{"empty action", "relay_01", "", nil},
		{"reserved param", "relay_01", "relay_on", map[string]any{"source": "spoof"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := c.EncodeControl(tt.deviceID, "id", tt.action, tt.params, receivedAt)
			if !errors.Is(err, ErrInvalidCommand) {
				t.Errorf("EncodeControl() error = %v, want ErrInvalidCommand", err)
			}
		})
	}
}

func TestEncodeAlert(t *testing.T) {
	c := New("fleetlink-core", 0)
	value := 32.5

	topic, payload, err := c.EncodeAlert(AlertMessage{
		DeviceID:  "sensor_01",
		Level:     LevelWarning,
		Message:   "temperature high",
		Timestamp: receivedAt,
		RuleID:    "hot",
		Metric:    "temperature",
		Value:     &value,
	})
	if err != nil {
		t.Fatalf("EncodeAlert() error = %v", err)
	}
	if topic != "iot/alerts" {
		t.Errorf("topic = %q", topic)
	}

	msg, err := c.Decode(topic, payload, receivedAt)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	a := msg.(AlertMessage)
	if a.Source != "fleetlink-core" || a.RuleID != "hot" || a.Level != LevelWarning || *a.Value != 32.5 {
		t.Errorf("decoded alert = %+v", a)
	}

	if _, _, err := c.EncodeAlert(AlertMessage{Level: "LOUD"}); err == nil {
		t.Error("EncodeAlert() accepted unknown level")
	}
}

func TestLevelRank(t *testing.T) {
	if !(LevelRank(LevelInfo) < LevelRank(LevelWarning) &&
		LevelRank(LevelWarning) < LevelRank(LevelError) &&
		LevelRank(LevelError) < LevelRank(LevelCritical)) {
		t.Error("levels are not strictly ordered")
	}
	if LevelRank("debug") != 0 {
		t.Error("unknown level should rank 0")
	}
}
