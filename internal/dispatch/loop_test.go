package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/fleetlink-core/internal/alert"
	"github.com/nerrad567/fleetlink-core/internal/automation"
	"github.com/nerrad567/fleetlink-core/internal/codec"
	"github.com/nerrad567/fleetlink-core/internal/command"
	"github.com/nerrad567/fleetlink-core/internal/device"
	"github.com/nerrad567/fleetlink-core/internal/infrastructure/config"
	"github.com/nerrad567/fleetlink-core/internal/infrastructure/mqtt"
)

func hotRule() alert.Rule {
	return alert.Rule{
		ID:        "hot",
		DeviceID:  alert.Wildcard,
		Metric:    "temperature",
		Condition: alert.Condition{Kind: alert.KindThreshold, Operator: alert.OpGreater, Bound: 30},
		Severity:  codec.LevelWarning,
		Cooldown:  5 * time.Minute,
	}
}

// =============================================================================
// Connection
// =============================================================================

func TestLoop_SubscribesInboundTopics(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	if got, want := h.bus.subscriptions(), len(mqtt.Topics{}.Inbound()); got != want {
		t.Errorf("subscriptions = %d, want %d", got, want)
	}
}

func TestLoop_InitialConnectRetries(t *testing.T) {
	h := newHarness(t, harnessConfig{failConnects: 3})

	h.bus.mu.Lock()
	connects := h.bus.connects
	h.bus.mu.Unlock()
	if connects != 4 {
		t.Errorf("Connect called %d times, want 4", connects)
	}
}

func TestLoop_ReconnectResubscribesAndFlushesQueue(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.status("relay_01", "")

	h.bus.drop()
	h.waitFor("disconnect", func() bool { return !h.connected() })

	p, err := h.loop.SendCommand(h.ctx, "relay_01", "relay_on", nil, 0)
	if err != nil {
		t.Fatalf("SendCommand() while offline error = %v", err)
	}
	control := mqtt.Topics{}.DeviceControl("relay_01")
	if n := len(h.bus.sent(control)); n != 0 {
		t.Fatalf("published %d control messages while offline", n)
	}
	st, _ := h.loop.Status(h.ctx)
	if st.OfflineQueued != 1 {
		t.Errorf("OfflineQueued = %d, want 1", st.OfflineQueued)
	}

	h.bus.allow()
	h.waitFor("reconnect", h.connected)
	h.waitFor("queued control flushed", func() bool { return len(h.bus.sent(control)) == 1 })

	msg, err := codec.New("", 0).Decode(control, h.bus.sent(control)[0].payload, t0)
	if err != nil {
		t.Fatalf("flushed payload does not decode: %v", err)
	}
	if cm := msg.(codec.ControlMessage); cm.CommandID != p.ID || cm.Action != "relay_on" {
		t.Errorf("flushed control = %+v", cm)
	}

	h.bus.mu.Lock()
	resubscribes := h.bus.resubscribes
	h.bus.mu.Unlock()
	if resubscribes != 1 {
		t.Errorf("Resubscribe called %d times, want 1", resubscribes)
	}
}

func TestLoop_RetriesFailedSubscribe(t *testing.T) {
	statusTopic := mqtt.Topics{}.AllDeviceStatus()
	h := newHarness(t, harnessConfig{failSubscribes: map[string]int{statusTopic: 1}})

	if n := h.bus.subscriptions(); n != len(mqtt.Topics{}.Inbound()) {
		t.Errorf("subscriptions = %d, want %d", n, len(mqtt.Topics{}.Inbound()))
	}
	h.bus.mu.Lock()
	connects := h.bus.connects
	h.bus.mu.Unlock()
	if connects != 1 {
		t.Errorf("Connect called %d times, want 1 (retry reuses the live connection)", connects)
	}

	// Status traffic is handled once the retry has subscribed it.
	h.status("sensor_01", "")
	if _, err := h.loop.DeviceDetail(h.ctx, "sensor_01"); err != nil {
		t.Errorf("DeviceDetail() error = %v", err)
	}
}

func TestLoop_RetriesFailedResubscribe(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	h.bus.drop()
	h.waitFor("disconnect", func() bool { return !h.connected() })

	h.bus.mu.Lock()
	h.bus.failResubscribes = 1
	h.bus.mu.Unlock()
	h.bus.allow()
	h.waitFor("reconnect", h.connected)

	h.bus.mu.Lock()
	resubscribes := h.bus.resubscribes
	h.bus.mu.Unlock()
	if resubscribes != 2 {
		t.Errorf("Resubscribe called %d times, want 2", resubscribes)
	}
}

func TestLoop_OfflineQueueDropsOldest(t *testing.T) {
	h := newHarness(t, harnessConfig{opts: Options{OfflineQueueSize: 2}})
	for _, id := range []string{"a", "b", "c"} {
		h.status(id, "")
	}

	h.bus.drop()
	h.waitFor("disconnect", func() bool { return !h.connected() })

	for _, id := range []string{"a", "b", "c"} {
		if _, err := h.loop.SendCommand(h.ctx, id, "ping", nil, 0); err != nil {
			t.Fatalf("SendCommand(%s) error = %v", id, err)
		}
	}

	h.bus.allow()
	h.waitFor("reconnect", h.connected)
	h.sync()

	if n := len(h.bus.sent(mqtt.Topics{}.DeviceControl("a"))); n != 0 {
		t.Errorf("oldest message was not dropped")
	}
	for _, id := range []string{"b", "c"} {
		if n := len(h.bus.sent(mqtt.Topics{}.DeviceControl(id))); n != 1 {
			t.Errorf("control for %s published %d times, want 1", id, n)
		}
	}
}

func TestLoop_FailFastRejectsWhileDisconnected(t *testing.T) {
	h := newHarness(t, harnessConfig{opts: Options{OfflinePolicy: config.OfflinePolicyFailFast}})
	h.status("relay_01", "")

	h.bus.drop()
	h.waitFor("disconnect", func() bool { return !h.connected() })

	_, err := h.loop.SendCommand(h.ctx, "relay_01", "relay_on", nil, 0)
	if !errors.Is(err, ErrConnectionLost) {
		t.Errorf("SendCommand() error = %v, want ErrConnectionLost", err)
	}
}

func TestLoop_StoppedFacade(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.stop()

	if _, err := h.loop.ListDevices(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("ListDevices() error = %v, want ErrStopped", err)
	}
	if err := h.loop.handle("iot/alerts", []byte(`{}`)); !errors.Is(err, ErrStopped) {
		t.Errorf("handle() error = %v, want ErrStopped", err)
	}
}

// =============================================================================
// Inbound
// =============================================================================

func TestLoop_TemperatureScenario(t *testing.T) {
	h := newHarness(t, harnessConfig{alertRules: []alert.Rule{hotRule()}})
	h.status("sensor_01", "")

	h.data("sensor_01", "temperature", "32.5")

	alerts := h.loop.RecentAlerts(0)
	if len(alerts) != 1 {
		t.Fatalf("RecentAlerts() = %d, want 1", len(alerts))
	}
	if alerts[0].DeviceID != "sensor_01" || alerts[0].Level != codec.LevelWarning || alerts[0].RuleID != "hot" {
		t.Errorf("alert = %+v", alerts[0])
	}

	sent := h.bus.sent(mqtt.TopicAlerts)
	if len(sent) != 1 {
		t.Fatalf("published %d alerts, want 1", len(sent))
	}

	// Our own alert echoed back by the broker is not recorded twice.
	h.bus.deliver(t, mqtt.TopicAlerts, string(sent[0].payload))
	h.sync()
	if n := len(h.loop.RecentAlerts(0)); n != 1 {
		t.Errorf("RecentAlerts() after echo = %d, want 1", n)
	}

	// Still above the bound: no new alert.
	h.clock.Advance(10 * time.Second)
	h.data("sensor_01", "temperature", "33")
	if n := len(h.loop.RecentAlerts(0)); n != 1 {
		t.Errorf("RecentAlerts() after 33 = %d, want 1", n)
	}
}

func TestLoop_ForeignAlertRecorded(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	h.bus.deliver(t, mqtt.TopicAlerts, `{"device_id":"pump_02","level":"ERROR","message":"seal leak","source":"edge-gw"}`)
	h.sync()

	alerts := h.loop.RecentAlerts(0)
	if len(alerts) != 1 {
		t.Fatalf("RecentAlerts() = %d, want 1", len(alerts))
	}
	if alerts[0].Source != "edge-gw" || alerts[0].Level != codec.LevelError || alerts[0].ID == "" {
		t.Errorf("alert = %+v", alerts[0])
	}
	if n := len(h.bus.sent(mqtt.TopicAlerts)); n != 0 {
		t.Errorf("foreign alert was republished %d times", n)
	}
}

func TestLoop_MalformedMessagesAreDropped(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	h.bus.deliver(t, mqtt.Topics{}.DeviceData("sensor_01"), `not json`)
	h.bus.deliver(t, mqtt.Topics{}.DeviceStatus("sensor_01"), `{"device_id":"other","online":true}`)
	h.status("sensor_01", "")

	devices, err := h.loop.ListDevices(h.ctx)
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "sensor_01" {
		t.Errorf("devices = %+v", devices)
	}
}

// =============================================================================
// Commands
// =============================================================================

func TestLoop_ImplicitAcknowledgement(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.status("relay_01", `,"relay_state":false`)

	p, err := h.loop.SendCommand(h.ctx, "relay_01", "relay_on", nil, 0)
	if err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if p.State != command.Sent {
		t.Errorf("State = %v, want Sent", p.State)
	}
	if n := len(h.bus.sent(mqtt.Topics{}.DeviceControl("relay_01"))); n != 1 {
		t.Fatalf("published %d control messages, want 1", n)
	}

	h.clock.Advance(time.Second)
	h.status("relay_01", `,"relay_state":true`)

	got, err := h.loop.Command(h.ctx, p.ID)
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	if got.State != command.Acknowledged || got.AckKind != command.AckImplicit {
		t.Errorf("command = %v/%v, want Acknowledged/implicit", got.State, got.AckKind)
	}
}

func TestLoop_UnknownDevice(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	_, err := h.loop.SendCommand(h.ctx, "ghost", "relay_on", nil, 0)
	if !errors.Is(err, command.ErrUnknownDevice) {
		t.Errorf("SendCommand() error = %v, want ErrUnknownDevice", err)
	}
	if n := len(h.bus.sent(mqtt.Topics{}.DeviceControl("ghost"))); n != 0 {
		t.Errorf("published %d control messages for unknown device", n)
	}
	if _, err := h.loop.Command(h.ctx, "missing"); !errors.Is(err, command.ErrNotFound) {
		t.Errorf("Command() error = %v, want ErrNotFound", err)
	}
}

func TestLoop_CommandTimeout(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.status("relay_01", "")

	p, err := h.loop.SendCommand(h.ctx, "relay_01", "relay_on", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}

	h.clock.Advance(4 * time.Second)
	h.tick()
	if got, _ := h.loop.Command(h.ctx, p.ID); got.State != command.Sent {
		t.Fatalf("State after 4s = %v, want Sent", got.State)
	}

	h.clock.Advance(time.Second)
	h.tick()
	got, _ := h.loop.Command(h.ctx, p.ID)
	if got.State != command.TimedOut {
		t.Errorf("State after 5s = %v, want TimedOut", got.State)
	}
	if !errors.Is(got.Err(), command.ErrTimedOut) {
		t.Errorf("Err() = %v, want ErrTimedOut", got.Err())
	}
}

// =============================================================================
// Registry and automation
// =============================================================================

func TestLoop_TickMarksDevicesOffline(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.status("sensor_01", "")

	h.clock.Advance(2 * time.Minute)
	h.tick()

	devices, _ := h.loop.ListDevices(h.ctx)
	if len(devices) != 1 || devices[0].Online {
		t.Errorf("devices = %+v, want sensor_01 offline", devices)
	}
}

func TestLoop_AutomationIssuesCommand(t *testing.T) {
	store := &mockRuleStore{rules: make(map[string]automation.Rule)}
	h := newHarness(t, harnessConfig{ruleStore: store})
	h.status("sensor_01", "")
	h.status("fan_01", "")

	bound := 30.0
	saved, err := h.loop.UpsertRule(h.ctx, automation.Rule{
		Name:    "cool down",
		Enabled: true,
		Trigger: automation.Trigger{Kind: automation.TriggerMetricChange, DeviceID: "sensor_01", Metric: "temperature"},
		Condition: &automation.Condition{
			Kind:     automation.CondMetric,
			Metric:   "temperature",
			Operator: alert.OpGreater,
			Bound:    &bound,
		},
		Action: automation.Action{Kind: automation.ActionCommand, DeviceID: "fan_01", Action: "fan_on"},
	})
	if err != nil {
		t.Fatalf("UpsertRule() error = %v", err)
	}
	if saved.ID == "" {
		t.Fatal("UpsertRule() did not assign an ID")
	}
	if _, err := store.Get(h.ctx, saved.ID); err != nil {
		t.Errorf("rule not persisted: %v", err)
	}

	h.data("sensor_01", "temperature", "31")

	if n := len(h.bus.sent(mqtt.Topics{}.DeviceControl("fan_01"))); n != 1 {
		t.Errorf("published %d fan commands, want 1", n)
	}

	if err := h.loop.DeleteRule(h.ctx, saved.ID); err != nil {
		t.Fatalf("DeleteRule() error = %v", err)
	}
	rules, _ := h.loop.AutomationRules(h.ctx)
	if len(rules) != 0 {
		t.Errorf("AutomationRules() = %d after delete", len(rules))
	}
	if err := h.loop.DeleteRule(h.ctx, saved.ID); !errors.Is(err, automation.ErrRuleNotFound) {
		t.Errorf("second DeleteRule() error = %v, want ErrRuleNotFound", err)
	}
}

func TestLoop_UpsertRuleRejectsInvalid(t *testing.T) {
	store := &mockRuleStore{rules: make(map[string]automation.Rule)}
	h := newHarness(t, harnessConfig{ruleStore: store})

	_, err := h.loop.UpsertRule(h.ctx, automation.Rule{Name: "broken", Enabled: true})
	if !errors.Is(err, automation.ErrInvalidRule) {
		t.Errorf("UpsertRule() error = %v, want ErrInvalidRule", err)
	}
	if len(store.rules) != 0 {
		t.Errorf("invalid rule was persisted")
	}
}

func TestLoop_PurgeDevice(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.status("sensor_01", "")
	h.data("sensor_01", "temperature", "21")

	detail, err := h.loop.DeviceDetail(h.ctx, "sensor_01")
	if err != nil {
		t.Fatalf("DeviceDetail() error = %v", err)
	}
	if len(detail.History) != 1 || len(detail.Stats) != 1 {
		t.Errorf("detail = %+v", detail)
	}

	if err := h.loop.PurgeDevice(h.ctx, "sensor_01"); err != nil {
		t.Fatalf("PurgeDevice() error = %v", err)
	}
	if err := h.loop.PurgeDevice(h.ctx, "sensor_01"); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("second PurgeDevice() error = %v, want ErrDeviceNotFound", err)
	}
	if _, err := h.loop.DeviceDetail(h.ctx, "sensor_01"); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("DeviceDetail() error = %v, want ErrDeviceNotFound", err)
	}

	// A purged device that reports again is recreated.
	h.status("sensor_01", "")
	devices, _ := h.loop.ListDevices(h.ctx)
	if len(devices) != 1 {
		t.Errorf("devices after re-report = %d, want 1", len(devices))
	}
}

func TestLoop_Status(t *testing.T) {
	h := newHarness(t, harnessConfig{alertRules: []alert.Rule{hotRule()}})
	h.status("relay_01", "")
	if _, err := h.loop.SendCommand(h.ctx, "relay_01", "relay_on", nil, 0); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}

	st, err := h.loop.Status(h.ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	want := Status{
		Connected:       true,
		ClientID:        testClientID,
		Devices:         1,
		PendingCommands: 1,
		AlertRules:      1,
		StartedAt:       t0,
	}
	if st != want {
		t.Errorf("Status() = %+v, want %+v", st, want)
	}
}
