package automation

import (
	"errors"
	"time"

	"github.com/nerrad567/fleetlink-core/internal/command"
	"github.com/nerrad567/fleetlink-core/internal/device"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type submission struct {
	deviceID string
	action   string
	params   map[string]any
	timeout  time.Duration
}

// mockSubmitter records submissions and fails while err is set.
type mockSubmitter struct {
	calls []submission
	err   error
}

func (m *mockSubmitter) Submit(deviceID, action string, params map[string]any, timeout time.Duration, now time.Time) (command.Pending, error) {
	if m.err != nil {
		return command.Pending{}, m.err
	}
	m.calls = append(m.calls, submission{deviceID, action, params, timeout})
	return command.Pending{
		ID:       "cmd-" + deviceID,
		DeviceID: deviceID,
		Action:   action,
		Params:   params,
		IssuedAt: now,
		State:    command.Sent,
	}, nil
}

var errBusDown = errors.New("bus down")

func ptr(f float64) *float64 { return &f }

func setMetric(reg *device.Registry, id, metric string, v float64, now time.Time) StateChange {
	c := reg.ApplyData(id, device.Reading{Metric: metric, Value: v, Timestamp: now}, now)
	return ChangesFrom(c)[0]
}

func commandRule(id string) Rule {
	return Rule{
		ID:      id,
		Name:    "rule " + id,
		Enabled: true,
		Trigger: Trigger{Kind: TriggerMetricChange, Metric: "temperature"},
		Condition: &Condition{
			Kind:     CondMetric,
			Metric:   "temperature",
			Operator: ">",
			Bound:    ptr(30),
		},
		Action: Action{Kind: ActionCommand, Action: "fan_on"},
	}
}
