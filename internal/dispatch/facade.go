package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/fleetlink-core/internal/alert"
	"github.com/nerrad567/fleetlink-core/internal/automation"
	"github.com/nerrad567/fleetlink-core/internal/command"
	"github.com/nerrad567/fleetlink-core/internal/device"
)

// DeviceDetail is everything the loop knows about one device.
type DeviceDetail struct {
	Device   device.Record        `json:"device"`
	History  []device.Reading     `json:"history"`
	Stats    []device.MetricStats `json:"stats"`
	Commands []command.Pending    `json:"commands"`

	// UptimePercent is the share of the last UptimeWindow the device was
	// online, as observed since start-up.
	UptimePercent float64 `json:"uptime_percent"`
}

// UptimeWindow is the period DeviceDetail reports uptime over.
const UptimeWindow = 24 * time.Hour

// do runs fn on the loop goroutine and waits for it to finish. Control
// messages released by fn are published before do returns.
func (l *Loop) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	req := func() {
		defer close(finished)
		fn()
		l.flushOutbound()
	}

	select {
	case l.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// ListDevices returns every known device in first-seen order.
func (l *Loop) ListDevices(ctx context.Context) ([]device.Record, error) {
	var out []device.Record
	err := l.do(ctx, func() {
		out = l.registry.Snapshot(l.now())
	})
	return out, err
}

// DeviceDetail returns a device with its history, statistics and commands.
func (l *Loop) DeviceDetail(ctx context.Context, id string) (DeviceDetail, error) {
	var (
		out   DeviceDetail
		found bool
	)
	err := l.do(ctx, func() {
		out.Device, found = l.registry.Get(id, l.now())
		if !found {
			return
		}
		out.History = l.registry.History(id)
		out.Stats = l.registry.Stats(id)
		out.Commands = l.router.List(id)
		out.UptimePercent, _ = l.registry.Uptime(id, UptimeWindow, l.now())
	})
	if err != nil {
		return DeviceDetail{}, err
	}
	if !found {
		return DeviceDetail{}, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, id)
	}
	return out, nil
}

// SendCommand submits an operator command. The control message is
// published before SendCommand returns unless the device already has a
// command in flight or the bus is down.
func (l *Loop) SendCommand(ctx context.Context, deviceID, action string, params map[string]any, timeout time.Duration) (command.Pending, error) {
	var (
		p      command.Pending
		subErr error
	)
	err := l.do(ctx, func() {
		if subErr = l.checkConnected(); subErr != nil {
			return
		}
		p, subErr = l.router.Submit(deviceID, action, params, timeout, l.now())
		if subErr == nil {
			l.logger.Info("command submitted",
				"command_id", p.ID,
				"device_id", deviceID,
				"action", action,
			)
		}
	})
	if err != nil {
		return command.Pending{}, err
	}
	return p, subErr
}

// Command returns a tracked command.
func (l *Loop) Command(ctx context.Context, id string) (command.Pending, error) {
	var (
		p     command.Pending
		found bool
	)
	err := l.do(ctx, func() {
		p, found = l.router.Get(id)
	})
	if err != nil {
		return command.Pending{}, err
	}
	if !found {
		return command.Pending{}, fmt.Errorf("%w: %s", command.ErrNotFound, id)
	}
	return p, nil
}

// RecentAlerts returns up to limit alerts, newest first. The alert log is
// safe for concurrent reads so this does not go through the loop.
func (l *Loop) RecentAlerts(limit int) []alert.Event {
	return l.alertLog.Recent(limit)
}

// AlertRules returns the configured alert rules.
func (l *Loop) AlertRules() []alert.Rule {
	return l.alerts.Rules()
}

// AutomationRules returns every automation rule.
func (l *Loop) AutomationRules(ctx context.Context) ([]automation.Rule, error) {
	var out []automation.Rule
	err := l.do(ctx, func() {
		out = l.automation.List()
	})
	return out, err
}

// UpsertRule validates, applies and persists an automation rule. An empty
// ID is generated.
func (l *Loop) UpsertRule(ctx context.Context, rule automation.Rule) (automation.Rule, error) {
	var (
		saved  automation.Rule
		upsErr error
	)
	err := l.do(ctx, func() {
		saved, upsErr = l.automation.Upsert(rule, l.now())
	})
	if err != nil {
		return automation.Rule{}, err
	}
	if upsErr != nil {
		return automation.Rule{}, upsErr
	}

	if l.ruleStore != nil {
		if err := l.ruleStore.Upsert(ctx, &saved); err != nil {
			return saved, fmt.Errorf("persisting rule %s: %w", saved.ID, err)
		}
	}
	l.logger.Info("automation rule saved", "rule_id", saved.ID, "name", saved.Name)
	return saved, nil
}

// DeleteRule removes an automation rule.
func (l *Loop) DeleteRule(ctx context.Context, id string) error {
	var delErr error
	err := l.do(ctx, func() {
		delErr = l.automation.Delete(id)
	})
	if err != nil {
		return err
	}
	if delErr != nil {
		return delErr
	}

	if l.ruleStore != nil {
		if err := l.ruleStore.Delete(ctx, id); err != nil && !errors.Is(err, automation.ErrRuleNotFound) {
			return fmt.Errorf("deleting rule %s: %w", id, err)
		}
	}
	l.logger.Info("automation rule deleted", "rule_id", id)
	return nil
}

// PurgeDevice removes a device and everything tracked for it. A purged
// device that reports again is recreated.
func (l *Loop) PurgeDevice(ctx context.Context, id string) error {
	var found bool
	err := l.do(ctx, func() {
		if found = l.registry.Purge(id); !found {
			return
		}
		dropped := l.router.Forget(id)
		l.alerts.Forget(id)
		l.automation.Forget(id)
		if l.fanout != nil {
			l.fanout.DevicePurged(id)
		}
		l.logger.Info("device purged", "device_id", id, "commands_dropped", dropped)
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", device.ErrDeviceNotFound, id)
	}
	return nil
}

// Status reports loop health.
func (l *Loop) Status(ctx context.Context) (Status, error) {
	var st Status
	err := l.do(ctx, func() {
		pending := 0
		for _, p := range l.router.List("") {
			if !p.State.Resolved() {
				pending++
			}
		}
		st = Status{
			Connected:       l.connected,
			ClientID:        l.clientID,
			Devices:         l.registry.Len(),
			PendingCommands: pending,
			OfflineQueued:   len(l.offline),
			AlertRules:      len(l.alerts.Rules()),
			AutomationRules: len(l.automation.List()),
			StartedAt:       l.startedAt,
		}
	})
	return st, err
}
