package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nerrad567/fleetlink-core/internal/infrastructure/mqtt"
)

// Default reconnect schedule.
const (
	DefaultReconnectInitial = time.Second
	DefaultReconnectMax     = 60 * time.Second
	DefaultReconnectJitter  = 0.2

	reconnectMultiplier = 2
)

// Bus is the message bus connection owned by the loop. *mqtt.Client
// satisfies it.
type Bus interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Resubscribe() error
	Publish(topic string, payload []byte, qos byte, retained bool) error
	SetOnDisconnect(callback func(err error))
	IsConnected() bool
	ClientID() string
	Close() error
}

// connEvent is either a disconnect reported by the bus or the final
// outcome of a connect goroutine.
type connEvent struct {
	final bool
	up    bool
	err   error
}

// reconnectBackOff returns a doubling schedule with jitter and no overall
// deadline.
func reconnectBackOff(initial, maxDelay time.Duration, jitter float64) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = maxDelay
		b.RandomizationFactor = jitter
		b.Multiplier = reconnectMultiplier
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}

// connect retries establish until it succeeds or ctx ends, then reports
// the outcome to the loop. It runs off the loop so that messages delivered
// while subscribing never wait on the loop.
func (l *Loop) connect(ctx context.Context) {
	attempt := 0
	op := func() error {
		attempt++
		return l.establish(ctx)
	}
	notify := func(err error, next time.Duration) {
		l.logger.Warn("MQTT connect failed",
			"attempt", attempt,
			"retry_in", next.String(),
			"error", err,
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(l.newBackOff(), ctx), notify)
	l.signal(connEvent{final: true, up: err == nil, err: err})
}

// establish connects the bus and subscribes every inbound topic. A
// subscription failure is returned so the attempt is retried; a retry on a
// live connection skips Connect and only repeats the subscriptions. Only
// one establish runs at a time.
func (l *Loop) establish(ctx context.Context) error {
	if !l.bus.IsConnected() {
		if err := l.bus.Connect(ctx); err != nil {
			return err
		}
	}

	if l.subscribed {
		if err := l.bus.Resubscribe(); err != nil {
			return fmt.Errorf("resubscribing: %w", err)
		}
		return nil
	}

	for _, topic := range (mqtt.Topics{}).Inbound() {
		if err := l.bus.Subscribe(topic, l.opts.QoS, l.handle); err != nil {
			return fmt.Errorf("subscribing %s: %w", topic, err)
		}
	}
	l.subscribed = true
	return nil
}

// signal delivers a connection event to the loop.
func (l *Loop) signal(ev connEvent) {
	select {
	case l.connEvents <- ev:
	case <-l.done:
	}
}

func (l *Loop) handleConnEvent(ctx context.Context, ev connEvent) {
	if ev.final {
		l.reconnecting = false
		if !ev.up || !l.bus.IsConnected() {
			l.startConnect(ctx)
			return
		}
		l.connected = true
		l.logger.Info("MQTT connected", "client_id", l.clientID, "queued", len(l.offline))
		l.flushOffline()
		return
	}

	if l.connected {
		l.logger.Warn("MQTT connection lost", "error", ev.err)
	}
	l.connected = false
	l.startConnect(ctx)
}

func (l *Loop) startConnect(ctx context.Context) {
	if l.reconnecting || ctx.Err() != nil {
		return
	}
	l.reconnecting = true
	go l.connect(ctx)
}
