package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nerrad567/fleetlink-core/internal/alert"
	"github.com/nerrad567/fleetlink-core/internal/automation"
	"github.com/nerrad567/fleetlink-core/internal/command"
	"github.com/nerrad567/fleetlink-core/internal/device"
	"github.com/nerrad567/fleetlink-core/internal/infrastructure/mqtt"
)

const testClientID = "core-test"

var (
	t0            = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	errBrokerDown = errors.New("broker down")
)

type publishedMsg struct {
	topic   string
	payload []byte
}

// fakeBus is an in-memory Bus. Connect fails while failConnects > 0,
// Subscribe fails for a topic while failSubscribes[topic] > 0 and
// Resubscribe fails while failResubscribes > 0.
type fakeBus struct {
	mu               sync.Mutex
	connected        bool
	failConnects     int
	failSubscribes   map[string]int
	failResubscribes int
	connects         int
	resubscribes     int
	handlers     map[string]mqtt.MessageHandler
	published    []publishedMsg
	onDisconnect func(error)
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers:       make(map[string]mqtt.MessageHandler),
		failSubscribes: make(map[string]int),
	}
}

func (b *fakeBus) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	if b.failConnects > 0 {
		b.failConnects--
		return errBrokerDown
	}
	b.connected = true
	return nil
}

func (b *fakeBus) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return mqtt.ErrNotConnected
	}
	if b.failSubscribes[topic] > 0 {
		b.failSubscribes[topic]--
		return mqtt.ErrSubscribeFailed
	}
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBus) Resubscribe() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resubscribes++
	if b.failResubscribes > 0 {
		b.failResubscribes--
		return mqtt.ErrSubscribeFailed
	}
	return nil
}

func (b *fakeBus) Publish(topic string, payload []byte, _ byte, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return mqtt.ErrNotConnected
	}
	b.published = append(b.published, publishedMsg{topic: topic, payload: payload})
	return nil
}

func (b *fakeBus) SetOnDisconnect(callback func(err error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDisconnect = callback
}

func (b *fakeBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBus) ClientID() string { return testClientID }

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

// drop simulates a lost connection. Reconnects fail until allow is called.
func (b *fakeBus) drop() {
	b.mu.Lock()
	b.connected = false
	b.failConnects = 1 << 30
	cb := b.onDisconnect
	b.mu.Unlock()
	cb(errors.New("connection reset"))
}

func (b *fakeBus) allow() {
	b.mu.Lock()
	b.failConnects = 0
	b.mu.Unlock()
}

// deliver hands a message to the handler whose filter matches topic.
func (b *fakeBus) deliver(t *testing.T, topic, payload string) {
	t.Helper()
	b.mu.Lock()
	var handler mqtt.MessageHandler
	for filter, h := range b.handlers {
		if topicMatches(filter, topic) {
			handler = h
			break
		}
	}
	b.mu.Unlock()
	if handler == nil {
		t.Fatalf("no subscription matches %q", topic)
	}
	if err := handler(topic, []byte(payload)); err != nil {
		t.Fatalf("handler(%q) error = %v", topic, err)
	}
}

func (b *fakeBus) sent(topic string) []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedMsg
	for _, m := range b.published {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (b *fakeBus) subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	if len(fp) != len(tp) {
		return false
	}
	for i := range fp {
		if fp[i] != "+" && fp[i] != tp[i] {
			return false
		}
	}
	return true
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mockRuleStore records persisted rules.
type mockRuleStore struct {
	mu    sync.Mutex
	rules map[string]automation.Rule
	err   error
}

func (m *mockRuleStore) Get(_ context.Context, id string) (*automation.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, automation.ErrRuleNotFound
	}
	return &r, nil
}

func (m *mockRuleStore) List(context.Context) ([]automation.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]automation.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	return out, nil
}

func (m *mockRuleStore) Upsert(_ context.Context, r *automation.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rules[r.ID] = *r
	return nil
}

func (m *mockRuleStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return automation.ErrRuleNotFound
	}
	delete(m.rules, id)
	return nil
}

type harnessConfig struct {
	opts           Options
	alertRules     []alert.Rule
	failConnects   int
	failSubscribes map[string]int
	ruleStore      automation.Repository
}

type harness struct {
	t      *testing.T
	loop   *Loop
	bus    *fakeBus
	clock  *fakeClock
	ctx    context.Context
	cancel context.CancelFunc
	errc   chan error

	stopOnce sync.Once
}

// newHarness starts a loop on a fake bus with an hourly ticker, an
// unbuffered inbound channel and a manual clock, and waits until it is
// connected.
func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()

	reg := device.NewRegistry(time.Minute, 0)
	router := command.NewRouter(reg, command.Options{DefaultTimeout: 5 * time.Second})
	alerts, err := alert.NewEngine(cfg.alertRules, testClientID)
	if err != nil {
		t.Fatalf("alert.NewEngine() error = %v", err)
	}

	bus := newFakeBus()
	bus.failConnects = cfg.failConnects
	for topic, n := range cfg.failSubscribes {
		bus.failSubscribes[topic] = n
	}

	opts := cfg.opts
	if opts.TickInterval == 0 {
		opts.TickInterval = time.Hour
	}
	opts.QoS = 1

	l := New(Deps{
		Bus:       bus,
		Registry:  reg,
		Router:    router,
		Alerts:    alerts,
		RuleStore: cfg.ruleStore,
	}, opts)

	clock := &fakeClock{now: t0}
	l.now = clock.Now
	l.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, loop: l, bus: bus, clock: clock, ctx: ctx, cancel: cancel, errc: make(chan error, 1)}
	go func() { h.errc <- l.Run(ctx) }()
	t.Cleanup(h.stop)

	h.waitFor("connected", h.connected)
	return h
}

func (h *harness) stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case <-h.errc:
		case <-time.After(2 * time.Second):
			h.t.Error("loop did not stop")
		}
	})
}

func (h *harness) connected() bool {
	st, err := h.loop.Status(h.ctx)
	return err == nil && st.Connected
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", what)
}

// tick runs one tick on the loop at the fake clock's time.
func (h *harness) tick() {
	h.t.Helper()
	if err := h.loop.do(h.ctx, func() { h.loop.tick(h.loop.now()) }); err != nil {
		h.t.Fatalf("tick error = %v", err)
	}
}

// sync waits until the loop has finished the message it is handling.
func (h *harness) sync() {
	h.t.Helper()
	if err := h.loop.do(h.ctx, func() {}); err != nil {
		h.t.Fatalf("sync error = %v", err)
	}
}

func (h *harness) status(id string, extra string) {
	h.t.Helper()
	payload := `{"device_id":"` + id + `","online":true,"type":"sensor","location":"lab","firmware_version":"1.0.0"` + extra + `}`
	h.bus.deliver(h.t, mqtt.Topics{}.DeviceStatus(id), payload)
	h.sync()
}

func (h *harness) data(id, metric, value string) {
	h.t.Helper()
	payload := `{"device_id":"` + id + `","sensor_type":"` + metric + `","value":` + value + `,"unit":"C"}`
	h.bus.deliver(h.t, mqtt.Topics{}.DeviceData(id), payload)
	h.sync()
}
