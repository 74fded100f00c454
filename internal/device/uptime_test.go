package device

import (
	"math"
	"testing"
	"time"
)

func uptimeReading(at time.Time) Reading {
	return Reading{Metric: "temperature", Value: 21, Unit: "C", Timestamp: at}
}

func TestUptime_StaleAndDeclaredOffline(t *testing.T) {
	r := NewRegistry(time.Minute, 10)

	r.ApplyStatus("a", status(true), t0)
	// Silent for ten minutes: stale from t0+1m.
	r.ApplyData("a", uptimeReading(t0.Add(10*time.Minute)), t0.Add(10*time.Minute))
	r.ApplyData("a", uptimeReading(t0.Add(10*time.Minute+30*time.Second)), t0.Add(10*time.Minute+30*time.Second))
	r.ApplyStatus("a", status(false), t0.Add(11*time.Minute))

	// Online for [t0, t0+1m] and [t0+10m, t0+11m].
	got, ok := r.Uptime("a", 20*time.Minute, t0.Add(20*time.Minute))
	if !ok {
		t.Fatal("Uptime() unknown device")
	}
	if math.Abs(got-10) > 1e-9 {
		t.Errorf("Uptime() = %v, want 10", got)
	}
}

func TestUptime_SweepMatchesLazyClose(t *testing.T) {
	r := NewRegistry(time.Minute, 10)
	r.ApplyStatus("swept", status(true), t0)
	r.ApplyStatus("idle", status(true), t0)

	r.Sweep(t0.Add(5 * time.Minute))

	for _, id := range []string{"swept", "idle"} {
		got, _ := r.Uptime(id, 10*time.Minute, t0.Add(10*time.Minute))
		if math.Abs(got-10) > 1e-9 {
			t.Errorf("Uptime(%s) = %v, want 10", id, got)
		}
	}
}

func TestUptime_WindowClipsSpans(t *testing.T) {
	r := NewRegistry(time.Hour, 10)
	r.ApplyStatus("a", status(true), t0)

	// Online throughout; only the window counts.
	got, _ := r.Uptime("a", 30*time.Minute, t0.Add(45*time.Minute))
	if math.Abs(got-100) > 1e-9 {
		t.Errorf("Uptime() = %v, want 100", got)
	}

	if _, ok := r.Uptime("missing", time.Hour, t0); ok {
		t.Error("Uptime() ok for an unknown device")
	}
}

func TestUptime_RestoredDeviceStartsOffline(t *testing.T) {
	r := NewRegistry(time.Minute, 10)
	r.Restore([]Record{{ID: "a", LastSeen: t0.Add(-time.Hour)}})

	if got, _ := r.Uptime("a", time.Hour, t0); got != 0 {
		t.Errorf("Uptime() = %v, want 0 before live traffic", got)
	}
}
