package device

import "time"

// maxUptimeSpans bounds the closed online spans kept per device. A device
// that flaps more often than this within a window under-reports uptime.
const maxUptimeSpans = 64

type span struct {
	from, to time.Time
}

// uptimeLog records the periods a device was classified Online.
type uptimeLog struct {
	spans []span // closed, oldest first
	open  bool
	from  time.Time
}

func (u *uptimeLog) start(at time.Time) {
	if u.open {
		return
	}
	u.open = true
	u.from = at
}

func (u *uptimeLog) stop(at time.Time) {
	if !u.open {
		return
	}
	u.open = false
	if at.Before(u.from) {
		at = u.from
	}
	u.spans = append(u.spans, span{from: u.from, to: at})
	if len(u.spans) > maxUptimeSpans {
		u.spans = u.spans[len(u.spans)-maxUptimeSpans:]
	}
}

// overlap returns how much of [from, to] falls inside [lo, hi].
func overlap(from, to, lo, hi time.Time) time.Duration {
	if from.Before(lo) {
		from = lo
	}
	if to.After(hi) {
		to = hi
	}
	if !to.After(from) {
		return 0
	}
	return to.Sub(from)
}

// offlineAt is when an entry that classifies Offline at now stopped being
// Online: now for a declared offline, otherwise when it went stale.
func (r *Registry) offlineAt(e *entry, now time.Time) time.Time {
	if e.declaredOffline {
		return now
	}
	if stale := e.rec.LastSeen.Add(r.staleThreshold); stale.Before(now) {
		return stale
	}
	return now
}

// settleUptime closes the open span of an entry that has gone stale since
// it was last looked at.
func (r *Registry) settleUptime(e *entry, now time.Time) {
	if e.uptime.open && r.classifyEntry(e, now) == Offline {
		e.uptime.stop(r.offlineAt(e, now))
	}
}

// trackUptime keeps the online spans in step with a new classification.
func (r *Registry) trackUptime(e *entry, class Classification, now time.Time) {
	if class == Online {
		e.uptime.start(now)
		return
	}
	e.uptime.stop(r.offlineAt(e, now))
}

// Uptime returns the percentage of the window ending at now during which
// the device was Online, as observed since start-up.
func (r *Registry) Uptime(id string, window time.Duration, now time.Time) (float64, bool) {
	e, ok := r.entries[id]
	if !ok {
		return 0, false
	}
	if window <= 0 {
		return 0, true
	}

	lo := now.Add(-window)
	var online time.Duration
	for _, s := range e.uptime.spans {
		online += overlap(s.from, s.to, lo, now)
	}
	if e.uptime.open {
		to := now
		if r.classifyEntry(e, now) == Offline {
			to = r.offlineAt(e, now)
		}
		online += overlap(e.uptime.from, to, lo, now)
	}
	return 100 * online.Seconds() / window.Seconds(), true
}
