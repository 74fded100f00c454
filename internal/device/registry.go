package device

import (
	"sort"
	"time"

	"github.com/nerrad567/fleetlink-core/internal/codec"
)

// Defaults used when NewRegistry is given non-positive values.
const (
	DefaultStaleThreshold = 90 * time.Second
	DefaultHistorySize    = 100
)

type entry struct {
	rec      Record
	previous map[string]Reading
	history  *history

	// declaredOffline is set by an online=false status and by Restore, and
	// cleared by any live traffic.
	declaredOffline bool

	// lastClass is the classification reported by the last Apply or Sweep.
	lastClass Classification

	uptime uptimeLog
}

// Registry is the in-memory device table. It is not safe for concurrent
// use; the dispatch loop is its only writer.
type Registry struct {
	staleThreshold time.Duration
	historySize    int

	entries map[string]*entry
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry(staleThreshold time.Duration, historySize int) *Registry {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Registry{
		staleThreshold: staleThreshold,
		historySize:    historySize,
		entries:        make(map[string]*entry),
	}
}

// StaleThreshold returns the configured offline threshold.
func (r *Registry) StaleThreshold() time.Duration {
	return r.staleThreshold
}

func (r *Registry) upsert(id string) (*entry, bool) {
	if e, ok := r.entries[id]; ok {
		return e, false
	}
	e := &entry{
		rec:      Record{ID: id, LastData: make(map[string]Reading)},
		previous: make(map[string]Reading),
		history:  newHistory(r.historySize),
	}
	r.entries[id] = e
	r.order = append(r.order, id)
	return e, true
}

func (e *entry) touch(now time.Time) {
	if now.After(e.rec.LastSeen) {
		e.rec.LastSeen = now
	}
}

// ApplyStatus upserts a device from a status report. Declared identity
// fields replace stored ones only when non-empty; extra fields are merged
// into LastStatus without removing keys absent from this report.
func (r *Registry) ApplyStatus(id string, s codec.StatusMessage, now time.Time) Change {
	e, created := r.upsert(id)
	before := r.classifyEntry(e, now)
	if created {
		before = Unknown
	}
	r.settleUptime(e, now)

	e.touch(now)
	if s.Type != "" {
		e.rec.Type = s.Type
	}
	if s.Location != "" {
		e.rec.Location = s.Location
	}
	if s.FirmwareVersion != "" {
		e.rec.FirmwareVersion = s.FirmwareVersion
	}
	if e.rec.LastStatus == nil {
		e.rec.LastStatus = make(map[string]any, len(s.Extra)+4)
	}
	for k, v := range s.Extra {
		e.rec.LastStatus[k] = deepCopyValue(v)
	}
	e.rec.LastStatus["online"] = s.Online
	e.rec.LastStatus["type"] = e.rec.Type
	e.rec.LastStatus["location"] = e.rec.Location
	e.rec.LastStatus["firmware_version"] = e.rec.FirmwareVersion
	e.declaredOffline = !s.Online

	after := r.classifyEntry(e, now)
	e.lastClass = after
	r.trackUptime(e, after, now)
	return Change{
		DeviceID:    id,
		Kind:        StatusChanged,
		Created:     created,
		WentOnline:  before != Online && after == Online,
		WentOffline: before == Online && after == Offline,
	}
}

// ApplyData records a reading. The reading always reaches history; it
// becomes the latest value of its metric only when its timestamp is not
// older than the stored one.
func (r *Registry) ApplyData(id string, rd Reading, now time.Time) Change {
	e, created := r.upsert(id)
	before := r.classifyEntry(e, now)
	if created {
		before = Unknown
	}
	r.settleUptime(e, now)

	rd.DeviceID = id
	if rd.ReceivedAt.IsZero() {
		rd.ReceivedAt = now
	}
	e.touch(now)
	e.declaredOffline = false
	e.history.push(rd)

	updated := false
	stored, ok := e.rec.LastData[rd.Metric]
	switch {
	case !ok:
		updated = true
	case rd.Timestamp.After(stored.Timestamp):
		e.previous[rd.Metric] = stored
		updated = true
	case rd.Timestamp.Equal(stored.Timestamp):
		// Duplicate delivery: refresh latest, keep the rate baseline.
		updated = true
	}
	if updated {
		e.rec.LastData[rd.Metric] = rd
	}

	after := r.classifyEntry(e, now)
	e.lastClass = after
	r.trackUptime(e, after, now)
	return Change{
		DeviceID:      id,
		Kind:          DataChanged,
		Created:       created,
		Metric:        rd.Metric,
		Reading:       rd,
		LatestUpdated: updated,
		WentOnline:    before != Online && after == Online,
	}
}

// Classify derives a device's connectivity at now.
func (r *Registry) Classify(id string, now time.Time) Classification {
	e, ok := r.entries[id]
	if !ok {
		return Unknown
	}
	return r.classifyEntry(e, now)
}

func (r *Registry) classifyEntry(e *entry, now time.Time) Classification {
	if e.declaredOffline || now.Sub(e.rec.LastSeen) > r.staleThreshold {
		return Offline
	}
	return Online
}

// Sweep returns devices that were Online at the previous Apply or Sweep and
// are Offline at now.
func (r *Registry) Sweep(now time.Time) []Transition {
	var out []Transition
	for _, id := range r.order {
		e := r.entries[id]
		class := r.classifyEntry(e, now)
		if e.lastClass == Online && class == Offline {
			out = append(out, Transition{DeviceID: id, LastSeen: e.rec.LastSeen})
		}
		if class == Offline {
			e.uptime.stop(r.offlineAt(e, now))
		}
		e.lastClass = class
	}
	return out
}

// Get returns a deep copy of one record with Online derived at now.
func (r *Registry) Get(id string, now time.Time) (Record, bool) {
	e, ok := r.entries[id]
	if !ok {
		return Record{}, false
	}
	rec := e.rec.DeepCopy()
	rec.Online = r.classifyEntry(e, now) == Online
	return rec, true
}

// Snapshot returns deep copies of every record in insertion order.
func (r *Registry) Snapshot(now time.Time) []Record {
	out := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		rec, _ := r.Get(id, now)
		out = append(out, rec)
	}
	return out
}

// History returns a device's buffered readings, oldest first.
func (r *Registry) History(id string) []Reading {
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	return e.history.readings()
}

// Stats summarises each metric in a device's history, sorted by metric.
func (r *Registry) Stats(id string) []MetricStats {
	e, ok := r.entries[id]
	if !ok || e.history.len() == 0 {
		return nil
	}

	byMetric := make(map[string]*MetricStats)
	sums := make(map[string]float64)
	for _, rd := range e.history.readings() {
		s, ok := byMetric[rd.Metric]
		if !ok {
			s = &MetricStats{Metric: rd.Metric, Unit: rd.Unit, Min: rd.Value, Max: rd.Value}
			byMetric[rd.Metric] = s
		}
		s.Count++
		s.Min = min(s.Min, rd.Value)
		s.Max = max(s.Max, rd.Value)
		sums[rd.Metric] += rd.Value
	}

	out := make([]MetricStats, 0, len(byMetric))
	for metric, s := range byMetric {
		s.Avg = sums[metric] / float64(s.Count)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

// Purge removes a device and its history. It reports whether the device
// existed.
func (r *Registry) Purge(id string) bool {
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Restore seeds devices from persistence. Existing entries are left alone
// and restored devices stay Offline until they send live traffic.
func (r *Registry) Restore(records []Record) int {
	n := 0
	for _, rec := range records {
		if !codec.ValidDeviceID(rec.ID) {
			continue
		}
		e, created := r.upsert(rec.ID)
		if !created {
			continue
		}
		e.rec.Type = rec.Type
		e.rec.Location = rec.Location
		e.rec.FirmwareVersion = rec.FirmwareVersion
		e.rec.LastSeen = rec.LastSeen
		e.rec.LastStatus = deepCopyMap(rec.LastStatus)
		e.declaredOffline = true
		e.lastClass = Offline
		n++
	}
	return n
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	return len(r.order)
}

// Known reports whether the device has ever been seen.
func (r *Registry) Known(id string) bool {
	_, ok := r.entries[id]
	return ok
}

// IDs returns device IDs in insertion order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// LastSeen returns when the device was last heard from.
func (r *Registry) LastSeen(id string) (time.Time, bool) {
	e, ok := r.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.rec.LastSeen, true
}

// Latest returns the accepted latest reading of a metric.
func (r *Registry) Latest(id, metric string) (Reading, bool) {
	e, ok := r.entries[id]
	if !ok {
		return Reading{}, false
	}
	rd, ok := e.rec.LastData[metric]
	return rd, ok
}

// Previous returns the accepted reading that Latest replaced.
func (r *Registry) Previous(id, metric string) (Reading, bool) {
	e, ok := r.entries[id]
	if !ok {
		return Reading{}, false
	}
	rd, ok := e.previous[metric]
	return rd, ok
}

// StatusValue returns one field of the merged status.
func (r *Registry) StatusValue(id, key string) (any, bool) {
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	v, ok := e.rec.LastStatus[key]
	return deepCopyValue(v), ok
}

var _ StateReader = (*Registry)(nil)
