// Package device provides the Device Registry for FleetLink Core.
//
// The registry is the authoritative in-memory view of the fleet: which
// devices exist, what they last reported, and whether they are online. It
// is owned by the dispatch loop and is not safe for concurrent use; every
// mutation arrives through the loop's single queue.
//
// # Invariants
//
//   - LastSeen never moves backwards.
//   - Online is derived from now - LastSeen against the stale threshold, or
//     from an explicit online=false status. It is never stored.
//   - The latest value of a metric is replaced only by a reading whose
//     declared timestamp is equal or newer. Older readings still go to the
//     bounded history.
//   - Devices are removed only by Purge.
//
// Other components read registry state through StateReader.
//
// # Usage
//
//	reg := device.NewRegistry(90*time.Second, 100)
//
//	change := reg.ApplyData("sensor_01", device.Reading{
//	    Metric: "temperature", Value: 32.5, Unit: "°C", Timestamp: ts,
//	}, now)
//
//	switch reg.Classify("sensor_01", now) {
//	case device.Online:
//	}
//
// SQLiteRepository keeps device identity and last-seen across restarts;
// Restore seeds the registry from it at start-up.
package device
