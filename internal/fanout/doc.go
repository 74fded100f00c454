// Package fanout runs the slow side effects of the dispatch loop off the
// loop goroutine.
//
// The loop enqueues small jobs (device record upserts, alert history rows,
// InfluxDB points, WebSocket pushes) on a bounded channel. A single worker
// runs them in order, which suits SQLite's serial write model. When the
// channel is full the job is dropped and a warning is logged; the loop
// never blocks on a side effect.
package fanout
