// Package dispatch runs the single coordinating loop of FleetLink Core.
//
// The loop owns the MQTT connection and every piece of mutable fleet state:
// the device registry, the command router, and the alert and automation
// engines. One goroutine selects over four sources:
//
//	inbound messages   decoded and applied to registry → alerts → automation
//	operator requests  closures queued by the facade methods
//	the tick timer     offline sweeps, command timeouts, staleness, schedules
//	connection events  disconnects and completed reconnects
//
// After each step, control messages queued by the router are encoded and
// published. While the bus is down they are held in a bounded queue or
// rejected with ErrConnectionLost, depending on the offline policy.
//
// Reconnection runs in a helper goroutine with exponential backoff
// (cenkalti/backoff) so the loop keeps serving requests and ticks. Slow
// side effects go to the fan-out worker.
package dispatch
