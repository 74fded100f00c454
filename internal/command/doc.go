// Package command routes operator and automation commands to devices and
// tracks them until they are acknowledged or time out.
//
// A command moves through these states:
//
//	Queued ──release──▶ Sent ──ack──▶ Acknowledged
//	                     │
//	                     └──timeout──▶ TimedOut
//
// Queued is only used when SerializePerDevice is on; otherwise commands
// are Sent on submission. Timed-out commands are never retried.
//
// Acknowledgement is explicit when a device echoes command_id in its status
// report. Devices that cannot do that acknowledge implicitly: their next
// status report clears the oldest Sent command. Explicit matching always
// wins when a command_id is present. With several commands in flight to
// one device, implicit matching can credit the wrong command;
// SerializePerDevice avoids that by keeping one in flight.
//
// The Router performs no I/O. Outbound control messages collect in an
// outbox that the dispatch loop drains and publishes.
package command
