// Package api implements the operator HTTP API and WebSocket push for
// FleetLink Core.
//
// This package provides:
//   - REST endpoints under /api/v1 for devices, commands, alerts and
//     automation rules
//   - WebSocket hub pushing alert.raised, command.timed_out and
//     device.offline events
//   - HS256 JWT bearer authentication on every route except /health
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// Handlers never touch fleet state directly. Every read and mutation is a
// call on the Fleet interface, which the dispatch loop implements by
// running the request on its own goroutine.
//
// # Security
//
// Operators present a token signed with the shared secret in
// security.jwt.secret. WebSocket clients pass the same token in the token
// query parameter since browsers cannot set headers on upgrade requests.
package api
