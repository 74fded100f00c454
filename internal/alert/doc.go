// Package alert decides when fleet alerts fire.
//
// Three rule kinds are supported:
//
//   - threshold: the latest value of a metric compared against a bound
//   - rate_of_change: the change between the two most recent accepted
//     readings, scaled to a unit of time, compared against a bound
//   - staleness: no reading of a metric (or no traffic at all) for MaxAge
//
// Threshold and rate rules are evaluated when a reading arrives; staleness
// rules are evaluated on the periodic tick, since silence produces no
// message to react to.
//
// Each (rule, device) pair is edge-triggered:
//
//	Armed ──condition true──▶ fire, Cooldown
//	Cooldown ──cooldown elapsed and condition false now──▶ Armed
//
// so a condition that stays true fires once, and fires again only after
// it clears. The engine only decides and timestamps; delivery belongs to
// the caller.
package alert
