// Package agent implements the node-side daemon. An agent registers
// its node with the control plane, heartbeats on the lease cadence,
// executes pod assignments through a PackRuntime, and reports every
// lifecycle transition. Commands carrying a stale incarnation are
// discarded locally, mirroring the server-side check.
//
// Route lookups are sticky: an allowed route is cached per target
// service until its TTL lapses or the caller invalidates it after a
// failed data channel.
package agent
