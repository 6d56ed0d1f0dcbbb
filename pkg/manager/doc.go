// Package manager provides the replicated control plane state surface.
//
// A Manager wraps the store behind the same API the rest of the control
// plane programs against. In clustered mode every mutation is encoded
// as a Command, committed through the hashicorp/raft log, and applied
// by the FSM on each member, so all members converge on the same state.
// Reads never touch the log; they are answered from the local store.
//
// Followers reject mutations with a backend-unavailable error naming
// the current leader, so callers can retry against it.
package manager
