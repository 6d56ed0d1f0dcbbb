// Package session implements the agent wire protocol: length-prefixed
// JSON frames over a stream, one session per live connection. A session
// binds an authenticated principal, dispatches inbound frames in
// arrival order through a bounded queue, and serializes writes so
// server pushes and replies never interleave.
package session
