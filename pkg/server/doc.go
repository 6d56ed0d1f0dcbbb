// Package server is the wire endpoint of the control plane. Agents and
// in-pod runtimes connect over TCP, authenticate with their first frame
// (node:register or pod:claim), and then exchange length-prefixed JSON
// frames: heartbeats, pod lifecycle reports, route requests and group
// membership operations.
//
// The server also implements the outbound half: it is the scheduler's
// assigner (pod:assign pushes) and the controller's commander
// (pod:terminate pushes), routed through the session registry to the
// agent owning the target node.
package server
