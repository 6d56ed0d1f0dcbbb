/*
Package types defines the core data model shared across the Stevedore
control plane and agents.

The model has four authoritative record kinds, all owned by the cluster
store:

  - Node: a registered agent runtime (server-class or browser-class) with
    declared capacity, labels and taints.
  - Pack: a named, versioned executable bundle.
  - Pod: one placement of a pack onto a node, tracked through a strict
    lifecycle state machine and tagged with a monotonic incarnation.
  - Workload: a declarative replica count plus pod template for a pack.

# Pod lifecycle

	pending -> scheduled -> starting -> running -> stopping -> stopped
	                           |            |
	                           v            v
	                        failed       failed / evicted

ValidTransition is the single source of truth for the table above. The
lease engine's revocation path is the one sanctioned bypass: it moves a
pod straight to failed with reason "node_lost" and bumps the incarnation
so stale agent commands become no-ops.

# Taints and tolerations

Nodes repel pods with taints; pods opt back in with tolerations. A
toleration matches on key and effect, and on value unless its operator is
Exists. UntoleratedTaint implements the scheduler-facing check.

All types marshal to JSON both for the durable adapter and for the agent
wire protocol, so field tags are part of the external contract.
*/
package types
