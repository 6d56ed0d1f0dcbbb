// Package scheduler places pending pods onto nodes. Placement is
// filter, score, bind: infeasible nodes are rejected with a categorized
// reason, survivors are ranked by free capacity, spread and label
// affinity, and the best candidate is bound atomically through the
// store. Pods with no feasible node are requeued with capped
// exponential backoff.
package scheduler
