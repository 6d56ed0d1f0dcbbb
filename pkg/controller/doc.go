// Package controller reconciles workloads against the pod population:
// scaling, follow-latest version drift, one-at-a-time rollouts,
// crash-loop backoff and daemon (one pod per feasible node) placement.
// The controller only mutates state through the store and hands new
// pods to the scheduler; agents are reached via the command pusher.
package controller
