// Package store holds the authoritative cluster state: nodes, packs,
// pods, workloads, namespaces and priority classes. State lives in an
// in-memory cache over a durable adapter; every mutation is a typed
// operation that validates first, writes through, then installs, so
// readers never see a half-applied record.
//
// The store enforces the accounting invariants. Allocated capacity can
// never exceed allocatable and never go negative; a violation poisons
// the store and every later mutation fails.
package store
