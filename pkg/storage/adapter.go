package storage

import (
	"github.com/packdock/stevedore/pkg/types"
)

// Adapter is the durable backend consumed by the cluster store. Each call
// is transactional on its own; the store composes at most one adapter
// call per record and retries idempotently keyed by record id.
//
// Error classification follows pkg/errdefs: Conflict for duplicate
// creates, NotFound for missing records, BackendUnavailable for
// transport or backend failure.
type Adapter interface {
	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(id string) error

	// Packs
	CreatePack(pack *types.Pack) error
	GetPack(id string) (*types.Pack, error)
	ListPacks() ([]*types.Pack, error)
	UpdatePack(pack *types.Pack) error
	DeletePack(id string) error

	// Pods
	CreatePod(pod *types.Pod) error
	GetPod(id string) (*types.Pod, error)
	ListPods() ([]*types.Pod, error)
	UpdatePod(pod *types.Pod) error
	DeletePod(id string) error

	// Workloads
	CreateWorkload(w *types.Workload) error
	GetWorkload(id string) (*types.Workload, error)
	ListWorkloads() ([]*types.Workload, error)
	UpdateWorkload(w *types.Workload) error
	DeleteWorkload(id string) error

	// Namespaces
	CreateNamespace(ns *types.Namespace) error
	GetNamespace(name string) (*types.Namespace, error)
	ListNamespaces() ([]*types.Namespace, error)
	UpdateNamespace(ns *types.Namespace) error
	DeleteNamespace(name string) error

	// Priority classes
	CreatePriorityClass(pc *types.PriorityClass) error
	GetPriorityClass(name string) (*types.PriorityClass, error)
	ListPriorityClasses() ([]*types.PriorityClass, error)

	// Utility
	Close() error
}
