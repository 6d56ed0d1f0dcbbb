package store

import (
	"time"

	"github.com/packdock/stevedore/pkg/events"
	"github.com/packdock/stevedore/pkg/types"
)

// API is the state surface the control plane components program against.
// A standalone server uses *Store directly; a clustered server wraps it
// so mutations go through the consensus log while reads stay local.
type API interface {
	// Node state
	CreateNode(node *types.Node) error
	DeregisterNode(id string) error
	UpdateHeartbeat(id string, at time.Time) (*types.Node, error)
	MarkNodeSuspect(id string, at time.Time) error
	ExpireNodeLease(id string) ([]string, error)
	SetNodeUnschedulable(id string, unschedulable bool) error
	DrainNode(id string) ([]string, error)
	BindNodeSession(nodeID, sessionID string) error
	ClearNodeSession(nodeID, sessionID string) error
	GetNode(id string) (*types.Node, error)
	ListNodes() []*types.Node

	// Pack state
	CreatePack(pack *types.Pack) error
	UpdatePackMeta(id, description string, visibility types.PackVisibility, metadata map[string]string) error
	GetPack(id string) (*types.Pack, error)
	GetPackVersion(name, version string) (*types.Pack, error)
	LatestPackVersion(name string) (*types.Pack, error)
	ListPacks() []*types.Pack

	// Pod state
	CreatePod(pod *types.Pod) error
	BindPod(podID, nodeID string) error
	AdvancePodStatus(podID string, incarnation int64, to types.PodStatus, reason string) error
	SetPodRestartCount(podID string, incarnation int64, count int) error
	RequestPodStop(podID, reason string) error
	RevokePod(podID, reason string) error
	EvictPod(podID, reason string) error
	DeletePod(podID string) error
	GetPod(id string) (*types.Pod, error)
	ListPods() []*types.Pod
	ListPodsByWorkload(workloadID string) []*types.Pod
	ListPodsByNode(nodeID string) []*types.Pod

	// Workload state
	CreateWorkload(w *types.Workload) error
	UpdateWorkloadSpec(id string, replicas int, packVersion string, followLatest bool, template *types.PodTemplate) error
	SetWorkloadStatus(id string, status types.WorkloadStatus) error
	RecordWorkloadObserved(id string, ready, available, updated int) error
	RecordWorkloadRollout(id string, w types.Workload) error
	MarkWorkloadDeleting(id string) error
	DeleteWorkload(id string) error
	GetWorkload(id string) (*types.Workload, error)
	GetWorkloadByName(namespace, name string) (*types.Workload, error)
	ListWorkloads() []*types.Workload

	// Namespace and priority state
	CreateNamespace(name string) error
	SetNamespacePhase(name string, phase types.NamespacePhase) error
	DeleteNamespace(name string) error
	GetNamespace(name string) (*types.Namespace, error)
	ListNamespaces() []*types.Namespace
	CreatePriorityClass(pc *types.PriorityClass) error
	GetPriorityClass(name string) (*types.PriorityClass, error)
	ListPriorityClasses() []*types.PriorityClass

	Broker() *events.Broker
}

var _ API = (*Store)(nil)
