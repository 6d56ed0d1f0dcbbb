package types

import (
	"time"
)

// RuntimeKind distinguishes the execution environments a pack can target
// and the environment class a node provides.
type RuntimeKind string

const (
	// RuntimeServer is a server-class runtime (long-lived host process).
	RuntimeServer RuntimeKind = "server"

	// RuntimeBrowser is a browser-class runtime (sandboxed, tab-scoped).
	RuntimeBrowser RuntimeKind = "browser"

	// RuntimeUniversal marks a pack that can run on either class.
	// Nodes are never universal.
	RuntimeUniversal RuntimeKind = "universal"
)

// Compatible reports whether a pack with runtime kind p can run on a node
// with runtime kind n.
func (p RuntimeKind) Compatible(n RuntimeKind) bool {
	return p == RuntimeUniversal || p == n
}

// Resources tracks a resource vector, used both for node capacity and for
// pod requests/limits.
type Resources struct {
	CPUMillis    int64 `json:"cpuMillis"`
	MemoryBytes  int64 `json:"memoryBytes"`
	StorageBytes int64 `json:"storageBytes"`
	Pods         int64 `json:"pods"`
}

// Add returns r with o added component-wise.
func (r Resources) Add(o Resources) Resources {
	return Resources{
		CPUMillis:    r.CPUMillis + o.CPUMillis,
		MemoryBytes:  r.MemoryBytes + o.MemoryBytes,
		StorageBytes: r.StorageBytes + o.StorageBytes,
		Pods:         r.Pods + o.Pods,
	}
}

// Sub returns r with o subtracted component-wise.
func (r Resources) Sub(o Resources) Resources {
	return Resources{
		CPUMillis:    r.CPUMillis - o.CPUMillis,
		MemoryBytes:  r.MemoryBytes - o.MemoryBytes,
		StorageBytes: r.StorageBytes - o.StorageBytes,
		Pods:         r.Pods - o.Pods,
	}
}

// Fits reports whether a request fits inside the remaining capacity r.
func (r Resources) Fits(request Resources) bool {
	return request.CPUMillis <= r.CPUMillis &&
		request.MemoryBytes <= r.MemoryBytes &&
		request.StorageBytes <= r.StorageBytes &&
		request.Pods <= r.Pods
}

// Negative reports whether any component dropped below zero. A negative
// allocation is an accounting invariant violation, never a valid state.
func (r Resources) Negative() bool {
	return r.CPUMillis < 0 || r.MemoryBytes < 0 || r.StorageBytes < 0 || r.Pods < 0
}

// TaintEffect controls how a taint repels pods.
type TaintEffect string

const (
	TaintNoSchedule       TaintEffect = "NoSchedule"
	TaintPreferNoSchedule TaintEffect = "PreferNoSchedule"
	TaintNoExecute        TaintEffect = "NoExecute"
)

// Taint marks a node as repelling pods that do not tolerate it.
type Taint struct {
	Key    string      `json:"key"`
	Value  string      `json:"value,omitempty"`
	Effect TaintEffect `json:"effect"`
}

// TolerationOperator selects how a toleration matches a taint value.
type TolerationOperator string

const (
	// TolerationEqual matches a taint with the same key, effect and value.
	TolerationEqual TolerationOperator = "Equal"

	// TolerationExists matches any taint with the same key and effect,
	// regardless of value.
	TolerationExists TolerationOperator = "Exists"
)

// Toleration is the pod-side antidote to a node taint.
type Toleration struct {
	Key      string             `json:"key"`
	Operator TolerationOperator `json:"operator"`
	Value    string             `json:"value,omitempty"`
	Effect   TaintEffect        `json:"effect"`
}

// Tolerates reports whether this toleration neutralizes the given taint.
// Matching is on key and effect; for Equal operators the value must match
// too, Exists is a wildcard over values.
func (t Toleration) Tolerates(taint Taint) bool {
	if t.Key != taint.Key || t.Effect != taint.Effect {
		return false
	}
	switch t.Operator {
	case TolerationExists:
		return true
	case TolerationEqual:
		return t.Value == taint.Value
	default:
		return false
	}
}

// UntoleratedTaint returns the first taint with one of the given effects
// that no toleration in the list neutralizes, or nil if all are tolerated.
func UntoleratedTaint(taints []Taint, tolerations []Toleration, effects ...TaintEffect) *Taint {
	for i := range taints {
		taint := taints[i]
		matchesEffect := false
		for _, e := range effects {
			if taint.Effect == e {
				matchesEffect = true
				break
			}
		}
		if !matchesEffect {
			continue
		}
		tolerated := false
		for _, tol := range tolerations {
			if tol.Tolerates(taint) {
				tolerated = true
				break
			}
		}
		if !tolerated {
			return &taint
		}
	}
	return nil
}

// SelectorMatches reports whether node labels satisfy a pod node selector.
// Every selector key must be present with an equal value.
func SelectorMatches(selector, labels map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// Capabilities describes what an agent runtime can do, announced at
// registration and used by the scheduler for version gating.
type Capabilities struct {
	Version  string            `json:"version"`
	Features map[string]string `json:"features,omitempty"`
}

// LabelNodeID is set on every node at registration so a pod can be
// pinned to one specific node through the ordinary selector path.
const LabelNodeID = "packdock.io/node-id"

// NodeStatus represents the health state of a node as tracked by the
// lease engine.
type NodeStatus string

const (
	NodeOnline   NodeStatus = "online"
	NodeSuspect  NodeStatus = "suspect"
	NodeOffline  NodeStatus = "offline"
	NodeDraining NodeStatus = "draining"
)

// Node is a registered agent runtime with declared capacity.
type Node struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Runtime       RuntimeKind       `json:"runtime"`
	Capabilities  Capabilities      `json:"capabilities"`
	Allocatable   Resources         `json:"allocatable"`
	Allocated     Resources         `json:"allocated"`
	Labels        map[string]string `json:"labels,omitempty"`
	Taints        []Taint           `json:"taints,omitempty"`
	Unschedulable bool              `json:"unschedulable"`
	Status        NodeStatus        `json:"status"`
	SuspectSince  time.Time         `json:"suspectSince,omitempty"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	SessionID     string            `json:"sessionId,omitempty"`
	OwnerID       string            `json:"ownerId"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Remaining returns the capacity still available for new pods.
func (n *Node) Remaining() Resources {
	return n.Allocatable.Sub(n.Allocated)
}

// Schedulable reports whether the node can accept new bindings at all.
// Capacity, taints and selectors are checked separately by the scheduler.
func (n *Node) Schedulable() bool {
	return n.Status == NodeOnline && !n.Unschedulable
}

// PackVisibility controls which owners may run a pack.
type PackVisibility string

const (
	PackPrivate PackVisibility = "private"
	PackPublic  PackVisibility = "public"
)

// MetaMinRuntimeVersion is the pack metadata key declaring the minimum
// agent runtime version (semver constraint) required to run the pack.
const MetaMinRuntimeVersion = "minRuntimeVersion"

// Pack is a named, versioned executable bundle. (Name, Version) pairs are
// unique cluster-wide. Immutable after registration except description,
// visibility and metadata.
type Pack struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Runtime     RuntimeKind       `json:"runtime"`
	OwnerID     string            `json:"ownerId"`
	Visibility  PackVisibility    `json:"visibility"`
	BundleRef   string            `json:"bundleRef"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// MinRuntimeVersion returns the declared minimum runtime version
// constraint, or empty when the pack runs on any version.
func (p *Pack) MinRuntimeVersion() string {
	return p.Metadata[MetaMinRuntimeVersion]
}

// PodStatus is a stage in the pod lifecycle state machine.
type PodStatus string

const (
	PodPending   PodStatus = "pending"
	PodScheduled PodStatus = "scheduled"
	PodStarting  PodStatus = "starting"
	PodRunning   PodStatus = "running"
	PodStopping  PodStatus = "stopping"
	PodStopped   PodStatus = "stopped"
	PodFailed    PodStatus = "failed"
	PodEvicted   PodStatus = "evicted"
)

// Terminal reports whether the status is a final state.
func (s PodStatus) Terminal() bool {
	return s == PodStopped || s == PodFailed || s == PodEvicted
}

// Bound reports whether a pod in this status holds a node binding.
func (s PodStatus) Bound() bool {
	switch s {
	case PodScheduled, PodStarting, PodRunning, PodStopping:
		return true
	}
	return false
}

// podTransitions is the pod lifecycle FSM. Revocation by the lease engine
// bypasses this table and moves a pod straight to failed.
var podTransitions = map[PodStatus][]PodStatus{
	PodPending:   {PodScheduled},
	PodScheduled: {PodStarting, PodFailed},
	PodStarting:  {PodRunning, PodFailed},
	PodRunning:   {PodStopping, PodFailed, PodEvicted},
	PodStopping:  {PodStopped, PodFailed},
}

// ValidTransition reports whether moving a pod from one status to another
// is allowed by the lifecycle state machine.
func ValidTransition(from, to PodStatus) bool {
	for _, next := range podTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Termination reasons recorded on pods.
const (
	ReasonNodeLost   = "node_lost"
	ReasonScaleDown  = "scale_down"
	ReasonRollout    = "rollout"
	ReasonDrained    = "node_drained"
	ReasonCrashLoop  = "crash_loop"
	ReasonUserDelete = "user_delete"
)

// Pod is a scheduled (or to-be-scheduled) instance of a pack on a node.
type Pod struct {
	ID           string            `json:"id"`
	WorkloadID   string            `json:"workloadId,omitempty"`
	PackName     string            `json:"packName"`
	PackVersion  string            `json:"packVersion"`
	Namespace    string            `json:"namespace"`
	Requests     Resources         `json:"requests"`
	Limits       Resources         `json:"limits"`
	Tolerations  []Toleration      `json:"tolerations,omitempty"`
	NodeSelector map[string]string `json:"nodeSelector,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	Priority     int               `json:"priority"`
	NodeID       string            `json:"nodeId,omitempty"`
	Status       PodStatus         `json:"status"`

	// Incarnation uniquely names one placement attempt. It increments on
	// every bind and every revocation; agent commands carrying a stale
	// incarnation are discarded.
	Incarnation int64 `json:"incarnation"`

	CreatedBy    string    `json:"createdBy"`
	Reason       string    `json:"reason,omitempty"`
	RestartCount int       `json:"restartCount"`
	Ready        bool      `json:"ready"`
	CreatedAt    time.Time `json:"createdAt"`
	ScheduledAt  time.Time `json:"scheduledAt,omitempty"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
	StoppedAt    time.Time `json:"stoppedAt,omitempty"`
}

// EffectiveRequest returns the resource vector debited from a node when
// the pod binds. Every pod occupies one pod slot.
func (p *Pod) EffectiveRequest() Resources {
	req := p.Requests
	req.Pods = 1
	return req
}

// WorkloadStatus is the lifecycle phase of a workload.
type WorkloadStatus string

const (
	WorkloadActive   WorkloadStatus = "active"
	WorkloadPaused   WorkloadStatus = "paused"
	WorkloadDeleting WorkloadStatus = "deleting"
)

// PodTemplate is the per-pod stamp a workload uses when creating replicas.
type PodTemplate struct {
	Labels       map[string]string `json:"labels,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	Tolerations  []Toleration      `json:"tolerations,omitempty"`
	NodeSelector map[string]string `json:"nodeSelector,omitempty"`
	Requests     Resources         `json:"requests"`
	Limits       Resources         `json:"limits"`
}

// Workload declares a desired replica count for a pack. Replicas == 0 is
// daemon mode: one pod per node passing the scheduler filter. The HTTP
// boundary historically exposed this entity under two names (deployment
// and service); the core keeps exactly one.
type Workload struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Namespace     string         `json:"namespace"`
	PackName      string         `json:"packName"`
	PackVersion   string         `json:"packVersion"`
	FollowLatest  bool           `json:"followLatest"`
	Replicas      int            `json:"replicas"`
	Template      PodTemplate    `json:"template"`
	PriorityClass string         `json:"priorityClass,omitempty"`
	Status        WorkloadStatus `json:"status"`

	ReadyReplicas     int `json:"readyReplicas"`
	AvailableReplicas int `json:"availableReplicas"`
	UpdatedReplicas   int `json:"updatedReplicas"`

	// Crash-loop state. While FailureBackoffUntil is in the future no new
	// pods of FailedVersion are created for this workload.
	LastSuccessfulVersion string    `json:"lastSuccessfulVersion,omitempty"`
	FailedVersion         string    `json:"failedVersion,omitempty"`
	ConsecutiveFailures   int       `json:"consecutiveFailures"`
	FailureBackoffUntil   time.Time `json:"failureBackoffUntil,omitempty"`

	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Daemon reports whether the workload runs in one-pod-per-node mode.
func (w *Workload) Daemon() bool {
	return w.Replicas == 0
}

// NamespacePhase is the lifecycle phase of a namespace.
type NamespacePhase string

const (
	NamespaceActive      NamespacePhase = "active"
	NamespaceTerminating NamespacePhase = "terminating"
)

// Namespace scopes workloads and pods. Terminating namespaces reject new
// scheduling.
type Namespace struct {
	Name      string         `json:"name"`
	Phase     NamespacePhase `json:"phase"`
	CreatedAt time.Time      `json:"createdAt"`
}

// PriorityClass maps a named class to a scheduling priority value.
type PriorityClass struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// PrincipalKind distinguishes the two identities that may hold a session.
type PrincipalKind string

const (
	PrincipalAgent      PrincipalKind = "agent"
	PrincipalPodRuntime PrincipalKind = "pod-runtime"
)
