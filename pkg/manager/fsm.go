package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/packdock/stevedore/pkg/store"
	"github.com/packdock/stevedore/pkg/types"
)

// Command is a single replicated state mutation. Op selects the store
// operation, Data carries its arguments.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Operation names, one per store mutation.
const (
	opCreateNode        = "create_node"
	opDeregisterNode    = "deregister_node"
	opUpdateHeartbeat   = "update_heartbeat"
	opMarkNodeSuspect   = "mark_node_suspect"
	opExpireNodeLease   = "expire_node_lease"
	opSetUnschedulable  = "set_node_unschedulable"
	opDrainNode         = "drain_node"
	opBindNodeSession   = "bind_node_session"
	opClearNodeSession  = "clear_node_session"
	opCreatePack        = "create_pack"
	opUpdatePackMeta    = "update_pack_meta"
	opCreatePod         = "create_pod"
	opBindPod           = "bind_pod"
	opAdvancePodStatus  = "advance_pod_status"
	opSetRestartCount   = "set_pod_restart_count"
	opRequestPodStop    = "request_pod_stop"
	opRevokePod         = "revoke_pod"
	opEvictPod          = "evict_pod"
	opDeletePod         = "delete_pod"
	opCreateWorkload    = "create_workload"
	opUpdateWorkload    = "update_workload_spec"
	opSetWorkloadStatus = "set_workload_status"
	opRecordObserved    = "record_workload_observed"
	opRecordRollout     = "record_workload_rollout"
	opMarkDeleting      = "mark_workload_deleting"
	opDeleteWorkload    = "delete_workload"
	opCreateNamespace   = "create_namespace"
	opSetNamespacePhase = "set_namespace_phase"
	opDeleteNamespace   = "delete_namespace"
	opCreatePriority    = "create_priority_class"
)

// Command payloads. Mutations taking a single record marshal the record
// directly; the rest use these argument structs.
type (
	idArgs        struct{ ID string }
	heartbeatArgs struct {
		ID string
		At time.Time
	}
	unschedulableArgs struct {
		ID            string
		Unschedulable bool
	}
	sessionArgs struct {
		NodeID    string
		SessionID string
	}
	packMetaArgs struct {
		ID          string
		Description string
		Visibility  types.PackVisibility
		Metadata    map[string]string
	}
	bindPodArgs struct {
		PodID  string
		NodeID string
	}
	podStatusArgs struct {
		PodID       string
		Incarnation int64
		Status      types.PodStatus
		Reason      string
	}
	restartCountArgs struct {
		PodID       string
		Incarnation int64
		Count       int
	}
	podReasonArgs struct {
		PodID  string
		Reason string
	}
	workloadSpecArgs struct {
		ID           string
		Replicas     int
		PackVersion  string
		FollowLatest bool
		Template     *types.PodTemplate
	}
	workloadStatusArgs struct {
		ID     string
		Status types.WorkloadStatus
	}
	observedArgs struct {
		ID        string
		Ready     int
		Available int
		Updated   int
	}
	rolloutArgs struct {
		ID       string
		Workload types.Workload
	}
	namespaceArgs struct{ Name string }
	phaseArgs     struct {
		Name  string
		Phase types.NamespacePhase
	}
)

// FSM replays committed commands into the store. Apply, Snapshot and
// Restore are only ever invoked by raft, which serializes them.
type FSM struct {
	mu    sync.Mutex
	state *store.Store
}

// NewFSM wraps the store for raft.
func NewFSM(state *store.Store) *FSM {
	return &FSM{state: state}
}

// Apply decodes a committed log entry and executes it. The return value
// is either an error or the operation's result, surfaced to the caller
// of raft.Apply via ApplyFuture.Response.
func (f *FSM) Apply(logEntry *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var cmd Command
	if err := json.Unmarshal(logEntry.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	switch cmd.Op {
	case opCreateNode:
		var n types.Node
		if err := json.Unmarshal(cmd.Data, &n); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.CreateNode(&n))

	case opDeregisterNode:
		var a idArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.DeregisterNode(a.ID))

	case opUpdateHeartbeat:
		var a heartbeatArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		node, err := f.state.UpdateHeartbeat(a.ID, a.At)
		if err != nil {
			return err
		}
		return node

	case opMarkNodeSuspect:
		var a heartbeatArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.MarkNodeSuspect(a.ID, a.At))

	case opExpireNodeLease:
		var a idArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		revoked, err := f.state.ExpireNodeLease(a.ID)
		if err != nil {
			return err
		}
		return revoked

	case opSetUnschedulable:
		var a unschedulableArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.SetNodeUnschedulable(a.ID, a.Unschedulable))

	case opDrainNode:
		var a idArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		evicted, err := f.state.DrainNode(a.ID)
		if err != nil {
			return err
		}
		return evicted

	case opBindNodeSession:
		var a sessionArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.BindNodeSession(a.NodeID, a.SessionID))

	case opClearNodeSession:
		var a sessionArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.ClearNodeSession(a.NodeID, a.SessionID))

	case opCreatePack:
		var p types.Pack
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.CreatePack(&p))

	case opUpdatePackMeta:
		var a packMetaArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.UpdatePackMeta(a.ID, a.Description, a.Visibility, a.Metadata))

	case opCreatePod:
		var p types.Pod
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.CreatePod(&p))

	case opBindPod:
		var a bindPodArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.BindPod(a.PodID, a.NodeID))

	case opAdvancePodStatus:
		var a podStatusArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.AdvancePodStatus(a.PodID, a.Incarnation, a.Status, a.Reason))

	case opSetRestartCount:
		var a restartCountArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.SetPodRestartCount(a.PodID, a.Incarnation, a.Count))

	case opRequestPodStop:
		var a podReasonArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.RequestPodStop(a.PodID, a.Reason))

	case opRevokePod:
		var a podReasonArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.RevokePod(a.PodID, a.Reason))

	case opEvictPod:
		var a podReasonArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.EvictPod(a.PodID, a.Reason))

	case opDeletePod:
		var a idArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.DeletePod(a.ID))

	case opCreateWorkload:
		var w types.Workload
		if err := json.Unmarshal(cmd.Data, &w); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.CreateWorkload(&w))

	case opUpdateWorkload:
		var a workloadSpecArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.UpdateWorkloadSpec(a.ID, a.Replicas, a.PackVersion, a.FollowLatest, a.Template))

	case opSetWorkloadStatus:
		var a workloadStatusArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.SetWorkloadStatus(a.ID, a.Status))

	case opRecordObserved:
		var a observedArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.RecordWorkloadObserved(a.ID, a.Ready, a.Available, a.Updated))

	case opRecordRollout:
		var a rolloutArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.RecordWorkloadRollout(a.ID, a.Workload))

	case opMarkDeleting:
		var a idArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.MarkWorkloadDeleting(a.ID))

	case opDeleteWorkload:
		var a idArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.DeleteWorkload(a.ID))

	case opCreateNamespace:
		var a namespaceArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.CreateNamespace(a.Name))

	case opSetNamespacePhase:
		var a phaseArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.SetNamespacePhase(a.Name, a.Phase))

	case opDeleteNamespace:
		var a namespaceArgs
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.DeleteNamespace(a.Name))

	case opCreatePriority:
		var pc types.PriorityClass
		if err := json.Unmarshal(cmd.Data, &pc); err != nil {
			return fmt.Errorf("unmarshal %s: %w", cmd.Op, err)
		}
		return errOrNil(f.state.CreatePriorityClass(&pc))

	default:
		return fmt.Errorf("unknown command op: %s", cmd.Op)
	}
}

// errOrNil keeps nil errors out of the ApplyFuture response so callers
// can distinguish "no result" from "typed nil error".
func errOrNil(err error) interface{} {
	if err != nil {
		return err
	}
	return nil
}

// Snapshot captures the full state for log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(f.state.Dump())
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return &fsmSnapshot{data: data}, nil
}

// Restore replaces the state with a snapshot during catch-up.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	f.mu.Lock()
	defer f.mu.Unlock()

	var snap store.Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return f.state.Restore(&snap)
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
