package manager

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/events"
	"github.com/packdock/stevedore/pkg/log"
	"github.com/packdock/stevedore/pkg/metrics"
	"github.com/packdock/stevedore/pkg/store"
	"github.com/packdock/stevedore/pkg/types"
)

const (
	applyTimeout  = 5 * time.Second
	retainedSnaps = 2
)

// Config describes one control plane member.
type Config struct {
	// NodeID is this member's raft server id.
	NodeID string
	// RaftBind is the address raft listens on for peer traffic.
	RaftBind string
	// RaftAdvertise is the address peers dial; defaults to RaftBind.
	RaftAdvertise string
	// DataDir holds the raft log, stable store and snapshots.
	DataDir string
	// Bootstrap starts a fresh single-member cluster.
	Bootstrap bool
}

// Manager is the clustered state surface. It satisfies store.API:
// mutations are encoded as commands and committed through the raft log
// so every member applies them in the same order; reads are served from
// the local store. In standalone mode (no raft) mutations pass straight
// through.
type Manager struct {
	store  *store.Store
	raft   *raft.Raft
	logger zerolog.Logger
}

// NewStandalone builds a manager with no consensus layer, for
// single-server deployments and tests.
func NewStandalone(state *store.Store) *Manager {
	return &Manager{
		store:  state,
		logger: log.WithComponent("manager"),
	}
}

// New builds a clustered manager and starts its raft instance. With
// cfg.Bootstrap set the member elects itself; otherwise it waits to be
// added by an existing leader via Join on that leader.
func New(state *store.Store, cfg Config) (*Manager, error) {
	m := &Manager{
		store:  state,
		logger: log.WithComponent("manager"),
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.HeartbeatTimeout = 500 * time.Millisecond
	raftConfig.ElectionTimeout = 500 * time.Millisecond
	raftConfig.CommitTimeout = 50 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 250 * time.Millisecond

	advertise := cfg.RaftAdvertise
	if advertise == "" {
		advertise = cfg.RaftBind
	}
	addr, err := net.ResolveTCPAddr("tcp", advertise)
	if err != nil {
		return nil, fmt.Errorf("resolve advertise address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.RaftBind, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create raft data dir: %w", err)
	}
	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, retainedSnaps, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig, NewFSM(state), logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}
	m.raft = r

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{
				ID:      raftConfig.LocalID,
				Address: transport.LocalAddr(),
			}},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			return nil, fmt.Errorf("bootstrap cluster: %w", err)
		}
		m.logger.Info().Str("node_id", cfg.NodeID).Str("bind", cfg.RaftBind).
			Msg("bootstrapped raft cluster")
	}

	go m.observeLeadership()
	return m, nil
}

// observeLeadership keeps the leadership metrics current.
func (m *Manager) observeLeadership() {
	for isLeader := range m.raft.LeaderCh() {
		if isLeader {
			metrics.RaftLeader.Set(1)
			m.logger.Info().Msg("acquired raft leadership")
		} else {
			metrics.RaftLeader.Set(0)
			m.logger.Info().Msg("lost raft leadership")
		}
	}
}

// IsLeader reports whether this member currently leads the cluster.
// Standalone managers always lead.
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return true
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's raft address, empty if none.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	addr, _ := m.raft.LeaderWithID()
	return string(addr)
}

// AddVoter adds a member to the cluster. Leader only.
func (m *Manager) AddVoter(nodeID, addr string) error {
	if m.raft == nil {
		return errdefs.Validation("standalone server cannot accept cluster members")
	}
	if !m.IsLeader() {
		return errNotLeader(m.LeaderAddr())
	}
	m.logger.Info().Str("node_id", nodeID).Str("addr", addr).Msg("adding raft voter")
	return m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0).Error()
}

// RemoveServer removes a member from the cluster. Leader only.
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return errdefs.Validation("standalone server has no cluster members")
	}
	if !m.IsLeader() {
		return errNotLeader(m.LeaderAddr())
	}
	m.logger.Info().Str("node_id", nodeID).Msg("removing raft server")
	return m.raft.RemoveServer(raft.ServerID(nodeID), 0, 0).Error()
}

// Servers lists the current cluster membership.
func (m *Manager) Servers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, nil
	}
	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	return future.Configuration().Servers, nil
}

// Shutdown stops the raft instance, if any.
func (m *Manager) Shutdown() error {
	if m.raft == nil {
		return nil
	}
	return m.raft.Shutdown().Error()
}

func errNotLeader(leader string) error {
	return errdefs.BackendUnavailable(fmt.Errorf("not the leader; current leader at %q", leader))
}

// apply commits one command through the raft log and waits for the
// local FSM to execute it.
func (m *Manager) apply(op string, args any) (any, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal %s args: %w", op, err)
	}
	buf, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal %s command: %w", op, err)
	}

	if !m.IsLeader() {
		return nil, errNotLeader(m.LeaderAddr())
	}
	future := m.raft.Apply(buf, applyTimeout)
	if err := future.Error(); err != nil {
		return nil, errdefs.BackendUnavailable(err)
	}
	metrics.RaftAppliedIndex.Set(float64(future.Index()))

	if err, ok := future.Response().(error); ok {
		return nil, err
	}
	return future.Response(), nil
}

// mutate runs a command that returns no value.
func (m *Manager) mutate(op string, args any) error {
	_, err := m.apply(op, args)
	return err
}

// --- store.API mutations ---

func (m *Manager) CreateNode(node *types.Node) error {
	if m.raft == nil {
		return m.store.CreateNode(node)
	}
	if err := m.mutate(opCreateNode, node); err != nil {
		return err
	}
	// The FSM assigns registration defaults; refresh the caller's copy.
	fresh, err := m.store.GetNode(node.ID)
	if err == nil {
		*node = *fresh
	}
	return nil
}

func (m *Manager) DeregisterNode(id string) error {
	if m.raft == nil {
		return m.store.DeregisterNode(id)
	}
	return m.mutate(opDeregisterNode, idArgs{ID: id})
}

func (m *Manager) UpdateHeartbeat(id string, at time.Time) (*types.Node, error) {
	if m.raft == nil {
		return m.store.UpdateHeartbeat(id, at)
	}
	res, err := m.apply(opUpdateHeartbeat, heartbeatArgs{ID: id, At: at})
	if err != nil {
		return nil, err
	}
	node, _ := res.(*types.Node)
	return node, nil
}

func (m *Manager) MarkNodeSuspect(id string, at time.Time) error {
	if m.raft == nil {
		return m.store.MarkNodeSuspect(id, at)
	}
	return m.mutate(opMarkNodeSuspect, heartbeatArgs{ID: id, At: at})
}

func (m *Manager) ExpireNodeLease(id string) ([]string, error) {
	if m.raft == nil {
		return m.store.ExpireNodeLease(id)
	}
	res, err := m.apply(opExpireNodeLease, idArgs{ID: id})
	if err != nil {
		return nil, err
	}
	revoked, _ := res.([]string)
	return revoked, nil
}

func (m *Manager) SetNodeUnschedulable(id string, unschedulable bool) error {
	if m.raft == nil {
		return m.store.SetNodeUnschedulable(id, unschedulable)
	}
	return m.mutate(opSetUnschedulable, unschedulableArgs{ID: id, Unschedulable: unschedulable})
}

func (m *Manager) DrainNode(id string) ([]string, error) {
	if m.raft == nil {
		return m.store.DrainNode(id)
	}
	res, err := m.apply(opDrainNode, idArgs{ID: id})
	if err != nil {
		return nil, err
	}
	evicted, _ := res.([]string)
	return evicted, nil
}

func (m *Manager) BindNodeSession(nodeID, sessionID string) error {
	if m.raft == nil {
		return m.store.BindNodeSession(nodeID, sessionID)
	}
	return m.mutate(opBindNodeSession, sessionArgs{NodeID: nodeID, SessionID: sessionID})
}

func (m *Manager) ClearNodeSession(nodeID, sessionID string) error {
	if m.raft == nil {
		return m.store.ClearNodeSession(nodeID, sessionID)
	}
	return m.mutate(opClearNodeSession, sessionArgs{NodeID: nodeID, SessionID: sessionID})
}

func (m *Manager) CreatePack(pack *types.Pack) error {
	if m.raft == nil {
		return m.store.CreatePack(pack)
	}
	if err := m.mutate(opCreatePack, pack); err != nil {
		return err
	}
	fresh, err := m.store.GetPack(pack.ID)
	if err == nil {
		*pack = *fresh
	}
	return nil
}

func (m *Manager) UpdatePackMeta(id, description string, visibility types.PackVisibility, metadata map[string]string) error {
	if m.raft == nil {
		return m.store.UpdatePackMeta(id, description, visibility, metadata)
	}
	return m.mutate(opUpdatePackMeta, packMetaArgs{
		ID: id, Description: description, Visibility: visibility, Metadata: metadata,
	})
}

func (m *Manager) CreatePod(pod *types.Pod) error {
	if m.raft == nil {
		return m.store.CreatePod(pod)
	}
	if err := m.mutate(opCreatePod, pod); err != nil {
		return err
	}
	fresh, err := m.store.GetPod(pod.ID)
	if err == nil {
		*pod = *fresh
	}
	return nil
}

func (m *Manager) BindPod(podID, nodeID string) error {
	if m.raft == nil {
		return m.store.BindPod(podID, nodeID)
	}
	return m.mutate(opBindPod, bindPodArgs{PodID: podID, NodeID: nodeID})
}

func (m *Manager) AdvancePodStatus(podID string, incarnation int64, to types.PodStatus, reason string) error {
	if m.raft == nil {
		return m.store.AdvancePodStatus(podID, incarnation, to, reason)
	}
	return m.mutate(opAdvancePodStatus, podStatusArgs{
		PodID: podID, Incarnation: incarnation, Status: to, Reason: reason,
	})
}

func (m *Manager) SetPodRestartCount(podID string, incarnation int64, count int) error {
	if m.raft == nil {
		return m.store.SetPodRestartCount(podID, incarnation, count)
	}
	return m.mutate(opSetRestartCount, restartCountArgs{
		PodID: podID, Incarnation: incarnation, Count: count,
	})
}

func (m *Manager) RequestPodStop(podID, reason string) error {
	if m.raft == nil {
		return m.store.RequestPodStop(podID, reason)
	}
	return m.mutate(opRequestPodStop, podReasonArgs{PodID: podID, Reason: reason})
}

func (m *Manager) RevokePod(podID, reason string) error {
	if m.raft == nil {
		return m.store.RevokePod(podID, reason)
	}
	return m.mutate(opRevokePod, podReasonArgs{PodID: podID, Reason: reason})
}

func (m *Manager) EvictPod(podID, reason string) error {
	if m.raft == nil {
		return m.store.EvictPod(podID, reason)
	}
	return m.mutate(opEvictPod, podReasonArgs{PodID: podID, Reason: reason})
}

func (m *Manager) DeletePod(podID string) error {
	if m.raft == nil {
		return m.store.DeletePod(podID)
	}
	return m.mutate(opDeletePod, idArgs{ID: podID})
}

func (m *Manager) CreateWorkload(w *types.Workload) error {
	if m.raft == nil {
		return m.store.CreateWorkload(w)
	}
	if err := m.mutate(opCreateWorkload, w); err != nil {
		return err
	}
	fresh, err := m.store.GetWorkload(w.ID)
	if err == nil {
		*w = *fresh
	}
	return nil
}

func (m *Manager) UpdateWorkloadSpec(id string, replicas int, packVersion string, followLatest bool, template *types.PodTemplate) error {
	if m.raft == nil {
		return m.store.UpdateWorkloadSpec(id, replicas, packVersion, followLatest, template)
	}
	return m.mutate(opUpdateWorkload, workloadSpecArgs{
		ID: id, Replicas: replicas, PackVersion: packVersion,
		FollowLatest: followLatest, Template: template,
	})
}

func (m *Manager) SetWorkloadStatus(id string, status types.WorkloadStatus) error {
	if m.raft == nil {
		return m.store.SetWorkloadStatus(id, status)
	}
	return m.mutate(opSetWorkloadStatus, workloadStatusArgs{ID: id, Status: status})
}

func (m *Manager) RecordWorkloadObserved(id string, ready, available, updated int) error {
	if m.raft == nil {
		return m.store.RecordWorkloadObserved(id, ready, available, updated)
	}
	return m.mutate(opRecordObserved, observedArgs{
		ID: id, Ready: ready, Available: available, Updated: updated,
	})
}

func (m *Manager) RecordWorkloadRollout(id string, w types.Workload) error {
	if m.raft == nil {
		return m.store.RecordWorkloadRollout(id, w)
	}
	return m.mutate(opRecordRollout, rolloutArgs{ID: id, Workload: w})
}

func (m *Manager) MarkWorkloadDeleting(id string) error {
	if m.raft == nil {
		return m.store.MarkWorkloadDeleting(id)
	}
	return m.mutate(opMarkDeleting, idArgs{ID: id})
}

func (m *Manager) DeleteWorkload(id string) error {
	if m.raft == nil {
		return m.store.DeleteWorkload(id)
	}
	return m.mutate(opDeleteWorkload, idArgs{ID: id})
}

func (m *Manager) CreateNamespace(name string) error {
	if m.raft == nil {
		return m.store.CreateNamespace(name)
	}
	return m.mutate(opCreateNamespace, namespaceArgs{Name: name})
}

func (m *Manager) SetNamespacePhase(name string, phase types.NamespacePhase) error {
	if m.raft == nil {
		return m.store.SetNamespacePhase(name, phase)
	}
	return m.mutate(opSetNamespacePhase, phaseArgs{Name: name, Phase: phase})
}

func (m *Manager) DeleteNamespace(name string) error {
	if m.raft == nil {
		return m.store.DeleteNamespace(name)
	}
	return m.mutate(opDeleteNamespace, namespaceArgs{Name: name})
}

func (m *Manager) CreatePriorityClass(pc *types.PriorityClass) error {
	if m.raft == nil {
		return m.store.CreatePriorityClass(pc)
	}
	return m.mutate(opCreatePriority, pc)
}

// --- store.API reads, served locally ---

func (m *Manager) GetNode(id string) (*types.Node, error) { return m.store.GetNode(id) }
func (m *Manager) ListNodes() []*types.Node               { return m.store.ListNodes() }
func (m *Manager) GetPack(id string) (*types.Pack, error) { return m.store.GetPack(id) }
func (m *Manager) GetPackVersion(name, version string) (*types.Pack, error) {
	return m.store.GetPackVersion(name, version)
}
func (m *Manager) LatestPackVersion(name string) (*types.Pack, error) {
	return m.store.LatestPackVersion(name)
}
func (m *Manager) ListPacks() []*types.Pack             { return m.store.ListPacks() }
func (m *Manager) GetPod(id string) (*types.Pod, error) { return m.store.GetPod(id) }
func (m *Manager) ListPods() []*types.Pod               { return m.store.ListPods() }
func (m *Manager) ListPodsByWorkload(workloadID string) []*types.Pod {
	return m.store.ListPodsByWorkload(workloadID)
}
func (m *Manager) ListPodsByNode(nodeID string) []*types.Pod {
	return m.store.ListPodsByNode(nodeID)
}
func (m *Manager) GetWorkload(id string) (*types.Workload, error) { return m.store.GetWorkload(id) }
func (m *Manager) GetWorkloadByName(namespace, name string) (*types.Workload, error) {
	return m.store.GetWorkloadByName(namespace, name)
}
func (m *Manager) ListWorkloads() []*types.Workload { return m.store.ListWorkloads() }
func (m *Manager) GetNamespace(name string) (*types.Namespace, error) {
	return m.store.GetNamespace(name)
}
func (m *Manager) ListNamespaces() []*types.Namespace { return m.store.ListNamespaces() }
func (m *Manager) GetPriorityClass(name string) (*types.PriorityClass, error) {
	return m.store.GetPriorityClass(name)
}
func (m *Manager) ListPriorityClasses() []*types.PriorityClass {
	return m.store.ListPriorityClasses()
}
func (m *Manager) Broker() *events.Broker { return m.store.Broker() }

var _ store.API = (*Manager)(nil)
