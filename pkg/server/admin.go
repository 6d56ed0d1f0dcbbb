package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/packdock/stevedore/pkg/auth"
	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/log"
	"github.com/packdock/stevedore/pkg/metrics"
	"github.com/packdock/stevedore/pkg/store"
	"github.com/packdock/stevedore/pkg/types"
)

// ClusterJoiner admits control plane peers into the consensus group.
type ClusterJoiner interface {
	AddVoter(nodeID, addr string) error
	RemoveServer(nodeID string) error
}

// Commander pushes terminate commands to connected agents. The session
// server implements it; nil means drained pods are only revoked in
// state and reaped when the agent reconciles.
type Commander interface {
	Terminate(pod *types.Pod, reason string)
}

// Admin is the operator-facing HTTP surface: resource CRUD, join token
// minting, node cordon and drain. It shares the listener with the
// metrics endpoint and is meant to stay behind the operator's network
// boundary.
type Admin struct {
	state     store.API
	joins     *auth.JoinTokens
	healthy   func() bool
	cluster   ClusterJoiner
	commander Commander
	logger    zerolog.Logger
}

// NewAdmin builds the admin surface. healthy gates /healthz; nil means
// always healthy.
func NewAdmin(state store.API, joins *auth.JoinTokens, healthy func() bool) *Admin {
	if healthy == nil {
		healthy = func() bool { return true }
	}
	return &Admin{
		state:   state,
		joins:   joins,
		healthy: healthy,
		logger:  log.WithComponent("admin"),
	}
}

// AttachCluster enables the peer join endpoint.
func (a *Admin) AttachCluster(c ClusterJoiner) {
	a.cluster = c
}

// AttachCommander lets drain push terminates over live sessions.
func (a *Admin) AttachCommander(c Commander) {
	a.commander = c
}

// Handler returns the admin mux, with /metrics mounted alongside.
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", a.handleHealthz)

	mux.HandleFunc("POST /v1/tokens", a.handleMintToken)
	mux.HandleFunc("POST /v1/cluster/join", a.handleClusterJoin)

	mux.HandleFunc("GET /v1/nodes", a.handleListNodes)
	mux.HandleFunc("POST /v1/nodes/{id}/cordon", a.handleCordon)
	mux.HandleFunc("POST /v1/nodes/{id}/drain", a.handleDrain)
	mux.HandleFunc("DELETE /v1/nodes/{id}", a.handleDeregisterNode)

	mux.HandleFunc("GET /v1/packs", a.handleListPacks)
	mux.HandleFunc("POST /v1/packs", a.handleCreatePack)

	mux.HandleFunc("GET /v1/namespaces", a.handleListNamespaces)
	mux.HandleFunc("POST /v1/namespaces", a.handleCreateNamespace)
	mux.HandleFunc("DELETE /v1/namespaces/{name}", a.handleDeleteNamespace)

	mux.HandleFunc("GET /v1/workloads", a.handleListWorkloads)
	mux.HandleFunc("POST /v1/workloads", a.handleCreateWorkload)
	mux.HandleFunc("PUT /v1/workloads/{id}/scale", a.handleScaleWorkload)
	mux.HandleFunc("DELETE /v1/workloads/{id}", a.handleDeleteWorkload)

	mux.HandleFunc("GET /v1/pods", a.handleListPods)
	mux.HandleFunc("DELETE /v1/pods/{id}", a.handleStopPod)

	mux.HandleFunc("GET /v1/priorityclasses", a.handleListPriorityClasses)
	mux.HandleFunc("POST /v1/priorityclasses", a.handleCreatePriorityClass)

	return mux
}

func (a *Admin) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !a.healthy() {
		http.Error(w, "state store poisoned", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// MintTokenRequest asks for a new join token.
type MintTokenRequest struct {
	Role       auth.JoinRole `json:"role"`
	TTLSeconds int           `json:"ttlSeconds"`
}

func (a *Admin) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var req MintTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, errdefs.Validation("decode request: %v", err))
		return
	}
	if req.Role != auth.JoinRoleAgent && req.Role != auth.JoinRoleServer {
		a.writeError(w, errdefs.Validation("role must be %q or %q", auth.JoinRoleAgent, auth.JoinRoleServer))
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	jt, err := a.joins.Generate(req.Role, ttl)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, jt)
}

// JoinClusterRequest asks the leader to admit a control plane peer.
type JoinClusterRequest struct {
	Token    string `json:"token"`
	NodeID   string `json:"nodeId"`
	RaftAddr string `json:"raftAddr"`
}

func (a *Admin) handleClusterJoin(w http.ResponseWriter, r *http.Request) {
	var req JoinClusterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, errdefs.Validation("decode request: %v", err))
		return
	}
	if a.cluster == nil {
		a.writeError(w, errdefs.Validation("this server does not run a cluster"))
		return
	}
	role, err := a.joins.Validate(req.Token)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if role != auth.JoinRoleServer {
		a.writeError(w, errdefs.Forbidden("join token does not admit servers"))
		return
	}
	if req.NodeID == "" || req.RaftAddr == "" {
		a.writeError(w, errdefs.Validation("nodeId and raftAddr are required"))
		return
	}
	if err := a.cluster.AddVoter(req.NodeID, req.RaftAddr); err != nil {
		a.writeError(w, err)
		return
	}
	a.joins.Revoke(req.Token)
	a.logger.Info().Str("node_id", req.NodeID).Str("raft_addr", req.RaftAddr).
		Msg("control plane peer admitted")
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.state.ListNodes())
}

// CordonRequest toggles scheduling on a node.
type CordonRequest struct {
	Unschedulable bool `json:"unschedulable"`
}

func (a *Admin) handleCordon(w http.ResponseWriter, r *http.Request) {
	var req CordonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, errdefs.Validation("decode request: %v", err))
		return
	}
	if err := a.state.SetNodeUnschedulable(r.PathValue("id"), req.Unschedulable); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DrainResponse lists the pods evicted by a drain.
type DrainResponse struct {
	Evicted []string `json:"evicted"`
}

func (a *Admin) handleDrain(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	// Snapshot the placements first; eviction clears their node binding
	// and bumps incarnations, and the terminate push needs the pre-drain
	// records.
	placed := a.state.ListPodsByNode(nodeID)

	evicted, err := a.state.DrainNode(nodeID)
	if err != nil && len(evicted) == 0 {
		a.writeError(w, err)
		return
	}
	if err != nil {
		// The node is already draining; push terminates for the pods
		// that were reclaimed rather than abandoning them.
		a.logger.Error().Err(err).Str("node_id", nodeID).
			Msg("drain reclaimed only part of the node's pods")
	}
	if a.commander != nil {
		evictedSet := make(map[string]bool, len(evicted))
		for _, id := range evicted {
			evictedSet[id] = true
		}
		for _, pod := range placed {
			if evictedSet[pod.ID] {
				a.commander.Terminate(pod, types.ReasonDrained)
			}
		}
	}
	a.logger.Info().Str("node_id", nodeID).Int("evicted", len(evicted)).Msg("node drained")
	a.writeJSON(w, http.StatusOK, DrainResponse{Evicted: evicted})
}

func (a *Admin) handleDeregisterNode(w http.ResponseWriter, r *http.Request) {
	if err := a.state.DeregisterNode(r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) handleListPacks(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.state.ListPacks())
}

func (a *Admin) handleCreatePack(w http.ResponseWriter, r *http.Request) {
	var pack types.Pack
	if err := json.NewDecoder(r.Body).Decode(&pack); err != nil {
		a.writeError(w, errdefs.Validation("decode pack: %v", err))
		return
	}
	if pack.ID == "" {
		pack.ID = uuid.New().String()
	}
	if err := a.state.CreatePack(&pack); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, &pack)
}

func (a *Admin) handleListNamespaces(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.state.ListNamespaces())
}

// CreateNamespaceRequest names a new namespace.
type CreateNamespaceRequest struct {
	Name string `json:"name"`
}

func (a *Admin) handleCreateNamespace(w http.ResponseWriter, r *http.Request) {
	var req CreateNamespaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, errdefs.Validation("decode request: %v", err))
		return
	}
	if err := a.state.CreateNamespace(req.Name); err != nil {
		a.writeError(w, err)
		return
	}
	ns, err := a.state.GetNamespace(req.Name)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, ns)
}

func (a *Admin) handleDeleteNamespace(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	// Terminating first lets the controller drain workloads; an already
	// empty namespace deletes immediately.
	if err := a.state.DeleteNamespace(name); err != nil {
		if errors.Is(err, errdefs.ErrConflict) {
			if err := a.state.SetNamespacePhase(name, types.NamespaceTerminating); err != nil {
				a.writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusAccepted)
			return
		}
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) handleListWorkloads(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.state.ListWorkloads())
}

func (a *Admin) handleCreateWorkload(w http.ResponseWriter, r *http.Request) {
	var workload types.Workload
	if err := json.NewDecoder(r.Body).Decode(&workload); err != nil {
		a.writeError(w, errdefs.Validation("decode workload: %v", err))
		return
	}
	if workload.ID == "" {
		workload.ID = uuid.New().String()
	}
	if err := a.state.CreateWorkload(&workload); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, &workload)
}

// ScaleRequest changes a workload's replica count.
type ScaleRequest struct {
	Replicas int `json:"replicas"`
}

func (a *Admin) handleScaleWorkload(w http.ResponseWriter, r *http.Request) {
	var req ScaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, errdefs.Validation("decode request: %v", err))
		return
	}
	workload, err := a.state.GetWorkload(r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	err = a.state.UpdateWorkloadSpec(workload.ID, req.Replicas, workload.PackVersion,
		workload.FollowLatest, &workload.Template)
	if err != nil {
		a.writeError(w, err)
		return
	}
	updated, err := a.state.GetWorkload(workload.ID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, updated)
}

func (a *Admin) handleDeleteWorkload(w http.ResponseWriter, r *http.Request) {
	if err := a.state.MarkWorkloadDeleting(r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	// The controller tears pods down and removes the record.
	w.WriteHeader(http.StatusAccepted)
}

func (a *Admin) handleListPods(w http.ResponseWriter, r *http.Request) {
	if nodeID := r.URL.Query().Get("node"); nodeID != "" {
		a.writeJSON(w, http.StatusOK, a.state.ListPodsByNode(nodeID))
		return
	}
	if workloadID := r.URL.Query().Get("workload"); workloadID != "" {
		a.writeJSON(w, http.StatusOK, a.state.ListPodsByWorkload(workloadID))
		return
	}
	a.writeJSON(w, http.StatusOK, a.state.ListPods())
}

func (a *Admin) handleStopPod(w http.ResponseWriter, r *http.Request) {
	if err := a.state.RequestPodStop(r.PathValue("id"), types.ReasonUserDelete); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *Admin) handleListPriorityClasses(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.state.ListPriorityClasses())
}

func (a *Admin) handleCreatePriorityClass(w http.ResponseWriter, r *http.Request) {
	var pc types.PriorityClass
	if err := json.NewDecoder(r.Body).Decode(&pc); err != nil {
		a.writeError(w, errdefs.Validation("decode priority class: %v", err))
		return
	}
	if err := a.state.CreatePriorityClass(&pc); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, &pc)
}

func (a *Admin) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debug().Err(err).Msg("response encode failed")
	}
}

// writeError maps classified errors onto HTTP statuses and mirrors the
// wire protocol's error payload shape.
func (a *Admin) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errdefs.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, errdefs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errdefs.ErrConflict), errors.Is(err, errdefs.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, errdefs.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, errdefs.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, errdefs.ErrBackendUnavailable):
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, status, map[string]string{
		"code":    errdefs.Code(err),
		"message": err.Error(),
	})
}
