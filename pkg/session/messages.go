package session

import (
	"time"

	"github.com/packdock/stevedore/pkg/types"
)

// Wire message types. The set is closed: every inbound frame either
// matches one of these or is answered with an UNKNOWN_TYPE error.
const (
	TypeNodeRegister      = "node:register"
	TypeNodeRegisterAck   = "node:register:ack"
	TypeNodeRegisterError = "node:register:error"
	TypeNodeHeartbeat     = "node:heartbeat"
	TypeNodeHeartbeatAck  = "node:heartbeat:ack"

	TypePodClaim    = "pod:claim"
	TypePodClaimAck = "pod:claim:ack"

	TypePodAssign       = "pod:assign"
	TypePodAssignAck    = "pod:assign:ack"
	TypePodTerminate    = "pod:terminate"
	TypePodTerminateAck = "pod:terminate:ack"
	TypePodStatus       = "pod:status"

	TypeGroupJoin         = "group:join"
	TypeGroupJoinAck      = "group:join:ack"
	TypeGroupLeave        = "group:leave"
	TypeGroupLeaveAck     = "group:leave:ack"
	TypeGroupLeaveAll     = "group:leave-all"
	TypeGroupLeaveAllAck  = "group:leave-all:ack"
	TypeGroupGetPods      = "group:get-pods"
	TypeGroupGetPodsAck   = "group:get-pods:ack"
	TypeGroupGetGroups    = "group:get-groups"
	TypeGroupGetGroupsAck = "group:get-groups:ack"

	TypeRouteRequest  = "route:request"
	TypeRouteResponse = "route:response"
)

// ErrorSuffix is appended to a request type to form its error reply.
const ErrorSuffix = ":error"

// ErrorType builds the error reply type for a request. An unparseable
// request type gets the bare suffix.
func ErrorType(requestType string) string {
	if requestType == "" {
		return ErrorSuffix
	}
	return requestType + ErrorSuffix
}

// ErrorPayload is the body of every *:error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RegisterRequest announces an agent and its node to the control plane.
// The first frame on an agent session must be this.
type RegisterRequest struct {
	Token        string             `json:"token"`
	Name         string             `json:"name"`
	RuntimeType  types.RuntimeKind  `json:"runtimeType"`
	Capabilities types.Capabilities `json:"capabilities"`
	Allocatable  types.Resources    `json:"allocatable"`
	Labels       map[string]string  `json:"labels,omitempty"`
	Taints       []types.Taint      `json:"taints,omitempty"`

	// NodeID is set on re-registration after a lease expiry. The server
	// always assigns a fresh id; the old one is only used for logging.
	NodeID string `json:"nodeId,omitempty"`
}

// RegisterAck carries the assigned node record back to the agent.
type RegisterAck struct {
	Node *types.Node `json:"node"`
}

// PodClaimRequest is the identity claim an in-pod runtime sends as its
// first frame.
type PodClaimRequest struct {
	Token       string `json:"token"`
	PodID       string `json:"podId"`
	Incarnation int64  `json:"incarnation"`
}

// PodClaimAck confirms a pod identity claim.
type PodClaimAck struct {
	PodID string `json:"podId"`
}

// HeartbeatRequest is the periodic agent liveness report. Allocated and
// ActivePods are advisory; binding accounting on the server stays
// authoritative.
type HeartbeatRequest struct {
	NodeID     string           `json:"nodeId"`
	Timestamp  time.Time        `json:"timestamp"`
	Status     string           `json:"status,omitempty"`
	Allocated  *types.Resources `json:"allocated,omitempty"`
	ActivePods []string         `json:"activePods,omitempty"`
}

// HeartbeatAck echoes the recorded heartbeat time.
type HeartbeatAck struct {
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// PodAssignment is the server push instructing an agent to start a pod.
type PodAssignment struct {
	PodID        string            `json:"podId"`
	Incarnation  int64             `json:"incarnation"`
	PackName     string            `json:"packName"`
	PackVersion  string            `json:"packVersion"`
	BundleRef    string            `json:"bundleRef"`
	Namespace    string            `json:"namespace"`
	Env          map[string]string `json:"env,omitempty"`
	Limits       types.Resources   `json:"limits"`
	RuntimeToken string            `json:"runtimeToken,omitempty"`
}

// PodCommandAck confirms receipt of a pushed pod command. Receipt only;
// the outcome arrives later as a pod:status report.
type PodCommandAck struct {
	PodID       string `json:"podId"`
	Incarnation int64  `json:"incarnation"`
}

// PodTerminateRequest is the server push instructing an agent to stop a
// pod. Replays for an already-stopped incarnation are no-ops.
type PodTerminateRequest struct {
	PodID       string `json:"podId"`
	Incarnation int64  `json:"incarnation"`
	Reason      string `json:"reason,omitempty"`
}

// PodStatusUpdate reports a pod lifecycle transition from the agent.
// Fire-and-forget; the server replies only on error.
type PodStatusUpdate struct {
	PodID        string          `json:"podId"`
	Incarnation  int64           `json:"incarnation"`
	Status       types.PodStatus `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	RestartCount int             `json:"restartCount"`
}

// GroupRequest covers join, leave and query operations on pod groups.
type GroupRequest struct {
	PodID   string `json:"podId"`
	GroupID string `json:"groupId,omitempty"`
}

// GroupPodsAck lists the member pods of a group.
type GroupPodsAck struct {
	GroupID string   `json:"groupId"`
	PodIDs  []string `json:"podIds"`
}

// GroupsAck lists the groups a pod belongs to.
type GroupsAck struct {
	PodID    string   `json:"podId"`
	GroupIDs []string `json:"groupIds"`
}

// RouteRequest asks the arbiter for a healthy target pod of a service.
type RouteRequest struct {
	CallerServiceID string `json:"callerServiceId"`
	TargetServiceID string `json:"targetServiceId"`
	NonSticky       bool   `json:"nonSticky"`
}

// RouteResponse carries the selected target, or a denial. The server
// never proxies traffic; the caller opens its own channel.
type RouteResponse struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	TargetPodID  string `json:"targetPodId,omitempty"`
	TargetNodeID string `json:"targetNodeId,omitempty"`
}
