package server

import (
	"context"

	"github.com/google/uuid"

	"github.com/packdock/stevedore/pkg/auth"
	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/session"
	"github.com/packdock/stevedore/pkg/types"
)

// HandleFrame dispatches one inbound frame. The message set is closed:
// anything unrecognized gets an UNKNOWN_TYPE error reply.
func (s *Server) HandleFrame(ctx context.Context, sess *session.Session, f *session.Frame) {
	switch f.Type {
	case session.TypeNodeRegister:
		s.handleRegister(sess, f)
	case session.TypePodClaim:
		s.handleClaim(sess, f)
	case session.TypeNodeHeartbeat:
		s.handleHeartbeat(sess, f)
	case session.TypePodStatus:
		s.handlePodStatus(sess, f)
	case session.TypeRouteRequest:
		s.handleRoute(sess, f)
	case session.TypeGroupJoin, session.TypeGroupLeave, session.TypeGroupLeaveAll,
		session.TypeGroupGetPods, session.TypeGroupGetGroups:
		s.handleGroup(sess, f)
	case session.TypePodAssignAck, session.TypePodTerminateAck:
		// Command acknowledged; state convergence rides on pod:status.
	default:
		payload := session.ErrorPayload{
			Code:    errdefs.CodeUnknownType,
			Message: "unknown message type " + f.Type,
		}
		if err := sess.Send(session.ErrorType(f.Type), payload, f.CorrelationID); err != nil {
			s.logger.Debug().Err(err).Msg("unknown-type reply not delivered")
		}
	}
}

// requireAgent gates frames that only a registered agent may send.
func (s *Server) requireAgent(sess *session.Session) (*auth.Principal, error) {
	p := sess.Principal()
	if p == nil {
		return nil, errdefs.Forbidden("session not authenticated")
	}
	if p.Kind != types.PrincipalAgent {
		return nil, errdefs.Forbidden("agent-only operation")
	}
	return p, nil
}

// requirePodRuntime gates frames that only a claimed pod runtime may
// send.
func (s *Server) requirePodRuntime(sess *session.Session) (*auth.Principal, error) {
	p := sess.Principal()
	if p == nil {
		return nil, errdefs.Forbidden("session not authenticated")
	}
	if p.Kind != types.PrincipalPodRuntime {
		return nil, errdefs.Forbidden("pod-runtime-only operation")
	}
	return p, nil
}

// handleRegister authenticates an agent and creates its node record.
// The first frame on an agent session must be this; the token is either
// an agent join token or a previously issued agent credential.
func (s *Server) handleRegister(sess *session.Session, f *session.Frame) {
	var req session.RegisterRequest
	if err := session.DecodePayload(f, &req); err != nil {
		sess.SendError(f, errdefs.Validation("%v", err))
		return
	}

	principal, err := s.authenticateAgent(req.Token)
	if err != nil {
		sess.SendError(f, err)
		return
	}
	if err := sess.BindPrincipal(principal); err != nil {
		sess.SendError(f, err)
		return
	}

	// A re-registering agent gets a fresh node identity; the old record
	// is already offline or about to expire.
	node := &types.Node{
		ID:           uuid.New().String(),
		Name:         req.Name,
		Runtime:      req.RuntimeType,
		Capabilities: req.Capabilities,
		Allocatable:  req.Allocatable,
		Labels:       req.Labels,
		Taints:       req.Taints,
		OwnerID:      principal.OwnerID,
	}
	if err := s.state.CreateNode(node); err != nil {
		sess.SendError(f, err)
		return
	}
	if err := s.state.BindNodeSession(node.ID, sess.ID); err != nil {
		sess.SendError(f, err)
		return
	}
	sess.BindNode(node.ID)
	s.registry.BindNode(node.ID, sess)

	logEvent := s.logger.Info().Str("node_id", node.ID).Str("name", node.Name).
		Str("runtime", string(node.Runtime))
	if req.NodeID != "" {
		logEvent = logEvent.Str("previous_node_id", req.NodeID)
	}
	logEvent.Msg("agent registered")

	if err := sess.Send(session.TypeNodeRegisterAck, session.RegisterAck{Node: node}, f.CorrelationID); err != nil {
		s.logger.Warn().Err(err).Str("node_id", node.ID).Msg("register ack not delivered")
	}
}

// authenticateAgent resolves an agent token: join tokens admit a fresh
// owner-less agent, issued credentials carry their owner.
func (s *Server) authenticateAgent(token string) (*auth.Principal, error) {
	if token == "" {
		return nil, errdefs.Forbidden("missing token")
	}
	if p, err := s.tokens.Authenticate(token); err == nil {
		if p.Kind != types.PrincipalAgent {
			return nil, errdefs.Forbidden("credential is not an agent credential")
		}
		return p, nil
	}
	role, err := s.joinTokens.Validate(token)
	if err != nil {
		return nil, err
	}
	if role != auth.JoinRoleAgent {
		return nil, errdefs.Forbidden("join token does not admit agents")
	}
	return &auth.Principal{ID: uuid.New().String(), Kind: types.PrincipalAgent}, nil
}

// handleClaim authenticates an in-pod runtime. The credential was
// minted at assignment time and pins the pod and its incarnation.
func (s *Server) handleClaim(sess *session.Session, f *session.Frame) {
	var req session.PodClaimRequest
	if err := session.DecodePayload(f, &req); err != nil {
		sess.SendError(f, errdefs.Validation("%v", err))
		return
	}

	principal, err := s.tokens.Authenticate(req.Token)
	if err != nil {
		sess.SendError(f, err)
		return
	}
	if principal.Kind != types.PrincipalPodRuntime || principal.PodID != req.PodID {
		sess.SendError(f, errdefs.Forbidden("credential does not match claimed pod"))
		return
	}

	pod, err := s.state.GetPod(req.PodID)
	if err != nil {
		sess.SendError(f, err)
		return
	}
	if pod.Incarnation != principal.Incarnation {
		sess.SendError(f, errdefs.Forbidden("credential is for a superseded placement"))
		return
	}

	if err := sess.BindPrincipal(principal); err != nil {
		sess.SendError(f, err)
		return
	}
	if err := sess.Send(session.TypePodClaimAck, session.PodClaimAck{PodID: pod.ID}, f.CorrelationID); err != nil {
		s.logger.Debug().Err(err).Str("pod_id", pod.ID).Msg("claim ack not delivered")
	}
}

// handleHeartbeat records agent liveness. The reply write is bounded so
// a wedged connection cannot block dispatch.
func (s *Server) handleHeartbeat(sess *session.Session, f *session.Frame) {
	if _, err := s.requireAgent(sess); err != nil {
		sess.SendError(f, err)
		return
	}
	var req session.HeartbeatRequest
	if err := session.DecodePayload(f, &req); err != nil {
		sess.SendError(f, errdefs.Validation("%v", err))
		return
	}
	if req.NodeID != sess.NodeID() {
		sess.SendError(f, errdefs.Forbidden("heartbeat for a node this session does not own"))
		return
	}

	node, err := s.state.UpdateHeartbeat(req.NodeID, req.Timestamp)
	if err != nil {
		sess.SendError(f, err)
		return
	}

	if err := sess.SetWriteDeadline(heartbeatAckDeadline); err != nil {
		s.logger.Debug().Err(err).Msg("set heartbeat write deadline")
	}
	ack := session.HeartbeatAck{LastHeartbeat: node.LastHeartbeat}
	if err := sess.Send(session.TypeNodeHeartbeatAck, ack, f.CorrelationID); err != nil {
		s.logger.Debug().Err(err).Str("node_id", req.NodeID).Msg("heartbeat ack not delivered")
	}
}

// handlePodStatus applies a lifecycle transition reported by the agent.
// Fire-and-forget on success; stale or invalid reports get an error
// reply so the agent can resync.
func (s *Server) handlePodStatus(sess *session.Session, f *session.Frame) {
	if _, err := s.requireAgent(sess); err != nil {
		sess.SendError(f, err)
		return
	}
	var update session.PodStatusUpdate
	if err := session.DecodePayload(f, &update); err != nil {
		sess.SendError(f, errdefs.Validation("%v", err))
		return
	}

	pod, err := s.state.GetPod(update.PodID)
	if err != nil {
		sess.SendError(f, err)
		return
	}
	if pod.NodeID != sess.NodeID() {
		sess.SendError(f, errdefs.Forbidden("pod is not bound to this session's node"))
		return
	}

	if err := s.state.AdvancePodStatus(update.PodID, update.Incarnation, update.Status, update.Reason); err != nil {
		sess.SendError(f, err)
		return
	}
	if update.RestartCount != pod.RestartCount {
		if err := s.state.SetPodRestartCount(update.PodID, update.Incarnation, update.RestartCount); err != nil {
			s.logger.Debug().Err(err).Str("pod_id", update.PodID).Msg("restart count not recorded")
		}
	}

	// A terminal pod's runtime credentials are dead weight.
	if update.Status.Terminal() {
		s.tokens.RevokePod(update.PodID)
		s.groups.LeaveAll(update.PodID)
	}
}

// handleRoute answers a route request through the arbiter. Both agents
// and pod runtimes may ask.
func (s *Server) handleRoute(sess *session.Session, f *session.Frame) {
	if sess.Principal() == nil {
		sess.SendError(f, errdefs.Forbidden("session not authenticated"))
		return
	}
	var req session.RouteRequest
	if err := session.DecodePayload(f, &req); err != nil {
		sess.SendError(f, errdefs.Validation("%v", err))
		return
	}

	resp := s.arbiter.Route(req)
	if err := sess.Send(session.TypeRouteResponse, resp, f.CorrelationID); err != nil {
		s.logger.Debug().Err(err).Msg("route response not delivered")
	}
}

// handleGroup serves the group membership operations. Only a claimed
// pod runtime may join or query, and only as itself.
func (s *Server) handleGroup(sess *session.Session, f *session.Frame) {
	principal, err := s.requirePodRuntime(sess)
	if err != nil {
		sess.SendError(f, err)
		return
	}
	var req session.GroupRequest
	if err := session.DecodePayload(f, &req); err != nil {
		sess.SendError(f, errdefs.Validation("%v", err))
		return
	}
	if req.PodID != "" && req.PodID != principal.PodID {
		sess.SendError(f, errdefs.Forbidden("group operation on behalf of another pod"))
		return
	}
	podID := principal.PodID

	switch f.Type {
	case session.TypeGroupJoin:
		if req.GroupID == "" {
			sess.SendError(f, errdefs.Validation("groupId is required"))
			return
		}
		s.groups.Join(podID, req.GroupID)
		s.ack(sess, f, session.TypeGroupJoinAck, session.GroupRequest{PodID: podID, GroupID: req.GroupID})

	case session.TypeGroupLeave:
		if req.GroupID == "" {
			sess.SendError(f, errdefs.Validation("groupId is required"))
			return
		}
		s.groups.Leave(podID, req.GroupID)
		s.ack(sess, f, session.TypeGroupLeaveAck, session.GroupRequest{PodID: podID, GroupID: req.GroupID})

	case session.TypeGroupLeaveAll:
		s.groups.LeaveAll(podID)
		s.ack(sess, f, session.TypeGroupLeaveAllAck, session.GroupRequest{PodID: podID})

	case session.TypeGroupGetPods:
		if req.GroupID == "" {
			sess.SendError(f, errdefs.Validation("groupId is required"))
			return
		}
		ack := session.GroupPodsAck{GroupID: req.GroupID, PodIDs: s.groups.Pods(req.GroupID)}
		s.ack(sess, f, session.TypeGroupGetPodsAck, ack)

	case session.TypeGroupGetGroups:
		ack := session.GroupsAck{PodID: podID, GroupIDs: s.groups.Groups(podID)}
		s.ack(sess, f, session.TypeGroupGetGroupsAck, ack)
	}
}

func (s *Server) ack(sess *session.Session, f *session.Frame, ackType string, payload any) {
	if err := sess.Send(ackType, payload, f.CorrelationID); err != nil {
		s.logger.Debug().Err(err).Str("type", ackType).Msg("ack not delivered")
	}
}
