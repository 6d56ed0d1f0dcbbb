package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packdock/stevedore/pkg/auth"
	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/events"
	"github.com/packdock/stevedore/pkg/routing"
	"github.com/packdock/stevedore/pkg/session"
	"github.com/packdock/stevedore/pkg/storage"
	"github.com/packdock/stevedore/pkg/store"
	"github.com/packdock/stevedore/pkg/types"
)

type harness struct {
	srv    *Server
	state  *store.Store
	tokens *auth.TokenProvider
	joins  *auth.JoinTokens
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	a, err := storage.NewBoltAdapter(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	s, err := store.New(a, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateNamespace("default"))

	tokens := auth.NewTokenProvider()
	joins := auth.NewJoinTokens()
	groups := routing.NewGroups()
	srv := New(s, tokens, joins, routing.NewArbiter(s, nil), groups)
	return &harness{srv: srv, state: s, tokens: tokens, joins: joins}
}

// dial wires a client pipe into a live session handled by the server.
func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	srvConn, cliConn := net.Pipe()
	sess := session.New(srvConn, h.srv)
	h.srv.track(sess)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(func() { cliConn.Close() })
	go sess.Run(ctx)
	return cliConn
}

func roundTrip(t *testing.T, conn net.Conn, frameType string, payload any) *session.Frame {
	t.Helper()
	raw, err := session.EncodePayload(payload)
	require.NoError(t, err)
	require.NoError(t, session.WriteFrame(conn, &session.Frame{
		Type: frameType, Payload: raw, CorrelationID: "corr-1",
	}))
	reply, err := session.ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", reply.CorrelationID)
	return reply
}

func (h *harness) registerAgent(t *testing.T, conn net.Conn) *types.Node {
	t.Helper()
	jt, err := h.joins.Generate(auth.JoinRoleAgent, time.Minute)
	require.NoError(t, err)

	reply := roundTrip(t, conn, session.TypeNodeRegister, session.RegisterRequest{
		Token:       jt.Token,
		Name:        "agent-1",
		RuntimeType: types.RuntimeServer,
		Allocatable: types.Resources{CPUMillis: 4000, MemoryBytes: 8 << 30, Pods: 10},
	})
	require.Equal(t, session.TypeNodeRegisterAck, reply.Type)

	var ack session.RegisterAck
	require.NoError(t, session.DecodePayload(reply, &ack))
	require.NotNil(t, ack.Node)
	return ack.Node
}

func TestRegisterCreatesNode(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	node := h.registerAgent(t, conn)
	assert.NotEmpty(t, node.ID)
	assert.Equal(t, types.NodeOnline, node.Status)
	assert.Equal(t, node.ID, node.Labels[types.LabelNodeID])

	stored, err := h.state.GetNode(node.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.SessionID)

	_, ok := h.srv.registry.ByNode(node.ID)
	assert.True(t, ok)
}

func TestRegisterRejectsBadToken(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	reply := roundTrip(t, conn, session.TypeNodeRegister, session.RegisterRequest{
		Token: "bogus", Name: "agent-1", RuntimeType: types.RuntimeServer,
	})
	require.Equal(t, session.TypeNodeRegisterError, reply.Type)

	var ep session.ErrorPayload
	require.NoError(t, session.DecodePayload(reply, &ep))
	assert.Equal(t, errdefs.CodeForbidden, ep.Code)
	assert.Empty(t, h.state.ListNodes())
}

func TestHeartbeatOwnNodeOnly(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	node := h.registerAgent(t, conn)

	reply := roundTrip(t, conn, session.TypeNodeHeartbeat, session.HeartbeatRequest{
		NodeID: node.ID, Timestamp: time.Now(),
	})
	require.Equal(t, session.TypeNodeHeartbeatAck, reply.Type)
	var ack session.HeartbeatAck
	require.NoError(t, session.DecodePayload(reply, &ack))
	assert.False(t, ack.LastHeartbeat.IsZero())

	reply = roundTrip(t, conn, session.TypeNodeHeartbeat, session.HeartbeatRequest{
		NodeID: "someone-elses-node", Timestamp: time.Now(),
	})
	require.Equal(t, session.ErrorType(session.TypeNodeHeartbeat), reply.Type)
	var ep session.ErrorPayload
	require.NoError(t, session.DecodePayload(reply, &ep))
	assert.Equal(t, errdefs.CodeForbidden, ep.Code)
}

func TestHeartbeatRequiresRegistration(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	reply := roundTrip(t, conn, session.TypeNodeHeartbeat, session.HeartbeatRequest{
		NodeID: "node-1", Timestamp: time.Now(),
	})
	require.Equal(t, session.ErrorType(session.TypeNodeHeartbeat), reply.Type)
}

func TestUnknownTypeReply(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	reply := roundTrip(t, conn, "node:selfdestruct", map[string]string{})
	require.Equal(t, "node:selfdestruct:error", reply.Type)
	var ep session.ErrorPayload
	require.NoError(t, session.DecodePayload(reply, &ep))
	assert.Equal(t, errdefs.CodeUnknownType, ep.Code)
}

func TestAssignmentAndClaimFlow(t *testing.T) {
	h := newHarness(t)
	agentConn := h.dial(t)
	node := h.registerAgent(t, agentConn)

	require.NoError(t, h.state.CreatePack(&types.Pack{
		ID: "pack-1", Name: "web", Version: "1.0.0",
		Runtime: types.RuntimeServer, BundleRef: "registry/web:1.0.0",
	}))
	require.NoError(t, h.state.CreatePod(&types.Pod{
		ID: "pod-1", PackName: "web", PackVersion: "1.0.0", Namespace: "default",
		Requests: types.Resources{CPUMillis: 500},
	}))
	require.NoError(t, h.state.BindPod("pod-1", node.ID))

	pod, err := h.state.GetPod("pod-1")
	require.NoError(t, err)
	go h.srv.Assign(pod, node.ID)

	push, err := session.ReadFrame(agentConn)
	require.NoError(t, err)
	require.Equal(t, session.TypePodAssign, push.Type)
	var assignment session.PodAssignment
	require.NoError(t, session.DecodePayload(push, &assignment))
	assert.Equal(t, "registry/web:1.0.0", assignment.BundleRef)
	assert.Equal(t, int64(1), assignment.Incarnation)
	require.NotEmpty(t, assignment.RuntimeToken)

	// The in-pod runtime claims its identity on a fresh connection.
	podConn := h.dial(t)
	reply := roundTrip(t, podConn, session.TypePodClaim, session.PodClaimRequest{
		Token: assignment.RuntimeToken, PodID: "pod-1", Incarnation: 1,
	})
	require.Equal(t, session.TypePodClaimAck, reply.Type)
}

func TestClaimRejectsSupersededIncarnation(t *testing.T) {
	h := newHarness(t)
	agentConn := h.dial(t)
	node := h.registerAgent(t, agentConn)

	require.NoError(t, h.state.CreatePod(&types.Pod{
		ID: "pod-1", PackName: "web", PackVersion: "1.0.0", Namespace: "default",
	}))
	require.NoError(t, h.state.BindPod("pod-1", node.ID))

	token, err := h.tokens.Issue(auth.Principal{
		ID: "pod-1", Kind: types.PrincipalPodRuntime, PodID: "pod-1", Incarnation: 1,
	}, 0)
	require.NoError(t, err)

	// Revocation bumps the incarnation; the old credential must die.
	require.NoError(t, h.state.RevokePod("pod-1", types.ReasonNodeLost))

	podConn := h.dial(t)
	reply := roundTrip(t, podConn, session.TypePodClaim, session.PodClaimRequest{
		Token: token, PodID: "pod-1", Incarnation: 1,
	})
	require.Equal(t, session.ErrorType(session.TypePodClaim), reply.Type)
}

func TestPodStatusAdvancesLifecycle(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	node := h.registerAgent(t, conn)

	require.NoError(t, h.state.CreatePod(&types.Pod{
		ID: "pod-1", PackName: "web", PackVersion: "1.0.0", Namespace: "default",
	}))
	require.NoError(t, h.state.BindPod("pod-1", node.ID))

	for _, status := range []types.PodStatus{types.PodStarting, types.PodRunning} {
		raw, err := session.EncodePayload(session.PodStatusUpdate{
			PodID: "pod-1", Incarnation: 1, Status: status,
		})
		require.NoError(t, err)
		require.NoError(t, session.WriteFrame(conn, &session.Frame{
			Type: session.TypePodStatus, Payload: raw,
		}))
	}

	require.Eventually(t, func() bool {
		pod, err := h.state.GetPod("pod-1")
		return err == nil && pod.Status == types.PodRunning && pod.Ready
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPodStatusStaleIncarnationRejected(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	node := h.registerAgent(t, conn)

	require.NoError(t, h.state.CreatePod(&types.Pod{
		ID: "pod-1", PackName: "web", PackVersion: "1.0.0", Namespace: "default",
	}))
	require.NoError(t, h.state.BindPod("pod-1", node.ID))

	reply := roundTrip(t, conn, session.TypePodStatus, session.PodStatusUpdate{
		PodID: "pod-1", Incarnation: 99, Status: types.PodStarting,
	})
	require.Equal(t, session.ErrorType(session.TypePodStatus), reply.Type)
	var ep session.ErrorPayload
	require.NoError(t, session.DecodePayload(reply, &ep))
	assert.Equal(t, errdefs.CodeInvalidState, ep.Code)
}

func TestGroupOpsRequirePodRuntime(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	h.registerAgent(t, conn)

	reply := roundTrip(t, conn, session.TypeGroupJoin, session.GroupRequest{GroupID: "workers"})
	require.Equal(t, session.ErrorType(session.TypeGroupJoin), reply.Type)
	var ep session.ErrorPayload
	require.NoError(t, session.DecodePayload(reply, &ep))
	assert.Equal(t, errdefs.CodeForbidden, ep.Code)
}

func TestGroupLifecycleOverWire(t *testing.T) {
	h := newHarness(t)
	agentConn := h.dial(t)
	node := h.registerAgent(t, agentConn)

	require.NoError(t, h.state.CreatePod(&types.Pod{
		ID: "pod-1", PackName: "web", PackVersion: "1.0.0", Namespace: "default",
	}))
	require.NoError(t, h.state.BindPod("pod-1", node.ID))
	token, err := h.tokens.Issue(auth.Principal{
		ID: "pod-1", Kind: types.PrincipalPodRuntime, PodID: "pod-1", Incarnation: 1,
	}, 0)
	require.NoError(t, err)

	podConn := h.dial(t)
	reply := roundTrip(t, podConn, session.TypePodClaim, session.PodClaimRequest{
		Token: token, PodID: "pod-1", Incarnation: 1,
	})
	require.Equal(t, session.TypePodClaimAck, reply.Type)

	reply = roundTrip(t, podConn, session.TypeGroupJoin, session.GroupRequest{GroupID: "workers"})
	require.Equal(t, session.TypeGroupJoinAck, reply.Type)

	reply = roundTrip(t, podConn, session.TypeGroupGetPods, session.GroupRequest{GroupID: "workers"})
	require.Equal(t, session.TypeGroupGetPodsAck, reply.Type)
	var pods session.GroupPodsAck
	require.NoError(t, session.DecodePayload(reply, &pods))
	assert.Equal(t, []string{"pod-1"}, pods.PodIDs)

	// Disconnect flushes memberships.
	podConn.Close()
	require.Eventually(t, func() bool {
		return len(h.srv.groups.Pods("workers")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRouteOverWire(t *testing.T) {
	h := newHarness(t)
	agentConn := h.dial(t)
	node := h.registerAgent(t, agentConn)

	require.NoError(t, h.state.CreatePod(&types.Pod{
		ID: "pod-1", WorkloadID: "wl-b", PackName: "web", PackVersion: "1.0.0",
		Namespace: "default",
	}))
	require.NoError(t, h.state.BindPod("pod-1", node.ID))
	require.NoError(t, h.state.AdvancePodStatus("pod-1", 1, types.PodStarting, ""))
	require.NoError(t, h.state.AdvancePodStatus("pod-1", 1, types.PodRunning, ""))

	reply := roundTrip(t, agentConn, session.TypeRouteRequest, session.RouteRequest{
		CallerServiceID: "wl-a", TargetServiceID: "wl-b",
	})
	require.Equal(t, session.TypeRouteResponse, reply.Type)
	var resp session.RouteResponse
	require.NoError(t, session.DecodePayload(reply, &resp))
	assert.True(t, resp.Allowed)
	assert.Equal(t, "pod-1", resp.TargetPodID)
	assert.Equal(t, node.ID, resp.TargetNodeID)
}

func TestTerminalStatusRevokesRuntimeCredentials(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	node := h.registerAgent(t, conn)

	require.NoError(t, h.state.CreatePod(&types.Pod{
		ID: "pod-1", PackName: "web", PackVersion: "1.0.0", Namespace: "default",
	}))
	require.NoError(t, h.state.BindPod("pod-1", node.ID))
	require.NoError(t, h.state.AdvancePodStatus("pod-1", 1, types.PodStarting, ""))
	require.NoError(t, h.state.AdvancePodStatus("pod-1", 1, types.PodRunning, ""))
	require.NoError(t, h.state.RequestPodStop("pod-1", types.ReasonUserDelete))

	token, err := h.tokens.Issue(auth.Principal{
		ID: "pod-1", Kind: types.PrincipalPodRuntime, PodID: "pod-1", Incarnation: 1,
	}, 0)
	require.NoError(t, err)

	raw, err := session.EncodePayload(session.PodStatusUpdate{
		PodID: "pod-1", Incarnation: 1, Status: types.PodStopped,
	})
	require.NoError(t, err)
	require.NoError(t, session.WriteFrame(conn, &session.Frame{
		Type: session.TypePodStatus, Payload: raw,
	}))

	require.Eventually(t, func() bool {
		_, err := h.tokens.Authenticate(token)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionLifecycleEmitsEvents(t *testing.T) {
	a, err := storage.NewBoltAdapter(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()

	s, err := store.New(a, broker)
	require.NoError(t, err)

	srv := New(s, auth.NewTokenProvider(), auth.NewJoinTokens(),
		routing.NewArbiter(s, nil), routing.NewGroups())

	srvConn, cliConn := net.Pipe()
	sess := session.New(srvConn, srv)
	srv.track(sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	require.Equal(t, events.EventSessionOpened, nextSessionEvent(t, sub).Type)

	cliConn.Close()
	closed := nextSessionEvent(t, sub)
	require.Equal(t, events.EventSessionClosed, closed.Type)
	assert.Equal(t, sess.ID, closed.ResourceID)
}

func nextSessionEvent(t *testing.T, sub events.Subscriber) *events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.ResourceType == "session" {
				return ev
			}
		case <-deadline:
			t.Fatal("session event not delivered")
			return nil
		}
	}
}
