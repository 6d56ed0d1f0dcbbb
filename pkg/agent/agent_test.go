package agent

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packdock/stevedore/pkg/auth"
	"github.com/packdock/stevedore/pkg/routing"
	"github.com/packdock/stevedore/pkg/server"
	"github.com/packdock/stevedore/pkg/session"
	"github.com/packdock/stevedore/pkg/storage"
	"github.com/packdock/stevedore/pkg/store"
	"github.com/packdock/stevedore/pkg/types"
)

type fixture struct {
	srv   *server.Server
	state *store.Store
	joins *auth.JoinTokens
	rt    *MemoryRuntime
	agent *Agent
}

// newFixture wires an agent to a real server over an in-memory pipe.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	a, err := storage.NewBoltAdapter(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	s, err := store.New(a, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateNamespace("default"))

	tokens := auth.NewTokenProvider()
	joins := auth.NewJoinTokens()
	srv := server.New(s, tokens, joins, routing.NewArbiter(s, nil), routing.NewGroups())

	jt, err := joins.Generate(auth.JoinRoleAgent, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rt := NewMemoryRuntime()
	ag := New(Config{
		Token:             jt.Token,
		Name:              "agent-1",
		Runtime:           types.RuntimeServer,
		Allocatable:       types.Resources{CPUMillis: 4000, MemoryBytes: 8 << 30, Pods: 10},
		HeartbeatInterval: 50 * time.Millisecond,
		Dial: func() (net.Conn, error) {
			srvConn, cliConn := net.Pipe()
			sess := session.New(srvConn, srv)
			srv.Registry().Add(sess)
			go sess.Run(ctx)
			return cliConn, nil
		},
	}, rt)
	t.Cleanup(ag.Stop)

	go ag.Run(ctx)
	return &fixture{srv: srv, state: s, joins: joins, rt: rt, agent: ag}
}

func (fx *fixture) waitForNode(t *testing.T) *types.Node {
	t.Helper()
	var node *types.Node
	require.Eventually(t, func() bool {
		nodes := fx.state.ListNodes()
		if len(nodes) == 0 {
			return false
		}
		node = nodes[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return node
}

func TestAgentRegistersAndHeartbeats(t *testing.T) {
	fx := newFixture(t)
	node := fx.waitForNode(t)

	assert.Equal(t, "agent-1", node.Name)
	assert.Equal(t, types.NodeOnline, node.Status)
	assert.Equal(t, node.ID, fx.agent.NodeID())

	require.Eventually(t, func() bool {
		n, err := fx.state.GetNode(node.ID)
		return err == nil && !n.LastHeartbeat.IsZero()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAgentRunsAssignedPod(t *testing.T) {
	fx := newFixture(t)
	node := fx.waitForNode(t)

	require.NoError(t, fx.state.CreatePack(&types.Pack{
		ID: "pack-1", Name: "web", Version: "1.0.0",
		Runtime: types.RuntimeServer, BundleRef: "registry/web:1.0.0",
	}))
	require.NoError(t, fx.state.CreatePod(&types.Pod{
		ID: "pod-1", PackName: "web", PackVersion: "1.0.0", Namespace: "default",
		Requests: types.Resources{CPUMillis: 500},
	}))
	require.NoError(t, fx.state.BindPod("pod-1", node.ID))

	pod, err := fx.state.GetPod("pod-1")
	require.NoError(t, err)
	fx.srv.Assign(pod, node.ID)

	require.Eventually(t, func() bool {
		p, err := fx.state.GetPod("pod-1")
		return err == nil && p.Status == types.PodRunning && p.Ready
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"pod-1"}, fx.rt.Running())
}

func TestAgentReportsStartFailure(t *testing.T) {
	fx := newFixture(t)
	node := fx.waitForNode(t)
	fx.rt.StartErr = errors.New("bundle checksum mismatch")

	require.NoError(t, fx.state.CreatePack(&types.Pack{
		ID: "pack-1", Name: "web", Version: "1.0.0",
		Runtime: types.RuntimeServer, BundleRef: "registry/web:1.0.0",
	}))
	require.NoError(t, fx.state.CreatePod(&types.Pod{
		ID: "pod-1", PackName: "web", PackVersion: "1.0.0", Namespace: "default",
	}))
	require.NoError(t, fx.state.BindPod("pod-1", node.ID))

	pod, err := fx.state.GetPod("pod-1")
	require.NoError(t, err)
	fx.srv.Assign(pod, node.ID)

	require.Eventually(t, func() bool {
		p, err := fx.state.GetPod("pod-1")
		return err == nil && p.Status == types.PodFailed
	}, 2*time.Second, 10*time.Millisecond)
	p, err := fx.state.GetPod("pod-1")
	require.NoError(t, err)
	assert.Contains(t, p.Reason, "checksum mismatch")
}

func TestAgentTerminatesPod(t *testing.T) {
	fx := newFixture(t)
	node := fx.waitForNode(t)

	require.NoError(t, fx.state.CreatePack(&types.Pack{
		ID: "pack-1", Name: "web", Version: "1.0.0",
		Runtime: types.RuntimeServer, BundleRef: "registry/web:1.0.0",
	}))
	require.NoError(t, fx.state.CreatePod(&types.Pod{
		ID: "pod-1", PackName: "web", PackVersion: "1.0.0", Namespace: "default",
	}))
	require.NoError(t, fx.state.BindPod("pod-1", node.ID))

	pod, err := fx.state.GetPod("pod-1")
	require.NoError(t, err)
	fx.srv.Assign(pod, node.ID)
	require.Eventually(t, func() bool {
		p, err := fx.state.GetPod("pod-1")
		return err == nil && p.Status == types.PodRunning
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, fx.state.RequestPodStop("pod-1", types.ReasonUserDelete))
	stopping, err := fx.state.GetPod("pod-1")
	require.NoError(t, err)
	fx.srv.Terminate(stopping, types.ReasonUserDelete)

	require.Eventually(t, func() bool {
		p, err := fx.state.GetPod("pod-1")
		return err == nil && p.Status == types.PodStopped
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, fx.rt.Running())
}

func TestAgentDiscardsStaleTerminate(t *testing.T) {
	fx := newFixture(t)
	node := fx.waitForNode(t)

	require.NoError(t, fx.state.CreatePack(&types.Pack{
		ID: "pack-1", Name: "web", Version: "1.0.0",
		Runtime: types.RuntimeServer, BundleRef: "registry/web:1.0.0",
	}))
	require.NoError(t, fx.state.CreatePod(&types.Pod{
		ID: "pod-1", PackName: "web", PackVersion: "1.0.0", Namespace: "default",
	}))
	require.NoError(t, fx.state.BindPod("pod-1", node.ID))

	pod, err := fx.state.GetPod("pod-1")
	require.NoError(t, err)
	fx.srv.Assign(pod, node.ID)
	require.Eventually(t, func() bool {
		p, err := fx.state.GetPod("pod-1")
		return err == nil && p.Status == types.PodRunning
	}, 2*time.Second, 10*time.Millisecond)

	// A terminate for incarnation 0 predates the current placement.
	stale := *pod
	stale.Incarnation = 0
	fx.srv.Terminate(&stale, types.ReasonRollout)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"pod-1"}, fx.rt.Running())
	p, err := fx.state.GetPod("pod-1")
	require.NoError(t, err)
	assert.Equal(t, types.PodRunning, p.Status)
}

func TestRouteCacheStickiness(t *testing.T) {
	c := NewRouteCache(time.Minute)
	resp := session.RouteResponse{Allowed: true, TargetPodID: "pod-1", TargetNodeID: "node-1"}

	c.Put("wl-b", resp)
	got, ok := c.Get("wl-b")
	require.True(t, ok)
	assert.Equal(t, "pod-1", got.TargetPodID)

	c.Invalidate("wl-b")
	_, ok = c.Get("wl-b")
	assert.False(t, ok)
}

func TestRouteCacheExpiry(t *testing.T) {
	c := NewRouteCache(time.Minute)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Put("wl-b", session.RouteResponse{Allowed: true, TargetPodID: "pod-1"})
	base = base.Add(2 * time.Minute)
	_, ok := c.Get("wl-b")
	assert.False(t, ok)
}

func TestRouteCacheNeverCachesDenials(t *testing.T) {
	c := NewRouteCache(time.Minute)
	c.Put("wl-b", session.RouteResponse{Allowed: false, Reason: routing.NoHealthyTarget})
	_, ok := c.Get("wl-b")
	assert.False(t, ok)
}

func TestAgentRouteOverWire(t *testing.T) {
	fx := newFixture(t)
	node := fx.waitForNode(t)

	require.NoError(t, fx.state.CreatePod(&types.Pod{
		ID: "pod-1", WorkloadID: "wl-b", PackName: "web", PackVersion: "1.0.0",
		Namespace: "default",
	}))
	require.NoError(t, fx.state.BindPod("pod-1", node.ID))
	require.NoError(t, fx.state.AdvancePodStatus("pod-1", 1, types.PodStarting, ""))
	require.NoError(t, fx.state.AdvancePodStatus("pod-1", 1, types.PodRunning, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := fx.agent.Route(ctx, "wl-a", "wl-b", false)
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Equal(t, "pod-1", resp.TargetPodID)

	// Second lookup is served from the sticky cache.
	again, err := fx.agent.Route(ctx, "wl-a", "wl-b", false)
	require.NoError(t, err)
	assert.Equal(t, resp.TargetPodID, again.TargetPodID)
}
