package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packdock/stevedore/pkg/storage"
	"github.com/packdock/stevedore/pkg/store"
	"github.com/packdock/stevedore/pkg/types"
)

func newTestState(t *testing.T) *store.Store {
	t.Helper()
	a, err := storage.NewBoltAdapter(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	s, err := store.New(a, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateNamespace("default"))
	return s
}

type recordingAssigner struct {
	mu      sync.Mutex
	assigns map[string]string
}

func newRecordingAssigner() *recordingAssigner {
	return &recordingAssigner{assigns: make(map[string]string)}
}

func (r *recordingAssigner) Assign(pod *types.Pod, nodeID string) {
	r.mu.Lock()
	r.assigns[pod.ID] = nodeID
	r.mu.Unlock()
}

func serverNode(id string, cpu int64) *types.Node {
	return &types.Node{
		ID:      id,
		Name:    id,
		Runtime: types.RuntimeServer,
		Allocatable: types.Resources{
			CPUMillis: cpu, MemoryBytes: 8 << 30, Pods: 100,
		},
		Capabilities: types.Capabilities{Version: "1.2.0"},
	}
}

func registerPack(t *testing.T, s *store.Store, name, version string, runtime types.RuntimeKind) {
	t.Helper()
	require.NoError(t, s.CreatePack(&types.Pack{
		ID: name + "@" + version, Name: name, Version: version,
		Runtime: runtime, Visibility: types.PackPublic,
	}))
}

func pendingPod(t *testing.T, s *store.Store, id string, mutate func(*types.Pod)) {
	t.Helper()
	pod := &types.Pod{
		ID: id, PackName: "imgproc", PackVersion: "1.0.0", Namespace: "default",
		Requests: types.Resources{CPUMillis: 500, MemoryBytes: 512 << 20},
	}
	if mutate != nil {
		mutate(pod)
	}
	require.NoError(t, s.CreatePod(pod))
}

func TestSinglePodPlacement(t *testing.T) {
	s := newTestState(t)
	require.NoError(t, s.CreateNode(serverNode("node-1", 4000)))
	registerPack(t, s, "imgproc", "1.0.0", types.RuntimeServer)
	pendingPod(t, s, "pod-1", nil)

	rec := newRecordingAssigner()
	sched := New(s, rec, 1)
	sched.queue.Add("pod-1", 0)
	sched.scheduleOne("pod-1")

	pod, err := s.GetPod("pod-1")
	require.NoError(t, err)
	assert.Equal(t, types.PodScheduled, pod.Status)
	assert.Equal(t, "node-1", pod.NodeID)
	assert.Equal(t, "node-1", rec.assigns["pod-1"])

	node, err := s.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.Resources{CPUMillis: 500, MemoryBytes: 512 << 20, Pods: 1}, node.Allocated)
}

func TestTaintRejectionThenToleration(t *testing.T) {
	s := newTestState(t)
	node := serverNode("node-1", 4000)
	node.Taints = []types.Taint{{Key: "dedicated", Value: "gpu", Effect: types.TaintNoSchedule}}
	require.NoError(t, s.CreateNode(node))
	registerPack(t, s, "imgproc", "1.0.0", types.RuntimeServer)

	pendingPod(t, s, "pod-plain", nil)
	pendingPod(t, s, "pod-tolerant", func(p *types.Pod) {
		p.Tolerations = []types.Toleration{{
			Key: "dedicated", Operator: types.TolerationEqual, Value: "gpu",
			Effect: types.TaintNoSchedule,
		}}
	})

	sched := New(s, nil, 1)
	sched.scheduleOne("pod-plain")
	sched.scheduleOne("pod-tolerant")

	plain, err := s.GetPod("pod-plain")
	require.NoError(t, err)
	assert.Equal(t, types.PodPending, plain.Status)

	tolerant, err := s.GetPod("pod-tolerant")
	require.NoError(t, err)
	assert.Equal(t, types.PodScheduled, tolerant.Status)
}

func TestFilterCategories(t *testing.T) {
	pack := &types.Pack{Name: "p", Version: "1.0.0", Runtime: types.RuntimeServer, Visibility: types.PackPublic}
	pod := &types.Pod{Requests: types.Resources{CPUMillis: 500}}

	tests := []struct {
		name   string
		mutate func(n *types.Node, p *types.Pack, pod *types.Pod)
		reason RejectionReason
	}{
		{
			name:   "offline node",
			mutate: func(n *types.Node, _ *types.Pack, _ *types.Pod) { n.Status = types.NodeOffline },
			reason: ReasonNoNodes,
		},
		{
			name:   "cordoned node",
			mutate: func(n *types.Node, _ *types.Pack, _ *types.Pod) { n.Unschedulable = true },
			reason: ReasonNoNodes,
		},
		{
			name:   "runtime mismatch",
			mutate: func(n *types.Node, _ *types.Pack, _ *types.Pod) { n.Runtime = types.RuntimeBrowser },
			reason: ReasonNoCompatibleNodes,
		},
		{
			name: "runtime version too old",
			mutate: func(n *types.Node, p *types.Pack, _ *types.Pod) {
				p.Metadata = map[string]string{types.MetaMinRuntimeVersion: ">= 2.0.0"}
			},
			reason: ReasonNoCompatibleNodes,
		},
		{
			name: "selector mismatch",
			mutate: func(_ *types.Node, _ *types.Pack, pod *types.Pod) {
				pod.NodeSelector = map[string]string{"zone": "eu"}
			},
			reason: ReasonAffinityNotMet,
		},
		{
			name: "untolerated taint",
			mutate: func(n *types.Node, _ *types.Pack, _ *types.Pod) {
				n.Taints = []types.Taint{{Key: "dedicated", Effect: types.TaintNoExecute}}
			},
			reason: ReasonTaintNotTolerated,
		},
		{
			name: "insufficient capacity",
			mutate: func(_ *types.Node, _ *types.Pack, pod *types.Pod) {
				pod.Requests.CPUMillis = 50000
			},
			reason: ReasonInsufficientResources,
		},
		{
			name: "private pack foreign owner",
			mutate: func(n *types.Node, p *types.Pack, _ *types.Pod) {
				p.Visibility = types.PackPrivate
				p.OwnerID = "alice"
				n.OwnerID = "bob"
			},
			reason: ReasonQuotaExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := serverNode("node-1", 4000)
			n.Status = types.NodeOnline
			p := *pack
			pd := *pod
			tt.mutate(n, &p, &pd)

			ok, reason := filterNode(&pd, &p, n)
			assert.False(t, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestPrivatePackOnAdminNode(t *testing.T) {
	pack := &types.Pack{Runtime: types.RuntimeServer, Visibility: types.PackPrivate, OwnerID: "alice"}
	node := serverNode("node-1", 4000)
	node.Status = types.NodeOnline
	node.OwnerID = "bob"
	node.Labels = map[string]string{LabelAdminNode: "true"}

	ok, _ := filterNode(&types.Pod{}, pack, node)
	assert.True(t, ok)
}

func TestRankPrefersEmptierNodeAndBreaksTiesByID(t *testing.T) {
	full := serverNode("node-a", 4000)
	full.Status = types.NodeOnline
	full.Allocated = types.Resources{CPUMillis: 3000, Pods: 3}
	empty := serverNode("node-b", 4000)
	empty.Status = types.NodeOnline

	pod := &types.Pod{Requests: types.Resources{CPUMillis: 100}}
	ranked := rankNodes(pod, []*types.Node{full, empty}, DefaultWeights())
	assert.Equal(t, "node-b", ranked[0].ID)

	// Identical twins: the lower id wins.
	twinA := serverNode("node-a", 4000)
	twinA.Status = types.NodeOnline
	twinB := serverNode("node-b", 4000)
	twinB.Status = types.NodeOnline
	ranked = rankNodes(pod, []*types.Node{twinB, twinA}, DefaultWeights())
	assert.Equal(t, "node-a", ranked[0].ID)
}

func TestSoftTaintPenalty(t *testing.T) {
	tainted := serverNode("node-a", 4000)
	tainted.Status = types.NodeOnline
	tainted.Taints = []types.Taint{{Key: "spot", Effect: types.TaintPreferNoSchedule}}
	clean := serverNode("node-b", 4000)
	clean.Status = types.NodeOnline

	pod := &types.Pod{Requests: types.Resources{CPUMillis: 100}}
	ranked := rankNodes(pod, []*types.Node{tainted, clean}, DefaultWeights())
	assert.Equal(t, "node-b", ranked[0].ID)
}

func TestCrashLoopGateRequeues(t *testing.T) {
	s := newTestState(t)
	require.NoError(t, s.CreateNode(serverNode("node-1", 4000)))
	registerPack(t, s, "imgproc", "2.0.0", types.RuntimeServer)
	require.NoError(t, s.CreateWorkload(&types.Workload{
		ID: "wl-1", Name: "svc", Namespace: "default",
		PackName: "imgproc", PackVersion: "2.0.0", Replicas: 1,
	}))
	require.NoError(t, s.RecordWorkloadRollout("wl-1", types.Workload{
		FailedVersion:       "2.0.0",
		ConsecutiveFailures: 3,
		FailureBackoffUntil: time.Now().Add(time.Minute),
	}))
	pendingPod(t, s, "pod-1", func(p *types.Pod) {
		p.WorkloadID = "wl-1"
		p.PackVersion = "2.0.0"
	})

	sched := New(s, nil, 1)
	sched.scheduleOne("pod-1")

	pod, err := s.GetPod("pod-1")
	require.NoError(t, err)
	assert.Equal(t, types.PodPending, pod.Status)
	assert.Equal(t, 1, sched.queue.Len())
}

func TestTerminatingNamespaceIsUnschedulable(t *testing.T) {
	s := newTestState(t)
	require.NoError(t, s.CreateNode(serverNode("node-1", 4000)))
	registerPack(t, s, "imgproc", "1.0.0", types.RuntimeServer)
	pendingPod(t, s, "pod-1", nil)
	require.NoError(t, s.SetNamespacePhase("default", types.NamespaceTerminating))

	sched := New(s, nil, 1)
	sched.scheduleOne("pod-1")

	pod, err := s.GetPod("pod-1")
	require.NoError(t, err)
	assert.Equal(t, types.PodPending, pod.Status)
}

func TestQueueOrdering(t *testing.T) {
	q := NewQueue()
	base := time.Now()
	tick := 0
	q.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	q.Add("low", 0)
	q.Add("high", 10)
	q.Add("low-older", 0)

	id, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, "high", id)

	id, ok = q.Next()
	require.True(t, ok)
	assert.Equal(t, "low", id)

	id, ok = q.Next()
	require.True(t, ok)
	assert.Equal(t, "low-older", id)

	_, ok = q.Next()
	assert.False(t, ok)
}

func TestQueueBackoffGrowsAndCaps(t *testing.T) {
	assert.Equal(t, time.Second, backoff(1))
	assert.Equal(t, 2*time.Second, backoff(2))
	assert.Equal(t, 16*time.Second, backoff(5))
	assert.Equal(t, 30*time.Second, backoff(6))
	assert.Equal(t, 30*time.Second, backoff(20))
}

func TestQueueRequeueRespectsBackoff(t *testing.T) {
	q := NewQueue()
	base := time.Now()
	now := base
	q.now = func() time.Time { return now }

	q.Add("pod-1", 0)
	_, ok := q.Next()
	require.True(t, ok)

	q.Requeue("pod-1", 0)
	_, ok = q.Next()
	assert.False(t, ok, "pod still in backoff")

	now = base.Add(2 * time.Second)
	id, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, "pod-1", id)
}
