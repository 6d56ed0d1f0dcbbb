package scheduler

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/events"
	"github.com/packdock/stevedore/pkg/log"
	"github.com/packdock/stevedore/pkg/metrics"
	"github.com/packdock/stevedore/pkg/store"
	"github.com/packdock/stevedore/pkg/types"
)

// pollInterval bounds how long a worker sleeps when the queue is idle,
// so pods leaving backoff are picked up without an explicit kick.
const pollInterval = time.Second

// Assigner delivers a bound pod to the agent owning its node. The
// server's push path implements this; tests use a recorder.
type Assigner interface {
	Assign(pod *types.Pod, nodeID string)
}

// AssignerFunc adapts a function to Assigner.
type AssignerFunc func(pod *types.Pod, nodeID string)

func (f AssignerFunc) Assign(pod *types.Pod, nodeID string) { f(pod, nodeID) }

// Scheduler places pending pods onto nodes: filter, score, bind.
// Multiple workers share one queue; the store's bind operation arbitrates
// races over capacity.
type Scheduler struct {
	state    store.API
	queue    *Queue
	weights  Weights
	assigner Assigner
	workers  int
	logger   zerolog.Logger

	notifyCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// New builds a scheduler. Workers defaults to the CPU count.
func New(state store.API, assigner Assigner, workers int) *Scheduler {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Scheduler{
		state:    state,
		queue:    NewQueue(),
		weights:  DefaultWeights(),
		assigner: assigner,
		workers:  workers,
		logger:   log.WithComponent("scheduler"),
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the binding workers and enqueues any pods already
// pending, so a restart resumes where the previous process stopped.
func (s *Scheduler) Start() {
	for _, pod := range s.state.ListPods() {
		if pod.Status == types.PodPending {
			s.queue.Add(pod.ID, pod.Priority)
		}
	}
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.logger.Info().Int("workers", s.workers).Msg("scheduler started")
}

// Stop halts the workers.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Enqueue queues a pending pod for placement and kicks a worker.
func (s *Scheduler) Enqueue(podID string, priority int) {
	s.queue.Add(podID, priority)
	s.kick()
}

// Forget drops a pod from the queue after it was deleted.
func (s *Scheduler) Forget(podID string) {
	s.queue.Remove(podID)
}

func (s *Scheduler) kick() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.notifyCh:
		case <-ticker.C:
		}
		for {
			podID, ok := s.queue.Next()
			if !ok {
				break
			}
			s.scheduleOne(podID)
		}
	}
}

// scheduleOne runs the full placement algorithm for a single pod.
func (s *Scheduler) scheduleOne(podID string) {
	started := s.now()

	pod, err := s.state.GetPod(podID)
	if err != nil {
		// Deleted while queued.
		s.queue.Remove(podID)
		return
	}
	if pod.Status != types.PodPending {
		s.queue.Remove(podID)
		return
	}

	pack, err := s.resolvePack(pod)
	if err != nil {
		s.logger.Warn().Err(err).Str("pod_id", podID).Msg("pack unresolved, requeueing")
		s.queue.Requeue(podID, pod.Priority)
		return
	}

	if until, gated := s.crashLoopGate(pod); gated {
		s.logger.Debug().Str("pod_id", podID).Time("until", until).
			Msg("version in crash-loop backoff, requeueing")
		s.queue.Requeue(podID, pod.Priority)
		return
	}

	if ns, err := s.state.GetNamespace(pod.Namespace); err != nil || ns.Phase != types.NamespaceActive {
		s.markUnschedulable(pod, ReasonQuotaExceeded)
		return
	}

	nodes := s.state.ListNodes()
	candidates, rejections := Feasible(pod, pack, nodes)
	if len(candidates) == 0 {
		s.markUnschedulable(pod, aggregateReason(len(nodes), rejections))
		return
	}

	for _, node := range rankNodes(pod, candidates, s.weights) {
		err := retry.Do(
			func() error { return s.state.BindPod(pod.ID, node.ID) },
			retry.Attempts(3),
			retry.Delay(100*time.Millisecond),
			retry.LastErrorOnly(true),
			retry.RetryIf(errdefs.Transient),
		)
		switch {
		case err == nil:
			metrics.SchedulingLatency.Observe(s.now().Sub(started).Seconds())
			s.queue.Remove(pod.ID)
			bound, getErr := s.state.GetPod(pod.ID)
			if getErr != nil {
				bound = pod
			}
			if s.assigner != nil {
				s.assigner.Assign(bound, node.ID)
			}
			s.logger.Info().Str("pod_id", pod.ID).Str("node_id", node.ID).
				Msg("pod bound")
			return
		case errors.Is(err, errdefs.ErrConflict):
			// Lost the race for this node; try the next candidate.
			continue
		default:
			s.logger.Error().Err(err).Str("pod_id", pod.ID).Msg("bind failed, requeueing")
			s.queue.Requeue(pod.ID, pod.Priority)
			return
		}
	}

	s.markUnschedulable(pod, ReasonInsufficientResources)
}

// resolvePack fetches the pod's pack, retrying transient backend
// failures per the background-work policy.
func (s *Scheduler) resolvePack(pod *types.Pod) (*types.Pack, error) {
	var pack *types.Pack
	err := retry.Do(
		func() error {
			var err error
			pack, err = s.state.GetPackVersion(pod.PackName, pod.PackVersion)
			return err
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(errdefs.Transient),
	)
	return pack, err
}

// crashLoopGate refuses to place a pod whose workload has its version
// in failure backoff.
func (s *Scheduler) crashLoopGate(pod *types.Pod) (time.Time, bool) {
	if pod.WorkloadID == "" {
		return time.Time{}, false
	}
	w, err := s.state.GetWorkload(pod.WorkloadID)
	if err != nil {
		return time.Time{}, false
	}
	if w.FailedVersion == pod.PackVersion && s.now().Before(w.FailureBackoffUntil) {
		return w.FailureBackoffUntil, true
	}
	return time.Time{}, false
}

func (s *Scheduler) markUnschedulable(pod *types.Pod, reason RejectionReason) {
	metrics.PodsUnschedulable.WithLabelValues(string(reason)).Inc()
	if broker := s.state.Broker(); broker != nil {
		broker.Publish(&events.Event{
			Category:     "cluster",
			Severity:     events.SeverityWarning,
			Type:         events.EventPodUnschedulable,
			ResourceType: "pod",
			ResourceID:   pod.ID,
			Message:      "no feasible node: " + string(reason),
		})
	}
	s.logger.Warn().Str("pod_id", pod.ID).Str("reason", string(reason)).
		Msg("pod unschedulable")
	s.queue.Requeue(pod.ID, pod.Priority)
}
