package agent

import (
	"context"
	"sync"

	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/session"
)

// PackRuntime executes pod assignments on the node. Implementations
// wrap whatever the host can run: a process supervisor on server-class
// nodes, a sandboxed worker in browser-class ones.
type PackRuntime interface {
	// Start launches the bundle for one placement. It returns once the
	// pod is running; the agent reports starting before and running
	// after.
	Start(ctx context.Context, assignment session.PodAssignment) error

	// Stop tears one placement down. Stopping an unknown pod is a no-op.
	Stop(ctx context.Context, podID string) error
}

// MemoryRuntime tracks assignments without executing anything. It backs
// tests and dry-run agents.
type MemoryRuntime struct {
	mu      sync.Mutex
	running map[string]session.PodAssignment

	// StartErr, when set, makes every Start fail. Tests use it to drive
	// the failure path.
	StartErr error
}

// NewMemoryRuntime creates an empty runtime.
func NewMemoryRuntime() *MemoryRuntime {
	return &MemoryRuntime{running: make(map[string]session.PodAssignment)}
}

func (r *MemoryRuntime) Start(_ context.Context, assignment session.PodAssignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StartErr != nil {
		return r.StartErr
	}
	if _, exists := r.running[assignment.PodID]; exists {
		return errdefs.Conflict("pod %s already running", assignment.PodID)
	}
	r.running[assignment.PodID] = assignment
	return nil
}

func (r *MemoryRuntime) Stop(_ context.Context, podID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, podID)
	return nil
}

// Running lists the pod ids currently held by the runtime.
func (r *MemoryRuntime) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.running))
	for id := range r.running {
		out = append(out, id)
	}
	return out
}
