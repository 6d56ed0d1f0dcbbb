package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/log"
	"github.com/packdock/stevedore/pkg/session"
)

// DefaultStopGrace is how long a bundle gets between SIGTERM and
// SIGKILL.
const DefaultStopGrace = 10 * time.Second

// ExecRuntime runs pack bundles as host processes on server-class
// nodes. A bundle ref resolves to an executable under BaseDir; refs
// that escape BaseDir are rejected.
type ExecRuntime struct {
	baseDir   string
	stopGrace time.Duration
	logger    zerolog.Logger

	// OnExit, when set, is called for bundles that exit without a Stop.
	// The agent uses it to report crashed placements.
	OnExit func(podID string, err error)

	mu    sync.Mutex
	procs map[string]*bundleProc
}

type bundleProc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// NewExecRuntime creates a process runtime rooted at baseDir.
func NewExecRuntime(baseDir string) *ExecRuntime {
	return &ExecRuntime{
		baseDir:   baseDir,
		stopGrace: DefaultStopGrace,
		logger:    log.WithComponent("exec-runtime"),
		procs:     make(map[string]*bundleProc),
	}
}

// resolve maps a bundle ref like "web/1.0.0" onto an executable path
// inside the base directory.
func (r *ExecRuntime) resolve(bundleRef string) (string, error) {
	cleaned := filepath.Clean(bundleRef)
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", errdefs.Validation("bundle ref %q escapes the bundle directory", bundleRef)
	}
	path := filepath.Join(r.baseDir, cleaned)
	info, err := os.Stat(path)
	if err != nil {
		return "", errdefs.NotFound("bundle", bundleRef)
	}
	if info.IsDir() {
		path = filepath.Join(path, "run")
		if _, err := os.Stat(path); err != nil {
			return "", errdefs.Validation("bundle %s has no run entrypoint", bundleRef)
		}
	}
	return path, nil
}

func (r *ExecRuntime) Start(_ context.Context, assignment session.PodAssignment) error {
	r.mu.Lock()
	if _, exists := r.procs[assignment.PodID]; exists {
		r.mu.Unlock()
		return errdefs.Conflict("pod %s already running", assignment.PodID)
	}
	r.mu.Unlock()

	path, err := r.resolve(assignment.BundleRef)
	if err != nil {
		return err
	}

	// Detached from the caller's context on purpose: the bundle outlives
	// the assign handler that launched it.
	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(),
		"STEVEDORE_POD_ID="+assignment.PodID,
		"STEVEDORE_NAMESPACE="+assignment.Namespace,
		"STEVEDORE_PACK="+assignment.PackName,
		"STEVEDORE_PACK_VERSION="+assignment.PackVersion,
		fmt.Sprintf("STEVEDORE_INCARNATION=%d", assignment.Incarnation),
	)
	if assignment.RuntimeToken != "" {
		cmd.Env = append(cmd.Env, "STEVEDORE_RUNTIME_TOKEN="+assignment.RuntimeToken)
	}
	for k, v := range assignment.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start bundle %s: %w", assignment.BundleRef, err)
	}

	proc := &bundleProc{cmd: cmd, done: make(chan struct{})}
	r.mu.Lock()
	r.procs[assignment.PodID] = proc
	r.mu.Unlock()
	r.logger.Info().Str("pod_id", assignment.PodID).Str("bundle", assignment.BundleRef).
		Int("pid", cmd.Process.Pid).Msg("bundle started")

	go r.reap(assignment.PodID, proc)
	return nil
}

// reap waits on the process so exited bundles do not linger as zombies.
func (r *ExecRuntime) reap(podID string, proc *bundleProc) {
	err := proc.cmd.Wait()
	close(proc.done)
	r.mu.Lock()
	// A Stop in flight has already removed the entry; only an
	// unsolicited exit still owns it.
	crashed := r.procs[podID] == proc
	if crashed {
		delete(r.procs, podID)
	}
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn().Err(err).Str("pod_id", podID).Msg("bundle exited")
	} else {
		r.logger.Debug().Str("pod_id", podID).Msg("bundle exited cleanly")
	}
	if crashed && r.OnExit != nil {
		r.OnExit(podID, err)
	}
}

func (r *ExecRuntime) Stop(ctx context.Context, podID string) error {
	r.mu.Lock()
	proc, ok := r.procs[podID]
	if ok {
		delete(r.procs, podID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	// Signal the whole process group so bundle children die with it.
	pgid := -proc.cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		return nil
	}

	select {
	case <-proc.done:
	case <-time.After(r.stopGrace):
		r.logger.Warn().Str("pod_id", podID).Msg("stop grace expired, killing bundle")
		syscall.Kill(pgid, syscall.SIGKILL)
		<-proc.done
	case <-ctx.Done():
		syscall.Kill(pgid, syscall.SIGKILL)
	}
	return nil
}

// Running lists pods with a live process.
func (r *ExecRuntime) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.procs))
	for id := range r.procs {
		out = append(out, id)
	}
	return out
}
