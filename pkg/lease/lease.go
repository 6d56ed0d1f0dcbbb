package lease

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/packdock/stevedore/pkg/log"
	"github.com/packdock/stevedore/pkg/store"
	"github.com/packdock/stevedore/pkg/types"
)

const (
	// DefaultInterval is the pass cadence.
	DefaultInterval = 30 * time.Second

	// DefaultHeartbeatTimeout moves a silent online node to suspect.
	DefaultHeartbeatTimeout = 60 * time.Second

	// DefaultLeaseTimeout moves a suspect node to offline and revokes
	// its pods, measured from suspectSince.
	DefaultLeaseTimeout = 120 * time.Second
)

// Config tunes the lease engine. Zero fields take the defaults.
type Config struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
	LeaseTimeout     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
}

// Engine walks the node table on a timer and enforces the health lease:
// online nodes with stale heartbeats become suspect, suspects past the
// lease window go offline and lose their pods.
type Engine struct {
	state  store.API
	config Config
	logger zerolog.Logger

	// onRevoked is called with the pods revoked in one pass so the
	// scheduler can be poked for replacements.
	onRevoked func(podIDs []string)

	inPass   atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// New builds a lease engine over the cluster state.
func New(state store.API, config Config, onRevoked func(podIDs []string)) *Engine {
	config.applyDefaults()
	return &Engine{
		state:     state,
		config:    config,
		logger:    log.WithComponent("lease"),
		onRevoked: onRevoked,
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches the periodic pass loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
	e.logger.Info().Dur("interval", e.config.Interval).Msg("lease engine started")
}

// Stop halts the loop and waits for an in-flight pass.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *Engine) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Pass()
		case <-e.stopCh:
			return
		}
	}
}

// Pass runs one two-phase sweep. Single-writer: if a pass is already
// active the new one is skipped with a log line.
func (e *Engine) Pass() {
	if !e.inPass.CompareAndSwap(false, true) {
		e.logger.Warn().Msg("previous pass still running, skipping")
		return
	}
	defer e.inPass.Store(false)

	now := e.now()
	var revoked []string

	for _, node := range e.state.ListNodes() {
		switch node.Status {
		case types.NodeOnline:
			if now.Sub(node.LastHeartbeat) > e.config.HeartbeatTimeout {
				if err := e.state.MarkNodeSuspect(node.ID, now); err != nil {
					e.logger.Error().Err(err).Str("node_id", node.ID).
						Msg("suspect transition failed")
					continue
				}
				e.logger.Warn().Str("node_id", node.ID).
					Time("last_heartbeat", node.LastHeartbeat).
					Msg("node suspect, heartbeat overdue")
			}
		case types.NodeSuspect:
			if now.Sub(node.SuspectSince) >= e.config.LeaseTimeout {
				podIDs, err := e.state.ExpireNodeLease(node.ID)
				if err != nil {
					e.logger.Error().Err(err).Str("node_id", node.ID).
						Msg("lease expiry failed")
					continue
				}
				revoked = append(revoked, podIDs...)
				e.logger.Error().Str("node_id", node.ID).
					Int("pods_revoked", len(podIDs)).
					Msg("node lease expired")
			}
		}
	}

	if len(revoked) > 0 && e.onRevoked != nil {
		e.onRevoked(revoked)
	}
}
