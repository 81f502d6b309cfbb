package reaper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/skynetops/control/pkg/gateway"
	"github.com/skynetops/control/pkg/log"
	"github.com/skynetops/control/pkg/metrics"
	"github.com/skynetops/control/pkg/queue"
	"github.com/skynetops/control/pkg/registry"
	"github.com/skynetops/control/pkg/types"
)

// Defaults for the reaper's timing knobs
const (
	DefaultPollInterval = 15 * time.Second
	DefaultLockTTL      = 300 * time.Second
)

// Reaper reclaims tasks whose lock has aged past the TTL. Locks held by a
// healthy worker with a healthy gateway go back to the ready pool; anything
// else is failed by timeout. Every action is guarded by the task's current
// claim token, so a worker that recovered and finished wins the race and the
// reaper's update is a no-op.
type Reaper struct {
	queue    *queue.Queue
	registry *registry.Registry
	client   *gateway.Client
	interval time.Duration
	lockTTL  time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a reaper. Non-positive interval or ttl select the defaults.
func New(q *queue.Queue, reg *registry.Registry, client *gateway.Client, interval, lockTTL time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &Reaper{
		queue:    q,
		registry: reg,
		client:   client,
		interval: interval,
		lockTTL:  lockTTL,
		logger:   log.WithComponent("reaper"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the reap loop
func (r *Reaper) Start() {
	go r.run()
}

// Stop signals the loop and waits for the in-flight sweep to finish
func (r *Reaper) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reaper) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Sweep(); err != nil {
				r.logger.Error().Err(err).Msg("Reaper sweep failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Sweep performs one pass over all stale locks. Exported so tests and
// operators can trigger a pass without waiting for the ticker.
func (r *Reaper) Sweep() error {
	stale, err := r.queue.StaleTasks(r.lockTTL)
	if err != nil {
		return fmt.Errorf("scanning stale locks: %w", err)
	}

	for _, task := range stale {
		r.reap(task)
	}
	return nil
}

func (r *Reaper) reap(task *types.Task) {
	logger := r.logger.With().Str("task_id", task.ID).Str("worker_id", task.LockedBy).Logger()
	age := time.Duration(0)
	if task.LockedAt != nil {
		age = time.Since(*task.LockedAt)
	}

	workerOK := r.workerHealthy(task.LockedBy)
	gatewayOK := r.gatewayHealthy(task.GatewayID)

	if workerOK && gatewayOK {
		reason := fmt.Sprintf("stale lock detected: held by %s for %s, worker and gateway healthy", task.LockedBy, age.Round(time.Second))
		err := r.queue.Release(task.ID, task.LockedBy, task.ClaimToken, reason, true)
		switch {
		case errors.Is(err, queue.ErrNotApplied):
			// The owner finished or moved the task in the meantime
			logger.Debug().Msg("Stale lock resolved itself")
		case err != nil:
			logger.Error().Err(err).Msg("Could not release stale lock")
		default:
			metrics.ReaperActionsTotal.WithLabelValues("released").Inc()
			logger.Info().Dur("age", age).Msg("Released stale lock back to ready pool")
		}
		return
	}

	reason := fmt.Sprintf("lock timed out after %s: worker healthy=%t, gateway healthy=%t", age.Round(time.Second), workerOK, gatewayOK)
	err := r.queue.FailTimeout(task.ID, task.LockedBy, task.ClaimToken, reason)
	switch {
	case errors.Is(err, queue.ErrNotApplied):
		logger.Debug().Msg("Stale lock resolved itself")
	case err != nil:
		logger.Error().Err(err).Msg("Could not fail stale task")
	default:
		metrics.ReaperActionsTotal.WithLabelValues("failed_timeout").Inc()
		logger.Warn().Dur("age", age).Bool("worker_healthy", workerOK).Bool("gateway_healthy", gatewayOK).Msg("Failed stale task by timeout")
	}
}

// workerHealthy judges the lock owner. Control-plane loops are always
// healthy; everything else must be registered with a live status.
func (r *Reaper) workerHealthy(workerID string) bool {
	if strings.HasPrefix(workerID, types.ControlWorkerPrefix) {
		return true
	}
	w, ok := r.registry.GetWorker(workerID)
	if !ok {
		return false
	}
	return types.WorkerHealthy(w.Status)
}

// gatewayHealthy requires a selectable gateway whose live /status probe
// reports a connected agent
func (r *Reaper) gatewayHealthy(preferredID string) bool {
	gw, err := r.registry.SelectGateway(preferredID)
	if err != nil {
		return false
	}

	status, err := r.client.Status(context.Background(), gw.Host)
	if err != nil {
		r.logger.Debug().Err(err).Str("gateway_id", gw.GatewayID).Msg("Gateway probe failed")
		return false
	}
	return status.AgentConnected
}
