package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/skynetops/control/pkg/gateway"
	"github.com/skynetops/control/pkg/log"
	"github.com/skynetops/control/pkg/metrics"
	"github.com/skynetops/control/pkg/queue"
	"github.com/skynetops/control/pkg/registry"
	"github.com/skynetops/control/pkg/types"
)

// WorkerID identifies the control-plane scheduler in task locks and events.
// The reaper treats workers with this prefix as always healthy.
const WorkerID = types.ControlWorkerPrefix + "scheduler"

// DefaultPollInterval is the sleep between empty claim attempts
const DefaultPollInterval = 1500 * time.Millisecond

// Scheduler drives ready tasks toward completion: claim, route, dispatch,
// finalize. One loop per process is the expected deployment; running more is
// safe because the claim primitive is exclusive.
type Scheduler struct {
	queue    *queue.Queue
	registry *registry.Registry
	client   *gateway.Client
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a scheduler. interval <= 0 selects the default poll interval.
func New(q *queue.Queue, reg *registry.Registry, client *gateway.Client, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Scheduler{
		queue:    q,
		registry: reg,
		client:   client,
		interval: interval,
		logger:   log.WithComponent("scheduler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	go s.run()
}

// Stop signals the loop and waits for the in-flight step to finish
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		dispatched := s.step()
		if dispatched {
			continue
		}

		select {
		case <-time.After(s.interval):
		case <-s.stopCh:
			return
		}
	}
}

// step performs one claim-dispatch cycle. Returns true when a task was
// processed, so the loop immediately tries for the next one.
func (s *Scheduler) step() bool {
	task, err := s.queue.Claim(WorkerID)
	if err != nil {
		if !errors.Is(err, queue.ErrNoTask) {
			s.logger.Error().Err(err).Msg("Claim failed")
		}
		return false
	}

	metrics.ClaimsTotal.Inc()
	logger := s.logger.With().Str("task_id", task.ID).Str("action", task.Action).Logger()

	gw, err := s.registry.SelectGateway(task.GatewayID)
	if err != nil {
		logger.Warn().Str("preferred", task.GatewayID).Msg("No healthy gateway, releasing claim")
		s.release(task, "no healthy gateway available")
		metrics.DispatchesTotal.WithLabelValues("no_gateway").Inc()
		return false
	}

	if err := s.queue.Start(task.ID, WorkerID, task.ClaimToken); err != nil {
		// Lost the task to a racing mutation; nothing to undo
		logger.Warn().Err(err).Msg("Could not start claimed task")
		return true
	}

	start := time.Now()
	resp, err := s.client.Action(context.Background(), gw.Host, &gateway.ActionRequest{
		Action:         task.Action,
		Params:         task.Params,
		Confirmed:      true,
		TaskID:         task.ID,
		IdempotencyKey: task.ClaimToken,
	})
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		logger.Error().Err(err).Str("gateway_id", gw.GatewayID).Msg("Gateway dispatch failed")
		s.release(task, err.Error())
		s.registry.SetGatewayStatus(gw.GatewayID, types.GatewayStatusDegraded)
		metrics.DispatchesTotal.WithLabelValues("transport_error").Inc()
		return true
	}

	if resp.Succeeded() {
		if err := s.queue.Complete(task.ID, WorkerID, task.ClaimToken, true, resp.Raw, ""); err != nil {
			logger.Error().Err(err).Msg("Could not record task success")
		}
		s.registry.SetGatewayStatus(gw.GatewayID, types.GatewayStatusOnline)
		metrics.DispatchesTotal.WithLabelValues("success").Inc()
		logger.Info().Str("gateway_id", gw.GatewayID).Msg("Task succeeded")
		return true
	}

	reason := resp.ErrorString()
	if err := s.queue.Complete(task.ID, WorkerID, task.ClaimToken, false, resp.Raw, reason); err != nil {
		logger.Error().Err(err).Msg("Could not record task failure")
	}
	s.registry.SetGatewayStatus(gw.GatewayID, types.GatewayStatusDegraded)
	metrics.DispatchesTotal.WithLabelValues("failure").Inc()
	logger.Warn().Str("gateway_id", gw.GatewayID).Str("reason", reason).Msg("Task failed")
	return true
}

func (s *Scheduler) release(task *types.Task, reason string) {
	if err := s.queue.Release(task.ID, WorkerID, task.ClaimToken, reason, true); err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("Could not release claim")
	}
}
