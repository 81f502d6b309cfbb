package manager

import (
	"time"

	"github.com/skynetops/control/pkg/events"
	"github.com/skynetops/control/pkg/metrics"
	"github.com/skynetops/control/pkg/types"
)

// collectInterval is how often the gauges are refreshed from the store
const collectInterval = 15 * time.Second

// MetricsCollector keeps the Prometheus gauges in sync with the store and
// counts transitions as they stream off the event broker
type MetricsCollector struct {
	manager *Manager
	sub     events.Subscriber
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMetricsCollector creates a collector bound to the manager's broker
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	return &MetricsCollector{
		manager: mgr,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins collecting
func (c *MetricsCollector) Start() {
	c.sub = c.manager.broker.Subscribe()

	go func() {
		defer close(c.doneCh)

		ticker := time.NewTicker(collectInterval)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case ev, ok := <-c.sub:
				if !ok {
					return
				}
				c.observe(ev)
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
	<-c.doneCh
	c.manager.broker.Unsubscribe(c.sub)
}

// observe counts a single committed transition
func (c *MetricsCollector) observe(ev *types.TaskEvent) {
	switch ev.EventType {
	case types.EventClaimConflict:
		metrics.ClaimConflictsTotal.Inc()
	}
}

// collect refreshes the gauges from the store and the registry
func (c *MetricsCollector) collect() {
	if counts, err := c.manager.queue.CountByStatus(); err == nil {
		for _, status := range []types.TaskStatus{
			types.TaskStatusQueued, types.TaskStatusClaimed, types.TaskStatusRunning,
			types.TaskStatusSucceeded, types.TaskStatusFailed, types.TaskStatusReleased,
			types.TaskStatusFailedTimeout,
		} {
			metrics.TasksTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
		}
	}

	if ownership, err := c.manager.queue.Ownership(); err == nil {
		metrics.FileOwnershipRows.Set(float64(len(ownership)))
	}

	gatewayCounts := make(map[types.GatewayStatus]int)
	for _, gw := range c.manager.registry.ListGateways() {
		gatewayCounts[gw.Status]++
	}
	for _, status := range []types.GatewayStatus{
		types.GatewayStatusOnline, types.GatewayStatusHealthy,
		types.GatewayStatusDegraded, types.GatewayStatusOffline,
	} {
		metrics.GatewaysTotal.WithLabelValues(string(status)).Set(float64(gatewayCounts[status]))
	}

	metrics.WorkersTotal.Set(float64(len(c.manager.registry.ListWorkers())))
}
