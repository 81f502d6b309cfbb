package manager

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/skynetops/control/pkg/config"
	"github.com/skynetops/control/pkg/events"
	"github.com/skynetops/control/pkg/gateway"
	"github.com/skynetops/control/pkg/log"
	"github.com/skynetops/control/pkg/metrics"
	"github.com/skynetops/control/pkg/queue"
	"github.com/skynetops/control/pkg/reaper"
	"github.com/skynetops/control/pkg/registry"
	"github.com/skynetops/control/pkg/scheduler"
	"github.com/skynetops/control/pkg/storage"
	"github.com/skynetops/control/pkg/types"
)

// Manager owns the lifecycle of the control-plane singletons: the store,
// the queue, the registry, the event broker, and the scheduler and reaper
// loops. Start brings everything up in dependency order; Stop tears it down
// in reverse and waits for the in-flight steps.
type Manager struct {
	cfg      *config.Config
	store    *storage.Store
	broker   *events.Broker
	queue    *queue.Queue
	registry *registry.Registry
	client   *gateway.Client
	sched    *scheduler.Scheduler
	reap     *reaper.Reaper
	coll     *MetricsCollector
	logger   zerolog.Logger
}

// New opens the store and wires the components. Nothing runs until Start.
func New(cfg *config.Config) (*Manager, error) {
	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	broker := events.NewBroker()
	q := queue.New(store, broker)
	reg := registry.New()
	client := gateway.NewClient()

	m := &Manager{
		cfg:      cfg,
		store:    store,
		broker:   broker,
		queue:    q,
		registry: reg,
		client:   client,
		sched:    scheduler.New(q, reg, client, cfg.SchedulerPoll),
		reap:     reaper.New(q, reg, client, cfg.ReaperPoll, cfg.LockTTL),
		logger:   log.WithComponent("manager"),
	}
	m.coll = NewMetricsCollector(m)

	metrics.RegisterComponent("store", true, "")
	return m, nil
}

// Queue exposes the task queue to the API layer
func (m *Manager) Queue() *queue.Queue { return m.queue }

// Registry exposes the gateway/worker registry to the API layer
func (m *Manager) Registry() *registry.Registry { return m.registry }

// GatewayClient exposes the gateway HTTP client to the API layer
func (m *Manager) GatewayClient() *gateway.Client { return m.client }

// Broker exposes the in-process event broker
func (m *Manager) Broker() *events.Broker { return m.broker }

// Start registers the seed gateways and spawns the background loops
func (m *Manager) Start() {
	m.broker.Start()
	m.seedGateways()

	m.sched.Start()
	metrics.RegisterComponent("scheduler", true, "")

	m.reap.Start()
	metrics.RegisterComponent("reaper", true, "")

	m.coll.Start()
	m.logger.Info().Msg("Control plane started")
}

// Stop signals the loops, waits for their in-flight steps, and closes the
// store
func (m *Manager) Stop() {
	m.sched.Stop()
	metrics.UpdateComponent("scheduler", false, "stopped")

	m.reap.Stop()
	metrics.UpdateComponent("reaper", false, "stopped")

	m.coll.Stop()
	m.broker.Stop()

	if err := m.store.Close(); err != nil {
		m.logger.Error().Err(err).Msg("Could not close store")
	}
	metrics.UpdateComponent("store", false, "closed")
	m.logger.Info().Msg("Control plane stopped")
}

// seedGateways registers every gateway named in the configuration and
// probes each one so the fleet starts with honest statuses
func (m *Manager) seedGateways() {
	for i, host := range m.cfg.GatewayURLs {
		id := fmt.Sprintf("gateway-%d", i+1)
		m.registerSeed(id, host, nil)
	}
}

// RegisterSeeds registers gateways loaded from a YAML seed file
func (m *Manager) RegisterSeeds(seeds []config.GatewaySeed) {
	for i, seed := range seeds {
		id := seed.GatewayID
		if id == "" {
			id = fmt.Sprintf("gateway-seed-%d", i+1)
		}
		m.registerSeed(id, seed.Host, seed.Capabilities)
	}
}

func (m *Manager) registerSeed(id, host string, capabilities []string) {
	m.registry.RegisterGateway(&types.Gateway{
		GatewayID:    id,
		Host:         host,
		Capabilities: capabilities,
		Status:       types.GatewayStatusOnline,
	})

	status, err := m.client.Status(context.Background(), host)
	switch {
	case err != nil:
		m.registry.SetGatewayStatus(id, types.GatewayStatusOffline)
		m.logger.Warn().Err(err).Str("gateway_id", id).Str("host", host).Msg("Seed gateway unreachable")
	case !status.AgentConnected:
		m.registry.SetGatewayStatus(id, types.GatewayStatusDegraded)
		m.logger.Warn().Str("gateway_id", id).Str("host", host).Msg("Seed gateway has no connected agent")
	default:
		m.logger.Info().Str("gateway_id", id).Str("host", host).Msg("Seed gateway registered")
	}
}
