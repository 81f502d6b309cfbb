package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/skynetops/control/pkg/types"
)

// ErrNoGateway means no gateway is currently selectable
var ErrNoGateway = errors.New("no healthy gateway available")

// Registry is the in-memory directory of gateways and workers. It is a
// process-wide singleton owned by the manager; the scheduler uses it to pick
// dispatch targets and the reaper to judge liveness. A single mutex guards
// both maps and every read copies the record out.
type Registry struct {
	mu       sync.Mutex
	gateways map[string]*types.Gateway
	workers  map[string]*types.Worker
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		gateways: make(map[string]*types.Gateway),
		workers:  make(map[string]*types.Worker),
	}
}

// RegisterGateway registers or refreshes a gateway. Re-registration updates
// in place without losing the original registration time.
func (r *Registry) RegisterGateway(g *types.Gateway) *types.Gateway {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	rec := copyGateway(g)
	rec.LastHeartbeat = now
	if rec.Status == "" {
		rec.Status = types.GatewayStatusOnline
	}

	if prev, ok := r.gateways[rec.GatewayID]; ok {
		rec.RegisteredAt = prev.RegisteredAt
	} else {
		rec.RegisteredAt = now
	}

	r.gateways[rec.GatewayID] = rec
	return copyGateway(rec)
}

// HeartbeatGateway refreshes a gateway's heartbeat timestamp and optionally
// its status. Returns false when the gateway is unknown.
func (r *Registry) HeartbeatGateway(gatewayID string, status types.GatewayStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.gateways[gatewayID]
	if !ok {
		return false
	}
	g.LastHeartbeat = time.Now().UTC()
	if status != "" {
		g.Status = status
	}
	return true
}

// SetGatewayStatus updates a gateway's status without touching its heartbeat
func (r *Registry) SetGatewayStatus(gatewayID string, status types.GatewayStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.gateways[gatewayID]
	if !ok {
		return false
	}
	g.Status = status
	return true
}

// GetGateway returns a copy of the gateway record
func (r *Registry) GetGateway(gatewayID string) (*types.Gateway, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.gateways[gatewayID]
	if !ok {
		return nil, false
	}
	return copyGateway(g), true
}

// ListGateways returns copies of all gateway records
func (r *Registry) ListGateways() []*types.Gateway {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.Gateway, 0, len(r.gateways))
	for _, g := range r.gateways {
		out = append(out, copyGateway(g))
	}
	return out
}

// SelectGateway picks a dispatch target. A selectable preferred gateway wins;
// otherwise the most recently heartbeated selectable gateway is returned.
// O(N) over the map; the fleet is tens of gateways.
func (r *Registry) SelectGateway(preferredID string) (*types.Gateway, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if preferredID != "" {
		if g, ok := r.gateways[preferredID]; ok && g.Status.Selectable() {
			return copyGateway(g), nil
		}
	}

	var best *types.Gateway
	for _, g := range r.gateways {
		if !g.Status.Selectable() {
			continue
		}
		if best == nil || g.LastHeartbeat.After(best.LastHeartbeat) {
			best = g
		}
	}
	if best == nil {
		return nil, ErrNoGateway
	}
	return copyGateway(best), nil
}

// RegisterWorker registers or refreshes a worker
func (r *Registry) RegisterWorker(w *types.Worker) *types.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	rec := copyWorker(w)
	rec.LastHeartbeat = now
	if rec.Status == "" {
		rec.Status = "online"
	}

	if prev, ok := r.workers[rec.WorkerID]; ok {
		rec.RegisteredAt = prev.RegisteredAt
	} else {
		rec.RegisteredAt = now
	}

	r.workers[rec.WorkerID] = rec
	return copyWorker(rec)
}

// GetWorker returns a copy of the worker record
func (r *Registry) GetWorker(workerID string) (*types.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return nil, false
	}
	return copyWorker(w), true
}

// ListWorkers returns copies of all worker records
func (r *Registry) ListWorkers() []*types.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, copyWorker(w))
	}
	return out
}

func copyGateway(g *types.Gateway) *types.Gateway {
	c := *g
	c.Capabilities = append([]string(nil), g.Capabilities...)
	if g.Metadata != nil {
		c.Metadata = make(types.JSONMap, len(g.Metadata))
		for k, v := range g.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func copyWorker(w *types.Worker) *types.Worker {
	c := *w
	c.Capabilities = append([]string(nil), w.Capabilities...)
	if w.Capacity != nil {
		c.Capacity = make(types.JSONMap, len(w.Capacity))
		for k, v := range w.Capacity {
			c.Capacity[k] = v
		}
	}
	if w.Metadata != nil {
		c.Metadata = make(types.JSONMap, len(w.Metadata))
		for k, v := range w.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
