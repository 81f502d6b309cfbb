package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skynetops/control/pkg/types"
)

func TestRegisterGatewayDefaults(t *testing.T) {
	r := New()

	g := r.RegisterGateway(&types.Gateway{GatewayID: "gw1", Host: "http://gw1:8100"})
	assert.Equal(t, types.GatewayStatusOnline, g.Status)
	assert.False(t, g.RegisteredAt.IsZero())
	assert.False(t, g.LastHeartbeat.IsZero())
}

func TestReRegistrationKeepsRegisteredAt(t *testing.T) {
	r := New()

	first := r.RegisterGateway(&types.Gateway{GatewayID: "gw1", Host: "http://gw1:8100"})
	time.Sleep(5 * time.Millisecond)
	second := r.RegisterGateway(&types.Gateway{
		GatewayID: "gw1",
		Host:      "http://gw1:9100",
		Status:    types.GatewayStatusHealthy,
	})

	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)
	assert.Equal(t, "http://gw1:9100", second.Host)
	assert.True(t, second.LastHeartbeat.After(first.LastHeartbeat))
}

func TestSelectGatewayPreferred(t *testing.T) {
	r := New()
	r.RegisterGateway(&types.Gateway{GatewayID: "gw1", Host: "http://gw1:8100"})
	r.RegisterGateway(&types.Gateway{GatewayID: "gw2", Host: "http://gw2:8100"})

	g, err := r.SelectGateway("gw2")
	require.NoError(t, err)
	assert.Equal(t, "gw2", g.GatewayID)
}

func TestSelectGatewayFallsBackFromUnselectablePreferred(t *testing.T) {
	r := New()
	r.RegisterGateway(&types.Gateway{GatewayID: "gw1", Host: "http://gw1:8100"})
	r.RegisterGateway(&types.Gateway{GatewayID: "gw2", Host: "http://gw2:8100"})
	r.SetGatewayStatus("gw2", types.GatewayStatusDegraded)

	g, err := r.SelectGateway("gw2")
	require.NoError(t, err)
	assert.Equal(t, "gw1", g.GatewayID)
}

func TestSelectGatewayMostRecentHeartbeat(t *testing.T) {
	r := New()
	r.RegisterGateway(&types.Gateway{GatewayID: "gw1", Host: "http://gw1:8100"})
	time.Sleep(5 * time.Millisecond)
	r.RegisterGateway(&types.Gateway{GatewayID: "gw2", Host: "http://gw2:8100"})

	g, err := r.SelectGateway("")
	require.NoError(t, err)
	assert.Equal(t, "gw2", g.GatewayID)

	require.True(t, r.HeartbeatGateway("gw1", ""))
	g, err = r.SelectGateway("")
	require.NoError(t, err)
	assert.Equal(t, "gw1", g.GatewayID)
}

func TestSelectGatewayNoneSelectable(t *testing.T) {
	r := New()

	_, err := r.SelectGateway("")
	assert.ErrorIs(t, err, ErrNoGateway)

	r.RegisterGateway(&types.Gateway{GatewayID: "gw1", Host: "http://gw1:8100"})
	r.SetGatewayStatus("gw1", types.GatewayStatusOffline)

	_, err = r.SelectGateway("gw1")
	assert.ErrorIs(t, err, ErrNoGateway)
}

func TestHeartbeatUnknownGateway(t *testing.T) {
	r := New()
	assert.False(t, r.HeartbeatGateway("ghost", types.GatewayStatusOnline))
	assert.False(t, r.SetGatewayStatus("ghost", types.GatewayStatusOffline))
}

func TestGatewayCopiesAreIsolated(t *testing.T) {
	r := New()
	r.RegisterGateway(&types.Gateway{
		GatewayID:    "gw1",
		Host:         "http://gw1:8100",
		Capabilities: []string{"shell"},
	})

	g, ok := r.GetGateway("gw1")
	require.True(t, ok)
	g.Status = types.GatewayStatusOffline
	g.Capabilities[0] = "mutated"

	fresh, ok := r.GetGateway("gw1")
	require.True(t, ok)
	assert.Equal(t, types.GatewayStatusOnline, fresh.Status)
	assert.Equal(t, []string{"shell"}, fresh.Capabilities)
}

func TestRegisterWorker(t *testing.T) {
	r := New()

	w := r.RegisterWorker(&types.Worker{WorkerID: "agent-1", GatewayID: "gw1"})
	assert.Equal(t, "online", w.Status)
	assert.False(t, w.RegisteredAt.IsZero())

	got, ok := r.GetWorker("agent-1")
	require.True(t, ok)
	assert.Equal(t, "gw1", got.GatewayID)

	_, ok = r.GetWorker("ghost")
	assert.False(t, ok)

	assert.Len(t, r.ListWorkers(), 1)
	assert.Len(t, r.ListGateways(), 0)
}
