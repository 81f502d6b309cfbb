package manager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skynetops/control/pkg/config"
	"github.com/skynetops/control/pkg/log"
	"github.com/skynetops/control/pkg/metrics"
	"github.com/skynetops/control/pkg/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		DBPath:        storage.MemoryPath,
		SchedulerPoll: 50 * time.Millisecond,
		ReaperPoll:    50 * time.Millisecond,
		LockTTL:       time.Hour,
	}
}

func TestLifecycle(t *testing.T) {
	log.Init(log.Config{Level: log.ErrorLevel})

	mgr, err := New(testConfig())
	require.NoError(t, err)

	mgr.Start()
	assert.Equal(t, "ready", metrics.GetReadiness().Status)

	// The loops survive a few poll cycles on an empty queue
	time.Sleep(150 * time.Millisecond)

	mgr.Stop()
	assert.Equal(t, "not_ready", metrics.GetReadiness().Status)
}

func TestSeedsFromConfig(t *testing.T) {
	log.Init(log.Config{Level: log.ErrorLevel})

	cfg := testConfig()
	// Unreachable hosts still register; they just start offline
	cfg.GatewayURLs = []string{"http://127.0.0.1:1", "http://127.0.0.1:2"}

	mgr, err := New(cfg)
	require.NoError(t, err)
	mgr.Start()
	defer mgr.Stop()

	gateways := mgr.Registry().ListGateways()
	assert.Len(t, gateways, 2)
	for _, gw := range gateways {
		assert.Equal(t, "offline", string(gw.Status))
	}
}

func TestRegisterSeedsFromFile(t *testing.T) {
	log.Init(log.Config{Level: log.ErrorLevel})

	mgr, err := New(testConfig())
	require.NoError(t, err)
	defer func() {
		mgr.Start()
		mgr.Stop()
	}()

	mgr.RegisterSeeds([]config.GatewaySeed{
		{GatewayID: "gw-east", Host: "http://127.0.0.1:1", Capabilities: []string{"shell"}},
		{Host: "http://127.0.0.1:2"},
	})

	gw, ok := mgr.Registry().GetGateway("gw-east")
	require.True(t, ok)
	assert.Equal(t, []string{"shell"}, gw.Capabilities)

	// Seeds without an id get a generated one
	_, ok = mgr.Registry().GetGateway("gateway-seed-2")
	assert.True(t, ok)
}
