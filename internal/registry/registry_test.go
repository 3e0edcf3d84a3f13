package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/taskgate/internal/state"
	"github.com/example/taskgate/pkg/gateapi"
)

type stubSupervisor struct {
	mu          sync.Mutex
	initialized []string
	shutdown    []string
	initErr     error
}

func (s *stubSupervisor) Initialize(_ context.Context, cfg gateapi.ServerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initErr != nil {
		return s.initErr
	}
	s.initialized = append(s.initialized, cfg.ID)
	return nil
}

func (s *stubSupervisor) Shutdown(_ context.Context, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = append(s.shutdown, serverID)
	return nil
}

type stubRebalancer struct{}

func (stubRebalancer) Rebalance(context.Context) error { return nil }

func newTestRegistry(t *testing.T, clk clock.Clock, sup *stubSupervisor) *Registry {
	t.Helper()
	// A long cleanup cadence keeps the timer out of the way; cleanup is
	// driven explicitly where a test needs it.
	r := New(clk, state.NewMemoryStore().Namespace("registry", "global"), Options{
		StaleThreshold:  5 * time.Minute,
		CleanupInterval: time.Hour,
	})
	r.Wire(sup, stubRebalancer{})
	return r
}

func serverConfig(id string, groups ...string) gateapi.ServerConfig {
	return gateapi.ServerConfig{
		ID: id,
		Endpoints: gateapi.ServerEndpoints{
			Predict: "http://backend/predict",
			Health:  "http://backend/health",
		},
		MaxConcurrent: 2,
		Groups:        groups,
	}
}

func TestRegisterThenUnregisterRoundTrip(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	sup := &stubSupervisor{}
	r := newTestRegistry(t, clk, sup)

	id, err := r.RegisterServer(ctx, serverConfig("s1"))
	require.NoError(t, err)
	require.Equal(t, "s1", id)

	ids := serverIDs(r.GetAvailableServers(ctx, Filter{}))
	assert.Contains(t, ids, "s1")

	require.NoError(t, r.UnregisterServer(ctx, "s1"))
	ids = serverIDs(r.GetAvailableServers(ctx, Filter{}))
	assert.NotContains(t, ids, "s1")
	assert.Equal(t, []string{"s1"}, sup.shutdown)
}

func TestRegisterGeneratesID(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, clock.NewMock(), &stubSupervisor{})

	id, err := r.RegisterServer(ctx, serverConfig(""))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestRegisterPropagatesInitializeError(t *testing.T) {
	ctx := context.Background()
	sup := &stubSupervisor{initErr: errors.New("boom")}
	r := newTestRegistry(t, clock.NewMock(), sup)

	_, err := r.RegisterServer(ctx, serverConfig("s1"))
	require.Error(t, err)
	assert.Empty(t, r.GetAvailableServers(ctx, Filter{}))
}

func TestUnregisterUnknownIsNoOp(t *testing.T) {
	r := newTestRegistry(t, clock.NewMock(), &stubSupervisor{})
	assert.NoError(t, r.UnregisterServer(context.Background(), "ghost"))
}

func TestHeartbeatUnknownServerFails(t *testing.T) {
	r := newTestRegistry(t, clock.NewMock(), &stubSupervisor{})
	err := r.UpdateHeartbeat("ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, gateapi.ErrNotRegistered)
}

func TestStaleServerReclassifiedOffline(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	r := newTestRegistry(t, clk, &stubSupervisor{})

	_, err := r.RegisterServer(ctx, serverConfig("s1"))
	require.NoError(t, err)

	clk.Add(6 * time.Minute)
	servers := r.GetAvailableServers(ctx, Filter{})
	require.Len(t, servers, 1)
	assert.Equal(t, gateapi.ServerOffline, servers[0].Status)

	// A heartbeat revives it.
	require.NoError(t, r.UpdateHeartbeat("s1"))
	servers = r.GetAvailableServers(ctx, Filter{Status: gateapi.ServerOnline})
	assert.Equal(t, []string{"s1"}, serverIDs(servers))
}

func TestCleanupStaleServersRemoves(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	sup := &stubSupervisor{}
	r := newTestRegistry(t, clk, sup)

	_, err := r.RegisterServer(ctx, serverConfig("s1"))
	require.NoError(t, err)
	_, err = r.RegisterServer(ctx, serverConfig("s2"))
	require.NoError(t, err)

	clk.Add(3 * time.Minute)
	require.NoError(t, r.UpdateHeartbeat("s2"))
	clk.Add(3 * time.Minute)

	removed := r.CleanupStaleServers(ctx)
	assert.Equal(t, []string{"s1"}, removed)
	assert.Equal(t, []string{"s2"}, serverIDs(r.GetAvailableServers(ctx, Filter{})))
}

func TestHeartbeatReportSurfacesInListing(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, clock.NewMock(), &stubSupervisor{})

	_, err := r.RegisterServer(ctx, serverConfig("s1"))
	require.NoError(t, err)

	require.NoError(t, r.RecordHeartbeatReport("s1", gateapi.HeartbeatReport{
		RunningTasks:      2,
		CPUUtilization:    37.5,
		MemoryUtilization: 60,
	}))

	servers := r.GetAvailableServers(ctx, Filter{})
	require.Len(t, servers, 1)
	assert.Equal(t, 2, servers[0].LastReport.RunningTasks)
	assert.Equal(t, 37.5, servers[0].LastReport.CPUUtilization)

	err = r.RecordHeartbeatReport("ghost", gateapi.HeartbeatReport{})
	assert.ErrorIs(t, err, gateapi.ErrNotRegistered)
}

func TestGroupFilter(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, clock.NewMock(), &stubSupervisor{})

	_, err := r.RegisterServer(ctx, serverConfig("gpu-1", "gpu"))
	require.NoError(t, err)
	_, err = r.RegisterServer(ctx, serverConfig("cpu-1", "cpu"))
	require.NoError(t, err)

	ids := serverIDs(r.GetAvailableServers(ctx, Filter{Group: "gpu"}))
	assert.Equal(t, []string{"gpu-1"}, ids)
}

func TestRepeatedRegistrationRerunsInitialize(t *testing.T) {
	ctx := context.Background()
	sup := &stubSupervisor{}
	r := newTestRegistry(t, clock.NewMock(), sup)

	_, err := r.RegisterServer(ctx, serverConfig("s1"))
	require.NoError(t, err)
	_, err = r.RegisterServer(ctx, serverConfig("s1"))
	require.NoError(t, err)

	assert.Equal(t, []string{"s1", "s1"}, sup.initialized)
	assert.Len(t, r.GetAvailableServers(ctx, Filter{}), 1)
}

func TestUpdateServerStatusReflectsInListing(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, clock.NewMock(), &stubSupervisor{})

	_, err := r.RegisterServer(ctx, serverConfig("s1"))
	require.NoError(t, err)

	r.UpdateServerStatus("s1", gateapi.ServerOffline)
	servers := r.GetAvailableServers(ctx, Filter{})
	require.Len(t, servers, 1)
	assert.Equal(t, gateapi.ServerOffline, servers[0].Status)
	assert.Empty(t, r.GetAvailableServers(ctx, Filter{Status: gateapi.ServerOnline}))
}

func serverIDs(servers []gateapi.ServerInfo) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.ID)
	}
	return out
}
