package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/ipmimon/internal/channel"
	"codeberg.org/mutker/ipmimon/internal/errors"
	"codeberg.org/mutker/ipmimon/internal/protocol"
	"codeberg.org/mutker/ipmimon/internal/session"
	"codeberg.org/mutker/ipmimon/internal/simulator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	sim      *simulator.Controller
	manager  *session.Manager
	registry *channel.Registry
	poller   *Scheduler
}

func newFixture(t *testing.T, timeout time.Duration, onTick func(TickResult)) *fixture {
	t.Helper()

	sim := simulator.New("admin", "secret")
	manager := session.NewManager(
		session.Endpoint{Address: "sim", Port: 623, Username: "admin", Password: "secret"},
		sim.Dialer(),
		session.Options{Timeout: timeout},
	)
	registry := channel.NewRegistry()
	p := New(Options{
		Session:  manager,
		Registry: registry,
		Sensors:  DefaultSensors(),
		OnTick:   onTick,
	})

	t.Cleanup(func() {
		p.Stop()
		manager.Close(context.Background())
	})

	return &fixture{sim: sim, manager: manager, registry: registry, poller: p}
}

func intValue(t *testing.T, r *channel.Registry, id channel.ID) int {
	t.Helper()
	v, ok := r.Get(id)
	require.True(t, ok, "%s absent", id)
	n, ok := v.Int()
	require.True(t, ok, "%s is not an int", id)
	return n
}

func connected(t *testing.T, r *channel.Registry) bool {
	t.Helper()
	v, ok := r.Get(channel.ConnectionStatus)
	require.True(t, ok)
	b, ok := v.Bool()
	require.True(t, ok)
	return b
}

func TestTickPublishesReadings(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond, nil)

	res := f.poller.Tick(context.Background())
	require.NoError(t, res.Err())
	assert.True(t, res.Connected)
	assert.False(t, res.Aborted)
	assert.Len(t, res.Reads, 7)

	assert.Equal(t, 350, intValue(t, f.registry, channel.PowerConsumption))
	assert.Equal(t, 42, intValue(t, f.registry, channel.CPUTemperature))
	assert.Equal(t, 24, intValue(t, f.registry, channel.InletTemperature))
	assert.Equal(t, 60, intValue(t, f.registry, channel.FanSpeed))

	energy, ok := f.registry.Get(channel.EnergyTotal)
	require.True(t, ok)
	wh, _ := energy.Int64()
	assert.Equal(t, int64(125000), wh)

	for _, id := range []channel.ID{channel.SystemStatus, channel.PSUStatus} {
		v, ok := f.registry.Get(id)
		require.True(t, ok)
		st, _ := v.Status()
		assert.Equal(t, channel.StatusOK, st)
	}

	assert.True(t, connected(t, f.registry))
	_, ok = f.registry.Get(channel.PowerLimit)
	assert.False(t, ok, "power limit is only set by commands")
	assert.Equal(t, uint64(1), f.poller.Ticks())
}

func TestTickPartialFailure(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond, nil)
	f.sim.FailSensor(protocol.SensorCPUTemperature, protocol.StatusBusy)

	res := f.poller.Tick(context.Background())
	assert.Equal(t, 1, res.Failed())
	assert.True(t, res.Connected)

	status, ok := protocol.StatusOf(res.Err())
	require.True(t, ok)
	assert.Equal(t, protocol.StatusBusy, status)

	_, ok = f.registry.Get(channel.CPUTemperature)
	assert.False(t, ok)
	assert.Equal(t, 350, intValue(t, f.registry, channel.PowerConsumption))
	assert.Equal(t, 60, intValue(t, f.registry, channel.FanSpeed))
	assert.True(t, connected(t, f.registry))
	assert.Equal(t, res.Err(), f.poller.LastError())
}

func TestTickKeepsLastKnownValuesWhenSilent(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, nil)
	ctx := context.Background()

	f.poller.Tick(ctx)
	require.True(t, connected(t, f.registry))

	f.sim.SetSilent(true)
	for i := 0; i < 3; i++ {
		res := f.poller.Tick(ctx)
		assert.False(t, res.Connected)
		assert.True(t, errors.HasCode(res.Err(), errors.ErrTransport))
	}

	assert.False(t, connected(t, f.registry))
	assert.Equal(t, 350, intValue(t, f.registry, channel.PowerConsumption))
	assert.Equal(t, 42, intValue(t, f.registry, channel.CPUTemperature))
	assert.Equal(t, 60, intValue(t, f.registry, channel.FanSpeed))
	assert.Equal(t, session.Closed, f.manager.State())
}

func TestTickNeverConnected(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond, nil)
	f.sim.SetSilent(true)

	res := f.poller.Tick(context.Background())
	require.Error(t, res.SessionErr)
	assert.Empty(t, res.Reads)

	assert.False(t, connected(t, f.registry))
	snapshot := f.registry.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, channel.ConnectionStatus, snapshot[0].ID)
}

func TestTickAuthenticationFailure(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond, nil)
	f.sim.SetRejectAuth(true)

	res := f.poller.Tick(context.Background())
	assert.True(t, errors.HasCode(res.SessionErr, errors.ErrAuthentication))
	assert.False(t, connected(t, f.registry))

	f.sim.SetRejectAuth(false)
	res = f.poller.Tick(context.Background())
	require.NoError(t, res.Err())
	assert.True(t, connected(t, f.registry))
}

func TestTickScaledSensor(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond, nil)
	f.sim.SetSensor(protocol.SensorPower, simulator.Sensor{
		Unit:    protocol.UnitWatts,
		Factors: protocol.Factors{M: 2, RExp: -1},
		Raw:     1750,
	})

	f.poller.Tick(context.Background())
	assert.Equal(t, 350, intValue(t, f.registry, channel.PowerConsumption))
}

func TestTickUnitMismatch(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond, nil)
	f.sim.SetSensor(protocol.SensorFanSpeed, simulator.Sensor{Unit: protocol.UnitCelsius, Factors: protocol.Identity, Raw: 60})

	res := f.poller.Tick(context.Background())
	assert.Equal(t, 1, res.Failed())
	assert.True(t, errors.HasCode(res.Err(), errors.ErrCorruptResponse))
	_, ok := f.registry.Get(channel.FanSpeed)
	assert.False(t, ok)
}

func TestTickEnergyNeverDecreases(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond, nil)
	ctx := context.Background()

	f.poller.Tick(ctx)
	f.sim.SetRaw(protocol.SensorEnergy, 100)

	res := f.poller.Tick(ctx)
	assert.Equal(t, 1, res.Failed())

	v, ok := f.registry.Get(channel.EnergyTotal)
	require.True(t, ok)
	wh, _ := v.Int64()
	assert.Equal(t, int64(125000), wh)

	f.sim.SetRaw(protocol.SensorEnergy, 125010)
	f.poller.Tick(ctx)
	v, _ = f.registry.Get(channel.EnergyTotal)
	wh, _ = v.Int64()
	assert.Equal(t, int64(125010), wh)
}

func TestTickEnergyBaselineResetsAfterReconnect(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond, nil)
	ctx := context.Background()

	require.NoError(t, f.poller.Tick(ctx).Err())

	// controller reboot: sessions are gone and the counter restarts
	f.sim.ExpireSessions()
	f.sim.SetRaw(protocol.SensorEnergy, 100)

	res := f.poller.Tick(ctx)
	assert.False(t, res.Connected)

	res = f.poller.Tick(ctx)
	require.NoError(t, res.Err())
	assert.True(t, res.Connected)

	v, ok := f.registry.Get(channel.EnergyTotal)
	require.True(t, ok)
	wh, _ := v.Int64()
	assert.Equal(t, int64(100), wh)

	f.sim.SetRaw(protocol.SensorEnergy, 90)
	assert.Equal(t, 1, f.poller.Tick(ctx).Failed())
}

func TestTickInvalidSessionReconnects(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond, nil)
	ctx := context.Background()

	f.poller.Tick(ctx)
	f.sim.ExpireSessions()

	res := f.poller.Tick(ctx)
	assert.False(t, res.Connected)
	assert.Len(t, res.Reads, 1)
	assert.False(t, connected(t, f.registry))

	res = f.poller.Tick(ctx)
	require.NoError(t, res.Err())
	assert.True(t, connected(t, f.registry))
	assert.Equal(t, 2, f.sim.Stats().Handshakes)
}

func TestTickReusesSession(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, f.poller.Tick(ctx).Err())
	}
	assert.Equal(t, 1, f.sim.Stats().Handshakes)
}

func TestTickCancelled(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.poller.Tick(ctx)
	assert.True(t, res.Aborted)
	_, ok := f.registry.Get(channel.ConnectionStatus)
	assert.False(t, ok)
	assert.Zero(t, f.poller.Ticks())
}

func TestStartStop(t *testing.T) {
	var mu sync.Mutex
	var results []TickResult
	f := newFixture(t, 200*time.Millisecond, func(r TickResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})

	require.NoError(t, f.poller.Start(10*time.Millisecond))
	assert.Equal(t, Running, f.poller.State())

	// a second start is a no-op
	require.NoError(t, f.poller.Start(time.Hour))

	require.Eventually(t, func() bool { return f.poller.Ticks() >= 3 }, 2*time.Second, 5*time.Millisecond)

	f.poller.Stop()
	assert.Equal(t, Stopped, f.poller.State())
	ticks := f.poller.Ticks()

	require.NoError(t, f.poller.Start(10*time.Millisecond))
	assert.Equal(t, Stopped, f.poller.State())
	f.poller.Stop()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, ticks, f.poller.Ticks())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.True(t, r.Connected)
	}
	assert.Equal(t, 1, f.sim.Stats().Handshakes)
}

type tickLog struct {
	mu  sync.Mutex
	all []TickResult
}

func (l *tickLog) add(r TickResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, r)
}

func (l *tickLog) wait(t *testing.T, n int) []TickResult {
	t.Helper()
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.all) >= n
	}, 5*time.Second, time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TickResult(nil), l.all[:n]...)
}

func TestTicksSpacedFromTickStart(t *testing.T) {
	const interval = 100 * time.Millisecond

	seen := &tickLog{}
	f := newFixture(t, time.Second, seen.add)
	// seven reads per tick, so each tick takes about 0.6 of the interval
	f.sim.SetLatency(8 * time.Millisecond)

	require.NoError(t, f.poller.Start(interval))
	ticks := seen.wait(t, 6)
	f.poller.Stop()

	for _, r := range ticks[1:] {
		require.NoError(t, r.Err())
		assert.Greater(t, r.Duration, interval/3)
	}

	// skip the first tick, which also carries the handshake
	span := ticks[5].Start.Sub(ticks[1].Start)
	assert.GreaterOrEqual(t, span, 4*interval-20*time.Millisecond)
	assert.Less(t, span, 4*interval+interval/2, "ticks are spaced from tick end")
}

func TestOverdueTickRunsImmediately(t *testing.T) {
	const interval = 50 * time.Millisecond

	seen := &tickLog{}
	f := newFixture(t, time.Second, seen.add)
	// each tick takes about 84ms, longer than the interval
	f.sim.SetLatency(12 * time.Millisecond)

	require.NoError(t, f.poller.Start(interval))
	ticks := seen.wait(t, 5)
	f.poller.Stop()

	for i := 1; i < len(ticks)-1; i++ {
		require.Greater(t, ticks[i].Duration, interval)
		gap := ticks[i+1].Start.Sub(ticks[i].Start.Add(ticks[i].Duration))
		assert.Less(t, gap, interval/2, "tick %d waited after an overdue tick", i+1)
	}
}

func TestStopWithoutStart(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond, nil)

	f.poller.Stop()
	assert.Equal(t, Idle, f.poller.State())
	assert.Zero(t, f.sim.Stats().Requests)
}

func TestStartInvalidInterval(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond, nil)

	err := f.poller.Start(0)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidInterval))
	assert.Equal(t, Idle, f.poller.State())
}

func TestStopInterruptsInFlightIO(t *testing.T) {
	f := newFixture(t, 5*time.Second, nil)
	f.sim.SetSilent(true)

	require.NoError(t, f.poller.Start(time.Second))
	require.Eventually(t, func() bool { return f.sim.Stats().Requests > 0 }, time.Second, time.Millisecond)

	start := time.Now()
	f.poller.Stop()
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, Stopped, f.poller.State())

	// an aborted tick leaves connection status untouched
	_, ok := f.registry.Get(channel.ConnectionStatus)
	assert.False(t, ok)
}

func TestConcurrentStop(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond, nil)
	require.NoError(t, f.poller.Start(5*time.Millisecond))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.poller.Stop()
			assert.Equal(t, Stopped, f.poller.State())
		}()
	}
	wg.Wait()
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopping", Stopping.String())
	assert.Equal(t, "stopped", Stopped.String())
}
