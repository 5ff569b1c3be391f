package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/ipmimon/internal/errors"
	"codeberg.org/mutker/ipmimon/internal/protocol"
	"codeberg.org/mutker/ipmimon/internal/simulator"
	"codeberg.org/mutker/ipmimon/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEndpoint = Endpoint{Address: "10.0.0.20", Port: 623, Username: "admin", Password: "hunter2"}

func newTestManager(t *testing.T, sim *simulator.Controller, opts Options) *Manager {
	t.Helper()
	if opts.Timeout == 0 {
		opts.Timeout = 200 * time.Millisecond
	}
	m := NewManager(testEndpoint, sim.Dialer(), opts)
	t.Cleanup(func() { m.Close(context.Background()) })

	return m
}

func TestEndpointHostPort(t *testing.T) {
	assert.Equal(t, "10.0.0.20:623", testEndpoint.HostPort())
	assert.Equal(t, "[fe80::1]:623", Endpoint{Address: "fe80::1", Port: 623}.HostPort())
}

func TestEnsureReusesActiveSession(t *testing.T) {
	sim := simulator.New(testEndpoint.Username, testEndpoint.Password)
	m := newTestManager(t, sim, Options{})
	ctx := context.Background()

	first, err := m.Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, Active, m.State())
	requests := sim.Stats().Requests

	second, err := m.Ensure(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, requests, sim.Stats().Requests, "reusing a session must not touch the wire")
	assert.Equal(t, uint64(1), m.Handshakes())
	assert.Equal(t, 1, sim.Stats().Handshakes)
}

func TestEnsureAuthenticationFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*simulator.Controller)
		ep    Endpoint
	}{
		{
			name: "wrong password",
			ep:   Endpoint{Address: "x", Port: 623, Username: "admin", Password: "nope"},
		},
		{
			name: "unknown user",
			ep:   Endpoint{Address: "x", Port: 623, Username: "root", Password: "hunter2"},
		},
		{
			name:  "no hmac support",
			ep:    testEndpoint,
			setup: func(c *simulator.Controller) { c.SetAuthTypes(0) },
		},
		{
			name:  "activation refused",
			ep:    testEndpoint,
			setup: func(c *simulator.Controller) { c.SetRejectAuth(true) },
		},
		{
			name:  "capabilities busy",
			ep:    testEndpoint,
			setup: func(c *simulator.Controller) { c.SetStatus(protocol.CmdGetAuthCapabilities, protocol.StatusBusy) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := simulator.New(testEndpoint.Username, testEndpoint.Password)
			if tt.setup != nil {
				tt.setup(sim)
			}
			m := NewManager(tt.ep, sim.Dialer(), Options{Timeout: 200 * time.Millisecond})

			s, err := m.Ensure(context.Background())
			require.Error(t, err)
			assert.Nil(t, s)
			assert.True(t, errors.HasCode(err, errors.ErrAuthentication), "got %v", err)
			assert.Equal(t, Closed, m.State())
			assert.Nil(t, m.Current())
		})
	}
}

func TestEnsureTimeoutIsTransportError(t *testing.T) {
	sim := simulator.New(testEndpoint.Username, testEndpoint.Password)
	sim.SetSilent(true)
	m := newTestManager(t, sim, Options{Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := m.Ensure(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrTransport))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Closed, m.State())
}

func TestEnsureUnreachable(t *testing.T) {
	sim := simulator.New(testEndpoint.Username, testEndpoint.Password)
	sim.SetUnreachable(true)
	m := newTestManager(t, sim, Options{})

	_, err := m.Ensure(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrTransport))

	sim.SetUnreachable(false)
	_, err = m.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sim.Stats().Dials)
}

func TestEnsureRenewsIdleSession(t *testing.T) {
	sim := simulator.New(testEndpoint.Username, testEndpoint.Password)
	now := time.Unix(1700000000, 0)
	m := newTestManager(t, sim, Options{
		IdleTimeout: time.Minute,
		Now:         func() time.Time { return now },
	})
	ctx := context.Background()

	first, err := m.Ensure(ctx)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	_, err = m.Exchange(ctx, protocol.ReadSensor(protocol.SensorPower))
	require.NoError(t, err)

	// traffic refreshed the window
	now = now.Add(45 * time.Second)
	same, err := m.Ensure(ctx)
	require.NoError(t, err)
	assert.Same(t, first, same)

	now = now.Add(time.Minute)
	renewed, err := m.Ensure(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), renewed.ID())
	assert.Equal(t, uint64(2), m.Handshakes())
}

func TestExchangeSequenceIsMonotonic(t *testing.T) {
	sim := simulator.New(testEndpoint.Username, testEndpoint.Password)
	m := newTestManager(t, sim, Options{})
	ctx := context.Background()

	s, err := m.Ensure(ctx)
	require.NoError(t, err)

	var last uint32
	for i := 0; i < 5; i++ {
		resp, err := m.Exchange(ctx, protocol.ReadSensor(protocol.SensorFanSpeed))
		require.NoError(t, err)
		require.NoError(t, protocol.CheckStatus(resp))
		assert.Equal(t, s.ID(), resp.SessionID)
		assert.Equal(t, s.Sequence(), resp.Sequence)
		if i > 0 {
			assert.Equal(t, last+1, resp.Sequence)
		}
		last = resp.Sequence

		reading, err := protocol.DecodeSensorReading(resp.Payload)
		require.NoError(t, err)
		assert.Equal(t, int64(60), reading.Int())
	}
}

func TestExchangeSkipsStaleResponse(t *testing.T) {
	sim := simulator.New(testEndpoint.Username, testEndpoint.Password)
	sim.SetStale(true)
	m := newTestManager(t, sim, Options{})
	ctx := context.Background()

	_, err := m.Ensure(ctx)
	require.NoError(t, err)

	resp, err := m.Exchange(ctx, protocol.ReadSensor(protocol.SensorPower))
	require.NoError(t, err)
	reading, err := protocol.DecodeSensorReading(resp.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(350), reading.Int())
}

// skewConn rewrites answers to carry an older sequence number while skew is set.
type skewConn struct {
	transport.Conn
	skew *atomic.Bool
}

func (c skewConn) Receive(ctx context.Context) ([]byte, error) {
	b, err := c.Conn.Receive(ctx)
	if err != nil || !c.skew.Load() {
		return b, err
	}
	f, err := protocol.Decode(b)
	if err != nil {
		return nil, err
	}
	f.Sequence--

	return protocol.Encode(f)
}

type skewDialer struct {
	inner transport.Dialer
	skew  *atomic.Bool
}

func (d skewDialer) Dial(ctx context.Context, address string) (transport.Conn, error) {
	conn, err := d.inner.Dial(ctx, address)
	if err != nil {
		return nil, err
	}

	return skewConn{Conn: conn, skew: d.skew}, nil
}

func TestExchangeOnlyStaleResponsesTimesOut(t *testing.T) {
	sim := simulator.New(testEndpoint.Username, testEndpoint.Password)
	skew := &atomic.Bool{}
	m := NewManager(testEndpoint, skewDialer{inner: sim.Dialer(), skew: skew}, Options{Timeout: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := m.Ensure(ctx)
	require.NoError(t, err)

	skew.Store(true)
	_, err = m.Exchange(ctx, protocol.ReadSensor(protocol.SensorPower))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrTransport))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExchangeInvalidSessionInvalidates(t *testing.T) {
	sim := simulator.New(testEndpoint.Username, testEndpoint.Password)
	m := newTestManager(t, sim, Options{})
	ctx := context.Background()

	_, err := m.Ensure(ctx)
	require.NoError(t, err)

	sim.ExpireSessions()
	resp, err := m.Exchange(ctx, protocol.ReadSensor(protocol.SensorPower))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusInvalidSession, resp.Status)
	assert.Equal(t, Closed, m.State())

	_, err = m.Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sim.Stats().Handshakes)
}

func TestExchangeWithoutSession(t *testing.T) {
	sim := simulator.New(testEndpoint.Username, testEndpoint.Password)
	m := newTestManager(t, sim, Options{})

	_, err := m.Exchange(context.Background(), protocol.ReadSensor(protocol.SensorPower))
	assert.True(t, errors.HasCode(err, errors.ErrTransport))
	assert.Zero(t, sim.Stats().Requests)
}

func TestCloseEndsSession(t *testing.T) {
	sim := simulator.New(testEndpoint.Username, testEndpoint.Password)
	m := NewManager(testEndpoint, sim.Dialer(), Options{Timeout: 200 * time.Millisecond})
	ctx := context.Background()

	_, err := m.Ensure(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sim.Sessions())

	m.Close(ctx)
	assert.Equal(t, Closed, m.State())
	assert.Nil(t, m.Current())
	assert.Equal(t, 1, sim.Stats().Closed)
	assert.Zero(t, sim.Sessions())

	// closing again is harmless
	m.Close(ctx)
	assert.Equal(t, 1, sim.Stats().Closed)
}

func TestCloseIgnoresSilentController(t *testing.T) {
	sim := simulator.New(testEndpoint.Username, testEndpoint.Password)
	m := NewManager(testEndpoint, sim.Dialer(), Options{Timeout: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := m.Ensure(ctx)
	require.NoError(t, err)

	sim.SetSilent(true)
	start := time.Now()
	m.Close(ctx)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Closed, m.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "opening", Opening.String())
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "closing", Closing.String())
	assert.Equal(t, "unknown", State(9).String())
}
