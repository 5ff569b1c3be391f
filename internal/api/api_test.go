package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/ipmimon/internal/channel"
	"codeberg.org/mutker/ipmimon/internal/errors"
	"codeberg.org/mutker/ipmimon/internal/journal"
	"codeberg.org/mutker/ipmimon/internal/logger"
	"codeberg.org/mutker/ipmimon/internal/monitor"
	"codeberg.org/mutker/ipmimon/internal/protocol"
	"codeberg.org/mutker/ipmimon/internal/session"
	"codeberg.org/mutker/ipmimon/internal/simulator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	registry *channel.Registry
	stopped  bool
	lastErr  error
	capErr   error
	capCalls []int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{registry: channel.NewRegistry()}
}

func (f *fakeEngine) Get(id channel.ID) (channel.Value, bool) { return f.registry.Get(id) }
func (f *fakeEngine) Snapshot() []channel.Value              { return f.registry.Snapshot() }
func (f *fakeEngine) Summary() string                        { return "Server: fake" }
func (f *fakeEngine) Address() string                        { return "fake" }
func (f *fakeEngine) Stopped() bool                          { return f.stopped }
func (f *fakeEngine) LastError() error                       { return f.lastErr }

func (f *fakeEngine) SetPowerCap(_ context.Context, watts int) error {
	f.capCalls = append(f.capCalls, watts)
	return f.capErr
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(f *fakeEngine)
		code      int
		status    string
		connected bool
	}{
		{
			name:   "never connected",
			setup:  func(*fakeEngine) {},
			code:   http.StatusOK,
			status: "degraded",
		},
		{
			name: "connected",
			setup: func(f *fakeEngine) {
				require.NoError(t, f.registry.Set(channel.ConnectionStatus, true))
			},
			code:      http.StatusOK,
			status:    "ok",
			connected: true,
		},
		{
			name: "stopped",
			setup: func(f *fakeEngine) {
				f.stopped = true
			},
			code:   http.StatusServiceUnavailable,
			status: "stopped",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeEngine()
			tt.setup(f)

			rec := do(t, NewRouter(f, nil, nil), http.MethodGet, "/health", "")
			assert.Equal(t, tt.code, rec.Code)

			resp := decode[Health](t, rec)
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.connected, resp.Connected)
			assert.Equal(t, "fake", resp.Address)
		})
	}
}

func TestHealthReportsLastError(t *testing.T) {
	f := newFakeEngine()
	f.lastErr = errors.New().WithMessage(errors.ErrTransport, "no reply")

	resp := decode[Health](t, do(t, NewRouter(f, nil, nil), http.MethodGet, "/health", ""))
	assert.Equal(t, "no reply", resp.LastError)
}

func TestListChannels(t *testing.T) {
	f := newFakeEngine()
	router := NewRouter(f, nil, nil)

	rec := do(t, router, http.MethodGet, "/channels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	require.NoError(t, f.registry.Set(channel.PowerConsumption, 350))
	require.NoError(t, f.registry.Set(channel.SystemStatus, channel.StatusOK))

	values := decode[[]ChannelValue](t, do(t, router, http.MethodGet, "/channels", ""))
	require.Len(t, values, 2)
	assert.Equal(t, "POWER_CONSUMPTION", values[0].ID)
	assert.Equal(t, float64(350), values[0].Value)
	assert.Equal(t, "W", values[0].Unit)
	assert.Equal(t, "SYSTEM_STATUS", values[1].ID)
	assert.Equal(t, "OK", values[1].Value)
	assert.Empty(t, values[1].Unit)
}

func TestGetChannel(t *testing.T) {
	f := newFakeEngine()
	require.NoError(t, f.registry.Set(channel.CPUTemperature, 42))
	router := NewRouter(f, nil, nil)

	rec := do(t, router, http.MethodGet, "/channels/cpu_temperature", "")
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[ChannelValue](t, rec)
	assert.Equal(t, "CPU_TEMPERATURE", v.ID)
	assert.Equal(t, float64(42), v.Value)
	assert.Equal(t, "°C", v.Unit)

	rec = do(t, router, http.MethodGet, "/channels/FAN_SPEED", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(errors.ErrUnavailable), decode[errorResponse](t, rec).Code)

	rec = do(t, router, http.MethodGet, "/channels/BOGUS", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(errors.ErrInvalidArgument), decode[errorResponse](t, rec).Code)
}

func TestSetPowerCapErrorMapping(t *testing.T) {
	errFactory := errors.New()

	tests := []struct {
		name string
		err  error
		code int
	}{
		{"accepted", nil, http.StatusOK},
		{"invalid", errFactory.WithData(errors.ErrInvalidArgument, "watts"), http.StatusBadRequest},
		{"rejected", errFactory.Wrap(errors.ErrCommandRejected, &protocol.StatusError{Status: protocol.StatusBusy}), http.StatusConflict},
		{"transport", errFactory.New(errors.ErrTransport), http.StatusBadGateway},
		{"authentication", errFactory.New(errors.ErrAuthentication), http.StatusBadGateway},
		{"stopped", errFactory.WithMessage(errors.ErrUnavailable, "monitor is stopped"), http.StatusServiceUnavailable},
		{"internal", errFactory.New(errors.ErrInternal), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeEngine()
			f.capErr = tt.err

			rec := do(t, NewRouter(f, nil, nil), http.MethodPut, "/power-cap", `{"watts": 300}`)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, []int{300}, f.capCalls)
		})
	}
}

func TestSetPowerCapBadBody(t *testing.T) {
	for _, body := range []string{"", "not json", `{"cap": 5}`, `{"watts": "many"}`} {
		f := newFakeEngine()

		rec := do(t, NewRouter(f, nil, nil), http.MethodPut, "/power-cap", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		assert.Empty(t, f.capCalls)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFakeEngine()

	rec := do(t, NewRouter(f, nil, nil), http.MethodGet, "/power-cap", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Empty(t, f.capCalls)
}

func TestListCommandsLimit(t *testing.T) {
	router := NewRouter(newFakeEngine(), nil, nil)

	rec := do(t, router, http.MethodGet, "/commands", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	for _, limit := range []string{"0", "-3", "x", "501"} {
		rec = do(t, router, http.MethodGet, "/commands?limit="+limit, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit %s", limit)
	}
}

func TestEndToEndWithSimulator(t *testing.T) {
	sim := simulator.New("operator", "s3cret")

	cfg := journal.DefaultConfig()
	cfg.Enabled = true
	cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.BatchSize = 1
	cfg.FlushInterval = 0
	recorder, err := journal.New(cfg, logger.Nop())
	require.NoError(t, err)
	defer recorder.Close()

	m, err := monitor.New(monitor.Options{
		Endpoint: session.Endpoint{Address: "10.1.2.3", Username: "operator", Password: "s3cret"},
		Interval: 10 * time.Millisecond,
		Timeout:  200 * time.Millisecond,
		Dialer:   sim.Dialer(),
		Journal:  recorder,
	})
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer m.Stop()

	router := NewRouter(m, recorder, logger.Nop())

	require.Eventually(t, func() bool {
		_, ok := m.Get(channel.PowerConsumption)
		return ok
	}, 5*time.Second, 2*time.Millisecond)

	v := decode[ChannelValue](t, do(t, router, http.MethodGet, "/channels/POWER_CONSUMPTION", ""))
	assert.Equal(t, float64(350), v.Value)

	rec := do(t, router, http.MethodPut, "/power-cap", `{"watts": 275}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 275, sim.PowerCap())

	sim.SetStatus(protocol.CmdSetPowerCap, protocol.StatusUnsupported)
	rec = do(t, router, http.MethodPut, "/power-cap", `{"watts": 300}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	entries := decode[[]journal.Entry](t, do(t, router, http.MethodGet, "/commands?limit=10", ""))
	require.Len(t, entries, 2)
	assert.Equal(t, journal.OutcomeRejected, entries[0].Outcome)
	assert.Equal(t, 300, entries[0].Watts)
	assert.Equal(t, journal.OutcomeAccepted, entries[1].Outcome)
	assert.Equal(t, 275, entries[1].Watts)

	m.Stop()
	rec = do(t, router, http.MethodPut, "/power-cap", `{"watts": 300}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, router, http.MethodGet, "/health", "").Code)
}
