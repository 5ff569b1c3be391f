// Package monitor assembles the session manager, poller, command gateway
// and channel registry for one management controller.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/ipmimon/internal/channel"
	"codeberg.org/mutker/ipmimon/internal/command"
	"codeberg.org/mutker/ipmimon/internal/errors"
	"codeberg.org/mutker/ipmimon/internal/journal"
	"codeberg.org/mutker/ipmimon/internal/logger"
	"codeberg.org/mutker/ipmimon/internal/poller"
	"codeberg.org/mutker/ipmimon/internal/session"
	"codeberg.org/mutker/ipmimon/internal/transport"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultPort           = 623
	DefaultInterval       = 5 * time.Second
	DefaultTimeout        = session.DefaultRequestTimeout
	DefaultSessionTimeout = session.DefaultIdleTimeout
)

type Options struct {
	Endpoint session.Endpoint
	// Interval between poll ticks.
	Interval time.Duration
	// Timeout bounds each request and the session close on Stop.
	Timeout time.Duration
	// SessionTimeout is the idle validity window of a session.
	SessionTimeout time.Duration
	// Sensors defaults to poller.DefaultSensors when zero.
	Sensors poller.Sensors
	// Dialer defaults to UDP.
	Dialer  transport.Dialer
	Journal journal.Recorder
	Logger  logger.Logger
	OnTick  func(poller.TickResult)
}

// Monitor is one activated monitoring instance.
type Monitor struct {
	endpoint session.Endpoint
	interval time.Duration
	timeout  time.Duration
	log      logger.Logger

	registry *channel.Registry
	lock     *semaphore.Weighted
	session  *session.Manager
	poller   *poller.Scheduler
	gateway  *command.Gateway

	mu      sync.Mutex // serializes Start and Stop
	started bool
	stopped bool
}

func New(opts Options) (*Monitor, error) {
	errFactory := errors.New()

	if opts.Endpoint.Address == "" {
		return nil, errFactory.WithData(errors.ErrMissingConfig, "address")
	}
	if opts.Endpoint.Port == 0 {
		opts.Endpoint.Port = DefaultPort
	}
	if opts.Endpoint.Port < 0 || opts.Endpoint.Port > 65535 {
		return nil, errFactory.WithData(errors.ErrInvalidArgument, fmt.Sprintf("port=%d", opts.Endpoint.Port))
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Interval < 0 {
		return nil, errFactory.WithData(errors.ErrInvalidInterval, opts.Interval.String())
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.Sensors == (poller.Sensors{}) {
		opts.Sensors = poller.DefaultSensors()
	}
	if opts.Dialer == nil {
		opts.Dialer = transport.UDPDialer{Timeout: opts.Timeout}
	}
	if opts.Journal == nil {
		opts.Journal = journal.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	m := &Monitor{
		endpoint: opts.Endpoint,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		log:      opts.Logger,
		registry: channel.NewRegistry(),
		lock:     semaphore.NewWeighted(1),
	}

	m.session = session.NewManager(opts.Endpoint, opts.Dialer, session.Options{
		Timeout:     opts.Timeout,
		IdleTimeout: opts.SessionTimeout,
		Logger:      opts.Logger.With("session"),
	})
	m.poller = poller.New(poller.Options{
		Session:  m.session,
		Registry: m.registry,
		Lock:     m.lock,
		Sensors:  opts.Sensors,
		Logger:   opts.Logger.With("poller"),
		OnTick:   opts.OnTick,
	})
	m.gateway = command.New(command.Options{
		Session:  m.session,
		Registry: m.registry,
		Lock:     m.lock,
		Journal:  opts.Journal,
		Logger:   opts.Logger.With("command"),
	})

	return m, nil
}

// Start begins polling. Calling it again, or after Stop, is a no-op.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started || m.stopped {
		return nil
	}
	if err := m.poller.Start(m.interval); err != nil {
		return err
	}
	m.started = true

	m.log.Info().
		Str("address", m.endpoint.HostPort()).
		Dur("interval", m.interval).
		Msg("Monitor started")

	return nil
}

// Stop halts polling, closes the session and clears all channel values.
// It returns within about one request timeout. Stop without Start is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.stopped {
		return
	}
	m.stopped = true

	m.poller.Stop()
	m.gateway.Close()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	// wait out an in-flight command before closing its session
	if err := m.lock.Acquire(ctx, 1); err == nil {
		m.session.Close(ctx)
		m.lock.Release(1)
	} else {
		m.log.Warn().Err(err).Msg("Command still in flight, dropping session")
		m.session.Invalidate()
	}

	m.registry.Clear()

	m.log.Info().Str("address", m.endpoint.HostPort()).Msg("Monitor stopped")
}

// Get returns the latest value of a channel. It never blocks on I/O.
func (m *Monitor) Get(id channel.ID) (channel.Value, bool) {
	return m.registry.Get(id)
}

// Snapshot returns every present channel value in channel order.
func (m *Monitor) Snapshot() []channel.Value {
	return m.registry.Snapshot()
}

// SetPowerCap sets the controller power limit in watts.
func (m *Monitor) SetPowerCap(ctx context.Context, watts int) error {
	if m.Stopped() {
		return errors.New().WithMessage(errors.ErrUnavailable, "monitor is stopped")
	}

	return m.gateway.SetPowerCap(ctx, watts)
}

func (m *Monitor) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stopped
}

// State is the poller lifecycle state.
func (m *Monitor) State() poller.State {
	return m.poller.State()
}

// SessionState is the session lifecycle state.
func (m *Monitor) SessionState() session.State {
	return m.session.State()
}

// LastError is the first error of the most recent tick.
func (m *Monitor) LastError() error {
	return m.poller.LastError()
}

// Address is the controller address being monitored.
func (m *Monitor) Address() string {
	return m.endpoint.HostPort()
}

// Summary renders the headline readings on one line.
func (m *Monitor) Summary() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Server: %s", m.endpoint.Address)
	fmt.Fprintf(&sb, " | Power: %s", m.format(channel.PowerConsumption))
	fmt.Fprintf(&sb, " | CPU Temp: %s", m.format(channel.CPUTemperature))
	fmt.Fprintf(&sb, " | Status: %s", m.format(channel.SystemStatus))

	return sb.String()
}

func (m *Monitor) format(id channel.ID) string {
	v, ok := m.registry.Get(id)
	if !ok {
		return "n/a"
	}

	return v.String() + string(id.Doc().Unit)
}
