package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/ipmimon/internal/errors"
	"codeberg.org/mutker/ipmimon/internal/logger"
	"codeberg.org/mutker/ipmimon/internal/protocol"
	"codeberg.org/mutker/ipmimon/internal/transport"
)

const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
)

// Options tunes a Manager. Zero values select the defaults.
type Options struct {
	// Timeout bounds each request/response exchange.
	Timeout time.Duration
	// IdleTimeout is how long a session stays valid without traffic.
	IdleTimeout time.Duration
	Logger      logger.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager owns the single session with one controller endpoint.
type Manager struct {
	endpoint Endpoint
	dialer   transport.Dialer
	timeout  time.Duration
	idle     time.Duration
	log      logger.Logger
	now      func() time.Time

	state      atomic.Int32
	handshakes atomic.Uint64
	sequence   atomic.Uint32 // pre-session requests

	mu      sync.Mutex // protects conn and current
	conn    transport.Conn
	current *Session
}

var _ Client = (*Manager)(nil)

func NewManager(endpoint Endpoint, dialer transport.Dialer, opts Options) *Manager {
	m := &Manager{
		endpoint: endpoint,
		dialer:   dialer,
		timeout:  opts.Timeout,
		idle:     opts.IdleTimeout,
		log:      opts.Logger,
		now:      opts.Now,
	}

	if m.timeout <= 0 {
		m.timeout = DefaultRequestTimeout
	}
	if m.idle <= 0 {
		m.idle = DefaultIdleTimeout
	}
	if m.log == nil {
		m.log = logger.Nop()
	}
	if m.now == nil {
		m.now = time.Now
	}

	return m
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

// Handshakes counts completed session activations.
func (m *Manager) Handshakes() uint64 {
	return m.handshakes.Load()
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

func (m *Manager) Ensure(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if s := m.current; s != nil && m.State() == Active {
		if s.idle(m.now()) < m.idle {
			m.mu.Unlock()
			return s, nil
		}
		m.log.Debug().Uint32("session", s.id).Msg("Session expired")
		m.dropLocked()
	}
	m.state.Store(int32(Opening))
	m.mu.Unlock()

	s, err := m.open(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.dropLocked()
		return nil, err
	}

	m.current = s
	m.state.Store(int32(Active))
	m.handshakes.Add(1)
	m.log.Debug().Uint32("session", s.id).Msg("Session activated")

	return s, nil
}

func (m *Manager) Exchange(ctx context.Context, cmd protocol.Command) (protocol.Frame, error) {
	errFactory := errors.New()

	m.mu.Lock()
	s, conn := m.current, m.conn
	m.mu.Unlock()

	if s == nil || conn == nil || m.State() != Active {
		return protocol.Frame{}, errFactory.WithMessage(errors.ErrTransport, "no active session")
	}

	resp, err := m.roundTrip(ctx, conn, s.id, s.next(), cmd)
	if err != nil {
		return resp, err
	}

	s.touch(m.now())

	if resp.Status == protocol.StatusInvalidSession {
		m.log.Debug().Uint32("session", s.id).Msg("Controller reports invalid session")
		m.Invalidate()
	}

	return resp, nil
}

func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dropLocked()
}

func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	s, conn := m.current, m.conn
	if s != nil && m.State() == Active {
		m.state.Store(int32(Closing))
	}
	m.mu.Unlock()

	if s != nil && conn != nil {
		if _, err := m.roundTrip(ctx, conn, s.id, s.next(), protocol.CloseSession(s.id)); err != nil {
			m.log.Debug().Err(err).Msg("Close session request failed")
		}
	}

	m.Invalidate()
}

// dropLocked forgets the session and the connection. The next Ensure
// dials a fresh connection.
func (m *Manager) dropLocked() {
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.log.Debug().Err(err).Msg("Failed to close connection")
		}
	}
	m.conn = nil
	m.current = nil
	m.state.Store(int32(Closed))
}

func (m *Manager) open(ctx context.Context) (*Session, error) {
	errFactory := errors.New()

	conn, err := m.dialer.Dial(ctx, m.endpoint.HostPort())
	if err != nil {
		if !errors.HasCode(err, errors.ErrTransport) {
			err = errFactory.Wrap(errors.ErrTransport, err)
		}
		return nil, err
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	resp, err := m.roundTrip(ctx, conn, 0, m.sequence.Add(1), protocol.GetAuthCapabilities())
	if err != nil {
		return nil, err
	}
	if err := protocol.CheckStatus(resp); err != nil {
		return nil, errFactory.Wrap(errors.ErrAuthentication, err)
	}
	caps, err := protocol.DecodeAuthCapabilities(resp.Payload)
	if err != nil {
		return nil, err
	}
	if !caps.Supports() {
		return nil, errFactory.WithMessage(errors.ErrAuthentication, "controller does not offer HMAC-SHA256 authentication")
	}

	resp, err = m.roundTrip(ctx, conn, 0, m.sequence.Add(1), protocol.GetSessionChallenge(m.endpoint.Username))
	if err != nil {
		return nil, err
	}
	if err := protocol.CheckStatus(resp); err != nil {
		return nil, errFactory.Wrap(errors.ErrAuthentication, err)
	}
	challenge, err := protocol.DecodeChallenge(resp.Payload)
	if err != nil {
		return nil, err
	}

	code := protocol.AuthCode(m.endpoint.Password, m.endpoint.Username, challenge)
	resp, err = m.roundTrip(ctx, conn, challenge.TemporaryID, m.sequence.Add(1), protocol.ActivateSession(code))
	if err != nil {
		return nil, err
	}
	if err := protocol.CheckStatus(resp); err != nil {
		return nil, errFactory.Wrap(errors.ErrAuthentication, err)
	}
	activation, err := protocol.DecodeActivation(resp.Payload)
	if err != nil {
		return nil, err
	}

	return newSession(activation.SessionID, activation.InitialSequence, m.now()), nil
}

// roundTrip sends one request and waits for the response carrying the same
// session, sequence and command. Anything else is stale and skipped.
func (m *Manager) roundTrip(ctx context.Context, conn transport.Conn, sessionID, seq uint32, cmd protocol.Command) (protocol.Frame, error) {
	errFactory := errors.New()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := protocol.Encode(protocol.Frame{
		SessionID: sessionID,
		Sequence:  seq,
		Command:   cmd.Code,
		Status:    protocol.StatusSuccess,
		Payload:   cmd.Payload,
	})
	if err != nil {
		return protocol.Frame{}, err
	}

	if err := conn.Send(ctx, req); err != nil {
		if !errors.HasCode(err, errors.ErrTransport) {
			err = errFactory.Wrap(errors.ErrTransport, err)
		}
		return protocol.Frame{}, err
	}

	for {
		raw, err := conn.Receive(ctx)
		if err != nil {
			if !errors.HasCode(err, errors.ErrTransport) {
				err = errFactory.Wrap(errors.ErrTransport, err)
			}
			return protocol.Frame{}, err
		}

		resp, err := protocol.Decode(raw)
		if err != nil {
			return protocol.Frame{}, err
		}

		if resp.SessionID != sessionID || resp.Sequence != seq || resp.Command != cmd.Code {
			m.log.Debug().
				Uint32("want_seq", seq).
				Uint32("got_seq", resp.Sequence).
				Str("command", resp.Command.String()).
				Msg("Discarding stale response")
			continue
		}

		return resp, nil
	}
}
