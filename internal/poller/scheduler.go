// Package poller runs the periodic sensor poll and publishes results to
// the channel registry.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/ipmimon/internal/channel"
	"codeberg.org/mutker/ipmimon/internal/errors"
	"codeberg.org/mutker/ipmimon/internal/logger"
	"codeberg.org/mutker/ipmimon/internal/protocol"
	"codeberg.org/mutker/ipmimon/internal/session"
	"github.com/temoto/alive/v2"
	"golang.org/x/sync/semaphore"
)

// State is the scheduler lifecycle state. Stopped is terminal.
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}

	return "unknown"
}

// Result is the outcome of one read in a tick.
type Result struct {
	ID    channel.ID
	Value any
	Err   error
}

// TickResult summarizes one tick.
type TickResult struct {
	Start    time.Time
	Duration time.Duration
	// SessionErr is set when no session could be established.
	SessionErr error
	Reads      []Result
	// Connected is the published CONNECTION_STATUS; meaningless if Aborted.
	Connected bool
	// Aborted ticks were cancelled and published nothing.
	Aborted bool
}

// Failed counts reads that did not yield a value.
func (r TickResult) Failed() int {
	n := 0
	for _, read := range r.Reads {
		if read.Err != nil {
			n++
		}
	}

	return n
}

// Err returns the session error or the first read error.
func (r TickResult) Err() error {
	if r.SessionErr != nil {
		return r.SessionErr
	}
	for _, read := range r.Reads {
		if read.Err != nil {
			return read.Err
		}
	}

	return nil
}

type Options struct {
	Session  session.Client
	Registry *channel.Registry
	// Lock is the wire lock shared with the command gateway.
	Lock    *semaphore.Weighted
	Sensors Sensors
	Logger  logger.Logger
	// OnTick is called after each completed tick is published.
	OnTick func(TickResult)
}

// Scheduler polls the controller on a fixed interval.
type Scheduler struct {
	client   session.Client
	registry *channel.Registry
	lock     *semaphore.Weighted
	plan     []read
	log      logger.Logger
	onTick   func(TickResult)

	state     atomic.Int32
	ticks     atomic.Uint64
	connected atomic.Bool

	mu      sync.Mutex // protects alive, cancel, lastErr
	alive   *alive.Alive
	cancel  context.CancelFunc
	lastErr error
}

func New(opts Options) *Scheduler {
	s := &Scheduler{
		client:   opts.Session,
		registry: opts.Registry,
		lock:     opts.Lock,
		plan:     buildPlan(opts.Sensors),
		log:      opts.Logger,
		onTick:   opts.OnTick,
	}

	if s.lock == nil {
		s.lock = semaphore.NewWeighted(1)
	}
	if s.log == nil {
		s.log = logger.Nop()
	}

	return s
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Ticks counts completed ticks.
func (s *Scheduler) Ticks() uint64 {
	return s.ticks.Load()
}

// LastError is the first error of the most recent completed tick, if any.
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastErr
}

// Start launches the poll loop. Starting a scheduler that is not Idle is a no-op.
func (s *Scheduler) Start(interval time.Duration) error {
	errFactory := errors.New()

	if interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, interval.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != Idle {
		s.log.Debug().Str("state", s.State().String()).Msg("Scheduler already started")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.alive = alive.NewAlive()
	s.cancel = cancel
	if !s.alive.Add(1) {
		cancel()
		return errFactory.New(errors.ErrInitFailed)
	}
	s.state.Store(int32(Running))

	go s.loop(ctx, interval)

	s.log.Info().Dur("interval", interval).Msg("Polling started")

	return nil
}

// Stop cancels the loop, interrupting any in-flight I/O, and waits for it
// to exit. Safe to call from any goroutine and more than once; a scheduler
// that never started stays Idle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	a := s.alive
	if a == nil {
		s.mu.Unlock()
		return
	}
	if s.State() == Running {
		s.state.Store(int32(Stopping))
		s.cancel()
		a.Stop()
	}
	s.mu.Unlock()

	a.Wait()

	if s.state.CompareAndSwap(int32(Stopping), int32(Stopped)) {
		s.log.Info().Uint64("ticks", s.Ticks()).Msg("Polling stopped")
	}
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration) {
	defer s.alive.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		s.Tick(ctx)

		// overdue ticks run immediately
		timer.Reset(time.Until(start.Add(interval)))
	}
}

// Tick runs one poll: the I/O phase under the wire lock, then publication.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	res := TickResult{Start: time.Now()}

	if err := s.lock.Acquire(ctx, 1); err != nil {
		res.Aborted = true
		return res
	}
	s.collect(ctx, &res)
	s.lock.Release(1)

	res.Duration = time.Since(res.Start)

	if ctx.Err() != nil {
		res.Aborted = true
		s.log.Debug().Msg("Tick aborted")
		return res
	}

	s.publish(res)

	return res
}

func (s *Scheduler) collect(ctx context.Context, res *TickResult) {
	if _, err := s.client.Ensure(ctx); err != nil {
		res.SessionErr = err
		return
	}

	res.Connected = true
	transportFailures := 0

	for _, r := range s.plan {
		if ctx.Err() != nil {
			return
		}

		value, err := s.read(ctx, r)
		res.Reads = append(res.Reads, Result{ID: r.id, Value: value, Err: err})
		if err == nil {
			continue
		}

		if errors.HasCode(err, errors.ErrTransport) {
			transportFailures++
		}
		if status, ok := protocol.StatusOf(err); ok && status == protocol.StatusInvalidSession {
			// the session manager has already dropped the session
			res.Connected = false
			return
		}
	}

	if transportFailures == len(s.plan) {
		s.client.Invalidate()
		res.Connected = false
	}
}

func (s *Scheduler) read(ctx context.Context, r read) (any, error) {
	resp, err := s.client.Exchange(ctx, r.cmd)
	if err != nil {
		return nil, err
	}
	if err := protocol.CheckStatus(resp); err != nil {
		return nil, err
	}

	value, err := r.decode(resp.Payload)
	if err != nil {
		return nil, err
	}

	// a reconnect starts a new baseline, the controller may have reset the counter
	if r.id == channel.EnergyTotal && s.connected.Load() {
		if prev, ok := s.registry.Get(channel.EnergyTotal); ok {
			if last, _ := prev.Int64(); value.(int64) < last {
				return nil, errors.New().WithData(errors.ErrCorruptResponse, "energy counter went backwards")
			}
		}
	}

	return value, nil
}

func (s *Scheduler) publish(res TickResult) {
	for _, r := range res.Reads {
		if r.Err != nil {
			s.log.Debug().Str("channel", r.ID.String()).Err(r.Err).Msg("Read failed")
			continue
		}
		if err := s.registry.Set(r.ID, r.Value); err != nil {
			s.log.Error().Str("channel", r.ID.String()).Err(err).Msg("Failed to publish value")
		}
	}

	if err := s.registry.Set(channel.ConnectionStatus, res.Connected); err != nil {
		s.log.Error().Err(err).Msg("Failed to publish connection status")
	}

	if was := s.connected.Swap(res.Connected); was != res.Connected {
		if res.Connected {
			s.log.Info().Msg("Controller connected")
		} else {
			s.log.Warn().Err(res.Err()).Msg("Controller connection lost")
		}
	}

	s.mu.Lock()
	s.lastErr = res.Err()
	s.mu.Unlock()

	s.ticks.Add(1)

	if s.onTick != nil {
		s.onTick(res)
	}
}
