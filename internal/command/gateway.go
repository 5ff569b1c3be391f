// Package command sends operator commands to the controller, serialized
// against polling by the shared wire lock.
package command

import (
	"context"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/ipmimon/internal/channel"
	"codeberg.org/mutker/ipmimon/internal/errors"
	"codeberg.org/mutker/ipmimon/internal/journal"
	"codeberg.org/mutker/ipmimon/internal/logger"
	"codeberg.org/mutker/ipmimon/internal/protocol"
	"codeberg.org/mutker/ipmimon/internal/session"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

type Options struct {
	Session  session.Client
	Registry *channel.Registry
	// Lock is the wire lock shared with the poller.
	Lock    *semaphore.Weighted
	Journal journal.Recorder
	Logger  logger.Logger
}

// Gateway issues write commands. It never retries.
type Gateway struct {
	client   session.Client
	registry *channel.Registry
	lock     *semaphore.Weighted
	journal  journal.Recorder
	log      logger.Logger

	closed atomic.Bool
}

func New(opts Options) *Gateway {
	g := &Gateway{
		client:   opts.Session,
		registry: opts.Registry,
		lock:     opts.Lock,
		journal:  opts.Journal,
		log:      opts.Logger,
	}

	if g.lock == nil {
		g.lock = semaphore.NewWeighted(1)
	}
	if g.journal == nil {
		g.journal = journal.Nop()
	}
	if g.log == nil {
		g.log = logger.Nop()
	}

	return g
}

// SetPowerCap asks the controller to limit power draw to watts. On success
// POWER_LIMIT is updated; on any failure it is left alone.
func (g *Gateway) SetPowerCap(ctx context.Context, watts int) error {
	id := uuid.New()
	entry := &journal.Entry{
		ID:        id,
		Timestamp: time.Now(),
		Command:   protocol.CmdSetPowerCap.String(),
		Watts:     watts,
	}

	err := g.setPowerCap(ctx, watts)

	switch {
	case err == nil:
		entry.Outcome = journal.OutcomeAccepted
		g.log.Info().Str("command_id", id.String()).Int("watts", watts).Msg("Power cap applied")
	case errors.HasCode(err, errors.ErrInvalidArgument):
		entry.Outcome = journal.OutcomeInvalid
	case errors.HasCode(err, errors.ErrCommandRejected):
		entry.Outcome = journal.OutcomeRejected
	default:
		entry.Outcome = journal.OutcomeFailed
	}
	if err != nil {
		entry.Detail = err.Error()
		g.log.Warn().
			Str("command_id", id.String()).
			Int("watts", watts).
			Str("outcome", string(entry.Outcome)).
			Err(err).
			Msg("Power cap not applied")
	}

	if jerr := g.journal.Record(context.WithoutCancel(ctx), entry); jerr != nil {
		g.log.Error().Err(jerr).Str("command_id", id.String()).Msg("Failed to journal command")
	}

	return err
}

// Close refuses every later command. A command already holding the wire
// lock finishes; one still waiting for it fails with ErrUnavailable.
func (g *Gateway) Close() {
	g.closed.Store(true)
}

func (g *Gateway) setPowerCap(ctx context.Context, watts int) error {
	errFactory := errors.New()

	if watts < 0 {
		return errFactory.WithData(errors.ErrInvalidArgument, "watts must not be negative")
	}
	cmd, err := protocol.SetPowerCap(watts)
	if err != nil {
		return err
	}

	if err := g.lock.Acquire(ctx, 1); err != nil {
		return errFactory.Wrap(errors.ErrTransport, err)
	}
	defer g.lock.Release(1)

	if g.closed.Load() {
		return errFactory.WithMessage(errors.ErrUnavailable, "command gateway is closed")
	}

	if _, err := g.client.Ensure(ctx); err != nil {
		return err
	}

	resp, err := g.client.Exchange(ctx, cmd)
	if err != nil {
		return err
	}

	if err := protocol.CheckStatus(resp); err != nil {
		// unknown codes keep their own type inside the rejection
		return errFactory.Wrap(errors.ErrCommandRejected, err)
	}

	if err := g.registry.Set(channel.PowerLimit, watts); err != nil {
		return err
	}

	return nil
}
