// Package journal keeps an optional sqlite audit trail of the commands
// sent to the controller.
package journal

import (
	"context"

	"codeberg.org/mutker/ipmimon/internal/errors"
	"codeberg.org/mutker/ipmimon/internal/logger"
	"github.com/google/uuid"
)

type service struct {
	repo *repository
	cfg  Config
}

type noopRecorder struct{}

// New returns a sqlite-backed Recorder, or a no-op one when cfg is disabled.
func New(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if log == nil {
		log = logger.Nop()
	}

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Command journal disabled, using no-op recorder")
		return Nop(), nil
	}

	repo, err := newRepository(cfg, log)
	if err != nil {
		return nil, err
	}

	return &service{repo: repo, cfg: cfg}, nil
}

// Nop returns a Recorder that keeps nothing.
func Nop() Recorder {
	return noopRecorder{}
}

func (s *service) Record(ctx context.Context, entry *Entry) error {
	errFactory := errors.New()

	if entry == nil || entry.ID == uuid.Nil || entry.Command == "" {
		return errFactory.New(ErrInvalidEntry)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
	}

	return s.repo.Record(entry)
}

func (s *service) Recent(ctx context.Context, limit int) ([]Entry, error) {
	errFactory := errors.New()

	if limit < 1 {
		return nil, errFactory.WithData(errors.ErrInvalidArgument, "limit must be at least 1")
	}

	select {
	case <-ctx.Done():
		return nil, errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
	}

	return s.repo.Recent(limit)
}

func (s *service) Close() error {
	return s.repo.Close()
}

func (noopRecorder) Record(context.Context, *Entry) error { return nil }

func (noopRecorder) Recent(context.Context, int) ([]Entry, error) { return nil, nil }

func (noopRecorder) Close() error { return nil }
