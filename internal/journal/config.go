package journal

import (
	"time"

	"codeberg.org/mutker/ipmimon/internal/errors"
)

const (
	defaultDirPerm       = 0o755
	defaultPath          = "/var/lib/ipmimon/journal.db"
	defaultBatchSize     = 16
	defaultFlushInterval = 10 * time.Second
)

type Config struct {
	Enabled bool
	Path    string
	// BatchSize is how many entries are buffered before a write.
	BatchSize int
	// FlushInterval bounds how long an entry stays buffered.
	FlushInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Path:          defaultPath,
		BatchSize:     defaultBatchSize,
		FlushInterval: defaultFlushInterval,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if !c.Enabled {
		return nil
	}
	if c.Path == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 1 {
		return errFactory.WithData(ErrInvalidConfig, "batch_size must be at least 1")
	}
	if c.FlushInterval < 0 {
		return errFactory.WithData(ErrInvalidConfig, "flush_interval must not be negative")
	}

	return nil
}
