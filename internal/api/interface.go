package api

import (
	"context"

	"codeberg.org/mutker/ipmimon/internal/channel"
)

// Engine is the monitor surface the HTTP API serves.
type Engine interface {
	Get(id channel.ID) (channel.Value, bool)
	Snapshot() []channel.Value
	SetPowerCap(ctx context.Context, watts int) error
	Summary() string
	Address() string
	Stopped() bool
	LastError() error
}
