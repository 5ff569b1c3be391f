package session

import (
	"context"
	"net"
	"strconv"

	"codeberg.org/mutker/ipmimon/internal/protocol"
)

// Client is the session surface the poller and command gateway use.
// Callers serialize access with the wire lock.
type Client interface {
	// Ensure returns the active session, opening one if needed.
	Ensure(ctx context.Context) (*Session, error)
	// Exchange sends cmd under the active session and returns the matching response.
	Exchange(ctx context.Context, cmd protocol.Command) (protocol.Frame, error)
	// Invalidate drops the session so the next Ensure re-opens it.
	Invalidate()
	// Close ends the session best-effort and releases the connection.
	Close(ctx context.Context)
	State() State
}

// State is the session lifecycle state.
type State int32

const (
	Closed State = iota
	Opening
	Active
	Closing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case Active:
		return "active"
	case Closing:
		return "closing"
	}

	return "unknown"
}

// Endpoint identifies and authenticates against one management controller.
type Endpoint struct {
	Address  string
	Port     int
	Username string
	Password string
}

// HostPort returns the dial address of the endpoint.
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}
