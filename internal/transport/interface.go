package transport

import "context"

// Conn is a datagram exchange with one management controller.
// Send and Receive honor ctx cancellation and deadlines.
type Conn interface {
	Send(ctx context.Context, b []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a Conn to address ("host:port").
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}
