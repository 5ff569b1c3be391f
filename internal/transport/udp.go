package transport

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"codeberg.org/mutker/ipmimon/internal/errors"
	"codeberg.org/mutker/ipmimon/internal/protocol"
)

const DefaultNetworkTimeout = 5 * time.Second

// UDPDialer dials management controllers over UDP.
type UDPDialer struct {
	// Timeout bounds Send and Receive when ctx has no deadline.
	Timeout time.Duration
}

type udpConn struct {
	conn    net.Conn
	timeout time.Duration
	buf     []byte
	mu      sync.Mutex // protects buf
}

func (d UDPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	errFactory := errors.New()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrTransport, err)
	}

	timeout := d.Timeout
	if timeout == 0 {
		timeout = DefaultNetworkTimeout
	}

	return &udpConn{
		conn:    conn,
		timeout: timeout,
		buf:     make([]byte, protocol.MaxFrameSize+1),
	}, nil
}

func (c *udpConn) Send(ctx context.Context, b []byte) error {
	errFactory := errors.New()

	stop := c.watch(ctx, c.conn.SetWriteDeadline)
	defer stop()

	if _, err := c.conn.Write(b); err != nil {
		return errFactory.Wrap(errors.ErrTransport, c.cause(ctx, err))
	}

	return nil
}

func (c *udpConn) Receive(ctx context.Context) ([]byte, error) {
	errFactory := errors.New()

	stop := c.watch(ctx, c.conn.SetReadDeadline)
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.conn.Read(c.buf)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrTransport, c.cause(ctx, err))
	}

	out := make([]byte, n)
	copy(out, c.buf[:n])

	return out, nil
}

func (c *udpConn) Close() error {
	return c.conn.Close()
}

// watch applies ctx's deadline (or the default timeout) and unblocks the
// pending call as soon as ctx is cancelled.
func (c *udpConn) watch(ctx context.Context, setDeadline func(time.Time) error) func() {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	_ = setDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		_ = setDeadline(time.Now())
	})

	return func() { stop() }
}

// cause prefers the context error over the deadline error it provoked.
func (c *udpConn) cause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return context.DeadlineExceeded
	}

	return err
}
