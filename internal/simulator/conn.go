package simulator

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/ipmimon/internal/errors"
	"codeberg.org/mutker/ipmimon/internal/transport"
)

type dialerFunc func(ctx context.Context, address string) (transport.Conn, error)

func (f dialerFunc) Dial(ctx context.Context, address string) (transport.Conn, error) {
	return f(ctx, address)
}

// Dialer returns an in-memory transport.Dialer connected to c.
func (c *Controller) Dialer() transport.Dialer {
	return dialerFunc(func(ctx context.Context, address string) (transport.Conn, error) {
		errFactory := errors.New()

		c.mu.Lock()
		c.stats.Dials++
		unreachable := c.unreachable
		c.mu.Unlock()

		if unreachable {
			return nil, errFactory.WithData(errors.ErrTransport, "address="+address+" unreachable")
		}
		if err := ctx.Err(); err != nil {
			return nil, errFactory.Wrap(errors.ErrTransport, err)
		}

		return &pipeConn{
			c:      c,
			ready:  make(chan struct{}, 1),
			closed: make(chan struct{}),
		}, nil
	})
}

// pipeConn delivers requests to the controller synchronously and queues
// its answers like datagrams.
type pipeConn struct {
	c         *Controller
	mu        sync.Mutex // protects queue
	queue     [][]byte
	ready     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (p *pipeConn) Send(ctx context.Context, b []byte) error {
	errFactory := errors.New()

	select {
	case <-p.closed:
		return errFactory.WithMessage(errors.ErrTransport, "connection closed")
	default:
	}
	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(errors.ErrTransport, err)
	}

	p.c.begin()
	replies := p.c.Handle(append([]byte(nil), b...))
	if len(replies) == 0 {
		return nil
	}

	if latency := p.c.getLatency(); latency > 0 {
		time.AfterFunc(latency, func() { p.deliver(replies) })
	} else {
		p.deliver(replies)
	}

	return nil
}

func (p *pipeConn) deliver(replies [][]byte) {
	p.mu.Lock()
	p.queue = append(p.queue, replies...)
	p.mu.Unlock()

	select {
	case p.ready <- struct{}{}:
	default:
	}
}

func (p *pipeConn) Receive(ctx context.Context) ([]byte, error) {
	errFactory := errors.New()
	defer p.c.end()

	for {
		select {
		case <-p.closed:
			return nil, errFactory.WithMessage(errors.ErrTransport, "connection closed")
		default:
		}

		p.mu.Lock()
		if len(p.queue) > 0 {
			b := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return b, nil
		}
		p.mu.Unlock()

		select {
		case <-p.ready:
		case <-p.closed:
			return nil, errFactory.WithMessage(errors.ErrTransport, "connection closed")
		case <-ctx.Done():
			return nil, errFactory.Wrap(errors.ErrTransport, ctx.Err())
		}
	}
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
