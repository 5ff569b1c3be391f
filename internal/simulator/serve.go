package simulator

import (
	"context"
	"net"
	"time"

	"codeberg.org/mutker/ipmimon/internal/errors"
	"codeberg.org/mutker/ipmimon/internal/protocol"
)

// Serve answers datagrams on pc until ctx is done. It returns nil on
// cancellation.
func (c *Controller) Serve(ctx context.Context, pc net.PacketConn) error {
	errFactory := errors.New()

	stop := context.AfterFunc(ctx, func() {
		_ = pc.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, protocol.MaxFrameSize+1)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errFactory.Wrap(errors.ErrTransport, err)
		}

		replies := c.Handle(append([]byte(nil), buf[:n]...))
		if len(replies) == 0 {
			continue
		}

		send := func() {
			for _, b := range replies {
				_, _ = pc.WriteTo(b, addr)
			}
		}
		if latency := c.getLatency(); latency > 0 {
			time.AfterFunc(latency, send)
		} else {
			send()
		}
	}
}
