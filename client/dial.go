package client

import (
	"context"
	"net"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"mbean-remoting/opcode"
	"mbean-remoting/transport"
)

// Dial connects to addr over TCP and returns a client attached to the new
// connection.
func Dial(ctx context.Context, addr string, reg *opcode.Registry, opts ...Option) (*Client, error) {
	c, err := New(reg, opts...)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		_ = c.Close()
		return nil, errors.Annotatef(err, "dial %s", addr)
	}
	conn := transport.NewConn(nc,
		transport.WithCodec(c.opts.codec),
		transport.WithClock(c.opts.clock),
		transport.WithHeartbeat(c.opts.heartbeat),
		transport.WithLogger(c.logger),
	)
	conn.Start(c)
	if err := c.Attach(conn); err != nil {
		_ = conn.Close()
		_ = c.Close()
		return nil, errors.Trace(err)
	}
	c.logger.Info("connected", zap.String("addr", addr), zap.Stringer("codec", c.opts.codec))
	return c, nil
}
