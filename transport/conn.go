// Package transport implements the byte channel that carries wire frames
// between two peers.
//
// A Conn owns one net.Conn. Outbound frames from any number of goroutines are
// serialized by a write lock, so each envelope hits the stream whole. A single
// receive loop reads envelopes and hands each frame to the Handler, which is
// where the client demultiplexer or the server session plugs in:
//
//	goroutine-1 ──Send(frame)──┐
//	goroutine-2 ──Send(frame)──┼──→ single TCP conn ──→ peer
//	goroutine-3 ──Send(frame)──┘
//
//	recvLoop:  ←── envelope → Handler.HandleFrame(codec, frame)
//
// The Conn dies when the stream breaks, when a write fails, or on Close. Once
// dead every Send fails with rpcerr.ChannelClosed.
package transport

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"mbean-remoting/codec"
	"mbean-remoting/protocol"
	"mbean-remoting/rpcerr"
)

// Handler consumes inbound frames. It runs on the receive loop and must not
// block for long.
type Handler interface {
	HandleFrame(ct codec.CodecType, frame []byte)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ct codec.CodecType, frame []byte)

func (f HandlerFunc) HandleFrame(ct codec.CodecType, frame []byte) { f(ct, frame) }

// Channel is what dispatchers need from a transport: a way to send frames and
// a way to learn that the peer is gone.
type Channel interface {
	Send(frame []byte) error
	Dead() <-chan struct{}
	Err() error
	Close() error
}

// Conn is a Channel over a net.Conn.
type Conn struct {
	conn   net.Conn
	opts   options
	logger *zap.Logger

	// Codec label for outbound envelopes: the configured codec until the peer
	// sends something, then whatever the peer uses.
	codec atomic.Uint32

	sending sync.Mutex // Whole envelopes only; a header of one frame followed by the body of another corrupts the stream
	start   chan Handler
	started atomic.Bool
	tomb    tomb.Tomb
}

// NewConn wraps conn. Outbound frames can be sent right away; inbound frames
// are read once Start supplies a handler.
func NewConn(conn net.Conn, opts ...Option) *Conn {
	o := options{
		clock:  clock.WallClock,
		logger: zap.NewNop(),
		codec:  codec.CodecTypeBinary,
	}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Conn{
		conn:   conn,
		opts:   o,
		logger: o.logger.With(zap.Stringer("remote", conn.RemoteAddr())),
		start:  make(chan Handler, 1),
	}
	c.codec.Store(uint32(o.codec))

	c.tomb.Go(c.closeLoop)
	c.tomb.Go(c.recvLoop)
	if o.heartbeat > 0 {
		c.tomb.Go(c.heartbeatLoop)
	}
	return c
}

// Start begins delivering inbound frames to h. Only the first call has an
// effect.
func (c *Conn) Start(h Handler) {
	if c.started.CompareAndSwap(false, true) {
		c.start <- h
	}
}

// Codec returns the codec outbound frames are labelled with.
func (c *Conn) Codec() codec.CodecType {
	return codec.CodecType(c.codec.Load())
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send writes one frame. It fails with rpcerr.ChannelClosed once the Conn is
// dead; a write error kills the Conn.
func (c *Conn) Send(frame []byte) error {
	return c.write(protocol.MsgTypeFrame, frame)
}

func (c *Conn) write(mt protocol.MsgType, body []byte) error {
	select {
	case <-c.tomb.Dying():
		return errors.Annotate(rpcerr.ChannelClosed, "send")
	default:
	}

	c.sending.Lock()
	defer c.sending.Unlock()

	if c.opts.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	}
	header := protocol.Header{
		CodecType: byte(c.codec.Load()),
		MsgType:   mt,
	}
	if err := protocol.Encode(c.conn, &header, body); err != nil {
		c.tomb.Kill(errors.Annotate(err, "write"))
		return errors.Annotatef(rpcerr.ChannelClosed, "send: %v", err)
	}
	return nil
}

// Dead is closed once the Conn has stopped.
func (c *Conn) Dead() <-chan struct{} {
	return c.tomb.Dead()
}

// Err returns why the Conn died; nil while alive or after a clean Close.
func (c *Conn) Err() error {
	err := c.tomb.Err()
	if err == tomb.ErrStillAlive {
		return nil
	}
	return err
}

// Close stops the loops and closes the underlying connection.
func (c *Conn) Close() error {
	c.tomb.Kill(nil)
	return c.tomb.Wait()
}

// closeLoop closes the net.Conn when the tomb starts dying, which unblocks a
// receive loop stuck in a read.
func (c *Conn) closeLoop() error {
	<-c.tomb.Dying()
	if err := c.conn.Close(); err != nil {
		c.logger.Debug("close connection", zap.Error(err))
	}
	return nil
}

// recvLoop is the only reader of the stream: envelope boundaries can only be
// found by reading sequentially.
func (c *Conn) recvLoop() error {
	var h Handler
	select {
	case h = <-c.start:
	case <-c.tomb.Dying():
		return nil
	}

	for {
		if c.opts.idleTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
		}
		header, body, err := protocol.Decode(c.conn)
		if err != nil {
			select {
			case <-c.tomb.Dying():
				return nil
			default:
			}
			if err == io.EOF {
				return errors.Annotate(rpcerr.ChannelClosed, "peer closed the connection")
			}
			// A bad envelope leaves the stream at an unknown offset; there is no
			// way to resynchronize.
			c.logger.Warn("receive failed", zap.Error(err))
			return errors.Trace(err)
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		c.codec.Store(uint32(header.CodecType))
		h.HandleFrame(codec.CodecType(header.CodecType), body)
	}
}

// heartbeatLoop keeps an otherwise idle connection from tripping the peer's
// idle timeout.
func (c *Conn) heartbeatLoop() error {
	for {
		select {
		case <-c.tomb.Dying():
			return nil
		case <-c.opts.clock.After(c.opts.heartbeat):
		}
		if err := c.write(protocol.MsgTypeHeartbeat, nil); err != nil {
			c.logger.Warn("heartbeat failed", zap.Error(err))
			return nil
		}
	}
}
