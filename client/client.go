// Package client implements the calling side: it turns operations of the
// remote interface into REQUEST frames, correlates the RESPONSE frames that
// come back, and routes NOTIFICATION frames to registered listeners.
//
// A Client owns one correlation space. Every request gets the next id from a
// monotonic counter and a pending entry in a timeout map; the entry is removed
// exactly once, by whichever comes first of the response, the timeout, the
// caller giving up, or the channel dying:
//
//	Call ──→ pending[id]=gate ──→ Send(REQUEST id)
//	                                   │
//	HandleFrame(RESPONSE id) ──→ Remove(id) ──→ gate.release(result)
//	timeout(id)              ──→ expiry     ──→ gate.release(Timeout)
package client

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"mbean-remoting/codec"
	"mbean-remoting/mbean"
	"mbean-remoting/opcode"
	"mbean-remoting/rpcerr"
	"mbean-remoting/timeoutmap"
	"mbean-remoting/transport"
)

// Client is the Client Dispatcher and Demultiplexer for one channel.
type Client struct {
	reg       *opcode.Registry
	opts      options
	codec     codec.Codec
	logger    *zap.Logger
	acceptors *opcode.AcceptorTable // nil unless a ResponseListener is bound

	nextID  atomic.Int32
	pending *timeoutmap.Map[int32, *pending]

	notifications *timeoutmap.Map[int32, *subscription]
	subMu         sync.Mutex
	subs          map[subKey]*subscription

	attach  chan transport.Channel
	channel atomic.Pointer[channelRef]
	closed  atomic.Bool
	tomb    tomb.Tomb
}

type channelRef struct {
	transport.Channel
}

// New builds a client for the operations of reg. A bound ResponseListener is
// checked against every operation; a missing acceptor is a configuration
// error.
func New(reg *opcode.Registry, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		reg:    reg,
		opts:   o,
		codec:  codec.GetCodec(o.codec),
		logger: o.logger,
		subs:   make(map[subKey]*subscription),
		attach: make(chan transport.Channel, 1),
	}
	if o.listener != nil {
		table, err := opcode.NewAcceptorTable(reg, reflect.TypeOf(o.listener))
		if err != nil {
			return nil, errors.Trace(err)
		}
		c.acceptors = table
	}

	c.pending = timeoutmap.New[int32, *pending](
		timeoutmap.WithClock(o.clock),
		timeoutmap.WithTTL(o.timeout),
		timeoutmap.WithLogger(o.logger),
	)
	c.pending.AddExpiryListener(timeoutmap.ListenerFunc[int32, *pending](c.expired))

	c.notifications = timeoutmap.New[int32, *subscription](
		timeoutmap.WithClock(o.clock),
		timeoutmap.WithTTL(o.notificationTTL),
		timeoutmap.WithLogger(o.logger),
	)
	c.notifications.AddExpiryListener(timeoutmap.ListenerFunc[int32, *subscription](c.subscriptionExpired))

	c.tomb.Go(c.loop)
	return c, nil
}

// Attach binds the client to ch. The client dies with the channel. Only the
// first call binds; later calls return an error.
func (c *Client) Attach(ch transport.Channel) error {
	if c.closed.Load() {
		return errors.Annotate(rpcerr.ChannelClosed, "attach")
	}
	if !c.channel.CompareAndSwap(nil, &channelRef{ch}) {
		return errors.AlreadyExistsf("channel")
	}
	c.attach <- ch
	return nil
}

// Close fails every outstanding request with rpcerr.ChannelClosed and closes
// the channel. It is local: nothing is sent to the peer.
func (c *Client) Close() error {
	c.tomb.Kill(nil)
	return c.tomb.Wait()
}

// Dead is closed once the client has stopped.
func (c *Client) Dead() <-chan struct{} {
	return c.tomb.Dead()
}

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int {
	return c.pending.Len()
}

func (c *Client) loop() error {
	var ch transport.Channel
	select {
	case ch = <-c.attach:
	case <-c.tomb.Dying():
		// Attach may have raced with Close.
		select {
		case ch := <-c.attach:
			_ = ch.Close()
		default:
		}
		c.shutdown(nil)
		return nil
	}

	var reason error
	select {
	case <-ch.Dead():
		reason = ch.Err()
		c.logger.Info("channel died", zap.Error(reason))
	case <-c.tomb.Dying():
		if err := ch.Close(); err != nil {
			c.logger.Debug("close channel", zap.Error(err))
		}
	}
	c.shutdown(reason)
	return nil
}

// shutdown moves the client to the failed state. The flag is raised before
// draining so a request inserted concurrently either sees the flag or is
// drained.
func (c *Client) shutdown(reason error) {
	c.closed.Store(true)
	cause := errors.Annotate(rpcerr.ChannelClosed, "client closed")
	if reason != nil {
		cause = errors.Annotatef(rpcerr.ChannelClosed, "%v", reason)
	}
	for id, p := range c.pending.Drain() {
		c.fail(id, p, cause)
	}
	c.notifications.Drain()
	c.subMu.Lock()
	c.subs = make(map[subKey]*subscription)
	c.subMu.Unlock()

	if c.opts.connListener != nil {
		c.opts.connListener.ConnectionClosed(reason)
	}
}

// live returns the attached channel, or rpcerr.ChannelClosed if there is none
// or the client has failed.
func (c *Client) live() (transport.Channel, error) {
	if c.closed.Load() {
		return nil, errors.Annotate(rpcerr.ChannelClosed, "client closed")
	}
	ref := c.channel.Load()
	if ref == nil {
		return nil, errors.Annotate(rpcerr.ChannelClosed, "no channel attached")
	}
	return ref.Channel, nil
}

var _ mbean.Connection = (*Client)(nil)
