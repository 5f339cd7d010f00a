package client

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"mbean-remoting/mbean"
	"mbean-remoting/message"
	"mbean-remoting/opcode"
	"mbean-remoting/rpcerr"
)

// pending is the correlation state of one outstanding request. Exactly one of
// gate and listener is set.
type pending struct {
	opcode    byte
	op        opcode.Operation
	createdAt time.Time
	gate      *gate                  // synchronous call
	listener  mbean.ResponseListener // asynchronous call
	sub       *subscription          // registration created by this request; dropped if it fails
}

func (p *pending) mode() string {
	if p.gate != nil {
		return "sync"
	}
	return "async"
}

// gate blocks a synchronous caller until its outcome is known. The outcome is
// stored before done is closed, so a woken caller always reads it.
type gate struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

func newGate() *gate {
	return &gate{done: make(chan struct{})}
}

func (g *gate) release(value any, err error) {
	g.once.Do(func() {
		g.value, g.err = value, err
		close(g.done)
	})
}

// Call invokes operation synchronously and returns its value, nil for
// operations that only return an error.
//
// The call is bounded by the client timeout or the context deadline,
// whichever comes first, and fails with rpcerr.Timeout when that passes. A
// remote failure is returned as *rpcerr.RemoteError.
func (c *Client) Call(ctx context.Context, operation string, args ...any) (any, error) {
	code, op, err := c.operation(operation)
	if err != nil {
		return nil, err
	}
	p := &pending{gate: newGate()}
	id, err := c.send(ctx, code, op, args, p)
	if err != nil {
		return nil, err
	}

	select {
	case <-p.gate.done:
	case <-ctx.Done():
		if _, ok := c.pending.Remove(id); ok {
			c.dropSubscription(p.sub)
			err := ctx.Err()
			if err == context.DeadlineExceeded {
				c.opts.metrics.completed(p, outcomeTimeout)
				return nil, errors.Annotatef(rpcerr.Timeout, "%s (id %d)", op.Name, id)
			}
			c.opts.metrics.completed(p, outcomeCancelled)
			return nil, errors.Trace(err)
		}
		// Someone else removed the entry and owns the completion; it is about
		// to release the gate.
		<-p.gate.done
	}
	return p.gate.value, p.gate.err
}

// Go invokes operation asynchronously and returns its correlation id. The
// outcome is delivered to the bound ResponseListener: the operation's acceptor
// on success, OnException on failure, OnTimeout if no response arrives in
// time. An error returned here means the request was never sent and the
// listener will not hear about it.
func (c *Client) Go(ctx context.Context, operation string, args ...any) (int32, error) {
	if c.acceptors == nil {
		return 0, errors.Annotate(rpcerr.Configuration, "no response listener bound")
	}
	code, op, err := c.operation(operation)
	if err != nil {
		return 0, err
	}
	return c.send(ctx, code, op, args, &pending{listener: c.opts.listener})
}

func (c *Client) operation(name string) (byte, opcode.Operation, error) {
	code, ok := c.reg.OpcodeOf(name)
	if !ok {
		return 0, opcode.Operation{}, errors.Annotatef(rpcerr.UnknownOpcode, "operation %q", name)
	}
	op, _ := c.reg.Operation(code)
	return code, op, nil
}

// send registers p and writes the REQUEST frame. The pending entry goes in
// before the frame goes out, so a fast response always finds it.
func (c *Client) send(ctx context.Context, code byte, op opcode.Operation, args []any, p *pending) (int32, error) {
	if len(args) != len(op.Params) {
		return 0, errors.NotValidf("%s with %d arguments, want %d", op.Name, len(args), len(op.Params))
	}
	ch, err := c.live()
	if err != nil {
		return 0, err
	}

	ttl := c.opts.timeout
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left <= 0 {
			return 0, errors.Annotatef(rpcerr.Timeout, "%s: deadline passed before sending", op.Name)
		}
		if ttl <= 0 || left < ttl {
			ttl = left
		}
	}

	id := c.nextID.Add(1)
	p.opcode = code
	p.op = op
	p.createdAt = c.opts.clock.Now()

	args, err = c.substitute(id, op, args, p)
	if err != nil {
		return 0, err
	}
	payload, err := c.codec.Encode(args...)
	if err != nil {
		c.dropSubscription(p.sub)
		return 0, errors.Annotatef(err, "encode %s", op.Name)
	}
	frame := message.Frame{
		Kind:          message.KindRequest,
		Routing:       c.opts.routing,
		CorrelationID: id,
		Opcode:        code,
		Payload:       payload,
	}
	data, err := frame.Marshal()
	if err != nil {
		c.dropSubscription(p.sub)
		return 0, errors.Trace(err)
	}

	// Counted before Put so a fast response cannot complete it first.
	c.opts.metrics.sent(p)
	c.pending.Put(id, p, ttl)

	// The client may have failed between live() and Put; if the drain missed
	// this entry it is ours to fail.
	if c.closed.Load() {
		return c.abort(id, p, errors.Annotate(rpcerr.ChannelClosed, "client closed"))
	}
	if err := ch.Send(data); err != nil {
		return c.abort(id, p, err)
	}
	c.logger.Debug("request sent",
		zap.Int32("id", id),
		zap.String("operation", op.Name),
		zap.Duration("timeout", ttl),
	)
	return id, nil
}

// abort takes back a request that could not be sent. If the entry is already
// gone its completer has reported the outcome.
func (c *Client) abort(id int32, p *pending, err error) (int32, error) {
	if _, ok := c.pending.Remove(id); !ok {
		return id, nil
	}
	c.dropSubscription(p.sub)
	c.opts.metrics.completed(p, outcomeClosed)
	return 0, errors.Trace(err)
}

// expired is the pending map's expiry listener.
func (c *Client) expired(id int32, p *pending) {
	c.logger.Debug("request timed out",
		zap.Int32("id", id),
		zap.String("operation", p.op.Name),
	)
	c.opts.metrics.completed(p, outcomeTimeout)
	c.dropSubscription(p.sub)
	if p.gate != nil {
		elapsed := c.opts.clock.Now().Sub(p.createdAt)
		p.gate.release(nil, errors.Annotatef(rpcerr.Timeout, "%s (id %d) after %v", p.op.Name, id, elapsed))
		return
	}
	c.callback(id, func() { p.listener.OnTimeout(id) })
}

// fail completes p with err.
func (c *Client) fail(id int32, p *pending, err error) {
	outcome := outcomeClosed
	if _, ok := rpcerr.IsRemote(err); ok {
		outcome = outcomeRemoteError
	} else if errors.Is(err, rpcerr.Decode) {
		outcome = outcomeDecodeError
	}
	c.opts.metrics.completed(p, outcome)
	c.dropSubscription(p.sub)
	if p.gate != nil {
		p.gate.release(nil, err)
		return
	}
	c.callback(id, func() { p.listener.OnException(id, err) })
}

// callback runs listener code so that a panic cannot take down the receive
// loop or a timer goroutine.
func (c *Client) callback(id int32, f func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("listener panicked", zap.Int32("id", id), zap.Any("panic", r))
		}
	}()
	f()
}
