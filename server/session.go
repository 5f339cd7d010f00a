package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"mbean-remoting/codec"
	"mbean-remoting/mbean"
	"mbean-remoting/message"
	"mbean-remoting/middleware"
	"mbean-remoting/opcode"
	"mbean-remoting/rpcerr"
)

// Sender writes frames to the peer. transport.Conn is one.
type Sender interface {
	Send(frame []byte) error
}

// listenerRemover is implemented by targets that can drop a listener from
// every bean at once, like mbean.Server.
type listenerRemover interface {
	RemoveListener(l mbean.NotificationListener)
}

type codecKey struct{}

// Session is the server side of one channel. It owns the remote listeners
// installed by its peer and removes them when the channel goes away.
type Session struct {
	srv     *Server
	out     Sender
	logger  *zap.Logger
	handler middleware.HandlerFunc
	codec   atomic.Uint32 // codec of the peer's latest frame, used for notifications

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[int32]*remoteListener
	closed    bool
}

// NewSession returns a session answering on out. The middleware chain is
// fixed at this point.
func (s *Server) NewSession(out Sender) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		srv:       s,
		out:       out,
		logger:    s.logger,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int32]*remoteListener),
	}
	sess.codec.Store(uint32(s.opts.codec))

	s.mu.RLock()
	sess.handler = middleware.Chain(s.middlewares...)(sess.invoke)
	s.mu.RUnlock()
	return sess
}

// HandleFrame implements transport.Handler. Every request runs on its own
// goroutine so a slow operation does not hold up the channel.
func (sess *Session) HandleFrame(ct codec.CodecType, data []byte) {
	sess.codec.Store(uint32(ct))
	f, err := message.Unmarshal(data)
	if err != nil {
		sess.logger.Warn("dropping undecodable frame", zap.Error(err))
		return
	}
	if f.Kind != message.KindRequest {
		sess.logger.Warn("dropping unexpected frame", zap.Stringer("kind", f.Kind), zap.Int32("id", f.CorrelationID))
		return
	}

	if !sess.srv.begin() {
		sess.reply(sess.refuse(ct, f))
		return
	}
	go func() {
		defer sess.srv.inflight.Done()
		sess.reply(sess.Dispatch(sess.ctx, ct, f))
	}()
}

func (sess *Session) reply(resp *message.Frame) {
	data, err := resp.Marshal()
	if err != nil {
		sess.logger.Error("cannot marshal response", zap.Int32("id", resp.CorrelationID), zap.Error(err))
		return
	}
	if err := sess.out.Send(data); err != nil {
		sess.logger.Warn("response lost", zap.Int32("id", resp.CorrelationID), zap.Error(err))
	}
}

// refuse answers a request that arrived after shutdown began.
func (sess *Session) refuse(ct codec.CodecType, req *message.Frame) *message.Frame {
	res := &message.Result{Err: errors.Annotate(rpcerr.ChannelClosed, "server shutting down")}
	return &message.Frame{
		Kind:          message.KindResponse,
		CorrelationID: req.CorrelationID,
		Opcode:        req.Opcode,
		Payload:       sess.encode(codec.GetCodec(ct), req, res),
	}
}

// Dispatch runs a REQUEST frame and returns its RESPONSE. It always returns a
// response mirroring the request's id and opcode; failures of any kind are
// carried as a RemoteError in the payload.
func (sess *Session) Dispatch(ctx context.Context, ct codec.CodecType, req *message.Frame) *message.Frame {
	res := sess.handler(context.WithValue(ctx, codecKey{}, ct), req)

	name := "unknown"
	if op, ok := sess.srv.reg.Operation(req.Opcode); ok {
		name = op.Name
	}
	sess.srv.opts.metrics.served(name, res.Err != nil)

	return &message.Frame{
		Kind:          message.KindResponse,
		CorrelationID: req.CorrelationID,
		Opcode:        req.Opcode,
		Payload:       sess.encode(codec.GetCodec(ct), req, res),
	}
}

func (sess *Session) encode(cdc codec.Codec, req *message.Frame, res *message.Result) []byte {
	var (
		payload []byte
		err     error
	)
	switch {
	case res.Err != nil:
		payload, err = cdc.Encode(rpcerr.NewRemoteError(res.Err))
	case res.Void:
	default:
		payload, err = cdc.Encode(res.Value)
		if err != nil {
			sess.logger.Warn("cannot encode result", zap.Int32("id", req.CorrelationID), zap.Error(err))
			payload, err = cdc.Encode(&rpcerr.RemoteError{Message: "encode result: " + err.Error()})
		}
	}
	if err != nil {
		// Only a RemoteError failed to encode; there is nothing smaller to send.
		sess.logger.Error("cannot encode error result", zap.Int32("id", req.CorrelationID), zap.Error(err))
		return nil
	}
	return payload
}

// invoke is the innermost handler: resolve target and operation, decode the
// arguments, swap registration ids for remote listeners, call.
func (sess *Session) invoke(ctx context.Context, req *message.Frame) *message.Result {
	tgt, ok := sess.srv.target(req.Routing)
	if !ok {
		return &message.Result{Err: errors.Annotatef(rpcerr.TargetNotFound, "routing %q", req.Routing)}
	}
	op, ok := sess.srv.reg.Operation(req.Opcode)
	if !ok {
		return &message.Result{Err: errors.Annotatef(rpcerr.UnknownOpcode, "opcode %d", req.Opcode)}
	}
	ct, _ := ctx.Value(codecKey{}).(codec.CodecType)
	args, err := codec.GetCodec(ct).Decode(req.Payload)
	if err != nil {
		return &message.Result{Err: err}
	}
	if len(args) != len(op.Params) {
		return &message.Result{Err: errors.Annotatef(rpcerr.Decode, "%s with %d arguments, want %d", op.Name, len(args), len(op.Params))}
	}

	if op.Listener == opcode.ListenerNone {
		return tgt.call(ctx, req.Opcode, op, args)
	}

	id, err := codec.As[int32](args[op.ListenerParam])
	if err != nil {
		return &message.Result{Err: errors.Annotatef(err, "%s registration id", op.Name)}
	}
	l, created := sess.listener(id, tgt, op, args)
	args = append([]any(nil), args...)
	args[op.ListenerParam] = l

	res := tgt.call(ctx, req.Opcode, op, args)
	switch {
	case op.Listener == opcode.ListenerAdd && res.Err != nil && created:
		sess.forget(id, l)
	case op.Listener == opcode.ListenerRemove && res.Err == nil:
		sess.forget(id, l)
	}
	return res
}

// listener returns the remote listener for registration id. Adds create it;
// a remove of an unknown id gets a throwaway instance the target will not
// recognise.
func (sess *Session) listener(id int32, tgt *target, op opcode.Operation, args []any) (*remoteListener, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if l, ok := sess.listeners[id]; ok {
		return l, false
	}
	l := &remoteListener{
		id:     id,
		sess:   sess,
		target: tgt,
		scope:  append([]any(nil), args[:op.ListenerParam]...),
	}
	if op.Listener == opcode.ListenerAdd && !sess.closed {
		sess.listeners[id] = l
		return l, true
	}
	return l, false
}

func (sess *Session) forget(id int32, l *remoteListener) {
	sess.mu.Lock()
	if sess.listeners[id] == l {
		delete(sess.listeners, id)
	}
	sess.mu.Unlock()
}

// notify pushes a NOTIFICATION frame for registration id.
func (sess *Session) notify(id int32, n mbean.Notification, handback any) {
	cdc := codec.GetCodec(codec.CodecType(sess.codec.Load()))
	payload, err := cdc.Encode(n, handback)
	if err != nil {
		sess.logger.Warn("cannot encode notification", zap.Int32("id", id), zap.Error(err))
		sess.srv.opts.metrics.notified(false)
		return
	}
	f := message.Frame{Kind: message.KindNotification, CorrelationID: id, Payload: payload}
	data, err := f.Marshal()
	if err == nil {
		err = sess.out.Send(data)
	}
	if err != nil {
		sess.logger.Warn("notification not sent", zap.Int32("id", id), zap.Error(err))
		sess.srv.opts.metrics.notified(false)
		return
	}
	sess.srv.opts.metrics.notified(true)
}

// Close cancels the session's requests and detaches every listener its peer
// installed. It is safe to call more than once.
func (sess *Session) Close() {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	listeners := sess.listeners
	sess.listeners = make(map[int32]*remoteListener)
	sess.mu.Unlock()
	sess.cancel()

	for _, l := range listeners {
		l.detach()
	}
	if len(listeners) > 0 {
		sess.logger.Debug("detached remote listeners", zap.Int("count", len(listeners)))
	}
}

// Listeners returns the number of remote listeners installed by the peer.
func (sess *Session) Listeners() int {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return len(sess.listeners)
}

// remoteListener stands in for a client-side listener. It forwards
// notifications to the peer under the client's registration id.
type remoteListener struct {
	id      int32
	sess    *Session
	target  *target
	scope   []any // arguments preceding the listener in the add call
	stopped atomic.Bool
}

func (l *remoteListener) HandleNotification(n mbean.Notification, handback any) {
	if l.stopped.Load() {
		return
	}
	l.sess.notify(l.id, n, handback)
}

// detach stops forwarding and takes the listener off its target.
func (l *remoteListener) detach() {
	l.stopped.Store(true)
	if r, ok := l.target.rcvr.Interface().(listenerRemover); ok {
		r.RemoveListener(l)
		return
	}
	code, op, ok := l.sess.srv.removeOperation()
	if !ok {
		return
	}
	args := append(append([]any(nil), l.scope...), l)
	if len(args) != len(op.Params) {
		return
	}
	if res := l.target.call(context.Background(), code, op, args); res.Err != nil {
		l.sess.logger.Debug("cannot detach listener", zap.Int32("id", l.id), zap.Error(res.Err))
	}
}
