// Package server implements the dispatching side of a remoting channel.
//
// Request processing pipeline:
//
//	Accept conn → transport.Conn receive loop → Session.HandleFrame
//	  → for each request: go Dispatch (parallel processing)
//	    → middleware chain → invoke: target by routing tag, operation by
//	      opcode, Codec.Decode, reflect call → Codec.Encode → RESPONSE
//
// Add-listener operations install a remote listener that pushes NOTIFICATION
// frames back over the same connection.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mbean-remoting/message"
	"mbean-remoting/middleware"
	"mbean-remoting/opcode"
	"mbean-remoting/registry"
	"mbean-remoting/rpcerr"
	"mbean-remoting/transport"
)

// Server dispatches requests to the targets registered under routing tags.
type Server struct {
	reg    *opcode.Registry
	opts   options
	logger *zap.Logger

	mu            sync.RWMutex
	targets       map[string]*target
	middlewares   []middleware.Middleware
	listener      net.Listener
	sessions      map[*Session]*transport.Conn
	dir           registry.Registry
	advertiseAddr string

	drain    sync.Mutex     // orders inflight.Add against the shutdown flag
	inflight sync.WaitGroup // requests being dispatched
	watchers sync.WaitGroup // one per connection, until it dies
	shutdown atomic.Bool
}

// NewServer returns a server for the operations of reg.
func NewServer(reg *opcode.Registry, opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		reg:      reg,
		opts:     o,
		logger:   o.logger,
		targets:  make(map[string]*target),
		sessions: make(map[*Session]*transport.Conn),
	}
}

// Register makes rcvr the target of routing; "" is the default target. rcvr
// must implement every operation of the registry with the same signature,
// otherwise a configuration error is returned.
func (s *Server) Register(routing string, rcvr any) error {
	if len(routing) > message.MaxRoutingLen {
		return errors.Annotatef(rpcerr.Configuration, "routing tag of %d bytes", len(routing))
	}
	t, err := newTarget(s.reg, routing, rcvr)
	if err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[routing]; ok {
		return errors.AlreadyExistsf("target for routing %q", routing)
	}
	s.targets[routing] = t
	return nil
}

func (s *Server) target(routing string) (*target, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[routing]
	return t, ok
}

// Use appends a middleware. Sessions created afterwards run it.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.mu.Unlock()
}

func (s *Server) removeOperation() (byte, opcode.Operation, bool) {
	for code, op := range s.reg.Operations() {
		if op.Listener == opcode.ListenerRemove {
			return byte(code), op, true
		}
	}
	return 0, opcode.Operation{}, false
}

// Serve listens on address and serves until Shutdown. With a non-nil dir,
// every routing tag is advertised at advertiseAddr, which unlike a listen
// address such as ":8080" must be routable.
func (s *Server) Serve(network, address, advertiseAddr string, dir registry.Registry) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return errors.Trace(err)
	}
	return s.ServeListener(l, advertiseAddr, dir)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(l net.Listener, advertiseAddr string, dir registry.Registry) error {
	s.mu.Lock()
	s.listener = l
	s.dir = dir
	s.advertiseAddr = advertiseAddr
	tags := s.tagsLocked()
	s.mu.Unlock()

	if dir != nil {
		ep := registry.Endpoint{
			Addr:        advertiseAddr,
			Fingerprint: s.reg.Fingerprint(),
			Codec:       s.opts.codec.String(),
		}
		for _, tag := range tags {
			if err := dir.Register(context.Background(), tag, ep, s.opts.leaseTTL); err != nil {
				_ = l.Close()
				return errors.Annotatef(err, "advertise routing %q", tag)
			}
		}
	}
	s.logger.Info("serving", zap.Stringer("addr", l.Addr()), zap.Strings("routing", tags))

	for {
		conn, err := l.Accept()
		if err != nil {
			// Closing the listener is how Shutdown stops this loop.
			if s.shutdown.Load() {
				return nil
			}
			return errors.Trace(err)
		}
		s.ServeConn(conn)
	}
}

func (s *Server) tagsLocked() []string {
	tags := make([]string, 0, len(s.targets))
	for tag := range s.targets {
		tags = append(tags, tag)
	}
	return tags
}

// ServeConn serves a single connection in the background.
func (s *Server) ServeConn(nc net.Conn) *Session {
	conn := transport.NewConn(nc,
		transport.WithClock(s.opts.clock),
		transport.WithLogger(s.logger),
		transport.WithCodec(s.opts.codec),
		transport.WithHeartbeat(s.opts.heartbeat),
		transport.WithIdleTimeout(s.opts.idleTimeout),
	)
	sess := s.NewSession(conn)

	s.mu.Lock()
	s.sessions[sess] = conn
	s.mu.Unlock()
	s.opts.metrics.sessionOpened()
	conn.Start(sess)
	if s.shutdown.Load() {
		_ = conn.Close()
	}

	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		<-conn.Dead()
		sess.Close()
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		s.opts.metrics.sessionClosed()
		s.logger.Debug("session closed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(conn.Err()))
	}()
	return sess
}

// begin admits a request for dispatch. Once Shutdown has started nothing is
// admitted, so the in-flight count can only fall.
func (s *Server) begin() bool {
	s.drain.Lock()
	defer s.drain.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.inflight.Add(1)
	return true
}

// Addr returns the listening address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Shutdown stops the server gracefully:
//  1. withdraw the advertised endpoints, so clients stop resolving here
//  2. stop accepting connections
//  3. wait up to timeout for in-flight requests; new ones are answered
//     with a channel closed error
//  4. close every session, which detaches its remote listeners
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.RLock()
	dir, addr, tags, l := s.dir, s.advertiseAddr, s.tagsLocked(), s.listener
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if dir != nil {
		for _, tag := range tags {
			if err := dir.Deregister(ctx, tag, addr); err != nil {
				s.logger.Warn("cannot withdraw endpoint", zap.String("routing", tag), zap.Error(err))
			}
		}
	}

	s.drain.Lock()
	s.shutdown.Store(true)
	s.drain.Unlock()
	if l != nil {
		_ = l.Close()
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-s.opts.clock.After(timeout):
		err = errors.Annotate(rpcerr.Timeout, "waiting for in-flight requests")
	}

	s.mu.RLock()
	var g errgroup.Group
	for _, conn := range s.sessions {
		g.Go(conn.Close)
	}
	s.mu.RUnlock()
	if cerr := g.Wait(); cerr != nil {
		s.logger.Debug("connection closed with error", zap.Error(cerr))
	}
	s.watchers.Wait()

	s.logger.Info("server stopped", zap.Error(err))
	return err
}
