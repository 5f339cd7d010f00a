package mbean

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

const (
	InstanceNotFound      = errors.ConstError("instance not found")
	InstanceAlreadyExists = errors.ConstError("instance already exists")
	AttributeNotFound     = errors.ConstError("attribute not found")
	OperationNotFound     = errors.ConstError("operation not found")
	ListenerNotFound      = errors.ConstError("listener not found")
)

// DynamicMBean is a bean the Server can host.
type DynamicMBean interface {
	GetAttribute(ctx context.Context, attribute string) (any, error)
	SetAttribute(ctx context.Context, attribute Attribute) error
	Invoke(ctx context.Context, operation string, params []any) (any, error)
}

type registration struct {
	listener NotificationListener
	handback any
}

// Server is an in-memory bean registry implementing Connection.
type Server struct {
	domain string
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	beans     map[ObjectName]DynamicMBean
	listeners map[ObjectName][]registration
	sequence  int64
}

var _ Connection = (*Server)(nil)

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithClock(c clock.Clock) ServerOption {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates an empty server whose default domain is domain.
func NewServer(domain string, opts ...ServerOption) *Server {
	s := &Server{
		domain:    domain,
		clock:     clock.WallClock,
		logger:    zap.NewNop(),
		beans:     make(map[ObjectName]DynamicMBean),
		listeners: make(map[ObjectName][]registration),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterMBean adds bean under name. A name without a domain ("":...) is
// placed in the default domain.
func (s *Server) RegisterMBean(name ObjectName, bean DynamicMBean) (ObjectName, error) {
	if len(name) > 0 && name[0] == ':' {
		name = ObjectName(s.domain) + name
	}
	name, err := ParseObjectName(string(name))
	if err != nil {
		return "", errors.Trace(err)
	}
	if name.IsPattern() {
		return "", errors.NotValidf("pattern %q as bean name", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.beans[name]; ok {
		return "", errors.Annotatef(InstanceAlreadyExists, "%s", name)
	}
	s.beans[name] = bean
	s.logger.Debug("registered bean", zap.Stringer("name", name))
	return name, nil
}

func (s *Server) bean(name ObjectName) (DynamicMBean, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.beans[name]
	if !ok {
		return nil, errors.Annotatef(InstanceNotFound, "%s", name)
	}
	return b, nil
}

func (s *Server) GetAttribute(ctx context.Context, name ObjectName, attribute string) (any, error) {
	b, err := s.bean(name)
	if err != nil {
		return nil, err
	}
	return b.GetAttribute(ctx, attribute)
}

// SetAttribute updates the attribute and emits an attribute.change
// notification to the bean's listeners.
func (s *Server) SetAttribute(ctx context.Context, name ObjectName, attribute Attribute) error {
	b, err := s.bean(name)
	if err != nil {
		return err
	}
	old, err := b.GetAttribute(ctx, attribute.Name)
	if err != nil {
		return err
	}
	if err := b.SetAttribute(ctx, attribute); err != nil {
		return err
	}
	s.Emit(name, Notification{
		Type:    AttributeChangeType,
		Message: fmt.Sprintf("%s changed", attribute.Name),
		UserData: AttributeChange{
			Name:     attribute.Name,
			OldValue: old,
			NewValue: attribute.Value,
		},
	})
	return nil
}

func (s *Server) Invoke(ctx context.Context, name ObjectName, operation string, params []any) (any, error) {
	b, err := s.bean(name)
	if err != nil {
		return nil, err
	}
	return b.Invoke(ctx, operation, params)
}

func (s *Server) GetMBeanCount(ctx context.Context) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int32(len(s.beans)), nil
}

// QueryNames returns the names matched by pattern, sorted.
func (s *Server) QueryNames(ctx context.Context, pattern ObjectName) ([]ObjectName, error) {
	s.mu.Lock()
	names := make([]ObjectName, 0, len(s.beans))
	for name := range s.beans {
		if pattern.Matches(name) {
			names = append(names, name)
		}
	}
	s.mu.Unlock()
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names, nil
}

func (s *Server) IsRegistered(ctx context.Context, name ObjectName) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.beans[name]
	return ok, nil
}

func (s *Server) GetDefaultDomain(ctx context.Context) (string, error) {
	return s.domain, nil
}

// UnregisterMBean removes the bean and drops its listeners.
func (s *Server) UnregisterMBean(ctx context.Context, name ObjectName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.beans[name]; !ok {
		return errors.Annotatef(InstanceNotFound, "%s", name)
	}
	delete(s.beans, name)
	delete(s.listeners, name)
	return nil
}

func (s *Server) AddNotificationListener(ctx context.Context, name ObjectName, listener NotificationListener, handback any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.beans[name]; !ok {
		return errors.Annotatef(InstanceNotFound, "%s", name)
	}
	s.listeners[name] = append(s.listeners[name], registration{listener, handback})
	return nil
}

// RemoveNotificationListener removes every registration of listener on name.
func (s *Server) RemoveNotificationListener(ctx context.Context, name ObjectName, listener NotificationListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	regs := s.listeners[name]
	kept := regs[:0]
	for _, r := range regs {
		if r.listener != listener {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(regs) {
		return errors.Annotatef(ListenerNotFound, "on %s", name)
	}
	if len(kept) == 0 {
		delete(s.listeners, name)
	} else {
		s.listeners[name] = kept
	}
	return nil
}

// RemoveListener drops listener from every bean. Used when the listener's
// owner goes away without unregistering.
func (s *Server) RemoveListener(listener NotificationListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, regs := range s.listeners {
		kept := regs[:0]
		for _, r := range regs {
			if r.listener != listener {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(s.listeners, name)
		} else {
			s.listeners[name] = kept
		}
	}
}

// Emit stamps n with source, sequence and time and delivers it to every
// listener registered on source. Listeners are called outside the lock.
func (s *Server) Emit(source ObjectName, n Notification) {
	s.mu.Lock()
	s.sequence++
	n.Source = source
	n.Sequence = s.sequence
	if n.TimeStamp.IsZero() {
		n.TimeStamp = s.clock.Now()
	}
	regs := append([]registration(nil), s.listeners[source]...)
	s.mu.Unlock()

	for _, r := range regs {
		r.listener.HandleNotification(n, r.handback)
	}
}
