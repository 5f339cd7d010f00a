package client

import (
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"mbean-remoting/codec"
	"mbean-remoting/mbean"
)

// DefaultTimeout bounds calls when no WithTimeout is given.
const DefaultTimeout = 30 * time.Second

type options struct {
	timeout         time.Duration
	notificationTTL time.Duration
	heartbeat       time.Duration
	clock           clock.Clock
	logger          *zap.Logger
	codec           codec.CodecType
	routing         string
	listener        mbean.ResponseListener
	connListener    mbean.ConnectionListener
	metrics         *Collector
}

func defaultOptions() options {
	return options{
		timeout: DefaultTimeout,
		clock:   clock.WallClock,
		logger:  zap.NewNop(),
		codec:   codec.CodecTypeBinary,
	}
}

// Option configures a Client.
type Option func(*options)

// WithTimeout bounds every call. A context deadline that comes sooner wins.
// Zero leaves calls bounded only by their context.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithNotificationTTL drops a listener registration when no notification has
// arrived for d. Zero keeps registrations until removed.
func WithNotificationTTL(d time.Duration) Option {
	return func(o *options) {
		o.notificationTTL = d
	}
}

// WithHeartbeat makes Dial send a heartbeat every d. Zero disables them.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) {
		o.heartbeat = d
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCodec selects the payload codec for requests.
func WithCodec(ct codec.CodecType) Option {
	return func(o *options) {
		o.codec = ct
	}
}

// WithRouting addresses every request to the target registered under tag on
// the server. Empty selects the default target.
func WithRouting(tag string) Option {
	return func(o *options) {
		o.routing = tag
	}
}

// WithResponseListener binds l for asynchronous calls made with Go.
func WithResponseListener(l mbean.ResponseListener) Option {
	return func(o *options) {
		o.listener = l
	}
}

// WithConnectionListener is told when the client stops.
func WithConnectionListener(l mbean.ConnectionListener) Option {
	return func(o *options) {
		o.connListener = l
	}
}

// WithMetrics records call outcomes in m.
func WithMetrics(m *Collector) Option {
	return func(o *options) {
		o.metrics = m
	}
}
