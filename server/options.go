package server

import (
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"mbean-remoting/codec"
)

type options struct {
	clock       clock.Clock
	logger      *zap.Logger
	codec       codec.CodecType
	heartbeat   time.Duration
	idleTimeout time.Duration
	leaseTTL    int64
	metrics     *Collector
}

func defaultOptions() options {
	return options{
		clock:    clock.WallClock,
		logger:   zap.NewNop(),
		codec:    codec.CodecTypeBinary,
		leaseTTL: 10,
	}
}

type Option func(*options)

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

// WithCodec sets the codec used for notifications until the peer's first
// frame reveals its own.
func WithCodec(ct codec.CodecType) Option {
	return func(o *options) {
		o.codec = ct
	}
}

// WithHeartbeat makes every connection send a heartbeat at this interval.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) {
		o.heartbeat = d
	}
}

// WithIdleTimeout drops connections that stay silent for d, heartbeats
// included.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// WithLeaseTTL sets the lease, in seconds, of advertised endpoints.
func WithLeaseTTL(seconds int64) Option {
	return func(o *options) {
		if seconds > 0 {
			o.leaseTTL = seconds
		}
	}
}

func WithMetrics(m *Collector) Option {
	return func(o *options) {
		o.metrics = m
	}
}
