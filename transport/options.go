package transport

import (
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"mbean-remoting/codec"
)

type options struct {
	clock        clock.Clock
	logger       *zap.Logger
	codec        codec.CodecType
	heartbeat    time.Duration
	idleTimeout  time.Duration
	writeTimeout time.Duration
}

// Option configures a Conn.
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

// WithCodec sets the codec outbound frames are labelled with until the peer
// has sent its first frame.
func WithCodec(ct codec.CodecType) Option {
	return func(o *options) {
		o.codec = ct
	}
}

// WithHeartbeat sends a heartbeat every d. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) {
		o.heartbeat = d
	}
}

// WithIdleTimeout kills the Conn if nothing, heartbeats included, arrives for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// WithWriteTimeout bounds each write to the stream.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}
