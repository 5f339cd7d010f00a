package timeoutmap

import (
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
)

type options struct {
	clock  clock.Clock
	ttl    time.Duration
	logger *zap.Logger
}

// Option configures a Map.
type Option func(*options)

// WithClock schedules expiries on c instead of the wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithTTL sets the default time to live used when Put gets ttl <= 0.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithLogger sets the logger used to report misbehaving listeners.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
