package mbean

import (
	"context"
	"runtime"
	"runtime/debug"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"mbean-remoting/codec"
)

// RuntimeName is the name the runtime bean is usually registered under.
const RuntimeName = ObjectName("runtime:type=Runtime")

// NewRuntimeBean exposes the Go runtime of the current process.
func NewRuntimeBean(clk clock.Clock) *Bean {
	started := clk.Now()
	return NewBean().
		WithGetter("Uptime", func() any { return clk.Now().Sub(started).String() }).
		WithGetter("NumGoroutine", func() any { return runtime.NumGoroutine() }).
		WithGetter("GoVersion", func() any { return runtime.Version() }).
		WithGetter("HeapAlloc", func() any {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return int64(m.HeapAlloc)
		}).
		WithOperation("gc", func(ctx context.Context, params []any) (any, error) {
			runtime.GC()
			return nil, nil
		}).
		WithOperation("setGCPercent", func(ctx context.Context, params []any) (any, error) {
			if len(params) != 1 {
				return nil, errBadParams("setGCPercent", 1, len(params))
			}
			percent, err := intParam(params[0])
			if err != nil {
				return nil, err
			}
			return debug.SetGCPercent(percent), nil
		})
}

func errBadParams(op string, want, got int) error {
	return errors.NotValidf("%s with %d parameters, want %d", op, got, want)
}

func intParam(v any) (int, error) {
	n, err := codec.As[int](v)
	return n, errors.Trace(err)
}
