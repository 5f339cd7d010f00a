package middleware

import (
	"context"
	"time"

	"github.com/juju/errors"

	"mbean-remoting/message"
	"mbean-remoting/rpcerr"
)

// TimeOutMiddleware answers with a timeout once the handler has run for
// longer than timeout. The handler's context is cancelled at that point but
// the handler itself is not waited for.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Frame) *message.Result {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Result, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case res := <-done:
				return res
			case <-ctx.Done():
				return &message.Result{Err: errors.Annotatef(rpcerr.Timeout, "handler exceeded %v", timeout)}
			}
		}
	}
}
