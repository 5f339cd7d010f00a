package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mbean-remoting/message"
	"mbean-remoting/rpcerr"
)

// RateLimitMiddleware sheds requests beyond r per second with a token bucket
// of size burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Frame) *message.Result {
			if !limiter.Allow() {
				return &message.Result{Err: rpcerr.RateLimited}
			}
			return next(ctx, req)
		}
	}
}
