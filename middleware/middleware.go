// Package middleware wraps the server's invocation handler.
package middleware

import (
	"context"

	"mbean-remoting/message"
)

// HandlerFunc runs one REQUEST frame and returns the outcome to encode in the
// RESPONSE. It never returns nil.
type HandlerFunc func(ctx context.Context, req *message.Frame) *message.Result

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
