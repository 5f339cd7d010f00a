package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mbean-remoting/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Frame) *message.Result {
			start := time.Now()
			res := next(ctx, req)
			fields := []zap.Field{
				zap.String("routing", req.Routing),
				zap.Int32("id", req.CorrelationID),
				zap.Uint8("opcode", req.Opcode),
				zap.Duration("duration", time.Since(start)),
			}
			if res.Err != nil {
				logger.Info("request failed", append(fields, zap.Error(res.Err))...)
				return res
			}
			logger.Debug("request served", fields...)
			return res
		}
	}
}
