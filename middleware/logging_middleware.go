package middleware

import (
	"context"
	"log"
	"time"

	"duplexrpc/message"
)

// LoggingMiddleware logs the service/method, duration, and any remote error
// for every request the wrapped handler services.
func LoggingMiddleware(logger *log.Logger) Middleware {
	if logger == nil {
		logger = log.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)
			logger.Printf("%s.%s: %s", req.ServiceName, req.MethodName, duration)
			if resp.IsError() {
				logger.Printf("%s.%s: error: %s", req.ServiceName, req.MethodName, resp.Err.Message)
			}
			return resp
		}
	}
}
