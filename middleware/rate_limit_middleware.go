package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"duplexrpc/message"
)

// RateLimitMiddleware rejects requests once the token bucket is exhausted,
// for bounding the rate at which a Runtime services requests regardless of
// how many connections are delivering them.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
			if !limiter.Allow() {
				return message.NewErrorResponse(req.RequestID, "rate limit exceeded", "")
			}
			return next(ctx, req)
		}
	}
}
