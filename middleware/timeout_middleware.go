package middleware

import (
	"context"
	"time"

	"duplexrpc/message"
)

// TimeoutMiddleware bounds how long the wrapped handler may run, returning
// an error response if it does not finish in time. The underlying handler
// goroutine is not interrupted — ctx cancellation is advisory, matching the
// rest of this system's cooperative cancellation model.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.ResponseMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewErrorResponse(req.RequestID, "request timed out", "")
			}
		}
	}
}
