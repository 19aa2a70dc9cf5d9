// Package middleware composes cross-cutting behavior around a Runtime's
// request handler: logging, rate limiting, and timeouts, wrapped around the
// same handler shape the protocol package already defines. Request-retry
// middleware, which the teacher keeps here too, does not belong at this
// layer in this system: SPEC_FULL.md's recovery policy has no implicit
// retry at the core dispatch layer, since retrying a non-idempotent RPC
// silently would be unsound. Reconnect backoff lives in the polling package
// instead, where it governs a PollingClient's own connection attempts, not
// every request that passes through a handler.
package middleware

import "duplexrpc/protocol"

// HandlerFunc is an alias for protocol.HandlerFunc, kept local so
// middleware files read the same way the teacher's do.
type HandlerFunc = protocol.HandlerFunc

// Middleware wraps a HandlerFunc with additional behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, applied outermost-first: the first
// middleware in the list is the outermost wrapper.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
