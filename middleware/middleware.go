// Package middleware wraps directive handling with cross-cutting behaviour.
//
// A Middleware takes the next HandlerFunc and returns a new one, so a chain
// forms an onion around the directive processor:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"
	"remote-cmd/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
