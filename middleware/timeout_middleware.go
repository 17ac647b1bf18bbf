package middleware

import (
	"context"
	"fmt"
	"remote-cmd/message"
	"time"
)

// TimeOutMiddleware answers with an error once a directive has run for
// timeout. The directive's context is cancelled at that point, which kills an
// external command started with it; the handler itself keeps running until it
// notices and its late response is dropped.
//
// The handler runs on its own goroutine, so a panic there is recovered here
// and reported like RecoverMiddleware does: no recover further up the chain
// can see it.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1) // Buffered: the sender never blocks after a timeout
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- &message.Response{Error: fmt.Sprintf("internal error: %v", r)}
					}
				}()
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return &message.Response{Error: fmt.Sprintf("request timed out after %s", timeout)}
				}
				return &message.Response{Error: "request cancelled"}
			}
		}
	}
}
