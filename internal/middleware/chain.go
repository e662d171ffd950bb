// Package middleware is the ordered-interceptor pipeline requests flow
// through before reaching an execution backend. A middleware may
// short-circuit, pre-process then delegate, or post-process the result of
// the next stage. A middleware that does not recognize a method MUST call
// next unmodified; dropping through silently swallows unrelated methods.
package middleware

import (
	"context"
	"encoding/json"

	"github.com/happychain/wallet-core/internal/backend"
)

// Request is the unit flowing through the chain.
type Request struct {
	Method string
	Params json.RawMessage

	// Origin of the requesting context.
	Origin string
	// Confirmed is true when the user approved this request on a
	// confirmation surface (or it was auto-approved internally).
	Confirmed bool
	// Backend terminates the chain for methods nobody handles locally.
	Backend backend.Backend
}

// Handler terminates a chain (or continues it, when used as next).
type Handler func(ctx context.Context, req *Request) (any, error)

// Middleware wraps a handler. Errors from next must propagate unmodified.
type Middleware func(ctx context.Context, req *Request, next Handler) (any, error)

// Chain folds the middlewares around terminal, right to left, so the first
// middleware in the list is the outermost.
func Chain(terminal Handler, mws ...Middleware) Handler {
	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		next := h
		h = func(ctx context.Context, req *Request) (any, error) {
			return mw(ctx, req, next)
		}
	}
	return h
}
