// Package backend defines the execution backends terminating the request
// middleware chain: the public unauthenticated RPC client, the
// authenticated smart-account client, and the injected external wallet.
// The wallet and injected clients are collaborator capabilities supplied by
// the embedder; only the public client is implemented here.
package backend

import (
	"context"
	"encoding/json"

	"github.com/happychain/wallet-core/internal/provider"
)

// Backend serves a raw EIP-1193 request. Implementations return provider
// errors where the upstream already produced a structured code so it
// survives the trip back to the dApp.
type Backend interface {
	Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

// Func adapts a function to the Backend interface (used by tests and small
// embedders).
type Func func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

func (f Func) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return f(ctx, method, params)
}

// Unavailable is a backend that was not configured. Every request fails
// with the EIP-1193 disconnected error.
type Unavailable struct{}

func (Unavailable) Request(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return nil, provider.ErrDisconnected()
}
