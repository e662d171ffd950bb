package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/happychain/wallet-core/internal/provider"
)

// Public is the unauthenticated execution backend: a plain JSON-RPC client
// against the active chain's public node. It serves reads and raw
// transaction submission; it cannot sign.
type Public struct {
	client *rpc.Client
	log    *zap.SugaredLogger
}

// DialPublic connects to the node at rawURL.
func DialPublic(ctx context.Context, rawURL string, log *zap.SugaredLogger) (*Public, error) {
	client, err := rpc.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	return &Public{client: client, log: log}, nil
}

// NewPublic wraps an existing client (used by tests).
func NewPublic(client *rpc.Client, log *zap.SugaredLogger) *Public {
	return &Public{client: client, log: log}
}

// Request forwards the call verbatim and returns the raw result. Structured
// node errors keep their code and data on the way back.
func (p *Public) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	args, err := splitParams(params)
	if err != nil {
		return nil, provider.ErrInvalidInput(err.Error())
	}

	var result json.RawMessage
	if err := p.client.CallContext(ctx, &result, method, args...); err != nil {
		p.log.Debugw("public rpc call failed", "method", method, "error", err)
		return nil, wireError(err)
	}
	return result, nil
}

// Close releases the underlying connection.
func (p *Public) Close() {
	p.client.Close()
}

// splitParams turns the raw params array into positional arguments. A nil
// params field means a zero-argument call.
func splitParams(params json.RawMessage) ([]any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(params, &list); err != nil {
		return nil, fmt.Errorf("params must be an array: %w", err)
	}
	args := make([]any, len(list))
	for i, raw := range list {
		args[i] = raw
	}
	return args, nil
}

// wireError converts a JSON-RPC failure into a provider error, preserving
// the node's code, message, and data where present.
func wireError(err error) *provider.Error {
	var code int
	var data any
	if je, ok := err.(rpc.Error); ok {
		code = je.ErrorCode()
	}
	if de, ok := err.(rpc.DataError); ok {
		data = de.ErrorData()
	}
	if code == 0 {
		return provider.ErrorFromAny(err)
	}
	return &provider.Error{Code: code, Message: err.Error(), Data: data}
}
