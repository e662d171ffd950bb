// Package provider defines the wire types exchanged between the dApp page,
// the wallet iframe, and the confirmation popup: the request/response
// envelope, the EIP-1193 error taxonomy, and the routed method surface.
package provider

import (
	"encoding/json"

	"github.com/google/uuid"
)

// RequestParams is an EIP-1193 request: a method name plus its positional
// parameters, kept raw so each handler decodes its own shape.
type RequestParams struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Envelope is the unit exchanged over the transport bridge in both
// directions. On the way in, Payload holds the RequestParams; on the way
// back, Payload holds the result and Error is set on failure. Key must
// round-trip unchanged; WindowID identifies the originating context.
type Envelope struct {
	Key      uuid.UUID `json:"key"`
	WindowID uuid.UUID `json:"windowId"`
	Error    *Error    `json:"error"`
	Payload  any       `json:"payload,omitempty"`
}

// NewRequest wraps a request in an envelope with a fresh correlation key.
func NewRequest(windowID uuid.UUID, req RequestParams) Envelope {
	return Envelope{Key: uuid.New(), WindowID: windowID, Payload: req}
}

// Req extracts the request parameters from an inbound envelope.
func (e Envelope) Req() (RequestParams, bool) {
	switch p := e.Payload.(type) {
	case RequestParams:
		return p, true
	case *RequestParams:
		if p != nil {
			return *p, true
		}
	case json.RawMessage:
		var req RequestParams
		if err := json.Unmarshal(p, &req); err == nil && req.Method != "" {
			return req, true
		}
	}
	return RequestParams{}, false
}

// Respond builds the success response for this envelope.
func (e Envelope) Respond(payload any) Envelope {
	return Envelope{Key: e.Key, WindowID: e.WindowID, Payload: payload}
}

// RespondError builds the failure response for this envelope.
func (e Envelope) RespondError(err *Error) Envelope {
	return Envelope{Key: e.Key, WindowID: e.WindowID, Error: err}
}

// Event is a provider event (EIP-1193 `accountsChanged`, `chainChanged`,
// ...) broadcast to the dApp context.
type Event struct {
	Name string `json:"event"`
	Args any    `json:"args"`
}
