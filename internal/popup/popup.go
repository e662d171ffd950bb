// Package popup models the confirmation surface: an out-of-band window the
// user approves or rejects sensitive requests on. The request travels to
// the surface encoded in its URL, so the surface needs no channel back to
// the wallet besides the approve/reject verdict.
package popup

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/happychain/wallet-core/internal/provider"
)

// Surface is an open confirmation window. Closed is polled by the router's
// watchdog; a surface the user dismissed without a verdict means rejection.
type Surface interface {
	Closed() bool
	Close()
}

// Opener creates confirmation surfaces. The production opener shells out to
// the desktop browser; tests substitute a scripted one.
type Opener interface {
	Open(rawURL string) (Surface, error)
}

// BuildURL encodes a pending request into the confirmation surface URL:
// <base>/request?windowId=...&key=...&args=<base64 JSON of the request>.
func BuildURL(base string, windowID, key uuid.UUID, req provider.RequestParams) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	u = u.JoinPath("request")
	q := u.Query()
	q.Set("windowId", windowID.String())
	q.Set("key", key.String())
	q.Set("args", base64.StdEncoding.EncodeToString(raw))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DecodeArgs recovers the pending request from a confirmation surface URL.
func DecodeArgs(rawURL string) (windowID, key uuid.UUID, req provider.RequestParams, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return uuid.Nil, uuid.Nil, provider.RequestParams{}, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()

	windowID, err = uuid.Parse(q.Get("windowId"))
	if err != nil {
		return uuid.Nil, uuid.Nil, provider.RequestParams{}, fmt.Errorf("parse windowId: %w", err)
	}
	key, err = uuid.Parse(q.Get("key"))
	if err != nil {
		return uuid.Nil, uuid.Nil, provider.RequestParams{}, fmt.Errorf("parse key: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(q.Get("args"))
	if err != nil {
		return uuid.Nil, uuid.Nil, provider.RequestParams{}, fmt.Errorf("decode args: %w", err)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return uuid.Nil, uuid.Nil, provider.RequestParams{}, fmt.Errorf("decode request: %w", err)
	}
	return windowID, key, req, nil
}
