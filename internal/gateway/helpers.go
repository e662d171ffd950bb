package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/happychain/wallet-core/internal/provider"
)

// requestFromLoopback reports whether the request's peer address is a
// loopback interface. The gateway refuses everything else.
func requestFromLoopback(r *http.Request) bool {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

// hostIsLocal reports whether the Host header names this machine. A public
// DNS name resolving to 127.0.0.1 still fails (rebinding guard).
func hostIsLocal(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	switch strings.ToLower(strings.Trim(host, "[]")) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// canonicalOrigin reduces an origin to lowercase scheme://host[:port].
// Anything that does not parse to a scheme and host canonicalizes to "".
func canonicalOrigin(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondProviderError(w http.ResponseWriter, status int, perr *provider.Error) {
	respondJSON(w, status, map[string]any{"error": perr})
}

// decodeBodyInto strictly decodes the request body; unknown fields are an
// error so malformed dApp payloads fail loudly instead of half-parsing.
func decodeBodyInto(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}
