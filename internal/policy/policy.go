// Package policy decides whether a request needs explicit user
// confirmation. The decision is pure: it reads the session, permission,
// and chain state through narrow views and never mutates anything.
package policy

import (
	"encoding/json"

	"github.com/happychain/wallet-core/internal/provider"
)

// SessionView is the slice of session state the classifier needs.
type SessionView interface {
	// Connected reports whether an identity is currently bound.
	Connected() bool
}

// ChainView is the slice of chain state the classifier needs.
type ChainView interface {
	ActiveChainID() string
	HasIdentical(p provider.AddChainParams) bool
}

// PermissionView is the slice of permission state the classifier needs,
// already scoped to the current account.
type PermissionView interface {
	Has(origin, capability string) bool
	HasAll(origin string, capabilities []string) bool
}

// Classifier implements the confirmation decision.
type Classifier struct {
	Session SessionView
	Chains  ChainView
	Perms   PermissionView
}

// RequiresConfirmation reports whether the request must be approved on a
// confirmation surface before it may execute.
//
// The safe-list short-circuit runs first; after that, an unauthenticated
// session always confirms (the surface doubles as the login prompt), and the
// per-method refinements below only apply once an identity is bound. That
// ordering is load-bearing: do not reorder.
func (c *Classifier) RequiresConfirmation(origin string, req provider.RequestParams) bool {
	if IsSafe(req.Method) {
		return false
	}

	if !c.Session.Connected() {
		return true
	}

	switch req.Method {
	case provider.MethodWalletAddChain:
		var p provider.AddChainParams
		if err := provider.DecodeSingleParam(req.Params, &p); err != nil {
			return true
		}
		// Re-adding a chain the wallet already knows, with identical
		// parameters, is a no-op and never prompts. A changed record for
		// the same id does prompt.
		return !c.Chains.HasIdentical(p)

	case provider.MethodWalletSwitchChain:
		var p provider.SwitchChainParams
		if err := provider.DecodeSingleParam(req.Params, &p); err != nil {
			return true
		}
		return provider.NormalizeChainID(p.ChainID) != c.Chains.ActiveChainID()

	case provider.MethodEthRequestAccounts:
		return !c.Perms.Has(origin, provider.CapabilityAccounts)

	case provider.MethodWalletRequestPermissions:
		names, err := RequestedCapabilities(req.Params)
		if err != nil {
			return true
		}
		return !c.Perms.HasAll(origin, names)

	default:
		// Secure by default: anything unlisted confirms.
		return true
	}
}

// RequestedCapabilities extracts the capability names from EIP-2255
// request/revoke params: [{"eth_accounts": {...}, ...}].
func RequestedCapabilities(params json.RawMessage) ([]string, error) {
	var reqs []map[string]json.RawMessage
	if err := json.Unmarshal(params, &reqs); err != nil {
		return nil, err
	}
	var names []string
	for _, req := range reqs {
		for name := range req {
			names = append(names, name)
		}
	}
	return names, nil
}
