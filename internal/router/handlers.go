package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/happychain/wallet-core/internal/chains"
	"github.com/happychain/wallet-core/internal/middleware"
	"github.com/happychain/wallet-core/internal/permissions"
	"github.com/happychain/wallet-core/internal/provider"
	"github.com/happychain/wallet-core/internal/session"
)

// dispatchTable maps the locally-handled methods to their handlers. One
// table serves every trust path; trust differences live in the Confirmed
// flag and the backend the router selected, not in separate tables.
func (r *Router) dispatchTable() map[string]middleware.Middleware {
	return map[string]middleware.Middleware{
		provider.MethodEthAccounts:              r.handleAccounts,
		provider.MethodEthRequestAccounts:       r.handleRequestAccounts,
		provider.MethodEthChainID:               r.handleChainID,
		provider.MethodEthSendTransaction:       r.handleSendTransaction,
		provider.MethodWalletAddChain:           r.handleAddChain,
		provider.MethodWalletSwitchChain:        r.handleSwitchChain,
		provider.MethodWalletWatchAsset:         r.handleWatchAsset,
		provider.MethodWalletGetPermissions:     r.handleGetPermissions,
		provider.MethodWalletRequestPermissions: r.handleRequestPermissions,
		provider.MethodWalletRevokePermissions:  r.handleRevokePermissions,
		provider.MethodHappyUser:                r.handleUser,
		provider.MethodHappyLoadABI:             r.handleLoadABI,
		provider.MethodHappyRequestSessionKey:   r.handleRequestSessionKey,
	}
}

// handleAccounts returns the visible account list: the bound account when
// the origin holds the accounts capability, empty otherwise. Never errors.
func (r *Router) handleAccounts(_ context.Context, req *middleware.Request, _ middleware.Handler) (any, error) {
	user, ok := r.session.CurrentUser()
	if !ok || !r.perms.Has(user.Address, req.Origin, provider.CapabilityAccounts) {
		return []string{}, nil
	}
	return []string{user.Address.Hex()}, nil
}

// handleRequestAccounts grants account visibility on an approved request.
// With no identity bound even after the surface ran, the list is empty.
func (r *Router) handleRequestAccounts(_ context.Context, req *middleware.Request, _ middleware.Handler) (any, error) {
	user, ok := r.session.CurrentUser()
	if !ok {
		return []string{}, nil
	}
	if req.Confirmed {
		_, err := r.perms.Grant(user.Address, req.Origin,
			[]permissions.CapabilityRequest{{Name: provider.CapabilityAccounts}})
		if err != nil {
			return nil, provider.ErrInvalidInput(err.Error())
		}
		return []string{user.Address.Hex()}, nil
	}
	if r.perms.Has(user.Address, req.Origin, provider.CapabilityAccounts) {
		return []string{user.Address.Hex()}, nil
	}
	return []string{}, nil
}

// handleChainID answers from the chain store without touching a backend.
func (r *Router) handleChainID(_ context.Context, _ *middleware.Request, _ middleware.Handler) (any, error) {
	return r.chains.ActiveChainID(), nil
}

// handleSendTransaction checks authorization, then hands off to the
// selected backend for signing and submission.
func (r *Router) handleSendTransaction(ctx context.Context, req *middleware.Request, next middleware.Handler) (any, error) {
	if _, ok := r.session.CurrentUser(); !ok {
		return nil, provider.ErrUnauthorized()
	}
	if !req.Confirmed && !r.sessionKeyCovers(provider.RequestParams{Method: req.Method, Params: req.Params}) {
		return nil, provider.ErrUnauthorized()
	}
	return next(ctx, req)
}

// handleAddChain records a new chain. Re-adding an identical record is a
// silent success; a conflicting record for a known id fails with 4902. A
// genuinely new chain is delegated to the backend first and recorded only
// after the backend accepts it.
func (r *Router) handleAddChain(ctx context.Context, req *middleware.Request, next middleware.Handler) (any, error) {
	var p provider.AddChainParams
	if err := provider.DecodeSingleParam(req.Params, &p); err != nil {
		return nil, provider.ErrInvalidInput(err.Error())
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, provider.ErrInvalidInput(err.Error())
	}

	if r.chains.HasIdentical(p) {
		return nil, nil
	}
	if _, known := r.chains.Get(p.ChainID); known {
		return nil, provider.ErrChainNotRecognized(p.ChainID)
	}

	if _, err := next(ctx, req); err != nil {
		return nil, err
	}
	if err := r.chains.Add(p); err != nil {
		if errors.Is(err, chains.ErrChainExists) {
			return nil, provider.ErrChainNotRecognized(p.ChainID)
		}
		return nil, provider.ErrInvalidInput(err.Error())
	}
	return nil, nil
}

// handleSwitchChain activates a known chain. A malformed id fails before
// the no-op shortcut (an empty id must not match an empty active record).
// Switching to the chain that is already active resolves without touching
// the backend; a successful switch updates the active record and broadcasts
// chainChanged.
func (r *Router) handleSwitchChain(ctx context.Context, req *middleware.Request, next middleware.Handler) (any, error) {
	var p provider.SwitchChainParams
	if err := provider.DecodeSingleParam(req.Params, &p); err != nil {
		return nil, provider.ErrInvalidInput(err.Error())
	}
	target := provider.NormalizeChainID(p.ChainID)
	if !provider.IsChainID(target) {
		return nil, provider.ErrInvalidInput(fmt.Sprintf("chainId must be a 0x-prefixed hex string: %q", p.ChainID))
	}

	if target == r.chains.ActiveChainID() {
		return nil, nil
	}
	if _, known := r.chains.Get(target); !known {
		return nil, provider.ErrChainNotRecognized(target)
	}

	if _, err := next(ctx, req); err != nil {
		return nil, err
	}
	if err := r.chains.SetActive(target); err != nil {
		return nil, provider.ErrorFromAny(err)
	}
	r.emitChainChanged(target)
	return nil, nil
}

// handleWatchAsset adds a token to the account's watchlist. Without an
// identity the request reports false rather than failing.
func (r *Router) handleWatchAsset(_ context.Context, req *middleware.Request, _ middleware.Handler) (any, error) {
	user, ok := r.session.CurrentUser()
	if !ok {
		return false, nil
	}
	var p provider.WatchAssetParams
	if err := provider.DecodeSingleParam(req.Params, &p); err != nil {
		return nil, provider.ErrInvalidInput(err.Error())
	}
	watched, err := r.assets.Watch(user.Address, p)
	if err != nil {
		return nil, provider.ErrInvalidInput(err.Error())
	}
	return watched, nil
}

// handleGetPermissions lists the origin's grants for the bound account.
func (r *Router) handleGetPermissions(_ context.Context, req *middleware.Request, _ middleware.Handler) (any, error) {
	user, ok := r.session.CurrentUser()
	if !ok {
		return []permissions.Record{}, nil
	}
	return r.perms.List(user.Address, req.Origin), nil
}

// handleRequestPermissions grants the requested capabilities (EIP-2255).
// Requests carrying caveats fail whole; nothing is granted.
func (r *Router) handleRequestPermissions(_ context.Context, req *middleware.Request, _ middleware.Handler) (any, error) {
	user, ok := r.session.CurrentUser()
	if !ok {
		return nil, provider.ErrUnauthorized()
	}
	reqs, err := parseCapabilityRequests(req.Params)
	if err != nil {
		return nil, provider.ErrInvalidInput(err.Error())
	}
	granted, err := r.perms.Grant(user.Address, req.Origin, reqs)
	if err != nil {
		return nil, provider.ErrInvalidInput(err.Error())
	}
	return granted, nil
}

// handleRevokePermissions removes the named capabilities. Unknown names and
// an unbound identity both resolve silently.
func (r *Router) handleRevokePermissions(_ context.Context, req *middleware.Request, _ middleware.Handler) (any, error) {
	user, ok := r.session.CurrentUser()
	if !ok {
		return nil, nil
	}
	names, err := capabilityNames(req.Params)
	if err != nil {
		return nil, provider.ErrInvalidInput(err.Error())
	}
	r.perms.Revoke(user.Address, req.Origin, names)
	return nil, nil
}

// handleUser returns the bound identity when the origin may see it, nil
// otherwise. Safe for any caller.
func (r *Router) handleUser(_ context.Context, req *middleware.Request, _ middleware.Handler) (any, error) {
	user, ok := r.session.CurrentUser()
	if !ok || !r.perms.Has(user.Address, req.Origin, provider.CapabilityAccounts) {
		return (*session.User)(nil), nil
	}
	return user, nil
}

// loadABIParams is the happy_loadAbi parameter object.
type loadABIParams struct {
	Address string          `json:"address"`
	ABI     json.RawMessage `json:"abi"`
}

// handleLoadABI records a contract ABI for calldata display.
func (r *Router) handleLoadABI(_ context.Context, req *middleware.Request, _ middleware.Handler) (any, error) {
	user, ok := r.session.CurrentUser()
	if !ok {
		return nil, provider.ErrUnauthorized()
	}
	if !req.Confirmed {
		return false, nil
	}
	var p loadABIParams
	if err := provider.DecodeSingleParam(req.Params, &p); err != nil {
		return nil, provider.ErrInvalidInput(err.Error())
	}
	if !common.IsHexAddress(p.Address) {
		return nil, provider.ErrInvalidInput("invalid contract address")
	}
	if err := r.abis.Record(user.Address, common.HexToAddress(p.Address), p.ABI); err != nil {
		return nil, provider.ErrInvalidInput(err.Error())
	}
	return true, nil
}

// handleRequestSessionKey mints a session key for the target contract and
// returns its address. The key lives in memory only.
func (r *Router) handleRequestSessionKey(_ context.Context, req *middleware.Request, _ middleware.Handler) (any, error) {
	user, ok := r.session.CurrentUser()
	if !ok {
		return nil, provider.ErrUnauthorized()
	}
	var target string
	if err := provider.DecodeSingleParam(req.Params, &target); err != nil {
		return nil, provider.ErrInvalidInput(err.Error())
	}
	if !common.IsHexAddress(target) {
		return nil, provider.ErrInvalidInput("invalid target contract address")
	}
	contract := common.HexToAddress(target)
	if !req.Confirmed {
		// without a fresh approval the existing key may be restated, but
		// never minted
		if addr, ok := r.keys.Address(user.Address, contract); ok {
			return addr.Hex(), nil
		}
		return nil, provider.ErrUnauthorized()
	}
	addr, err := r.keys.Generate(user.Address, contract)
	if err != nil {
		return nil, provider.ErrorFromAny(err)
	}
	return addr.Hex(), nil
}

// parseCapabilityRequests decodes EIP-2255 request params:
// [{"eth_accounts": {"caveats": [...]}}].
func parseCapabilityRequests(params json.RawMessage) ([]permissions.CapabilityRequest, error) {
	var list []map[string]struct {
		Caveats []permissions.Caveat `json:"caveats"`
	}
	if err := json.Unmarshal(params, &list); err != nil {
		return nil, err
	}
	var reqs []permissions.CapabilityRequest
	for _, m := range list {
		for name, body := range m {
			reqs = append(reqs, permissions.CapabilityRequest{
				Name:    name,
				Caveats: body.Caveats,
			})
		}
	}
	return reqs, nil
}

// capabilityNames decodes revoke params into bare capability names.
func capabilityNames(params json.RawMessage) ([]string, error) {
	var list []map[string]json.RawMessage
	if err := json.Unmarshal(params, &list); err != nil {
		return nil, err
	}
	var names []string
	for _, m := range list {
		for name := range m {
			names = append(names, name)
		}
	}
	return names, nil
}
