// Package router is the wallet's request pipeline: it receives provider
// requests from registered contexts over the bridge, classifies them
// against session and permission state, drives the confirmation surface
// when one is needed, dispatches through the middleware chain to an
// execution backend, and resolves each request exactly once.
package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/happychain/wallet-core/internal/abis"
	"github.com/happychain/wallet-core/internal/assetwatch"
	"github.com/happychain/wallet-core/internal/backend"
	"github.com/happychain/wallet-core/internal/bridge"
	"github.com/happychain/wallet-core/internal/chains"
	"github.com/happychain/wallet-core/internal/middleware"
	"github.com/happychain/wallet-core/internal/permissions"
	"github.com/happychain/wallet-core/internal/policy"
	"github.com/happychain/wallet-core/internal/popup"
	"github.com/happychain/wallet-core/internal/provider"
	"github.com/happychain/wallet-core/internal/session"
	"github.com/happychain/wallet-core/internal/sessionkeys"
)

// Backends are the three execution paths a request can terminate on.
// Wallet serves the authenticated smart account, Injected the user's
// external browser wallet, Public the plain RPC node.
type Backends struct {
	Public   backend.Backend
	Wallet   backend.Backend
	Injected backend.Backend
}

// Config carries the router's static settings.
type Config struct {
	// PopupBaseURL is where confirmation surfaces are opened.
	PopupBaseURL string
	// InternalOrigin is the wallet's own UI origin. Its interactive
	// requests are auto-approved without a surface.
	InternalOrigin string
	// WatchInterval overrides the surface watchdog poll interval (tests).
	WatchInterval time.Duration
}

// UserUpdate is the user:changed payload pushed to a dApp context when the
// identity becomes visible or hidden for its origin.
type UserUpdate struct {
	Origin string        `json:"origin"`
	User   *session.User `json:"user"`
}

// Router wires the bridge, the stores, and the backends together.
type Router struct {
	log      *zap.SugaredLogger
	bus      bridge.Bus
	session  *session.Manager
	perms    *permissions.Store
	chains   *chains.Store
	assets   *assetwatch.Watchlist
	abis     *abis.Registry
	keys     *sessionkeys.Registry
	backends Backends
	opener   popup.Opener
	cfg      Config

	classifier *policy.Classifier
	registry   *registry
	handler    middleware.Handler
	table      map[string]middleware.Middleware

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	contexts map[uuid.UUID]string
	lastUser *session.User
	unsubs   []func()
}

// New builds a router. Start must be called before it serves requests.
func New(
	log *zap.SugaredLogger,
	bus bridge.Bus,
	sess *session.Manager,
	perms *permissions.Store,
	chainStore *chains.Store,
	assets *assetwatch.Watchlist,
	abiReg *abis.Registry,
	keys *sessionkeys.Registry,
	backends Backends,
	opener popup.Opener,
	cfg Config,
) *Router {
	r := &Router{
		log:      log,
		bus:      bus,
		session:  sess,
		perms:    perms,
		chains:   chainStore,
		assets:   assets,
		abis:     abiReg,
		keys:     keys,
		backends: backends,
		opener:   opener,
		cfg:      cfg,
		registry: newRegistry(cfg.WatchInterval, log),
		contexts: make(map[uuid.UUID]string),
	}
	r.classifier = &policy.Classifier{
		Session: sessionView{sess},
		Chains:  chainStore,
		Perms:   permView{r},
	}
	r.table = r.dispatchTable()
	r.handler = middleware.Chain(
		r.terminal,
		r.loggingMiddleware,
		r.dispatchMiddleware,
	)
	return r
}

// Start subscribes the router to the bridge and wires the session and
// permission side effects. ctx bounds every request the router drives.
func (r *Router) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.perms.SetVisibilityFunc(r.onVisibilityChange)

	r.unsubs = append(r.unsubs,
		r.bus.Subscribe(bridge.TopicRequestPermissionless, func(env provider.Envelope) {
			r.onRequest(env, false)
		}),
		r.bus.Subscribe(bridge.TopicRequestInjected, func(env provider.Envelope) {
			r.onRequest(env, true)
		}),
		r.bus.Subscribe(bridge.TopicRequestApprove, r.onApprove),
		r.bus.Subscribe(bridge.TopicRequestReject, r.onReject),
		r.session.Subscribe(r.onSessionChange),
	)
}

// Stop unsubscribes and cancels in-flight routing.
func (r *Router) Stop() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	if r.cancel != nil {
		r.cancel()
	}
}

// RegisterContext announces a dApp context. Requests carrying a windowId
// that was never registered are dropped.
func (r *Router) RegisterContext(windowID uuid.UUID, origin string) {
	r.mu.Lock()
	r.contexts[windowID] = origin
	r.mu.Unlock()
	r.log.Debugw("context registered", "windowId", windowID, "origin", origin)
}

// UnregisterContext forgets a dApp context (tab closed).
func (r *Router) UnregisterContext(windowID uuid.UUID) {
	r.mu.Lock()
	delete(r.contexts, windowID)
	r.mu.Unlock()
}

func (r *Router) originOf(windowID uuid.UUID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	origin, ok := r.contexts[windowID]
	return origin, ok
}

// onRequest handles an inbound request envelope. It runs on the bridge
// dispatch goroutine, so everything slow happens on a fresh one.
func (r *Router) onRequest(env provider.Envelope, injected bool) {
	origin, ok := r.originOf(env.WindowID)
	if !ok {
		r.log.Warnw("dropping request from unregistered context",
			"windowId", env.WindowID, "key", env.Key)
		return
	}
	req, ok := env.Req()
	if !ok {
		r.bus.Publish(bridge.TopicRequestResponse,
			env.RespondError(provider.ErrInvalidInput("malformed request payload")))
		return
	}

	r.registry.register(env, func(out provider.Envelope) {
		r.bus.Publish(bridge.TopicRequestResponse, out)
	})
	go r.route(env, origin, req, injected)
}

// route classifies and drives one request to resolution. Requests arriving
// during login/logout wait for the session to settle first.
func (r *Router) route(env provider.Envelope, origin string, req provider.RequestParams, injected bool) {
	if _, err := r.session.WaitSettled(r.ctx); err != nil {
		r.registry.reject(env.Key, provider.ErrDisconnected())
		return
	}

	// The injected wallet runs its own confirmation UI.
	if injected {
		r.execute(env.Key, origin, req, true, r.backends.Injected)
		return
	}

	needsConfirmation := r.classifier.RequiresConfirmation(origin, req)
	if needsConfirmation && req.Method == provider.MethodEthSendTransaction && r.sessionKeyCovers(req) {
		needsConfirmation = false
	}

	if !needsConfirmation {
		r.execute(env.Key, origin, req, false, r.backendForSession())
		return
	}

	// The wallet's own UI already carries the user's intent for the
	// account-visibility methods; everything else prompts even internally.
	if origin != "" && origin == r.cfg.InternalOrigin && internallyAutoApproved(req.Method) {
		r.execute(env.Key, origin, req, true, r.backendForSession())
		return
	}

	rawURL, err := popup.BuildURL(r.cfg.PopupBaseURL, env.WindowID, env.Key, req)
	if err != nil {
		r.registry.reject(env.Key, provider.ErrorFromAny(err))
		return
	}
	surface, err := r.opener.Open(rawURL)
	if err != nil {
		r.log.Errorw("open confirmation surface", "error", err)
		r.registry.reject(env.Key, provider.ErrorFromAny(err))
		return
	}
	r.registry.attachSurface(env.Key, surface)
}

// onApprove executes a request the user approved on the surface. The
// approval envelope may carry the (possibly amended) request; when it does
// not, the original is used.
func (r *Router) onApprove(env provider.Envelope) {
	origin, ok := r.originOf(env.WindowID)
	if !ok {
		r.log.Warnw("dropping approval from unregistered context", "windowId", env.WindowID)
		return
	}
	// a verdict for a settled key must not re-run side effects
	pending, found := r.registry.peek(env.Key)
	if !found {
		return
	}
	req, ok := env.Req()
	if !ok {
		req, ok = pending.Req()
		if !ok {
			r.registry.reject(env.Key, provider.ErrInvalidInput("malformed request payload"))
			return
		}
	}
	go r.execute(env.Key, origin, req, true, r.backendForSession())
}

// onReject resolves a request the user rejected on the surface.
func (r *Router) onReject(env provider.Envelope) {
	perr := env.Error
	if perr == nil {
		perr = provider.ErrUserRejected()
	}
	r.registry.reject(env.Key, perr)
}

// execute runs the middleware chain and settles the registry entry.
func (r *Router) execute(key uuid.UUID, origin string, req provider.RequestParams, confirmed bool, be backend.Backend) {
	res, err := r.handler(r.ctx, &middleware.Request{
		Method:    req.Method,
		Params:    req.Params,
		Origin:    origin,
		Confirmed: confirmed,
		Backend:   be,
	})
	if err != nil {
		r.registry.reject(key, provider.ErrorFromAny(err))
		return
	}
	r.registry.resolve(key, res)
}

// internallyAutoApproved lists the methods the wallet's own UI may run
// without a confirmation surface.
func internallyAutoApproved(method string) bool {
	return method == provider.MethodEthRequestAccounts ||
		method == provider.MethodWalletRequestPermissions
}

// backendForSession picks the authenticated smart-account backend when an
// identity is bound, the public node otherwise.
func (r *Router) backendForSession() backend.Backend {
	if _, ok := r.session.CurrentUser(); ok {
		return r.backends.Wallet
	}
	return r.backends.Public
}

// sessionKeyCovers reports whether the transaction's target contract has an
// approved session key for the current account, which waives confirmation.
func (r *Router) sessionKeyCovers(req provider.RequestParams) bool {
	user, ok := r.session.CurrentUser()
	if !ok {
		return false
	}
	var tx struct {
		To string `json:"to"`
	}
	if err := provider.DecodeSingleParam(req.Params, &tx); err != nil {
		return false
	}
	if !common.IsHexAddress(tx.To) {
		return false
	}
	return r.keys.Has(user.Address, common.HexToAddress(tx.To))
}

// onSessionChange pushes identity updates and clears per-account state on
// sign-out. Transitional states emit nothing.
func (r *Router) onSessionChange(state session.State, user *session.User) {
	if !state.Settled() {
		return
	}

	if state == session.Connected && user != nil {
		r.mu.Lock()
		r.lastUser = user
		r.mu.Unlock()
		// The wallet UI always sees its own user.
		if r.cfg.InternalOrigin != "" {
			_, err := r.perms.Grant(user.Address, r.cfg.InternalOrigin,
				[]permissions.CapabilityRequest{{Name: provider.CapabilityAccounts}})
			if err != nil {
				r.log.Errorw("grant internal origin", "error", err)
			}
		}
		return
	}

	// Disconnected: drop the per-login state and broadcast the empty
	// account list. Permission grants persist across sessions.
	r.mu.Lock()
	prev := r.lastUser
	r.lastUser = nil
	r.mu.Unlock()
	if prev != nil {
		r.keys.Clear(prev.Address)
		r.abis.Clear(prev.Address)
	}
	r.bus.Publish(bridge.TopicProviderEvent, provider.Envelope{
		Payload: provider.Event{Name: provider.EventAccountsChanged, Args: []string{}},
	})
	r.bus.Publish(bridge.TopicUserChanged, provider.Envelope{
		Payload: UserUpdate{User: nil},
	})
}

// onVisibilityChange translates permission-store visibility flips into
// user:changed pushes and accountsChanged events for the affected origin.
func (r *Router) onVisibilityChange(origin string, visible bool) {
	var update UserUpdate
	accounts := []string{}

	if visible {
		user, ok := r.session.CurrentUser()
		if !ok {
			return
		}
		update = UserUpdate{Origin: origin, User: &user}
		accounts = []string{user.Address.Hex()}
	} else {
		update = UserUpdate{Origin: origin, User: nil}
	}

	r.bus.Publish(bridge.TopicUserChanged, provider.Envelope{Payload: update})
	r.bus.Publish(bridge.TopicProviderEvent, provider.Envelope{
		Payload: provider.Event{Name: provider.EventAccountsChanged, Args: accounts},
	})
}

// emitChainChanged broadcasts the active-chain switch to every context.
func (r *Router) emitChainChanged(chainID string) {
	r.bus.Publish(bridge.TopicProviderEvent, provider.Envelope{
		Payload: provider.Event{Name: provider.EventChainChanged, Args: chainID},
	})
}

// loggingMiddleware records every dispatched request.
func (r *Router) loggingMiddleware(ctx context.Context, req *middleware.Request, next middleware.Handler) (any, error) {
	start := time.Now()
	res, err := next(ctx, req)
	if err != nil {
		r.log.Infow("request failed",
			"method", req.Method, "origin", req.Origin,
			"confirmed", req.Confirmed, "elapsed", time.Since(start), "error", err)
		return nil, err
	}
	r.log.Debugw("request served",
		"method", req.Method, "origin", req.Origin,
		"confirmed", req.Confirmed, "elapsed", time.Since(start))
	return res, nil
}

// dispatchMiddleware routes recognized methods to their handlers; anything
// unrecognized continues down the chain to the backend.
func (r *Router) dispatchMiddleware(ctx context.Context, req *middleware.Request, next middleware.Handler) (any, error) {
	if h, ok := r.table[req.Method]; ok {
		return h(ctx, req, next)
	}
	return next(ctx, req)
}

// terminal forwards to the selected execution backend. Vendor methods never
// leave the wallet.
func (r *Router) terminal(ctx context.Context, req *middleware.Request) (any, error) {
	if provider.IsHappyMethod(req.Method) {
		return nil, provider.ErrUnsupportedMethod()
	}
	if req.Backend == nil {
		return nil, provider.ErrDisconnected()
	}
	raw, err := req.Backend.Request(ctx, req.Method, req.Params)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return json.RawMessage(raw), nil
}

// sessionView adapts the session manager to the classifier.
type sessionView struct {
	m *session.Manager
}

func (v sessionView) Connected() bool {
	_, ok := v.m.CurrentUser()
	return ok
}

// permView scopes the permission store to the currently bound account.
type permView struct {
	r *Router
}

func (v permView) Has(origin, capability string) bool {
	user, ok := v.r.session.CurrentUser()
	if !ok {
		return false
	}
	return v.r.perms.Has(user.Address, origin, capability)
}

func (v permView) HasAll(origin string, capabilities []string) bool {
	user, ok := v.r.session.CurrentUser()
	if !ok {
		return false
	}
	return v.r.perms.HasAll(user.Address, origin, capabilities)
}
