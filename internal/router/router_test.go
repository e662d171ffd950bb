package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happychain/wallet-core/internal/abis"
	"github.com/happychain/wallet-core/internal/assetwatch"
	"github.com/happychain/wallet-core/internal/bridge"
	"github.com/happychain/wallet-core/internal/chains"
	"github.com/happychain/wallet-core/internal/logging"
	"github.com/happychain/wallet-core/internal/middleware"
	"github.com/happychain/wallet-core/internal/permissions"
	"github.com/happychain/wallet-core/internal/popup"
	"github.com/happychain/wallet-core/internal/provider"
	"github.com/happychain/wallet-core/internal/session"
	"github.com/happychain/wallet-core/internal/sessionkeys"
)

const (
	dappOrigin     = "https://dapp.example"
	internalOrigin = "http://wallet.internal"
)

var userAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")

type fakeSurface struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeSurface) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSurface) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

type fakeOpener struct {
	mu       sync.Mutex
	opened   []string
	surfaces []*fakeSurface
}

func (o *fakeOpener) Open(rawURL string) (popup.Surface, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := &fakeSurface{}
	o.opened = append(o.opened, rawURL)
	o.surfaces = append(o.surfaces, s)
	return s, nil
}

func (o *fakeOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.opened)
}

func (o *fakeOpener) last() (string, *fakeSurface) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.opened) == 0 {
		return "", nil
	}
	return o.opened[len(o.opened)-1], o.surfaces[len(o.surfaces)-1]
}

type countingBackend struct {
	mu      sync.Mutex
	methods []string
	result  json.RawMessage
	err     error
}

func (b *countingBackend) Request(_ context.Context, method string, _ json.RawMessage) (json.RawMessage, error) {
	b.mu.Lock()
	b.methods = append(b.methods, method)
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return b.result, nil
}

func (b *countingBackend) calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.methods...)
}

type harness struct {
	t         *testing.T
	bus       *bridge.InProc
	sess      *session.Manager
	perms     *permissions.Store
	chains    *chains.Store
	keys      *sessionkeys.Registry
	rt        *Router
	opener    *fakeOpener
	public    *countingBackend
	wallet    *countingBackend
	injected  *countingBackend
	responses chan provider.Envelope
	windowID  uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logging.Nop()

	h := &harness{
		t:         t,
		bus:       bridge.NewInProc(),
		sess:      session.NewManager(),
		perms:     permissions.NewStore("", log),
		chains:    chains.NewStore("", log),
		keys:      sessionkeys.New(),
		opener:    &fakeOpener{},
		public:    &countingBackend{result: json.RawMessage(`"public"`)},
		wallet:    &countingBackend{result: json.RawMessage(`"wallet"`)},
		injected:  &countingBackend{result: json.RawMessage(`"injected"`)},
		responses: make(chan provider.Envelope, 16),
		windowID:  uuid.New(),
	}
	require.NoError(t, h.chains.EnsureDefaults([]provider.AddChainParams{{
		ChainID:   "0xd8",
		ChainName: "HappyChain Testnet",
		RPCUrls:   []string{"https://rpc.testnet.happy.tech/http"},
	}}))

	h.rt = New(log, h.bus, h.sess, h.perms, h.chains,
		assetwatch.New("", log), abis.New(), h.keys,
		Backends{Public: h.public, Wallet: h.wallet, Injected: h.injected},
		h.opener,
		Config{
			PopupBaseURL:   internalOrigin,
			InternalOrigin: internalOrigin,
			WatchInterval:  5 * time.Millisecond,
		})
	h.rt.Start(context.Background())
	h.bus.Subscribe(bridge.TopicRequestResponse, func(env provider.Envelope) {
		h.responses <- env
	})
	h.rt.RegisterContext(h.windowID, dappOrigin)

	t.Cleanup(func() {
		h.rt.Stop()
		h.bus.Close()
	})
	return h
}

func (h *harness) connect() {
	h.sess.Connect(session.User{Address: userAddr, Name: "alice"})
}

func (h *harness) send(method, params string) provider.Envelope {
	req := provider.RequestParams{Method: method}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	env := provider.NewRequest(h.windowID, req)
	h.bus.Publish(bridge.TopicRequestPermissionless, env)
	return env
}

func (h *harness) await(key uuid.UUID) provider.Envelope {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-h.responses:
			if env.Key == key {
				return env
			}
		case <-deadline:
			h.t.Fatal("no response for key")
			return provider.Envelope{}
		}
	}
}

func (h *harness) awaitSurface() (string, *fakeSurface) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if url, s := h.opener.last(); s != nil {
			return url, s
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatal("confirmation surface never opened")
	return "", nil
}

// chainChangedEvents filters the provider-event stream down to
// chainChanged; the login broadcasts (accountsChanged, user:changed) ride
// the same topics and would otherwise race the assertions.
func (h *harness) chainChangedEvents() <-chan provider.Event {
	ch := make(chan provider.Event, 4)
	h.bus.Subscribe(bridge.TopicProviderEvent, func(env provider.Envelope) {
		if ev, ok := env.Payload.(provider.Event); ok && ev.Name == provider.EventChainChanged {
			ch <- ev
		}
	})
	return ch
}

func awaitOn[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatalf("%s never fired", what)
		panic("unreachable")
	}
}

func (h *harness) assertNoResponse(key uuid.UUID) {
	h.t.Helper()
	select {
	case env := <-h.responses:
		if env.Key == key {
			h.t.Fatalf("unexpected response: %+v", env)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouter_SafeMethodSkipsSurface(t *testing.T) {
	h := newHarness(t)
	h.sess.Disconnect()

	env := h.send("eth_blockNumber", "")
	out := h.await(env.Key)

	require.Nil(t, out.Error)
	assert.Equal(t, json.RawMessage(`"public"`), out.Payload)
	assert.Equal(t, 0, h.opener.count())
	assert.Equal(t, []string{"eth_blockNumber"}, h.public.calls())
}

func TestRouter_ChainIDAnsweredLocally(t *testing.T) {
	h := newHarness(t)
	h.sess.Disconnect()

	env := h.send("eth_chainId", "")
	out := h.await(env.Key)

	require.Nil(t, out.Error)
	assert.Equal(t, "0xd8", out.Payload)
	assert.Empty(t, h.public.calls())
	assert.Empty(t, h.wallet.calls())
}

func TestRouter_UnknownWindowDropped(t *testing.T) {
	h := newHarness(t)
	h.sess.Disconnect()

	env := provider.NewRequest(uuid.New(), provider.RequestParams{Method: "eth_blockNumber"})
	h.bus.Publish(bridge.TopicRequestPermissionless, env)

	h.assertNoResponse(env.Key)
	assert.Equal(t, 0, h.rt.registry.pending())
}

func TestRouter_RequestAccountsApproveFlow(t *testing.T) {
	h := newHarness(t)
	h.connect()

	env := h.send("eth_requestAccounts", "")

	rawURL, _ := h.awaitSurface()
	gotWindow, gotKey, gotReq, err := popup.DecodeArgs(rawURL)
	require.NoError(t, err)
	assert.Equal(t, env.WindowID, gotWindow)
	assert.Equal(t, env.Key, gotKey)
	assert.Equal(t, "eth_requestAccounts", gotReq.Method)

	h.bus.Publish(bridge.TopicRequestApprove, provider.Envelope{Key: env.Key, WindowID: env.WindowID})

	out := h.await(env.Key)
	require.Nil(t, out.Error)
	assert.Equal(t, []string{userAddr.Hex()}, out.Payload)
	assert.True(t, h.perms.Has(userAddr, dappOrigin, "eth_accounts"))

	// a duplicated verdict is a silent no-op
	h.bus.Publish(bridge.TopicRequestApprove, provider.Envelope{Key: env.Key, WindowID: env.WindowID})
	h.assertNoResponse(env.Key)

	// the next eth_requestAccounts needs no surface
	opened := h.opener.count()
	env2 := h.send("eth_requestAccounts", "")
	out2 := h.await(env2.Key)
	require.Nil(t, out2.Error)
	assert.Equal(t, []string{userAddr.Hex()}, out2.Payload)
	assert.Equal(t, opened, h.opener.count())
}

func TestRouter_RejectFlow(t *testing.T) {
	h := newHarness(t)
	h.connect()

	env := h.send("eth_sendTransaction", `[{"to":"0x5FbDB2315678afecb367f032d93F642f64180aa3"}]`)
	h.awaitSurface()

	h.bus.Publish(bridge.TopicRequestReject, provider.Envelope{Key: env.Key, WindowID: env.WindowID})

	out := h.await(env.Key)
	require.NotNil(t, out.Error)
	assert.Equal(t, provider.CodeUserRejected, out.Error.Code)
	assert.Empty(t, h.wallet.calls())
}

func TestRouter_DismissedSurfaceRejects(t *testing.T) {
	h := newHarness(t)
	h.connect()

	env := h.send("eth_sendTransaction", `[{"to":"0x5FbDB2315678afecb367f032d93F642f64180aa3"}]`)
	_, surface := h.awaitSurface()

	// user closes the window without a verdict
	surface.Close()

	out := h.await(env.Key)
	require.NotNil(t, out.Error)
	assert.Equal(t, provider.CodeUserRejected, out.Error.Code)
}

func TestRouter_SwitchChainNoOp(t *testing.T) {
	h := newHarness(t)
	h.connect()

	env := h.send("wallet_switchEthereumChain", `[{"chainId":"0xD8"}]`)
	out := h.await(env.Key)

	require.Nil(t, out.Error)
	assert.Nil(t, out.Payload)
	assert.Equal(t, 0, h.opener.count())
	assert.Empty(t, h.public.calls())
	assert.Empty(t, h.wallet.calls())
}

func TestRouter_SwitchChainUnknown(t *testing.T) {
	h := newHarness(t)
	h.connect()

	events := h.chainChangedEvents()

	env := h.send("wallet_switchEthereumChain", `[{"chainId":"0xbeef"}]`)
	h.awaitSurface()
	h.bus.Publish(bridge.TopicRequestApprove, provider.Envelope{Key: env.Key, WindowID: env.WindowID})

	out := h.await(env.Key)
	require.NotNil(t, out.Error)
	assert.Equal(t, provider.CodeChainNotRecognized, out.Error.Code)
	assert.Equal(t, "0xd8", h.chains.ActiveChainID())

	select {
	case <-events:
		t.Fatal("no chainChanged may fire on a failed switch")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouter_SwitchChainEmitsEvent(t *testing.T) {
	h := newHarness(t)
	h.connect()
	require.NoError(t, h.chains.Add(provider.AddChainParams{
		ChainID: "0x1", ChainName: "Mainnet", RPCUrls: []string{"https://eth.example"},
	}))

	events := h.chainChangedEvents()

	env := h.send("wallet_switchEthereumChain", `[{"chainId":"0x1"}]`)
	h.awaitSurface()
	h.bus.Publish(bridge.TopicRequestApprove, provider.Envelope{Key: env.Key, WindowID: env.WindowID})

	out := h.await(env.Key)
	require.Nil(t, out.Error)
	assert.Equal(t, "0x1", h.chains.ActiveChainID())

	ev := awaitOn(t, events, "chainChanged")
	assert.Equal(t, "0x1", ev.Args)

	// exactly once
	select {
	case <-events:
		t.Fatal("chainChanged fired twice for one switch")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouter_SwitchChainRejectsMalformedID(t *testing.T) {
	h := newHarness(t)
	h.connect()

	backendMustNotRun := func(context.Context, *middleware.Request) (any, error) {
		t.Fatal("backend must not run for a malformed chainId")
		return nil, nil
	}

	// an empty id must not match an empty active record, and a decimal id
	// is invalid input rather than an unrecognized chain
	for _, params := range []string{`[{}]`, `[{"chainId":""}]`, `[{"chainId":"216"}]`} {
		_, err := h.rt.handleSwitchChain(context.Background(), &middleware.Request{
			Method:    provider.MethodWalletSwitchChain,
			Params:    json.RawMessage(params),
			Origin:    dappOrigin,
			Confirmed: true,
		}, backendMustNotRun)

		perr := provider.ErrorFromAny(err)
		require.NotNil(t, perr, params)
		assert.Equal(t, provider.CodeInvalidInput, perr.Code, params)
	}
	assert.Equal(t, "0xd8", h.chains.ActiveChainID())
}

func TestRouter_AddChain(t *testing.T) {
	t.Run("identical record resolves without a surface", func(t *testing.T) {
		h := newHarness(t)
		h.connect()

		env := h.send("wallet_addEthereumChain",
			`[{"chainId":"0xd8","chainName":"HappyChain Testnet","rpcUrls":["https://rpc.testnet.happy.tech/http"]}]`)
		out := h.await(env.Key)

		require.Nil(t, out.Error)
		assert.Nil(t, out.Payload)
		assert.Equal(t, 0, h.opener.count())
	})

	t.Run("conflicting record fails after confirmation", func(t *testing.T) {
		h := newHarness(t)
		h.connect()

		env := h.send("wallet_addEthereumChain",
			`[{"chainId":"0xd8","chainName":"Impostor","rpcUrls":["https://rpc.evil.example"]}]`)
		h.awaitSurface()
		h.bus.Publish(bridge.TopicRequestApprove, provider.Envelope{Key: env.Key, WindowID: env.WindowID})

		out := h.await(env.Key)
		require.NotNil(t, out.Error)
		assert.Equal(t, provider.CodeChainNotRecognized, out.Error.Code)

		got, _ := h.chains.Get("0xd8")
		assert.Equal(t, "HappyChain Testnet", got.ChainName)
	})

	t.Run("new chain is recorded after confirmation", func(t *testing.T) {
		h := newHarness(t)
		h.connect()

		env := h.send("wallet_addEthereumChain",
			`[{"chainId":"0x1","chainName":"Mainnet","rpcUrls":["https://eth.example"]}]`)
		h.awaitSurface()
		h.bus.Publish(bridge.TopicRequestApprove, provider.Envelope{Key: env.Key, WindowID: env.WindowID})

		out := h.await(env.Key)
		require.Nil(t, out.Error)
		_, ok := h.chains.Get("0x1")
		assert.True(t, ok)
	})
}

func TestRouter_SessionKeyWaivesConfirmation(t *testing.T) {
	h := newHarness(t)
	h.connect()
	target := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

	// without a session key the send needs the surface
	env := h.send("eth_sendTransaction", `[{"to":"0x5FbDB2315678afecb367f032d93F642f64180aa3"}]`)
	h.awaitSurface()
	h.bus.Publish(bridge.TopicRequestReject, provider.Envelope{Key: env.Key, WindowID: env.WindowID})
	h.await(env.Key)

	_, err := h.keys.Generate(userAddr, target)
	require.NoError(t, err)

	opened := h.opener.count()
	env = h.send("eth_sendTransaction", `[{"to":"0x5FbDB2315678afecb367f032d93F642f64180aa3"}]`)
	out := h.await(env.Key)

	require.Nil(t, out.Error)
	assert.Equal(t, json.RawMessage(`"wallet"`), out.Payload)
	assert.Equal(t, opened, h.opener.count())
	assert.Equal(t, []string{"eth_sendTransaction"}, h.wallet.calls())
}

func TestRouter_InjectedPathBypassesSurface(t *testing.T) {
	h := newHarness(t)
	h.connect()

	env := provider.NewRequest(h.windowID, provider.RequestParams{
		Method: "eth_sendTransaction",
		Params: json.RawMessage(`[{"to":"0x5FbDB2315678afecb367f032d93F642f64180aa3"}]`),
	})
	h.bus.Publish(bridge.TopicRequestInjected, env)

	out := h.await(env.Key)
	// the injected wallet runs its own confirmation UI, so no surface opens
	require.Nil(t, out.Error)
	assert.Equal(t, json.RawMessage(`"injected"`), out.Payload)
	assert.Equal(t, 0, h.opener.count())
	assert.Equal(t, []string{"eth_sendTransaction"}, h.injected.calls())
}

func TestRouter_InternalOriginAutoApproves(t *testing.T) {
	h := newHarness(t)
	h.connect()

	internalWindow := uuid.New()
	h.rt.RegisterContext(internalWindow, internalOrigin)

	env := provider.NewRequest(internalWindow, provider.RequestParams{Method: "eth_requestAccounts"})
	h.bus.Publish(bridge.TopicRequestPermissionless, env)

	out := h.await(env.Key)
	require.Nil(t, out.Error)
	assert.Equal(t, []string{userAddr.Hex()}, out.Payload)
	assert.Equal(t, 0, h.opener.count())
}

func TestRouter_StaleVerdictIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.sess.Disconnect()

	h.bus.Publish(bridge.TopicRequestReject, provider.Envelope{Key: uuid.New(), WindowID: h.windowID})
	h.bus.Publish(bridge.TopicRequestApprove, provider.Envelope{Key: uuid.New(), WindowID: h.windowID})

	h.assertNoResponse(uuid.Nil)
	assert.Equal(t, 0, h.rt.registry.pending())
}

func TestRouter_WaitsForSessionToSettle(t *testing.T) {
	h := newHarness(t)
	h.sess.BeginConnecting()

	env := h.send("eth_requestAccounts", "")
	h.assertNoResponse(env.Key)
	assert.Equal(t, 0, h.opener.count())

	// login completes; the pre-granted internal origin plays no part here,
	// the dApp origin still needs its surface
	h.connect()
	h.awaitSurface()
	h.bus.Publish(bridge.TopicRequestApprove, provider.Envelope{Key: env.Key, WindowID: env.WindowID})

	out := h.await(env.Key)
	require.Nil(t, out.Error)
	assert.Equal(t, []string{userAddr.Hex()}, out.Payload)
}

func TestRouter_HappyUserVisibility(t *testing.T) {
	h := newHarness(t)
	h.connect()

	env := h.send("happy_user", "")
	out := h.await(env.Key)
	require.Nil(t, out.Error)
	assert.Equal(t, (*session.User)(nil), out.Payload)

	_, err := h.perms.Grant(userAddr, dappOrigin,
		[]permissions.CapabilityRequest{{Name: "eth_accounts"}})
	require.NoError(t, err)

	env = h.send("happy_user", "")
	out = h.await(env.Key)
	require.Nil(t, out.Error)
	user, ok := out.Payload.(session.User)
	require.True(t, ok)
	assert.Equal(t, userAddr, user.Address)
}

func TestRouter_DisconnectBroadcasts(t *testing.T) {
	h := newHarness(t)

	// subscribe before login so the broadcasts arrive in a known order
	events := make(chan provider.Event, 4)
	users := make(chan UserUpdate, 4)
	h.bus.Subscribe(bridge.TopicProviderEvent, func(env provider.Envelope) {
		if ev, ok := env.Payload.(provider.Event); ok && ev.Name == provider.EventAccountsChanged {
			events <- ev
		}
	})
	h.bus.Subscribe(bridge.TopicUserChanged, func(env provider.Envelope) {
		if up, ok := env.Payload.(UserUpdate); ok {
			users <- up
		}
	})

	h.connect()

	// login grants the wallet UI visibility of its own user
	ev := awaitOn(t, events, "accountsChanged")
	assert.Equal(t, []string{userAddr.Hex()}, ev.Args)
	up := awaitOn(t, users, "user:changed")
	require.NotNil(t, up.User)

	h.sess.Disconnect()

	ev = awaitOn(t, events, "accountsChanged")
	assert.Equal(t, []string{}, ev.Args)
	up = awaitOn(t, users, "user:changed")
	assert.Nil(t, up.User)
}
