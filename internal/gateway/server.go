// Package gateway exposes the wallet daemon's loopback HTTP surface: dApp
// contexts register and submit provider requests here, poll their event
// feed, and the confirmation UI posts its verdicts back. The gateway is
// transport only; every decision lives behind the bridge in the router.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/happychain/wallet-core/internal/bridge"
	"github.com/happychain/wallet-core/internal/chains"
	"github.com/happychain/wallet-core/internal/provider"
	"github.com/happychain/wallet-core/internal/router"
	"github.com/happychain/wallet-core/internal/session"
)

type corsPolicy struct {
	allowedOrigins map[string]struct{}
	allowMethods   string
	allowHeaders   string
	maxAge         int
}

// Config carries the gateway's static settings.
type Config struct {
	// Addr is the listen address; must resolve to loopback.
	Addr string
	// AllowedOrigins restricts CORS for the dApp endpoints. Empty allows
	// any origin (the loopback guard still applies).
	AllowedOrigins []string
}

// eventFeedSize bounds each window's undelivered event backlog; when a
// client stops polling, the oldest events are dropped first.
const eventFeedSize = 32

// eventFeed buffers broadcasts for one connected window between polls.
type eventFeed struct {
	origin string
	ch     chan provider.Event
}

func (f *eventFeed) push(ev provider.Event) {
	for {
		select {
		case f.ch <- ev:
			return
		default:
			select {
			case <-f.ch:
			default:
			}
		}
	}
}

// Server is the loopback HTTP gateway.
type Server struct {
	log     *zap.SugaredLogger
	bus     bridge.Bus
	router  *router.Router
	session *session.Manager
	chains  *chains.Store
	popups  *PopupDirectory

	cfg            Config
	allowedOrigins map[string]struct{}
	httpServer     *http.Server

	mu      sync.Mutex
	waiters map[uuid.UUID]chan provider.Envelope
	feeds   map[uuid.UUID]*eventFeed
	unsubs  []func()
}

// NewServer builds the gateway. Start binds the listener.
func NewServer(
	log *zap.SugaredLogger,
	bus bridge.Bus,
	rt *router.Router,
	sess *session.Manager,
	chainStore *chains.Store,
	popups *PopupDirectory,
	cfg Config,
) *Server {
	var allowed map[string]struct{}
	if len(cfg.AllowedOrigins) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedOrigins))
		for _, o := range cfg.AllowedOrigins {
			if n := canonicalOrigin(o); n != "" {
				allowed[n] = struct{}{}
			}
		}
	}
	return &Server{
		log:            log,
		bus:            bus,
		router:         rt,
		session:        sess,
		chains:         chainStore,
		popups:         popups,
		cfg:            cfg,
		allowedOrigins: allowed,
		waiters:        make(map[uuid.UUID]chan provider.Envelope),
		feeds:          make(map[uuid.UUID]*eventFeed),
	}
}

// Handler builds the route table (exported for tests).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.withGuards(s.handleStatus))
	mux.HandleFunc("/connect", s.withGuards(s.handleConnect))
	mux.HandleFunc("/rpc", s.withGuards(s.handleRPC))
	mux.HandleFunc("/events", s.withGuards(s.handleEvents))
	mux.HandleFunc("/request", s.withGuards(s.handleRequestPending))
	mux.HandleFunc("/request/approve", s.withGuards(s.handleApprove))
	mux.HandleFunc("/request/reject", s.withGuards(s.handleReject))
	return mux
}

// subscribe wires the bus subscriptions feeding responses and event feeds.
func (s *Server) subscribe() {
	s.unsubs = append(s.unsubs,
		s.bus.Subscribe(bridge.TopicRequestResponse, s.onResponse),
		s.bus.Subscribe(bridge.TopicProviderEvent, s.onProviderEvent),
		s.bus.Subscribe(bridge.TopicUserChanged, s.onUserChanged),
	)
}

// Start subscribes to the bridge and begins serving.
func (s *Server) Start() error {
	s.subscribe()

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infow("gateway listening", "addr", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("gateway serve", "error", err)
		}
	}()
	return nil
}

// Shutdown stops serving and releases the bridge subscriptions.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withCORS(policy corsPolicy, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if raw := r.Header.Get("Origin"); raw != "" {
			origin := canonicalOrigin(raw)
			if origin == "" {
				http.Error(w, "forbidden origin", http.StatusForbidden)
				return
			}
			if policy.allowedOrigins != nil {
				if _, ok := policy.allowedOrigins[origin]; !ok {
					http.Error(w, "forbidden origin", http.StatusForbidden)
					return
				}
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			if policy.allowMethods != "" {
				h.Set("Access-Control-Allow-Methods", policy.allowMethods)
			}
			switch {
			case policy.allowHeaders != "":
				h.Set("Access-Control-Allow-Headers", policy.allowHeaders)
			case r.Header.Get("Access-Control-Request-Headers") != "":
				h.Set("Access-Control-Allow-Headers", r.Header.Get("Access-Control-Request-Headers"))
			}
			if policy.maxAge > 0 {
				h.Set("Access-Control-Max-Age", strconv.Itoa(policy.maxAge))
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

func (s *Server) withGuards(next http.HandlerFunc) http.HandlerFunc {
	cors := corsPolicy{
		allowedOrigins: s.allowedOrigins,
		allowMethods:   "GET,POST,OPTIONS",
		maxAge:         600,
	}
	return s.withCORS(cors, func(w http.ResponseWriter, r *http.Request) {
		if !requestFromLoopback(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if !hostIsLocal(r.Host) {
			http.Error(w, "forbidden host", http.StatusForbidden)
			return
		}
		next(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"state":   s.session.State().String(),
		"chainId": s.chains.ActiveChainID(),
	}
	if user, ok := s.session.CurrentUser(); ok {
		resp["user"] = user
	}
	respondJSON(w, http.StatusOK, resp)
}

type connectRequest struct {
	Origin string `json:"origin,omitempty"`
}

// handleConnect registers a dApp context and opens its event feed. The
// origin comes from the Origin header when present; the body field serves
// non-browser clients.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	origin := canonicalOrigin(r.Header.Get("Origin"))
	if origin == "" {
		var body connectRequest
		if err := decodeBodyInto(r, &body); err == nil {
			origin = canonicalOrigin(body.Origin)
		}
	}
	if origin == "" {
		http.Error(w, "missing origin", http.StatusBadRequest)
		return
	}

	windowID := uuid.New()
	s.router.RegisterContext(windowID, origin)
	s.mu.Lock()
	s.feeds[windowID] = &eventFeed{origin: origin, ch: make(chan provider.Event, eventFeedSize)}
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]any{"windowId": windowID})
}

// handleRPC submits one provider request and blocks until its correlated
// response comes back over the bridge.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		WindowID uuid.UUID       `json:"windowId"`
		Method   string          `json:"method"`
		Params   json.RawMessage `json:"params,omitempty"`
		Via      string          `json:"via,omitempty"`
	}
	if err := decodeBodyInto(r, &body); err != nil {
		respondProviderError(w, http.StatusBadRequest, provider.ErrInvalidInput(err.Error()))
		return
	}
	if body.WindowID == uuid.Nil || body.Method == "" {
		respondProviderError(w, http.StatusBadRequest, provider.ErrInvalidInput("windowId and method are required"))
		return
	}

	env := provider.NewRequest(body.WindowID, provider.RequestParams{
		Method: body.Method,
		Params: body.Params,
	})

	ch := s.addWaiter(env.Key)
	defer s.removeWaiter(env.Key)

	topic := bridge.TopicRequestPermissionless
	if body.Via == "injected" {
		topic = bridge.TopicRequestInjected
	}
	s.bus.Publish(topic, env)

	select {
	case out := <-ch:
		if out.Error != nil {
			respondJSON(w, http.StatusOK, map[string]any{"error": out.Error})
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"result": out.Payload})
	case <-r.Context().Done():
		respondProviderError(w, http.StatusGatewayTimeout, provider.ErrorFromAny(r.Context().Err()))
	}
}

// handleEvents long-polls the window's event feed: everything already
// queued returns immediately; an empty feed blocks until one event arrives
// or the client gives up.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	windowID, err := uuid.Parse(r.URL.Query().Get("windowId"))
	if err != nil {
		respondProviderError(w, http.StatusBadRequest, provider.ErrInvalidInput("windowId is required"))
		return
	}

	s.mu.Lock()
	feed, ok := s.feeds[windowID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown window", http.StatusNotFound)
		return
	}

	var events []provider.Event
drain:
	for {
		select {
		case ev := <-feed.ch:
			events = append(events, ev)
		default:
			break drain
		}
	}
	if len(events) == 0 {
		select {
		case ev := <-feed.ch:
			events = append(events, ev)
		case <-r.Context().Done():
		}
	}
	if events == nil {
		events = []provider.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleRequestPending lists the spooled confirmation URLs for the UI.
func (s *Server) handleRequestPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	urls, err := s.popups.Pending()
	if err != nil {
		http.Error(w, "list pending", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"pending": urls})
}

type verdictRequest struct {
	WindowID uuid.UUID       `json:"windowId"`
	Key      uuid.UUID       `json:"key"`
	Method   string          `json:"method,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Code     int             `json:"code,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// handleApprove forwards the surface's approval. The body may restate the
// request (the surface is allowed to amend parameters).
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body verdictRequest
	if err := decodeBodyInto(r, &body); err != nil {
		respondProviderError(w, http.StatusBadRequest, provider.ErrInvalidInput(err.Error()))
		return
	}
	if body.Key == uuid.Nil {
		respondProviderError(w, http.StatusBadRequest, provider.ErrInvalidInput("key is required"))
		return
	}

	env := provider.Envelope{Key: body.Key, WindowID: body.WindowID}
	if body.Method != "" {
		env.Payload = provider.RequestParams{Method: body.Method, Params: body.Params}
	}
	s.bus.Publish(bridge.TopicRequestApprove, env)
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReject forwards the surface's rejection.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body verdictRequest
	if err := decodeBodyInto(r, &body); err != nil {
		respondProviderError(w, http.StatusBadRequest, provider.ErrInvalidInput(err.Error()))
		return
	}
	if body.Key == uuid.Nil {
		respondProviderError(w, http.StatusBadRequest, provider.ErrInvalidInput("key is required"))
		return
	}

	var perr *provider.Error
	if body.Code != 0 {
		perr = &provider.Error{Code: body.Code, Message: body.Message}
	}
	env := provider.Envelope{Key: body.Key, WindowID: body.WindowID, Error: perr}
	s.bus.Publish(bridge.TopicRequestReject, env)
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) onResponse(env provider.Envelope) {
	s.mu.Lock()
	ch, ok := s.waiters[env.Key]
	if ok {
		delete(s.waiters, env.Key)
	}
	s.mu.Unlock()
	if ok {
		ch <- env
	}
}

// onProviderEvent fans an accountsChanged/chainChanged broadcast out to
// every connected window's feed.
func (s *Server) onProviderEvent(env provider.Envelope) {
	ev, ok := env.Payload.(provider.Event)
	if !ok {
		return
	}
	s.mu.Lock()
	feeds := make([]*eventFeed, 0, len(s.feeds))
	for _, f := range s.feeds {
		feeds = append(feeds, f)
	}
	s.mu.Unlock()
	for _, f := range feeds {
		f.push(ev)
	}
}

// onUserChanged delivers an identity update to the feeds it concerns: the
// named origin's windows, or every window when no origin is set (sign-out).
func (s *Server) onUserChanged(env provider.Envelope) {
	up, ok := env.Payload.(router.UserUpdate)
	if !ok {
		return
	}
	s.mu.Lock()
	feeds := make([]*eventFeed, 0, len(s.feeds))
	for _, f := range s.feeds {
		if up.Origin == "" || f.origin == up.Origin {
			feeds = append(feeds, f)
		}
	}
	s.mu.Unlock()
	for _, f := range feeds {
		f.push(provider.Event{Name: "userChanged", Args: up.User})
	}
}

func (s *Server) addWaiter(key uuid.UUID) chan provider.Envelope {
	ch := make(chan provider.Envelope, 1)
	s.mu.Lock()
	s.waiters[key] = ch
	s.mu.Unlock()
	return ch
}

func (s *Server) removeWaiter(key uuid.UUID) {
	s.mu.Lock()
	delete(s.waiters, key)
	s.mu.Unlock()
}
