package router

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/happychain/wallet-core/internal/popup"
	"github.com/happychain/wallet-core/internal/provider"
)

// defaultWatchInterval is how often the watchdog polls open confirmation
// surfaces for dismissal.
const defaultWatchInterval = 100 * time.Millisecond

type entry struct {
	env     provider.Envelope
	respond func(provider.Envelope)
	surface popup.Surface
}

// registry correlates in-flight requests with their eventual resolution.
// Every key resolves at most once: Resolve and Reject both remove the entry
// before invoking its responder, so a second verdict for the same key (late
// approve after a watchdog rejection, duplicated popup message) is a silent
// no-op.
type registry struct {
	mu       sync.Mutex
	entries  map[uuid.UUID]*entry
	watching bool
	interval time.Duration
	log      *zap.SugaredLogger
}

func newRegistry(interval time.Duration, log *zap.SugaredLogger) *registry {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	return &registry{
		entries:  make(map[uuid.UUID]*entry),
		interval: interval,
		log:      log,
	}
}

// register records an in-flight request and its responder.
func (r *registry) register(env provider.Envelope, respond func(provider.Envelope)) {
	r.mu.Lock()
	r.entries[env.Key] = &entry{env: env, respond: respond}
	r.mu.Unlock()
}

// attachSurface binds an open confirmation surface to the pending key and
// ensures the watchdog is running. Attaching to a key that already resolved
// closes the surface immediately.
func (r *registry) attachSurface(key uuid.UUID, s popup.Surface) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		s.Close()
		return
	}
	e.surface = s
	if !r.watching {
		r.watching = true
		go r.watch()
	}
	r.mu.Unlock()
}

// peek returns the original request envelope without settling the entry.
func (r *registry) peek(key uuid.UUID) (provider.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return provider.Envelope{}, false
	}
	return e.env, true
}

// take removes and returns the entry for key.
func (r *registry) take(key uuid.UUID) (*entry, bool) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	return e, ok
}

// resolve completes the request with a success payload. Returns false when
// the key is unknown or already settled.
func (r *registry) resolve(key uuid.UUID, payload any) bool {
	e, ok := r.take(key)
	if !ok {
		return false
	}
	if e.surface != nil {
		e.surface.Close()
	}
	e.respond(e.env.Respond(payload))
	return true
}

// reject completes the request with an error.
func (r *registry) reject(key uuid.UUID, perr *provider.Error) bool {
	e, ok := r.take(key)
	if !ok {
		return false
	}
	if e.surface != nil {
		e.surface.Close()
	}
	e.respond(e.env.RespondError(perr))
	return true
}

// pending reports the number of in-flight entries (used by tests).
func (r *registry) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// watch polls surface-bearing entries and rejects any whose surface the
// user dismissed without a verdict. The goroutine exits once no entry holds
// a surface; the next attachSurface starts a fresh one.
func (r *registry) watch() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for range ticker.C {
		var dismissed []uuid.UUID
		watched := 0

		r.mu.Lock()
		for key, e := range r.entries {
			if e.surface == nil {
				continue
			}
			watched++
			if e.surface.Closed() {
				dismissed = append(dismissed, key)
			}
		}
		if watched == 0 {
			r.watching = false
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		for _, key := range dismissed {
			if r.reject(key, provider.ErrUserRejected()) {
				r.log.Debugw("confirmation surface dismissed", "key", key)
			}
		}
	}
}
