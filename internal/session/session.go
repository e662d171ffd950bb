// Package session tracks the wallet's auth state and the currently bound
// user identity. The identity is non-nil if and only if the state is
// Connected; both are swapped in a single step so no observer ever sees a
// half-updated session.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// State is the session's auth state.
type State int

const (
	Initializing State = iota
	Connecting
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Settled reports whether the state is terminal enough to classify requests
// against (login/logout is not in progress).
func (s State) Settled() bool {
	return s == Connected || s == Disconnected
}

// User is the signed-in identity bound to the session.
type User struct {
	Address common.Address `json:"address"`
	Name    string         `json:"name,omitempty"`
	Avatar  string         `json:"avatar,omitempty"`
}

// ErrInvalidTransition is returned when a transition would break the
// state/identity invariant.
var ErrInvalidTransition = errors.New("session: state and identity must change together")

// Observer is notified after every state change. The user is nil unless the
// new state is Connected.
type Observer func(state State, user *User)

// Manager owns the session state. All mutations go through Transition (or
// its Connect/Disconnect/BeginConnecting shorthands).
type Manager struct {
	mu      sync.Mutex
	state   State
	user    *User
	settled chan struct{}
	subs    map[int]Observer
	nextSub int
}

func NewManager() *Manager {
	return &Manager{
		state:   Initializing,
		settled: make(chan struct{}),
		subs:    make(map[int]Observer),
	}
}

// State returns the current auth state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentUser returns the bound identity, if any.
func (m *Manager) CurrentUser() (User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return User{}, false
	}
	return *m.user, true
}

// Transition moves the session to state, binding user in the same step.
// Connected requires a user; every other state requires none.
func (m *Manager) Transition(state State, user *User) error {
	if (state == Connected) != (user != nil) {
		return ErrInvalidTransition
	}

	m.mu.Lock()
	m.state = state
	m.user = user
	if state.Settled() {
		select {
		case <-m.settled:
			// already closed
		default:
			close(m.settled)
		}
	} else {
		select {
		case <-m.settled:
			m.settled = make(chan struct{})
		default:
		}
	}
	subs := make([]Observer, 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(state, user)
	}
	return nil
}

// Connect binds user and moves to Connected.
func (m *Manager) Connect(user User) {
	_ = m.Transition(Connected, &user)
}

// BeginConnecting marks a login in progress; the identity is cleared.
func (m *Manager) BeginConnecting() {
	_ = m.Transition(Connecting, nil)
}

// Disconnect clears the identity and moves to Disconnected.
func (m *Manager) Disconnect() {
	_ = m.Transition(Disconnected, nil)
}

// WaitSettled blocks until the session leaves Initializing/Connecting, then
// returns the settled state. Callers classify requests only against settled
// state, so a login in flight never leaks a transitional answer.
func (m *Manager) WaitSettled(ctx context.Context) (State, error) {
	for {
		m.mu.Lock()
		st := m.state
		ch := m.settled
		m.mu.Unlock()

		if st.Settled() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ch:
		}
	}
}

// Subscribe registers an observer and returns its cancel function.
func (m *Manager) Subscribe(fn Observer) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}
