// Package sessionkeys holds the session keys a user has approved through
// the happy_requestSessionKey vendor method. A session key authorizes
// popup-free eth_sendTransaction calls to a single target contract.
package sessionkeys

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Registry maps account -> target contract -> session key.
type Registry struct {
	mu   sync.Mutex
	keys map[common.Address]map[common.Address]*ecdsa.PrivateKey
}

func New() *Registry {
	return &Registry{
		keys: make(map[common.Address]map[common.Address]*ecdsa.PrivateKey),
	}
}

// Generate creates and registers a fresh session key for (account, target)
// and returns its address. An existing key for the pair is replaced.
func (r *Registry) Generate(account, target common.Address) (common.Address, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, fmt.Errorf("generate session key: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.keys[account] == nil {
		r.keys[account] = make(map[common.Address]*ecdsa.PrivateKey)
	}
	r.keys[account][target] = key
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

// Has reports whether a session key exists for (account, target).
func (r *Registry) Has(account, target common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.keys[account][target]
	return ok
}

// Address returns the session key's address for (account, target).
func (r *Registry) Address(account, target common.Address) (common.Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[account][target]
	if !ok {
		return common.Address{}, false
	}
	return crypto.PubkeyToAddress(key.PublicKey), true
}

// Signer returns the private key for (account, target) so the execution
// backend can sign without another prompt.
func (r *Registry) Signer(account, target common.Address) (*ecdsa.PrivateKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[account][target]
	return key, ok
}

// Clear drops every session key for the account (sign-out).
func (r *Registry) Clear(account common.Address) {
	r.mu.Lock()
	delete(r.keys, account)
	r.mu.Unlock()
}
