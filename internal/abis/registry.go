// Package abis records contract ABIs loaded by dApps through the
// happy_loadAbi vendor method, so the confirmation surface can decode
// transaction calldata for display.
package abis

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Registry maps account -> contract address -> ABI JSON.
type Registry struct {
	mu       sync.Mutex
	accounts map[common.Address]map[common.Address]json.RawMessage
}

func New() *Registry {
	return &Registry{
		accounts: make(map[common.Address]map[common.Address]json.RawMessage),
	}
}

// Record validates and stores an ABI for the contract. Re-recording
// overwrites the previous entry.
func (r *Registry) Record(account, contract common.Address, abiJSON json.RawMessage) error {
	if _, err := abi.JSON(strings.NewReader(string(abiJSON))); err != nil {
		return fmt.Errorf("invalid abi: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.accounts[account] == nil {
		r.accounts[account] = make(map[common.Address]json.RawMessage)
	}
	r.accounts[account][contract] = abiJSON
	return nil
}

// Lookup returns the recorded ABI for the contract, if any.
func (r *Registry) Lookup(account, contract common.Address) (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, ok := r.accounts[account][contract]
	return raw, ok
}

// Clear drops every ABI recorded for the account (sign-out).
func (r *Registry) Clear(account common.Address) {
	r.mu.Lock()
	delete(r.accounts, account)
	r.mu.Unlock()
}
