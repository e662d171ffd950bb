// Package permissions holds the per-origin, per-account capability grants
// (EIP-2255 wallet permissions). The store is the authoritative record the
// router and classifier consult before serving account-scoped requests.
package permissions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/happychain/wallet-core/internal/constants"
	"github.com/happychain/wallet-core/internal/securefile"
)

// ErrCaveatsUnsupported is returned by Grant when any requested capability
// carries a non-empty caveat set. Caveats are rejected wholesale rather
// than silently dropped; a grant call is all-or-nothing.
var ErrCaveatsUnsupported = errors.New("permission caveats are not supported")

// Caveat is a restriction attached to a capability (EIP-2255). Parsed and
// validated against, but never granted.
type Caveat struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Record is a granted capability for one (account, origin) pair.
type Record struct {
	ID         uuid.UUID `json:"id"`
	Invoker    string    `json:"invoker"`
	Capability string    `json:"parentCapability"`
	Caveats    []Caveat  `json:"caveats"`
	GrantedAt  time.Time `json:"date"`
}

// CapabilityRequest is one entry of a grant call.
type CapabilityRequest struct {
	Name    string
	Caveats []Caveat
}

// VisibilityFunc is invoked after a mutation changes whether an origin holds
// the accounts capability. The store mutation happens-before the call.
type VisibilityFunc func(origin string, visible bool)

// Store maps account -> origin -> capability -> record. It is scoped to the
// wallet context; mutations are atomic with respect to a single request.
type Store struct {
	mu         sync.Mutex
	path       string
	accounts   map[common.Address]map[string]map[string]Record
	visibility VisibilityFunc
	log        *zap.SugaredLogger
}

// storeFile is the on-disk representation.
type storeFile struct {
	Schema   int                                     `json:"schema"`
	Accounts map[string]map[string]map[string]Record `json:"accounts"`
	Updated  string                                  `json:"updated,omitempty"`
}

// NewStore creates a store backed by a JSON file. An empty path disables
// persistence (used in tests).
func NewStore(path string, log *zap.SugaredLogger) *Store {
	return &Store{
		path:     path,
		accounts: make(map[common.Address]map[string]map[string]Record),
		log:      log,
	}
}

// SetVisibilityFunc wires the identity-visibility side effect. Must be set
// before the store is exposed to request handling.
func (s *Store) SetVisibilityFunc(fn VisibilityFunc) {
	s.mu.Lock()
	s.visibility = fn
	s.mu.Unlock()
}

// Load hydrates the store from disk. A missing file means an empty store
// (first run).
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read permissions file: %w", err)
	}

	var sf storeFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return fmt.Errorf("parse permissions file: %w", err)
	}

	accounts := make(map[common.Address]map[string]map[string]Record, len(sf.Accounts))
	for addr, origins := range sf.Accounts {
		if !common.IsHexAddress(addr) {
			continue
		}
		accounts[common.HexToAddress(addr)] = origins
	}
	s.accounts = accounts
	return nil
}

// persistLocked writes the store to disk. Callers hold s.mu.
func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}

	sf := storeFile{
		Schema:   constants.SchemaV1,
		Accounts: make(map[string]map[string]map[string]Record, len(s.accounts)),
		Updated:  time.Now().UTC().Format(time.RFC3339),
	}
	for addr, origins := range s.accounts {
		sf.Accounts[addr.Hex()] = origins
	}
	return securefile.WriteJSON(s.path, sf, constants.FilePerm, constants.DirectoryPerm)
}

// Has reports whether the account has granted capability to origin.
func (s *Store) Has(account common.Address, origin, capability string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.accounts[account][origin][capability]
	return ok
}

// HasAll reports whether every named capability is granted.
func (s *Store) HasAll(account common.Address, origin string, names []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if _, ok := s.accounts[account][origin][name]; !ok {
			return false
		}
	}
	return true
}

// Grant creates records for every requested capability and returns them in
// request order. Re-granting a held capability is idempotent: the existing
// record (same ID) is returned and nothing is written. If any request
// carries caveats the whole call fails before any mutation.
func (s *Store) Grant(account common.Address, origin string, reqs []CapabilityRequest) ([]Record, error) {
	for _, req := range reqs {
		if len(req.Caveats) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrCaveatsUnsupported, req.Name)
		}
	}

	s.mu.Lock()
	if s.accounts[account] == nil {
		s.accounts[account] = make(map[string]map[string]Record)
	}
	if s.accounts[account][origin] == nil {
		s.accounts[account][origin] = make(map[string]Record)
	}
	held := s.accounts[account][origin]

	granted := make([]Record, 0, len(reqs))
	accountsNewlyVisible := false
	changed := false

	for _, req := range reqs {
		if rec, ok := held[req.Name]; ok {
			granted = append(granted, rec)
			continue
		}
		rec := Record{
			ID:         uuid.New(),
			Invoker:    origin,
			Capability: req.Name,
			Caveats:    []Caveat{},
			GrantedAt:  time.Now().UTC(),
		}
		held[req.Name] = rec
		granted = append(granted, rec)
		changed = true
		if req.Name == "eth_accounts" {
			accountsNewlyVisible = true
		}
	}

	if changed {
		if err := s.persistLocked(); err != nil {
			s.log.Errorw("persist permissions", "error", err)
		}
	}
	visibility := s.visibility
	s.mu.Unlock()

	if accountsNewlyVisible && visibility != nil {
		visibility(origin, true)
	}
	return granted, nil
}

// Revoke removes the named capabilities. Revoking the accounts capability
// hides the identity from that origin. Unknown names are ignored.
func (s *Store) Revoke(account common.Address, origin string, names []string) {
	s.mu.Lock()
	held := s.accounts[account][origin]
	accountsHidden := false
	changed := false

	for _, name := range names {
		if _, ok := held[name]; !ok {
			continue
		}
		delete(held, name)
		changed = true
		if name == "eth_accounts" {
			accountsHidden = true
		}
	}
	if len(held) == 0 {
		delete(s.accounts[account], origin)
	}
	if changed {
		if err := s.persistLocked(); err != nil {
			s.log.Errorw("persist permissions", "error", err)
		}
	}
	visibility := s.visibility
	s.mu.Unlock()

	if accountsHidden && visibility != nil {
		visibility(origin, false)
	}
}

// List returns the account's records for origin, ordered by capability name.
func (s *Store) List(account common.Address, origin string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := s.accounts[account][origin]
	out := make([]Record, 0, len(held))
	for _, rec := range held {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Capability < out[j].Capability })
	return out
}

// ClearAll removes every grant for the account (wallet reset). Origins
// that held the accounts capability get an identity-hide emission.
func (s *Store) ClearAll(account common.Address) {
	s.mu.Lock()
	var hidden []string
	for origin, held := range s.accounts[account] {
		if _, ok := held["eth_accounts"]; ok {
			hidden = append(hidden, origin)
		}
	}
	delete(s.accounts, account)
	if err := s.persistLocked(); err != nil {
		s.log.Errorw("persist permissions", "error", err)
	}
	visibility := s.visibility
	s.mu.Unlock()

	if visibility != nil {
		sort.Strings(hidden)
		for _, origin := range hidden {
			visibility(origin, false)
		}
	}
}
