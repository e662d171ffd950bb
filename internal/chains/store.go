// Package chains holds the wallet's chain records (EIP-3085 add-chain
// payloads) and the currently active chain. Switch requests must target a
// chain that was previously added.
package chains

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/happychain/wallet-core/internal/constants"
	"github.com/happychain/wallet-core/internal/provider"
	"github.com/happychain/wallet-core/internal/securefile"
)

var (
	// ErrChainExists is returned when adding a chain id that is already
	// recorded.
	ErrChainExists = errors.New("chain already exists")

	// ErrChainUnknown is returned when activating a chain that was never
	// added.
	ErrChainUnknown = errors.New("unrecognized chain id, try adding the chain first")
)

// Store is the chain record set, scoped to the wallet context.
type Store struct {
	mu     sync.Mutex
	path   string
	active string
	chains map[string]provider.AddChainParams
	log    *zap.SugaredLogger
}

type storeFile struct {
	Schema int                                `json:"schema"`
	Active string                             `json:"active,omitempty"`
	Chains map[string]provider.AddChainParams `json:"chains"`
}

// NewStore creates a store backed by a JSON file. An empty path disables
// persistence.
func NewStore(path string, log *zap.SugaredLogger) *Store {
	return &Store{
		path:   path,
		chains: make(map[string]provider.AddChainParams),
		log:    log,
	}
}

// Load hydrates the store from disk; a missing file means an empty set.
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
		return fmt.Errorf("read chains file: %w", err)
	}

	var sf storeFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return fmt.Errorf("parse chains file: %w", err)
	}

	// normalize defensively on load
	chains := make(map[string]provider.AddChainParams, len(sf.Chains))
	for _, p := range sf.Chains {
		p.Normalize()
		if p.ChainID == "" {
			continue
		}
		chains[p.ChainID] = p
	}
	s.chains = chains
	s.active = provider.NormalizeChainID(sf.Active)
	return nil
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	sf := storeFile{Schema: constants.SchemaV1, Active: s.active, Chains: s.chains}
	return securefile.WriteJSON(s.path, sf, constants.FilePerm, constants.DirectoryPerm)
}

// Add records a new chain. The params must already be validated; adding a
// chain id that exists fails with ErrChainExists.
func (s *Store) Add(p provider.AddChainParams) error {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chains[p.ChainID]; ok {
		return fmt.Errorf("%w: %s", ErrChainExists, p.ChainID)
	}
	s.chains[p.ChainID] = p
	if err := s.persistLocked(); err != nil {
		s.log.Errorw("persist chains", "error", err)
	}
	return nil
}

// Get looks up a chain record by id.
func (s *Store) Get(chainID string) (provider.AddChainParams, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.chains[provider.NormalizeChainID(chainID)]
	return p, ok
}

// HasIdentical reports whether an identical (deep-equal) record exists for
// the chain id.
func (s *Store) HasIdentical(p provider.AddChainParams) bool {
	existing, ok := s.Get(p.ChainID)
	return ok && existing.Equal(p)
}

// ActiveChainID returns the active chain id ("" if none was ever set).
func (s *Store) ActiveChainID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetActive switches the active chain. The target must have been added.
func (s *Store) SetActive(chainID string) error {
	chainID = provider.NormalizeChainID(chainID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chains[chainID]; !ok {
		return fmt.Errorf("%w: %s", ErrChainUnknown, chainID)
	}
	s.active = chainID
	if err := s.persistLocked(); err != nil {
		s.log.Errorw("persist chains", "error", err)
	}
	return nil
}

// List returns all records ordered by chain id.
func (s *Store) List() []provider.AddChainParams {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]provider.AddChainParams, 0, len(s.chains))
	for _, p := range s.chains {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// EnsureDefaults merges config-provided chains into the store, adding only
// the missing ones. The first default becomes active if nothing is active
// yet.
func (s *Store) EnsureDefaults(defaults []provider.AddChainParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, p := range defaults {
		p.Normalize()
		if err := p.Validate(); err != nil {
			return fmt.Errorf("default chain %q: %w", p.ChainID, err)
		}
		if _, ok := s.chains[p.ChainID]; ok {
			continue
		}
		s.chains[p.ChainID] = p
		changed = true
		if s.active == "" {
			s.active = p.ChainID
		}
	}
	if !changed {
		return nil
	}
	return s.persistLocked()
}
