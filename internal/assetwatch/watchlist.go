// Package assetwatch keeps the per-account list of watched assets
// (wallet_watchAsset, EIP-747), keyed by contract address.
package assetwatch

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/happychain/wallet-core/internal/constants"
	"github.com/happychain/wallet-core/internal/provider"
	"github.com/happychain/wallet-core/internal/securefile"
)

// Asset is one watched token.
type Asset struct {
	Address  common.Address `json:"address"`
	Type     string         `json:"type"`
	Symbol   string         `json:"symbol,omitempty"`
	Decimals uint8          `json:"decimals,omitempty"`
	Image    string         `json:"image,omitempty"`
	AddedAt  time.Time      `json:"addedAt"`
}

// Watchlist maps account -> contract address -> asset.
type Watchlist struct {
	mu       sync.Mutex
	path     string
	accounts map[common.Address]map[common.Address]Asset
	log      *zap.SugaredLogger
}

type storeFile struct {
	Schema   int                         `json:"schema"`
	Accounts map[string]map[string]Asset `json:"accounts"`
}

// New creates a watchlist backed by a JSON file. An empty path disables
// persistence.
func New(path string, log *zap.SugaredLogger) *Watchlist {
	return &Watchlist{
		path:     path,
		accounts: make(map[common.Address]map[common.Address]Asset),
		log:      log,
	}
}

// Load hydrates the list from disk; a missing file means an empty list.
func (w *Watchlist) Load() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.path == "" {
		return nil
	}
	b, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read assets file: %w", err)
	}

	var sf storeFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return fmt.Errorf("parse assets file: %w", err)
	}

	accounts := make(map[common.Address]map[common.Address]Asset, len(sf.Accounts))
	for acct, byAddr := range sf.Accounts {
		if !common.IsHexAddress(acct) {
			continue
		}
		held := make(map[common.Address]Asset, len(byAddr))
		for addr, a := range byAddr {
			if !common.IsHexAddress(addr) {
				continue
			}
			held[common.HexToAddress(addr)] = a
		}
		accounts[common.HexToAddress(acct)] = held
	}
	w.accounts = accounts
	return nil
}

func (w *Watchlist) persistLocked() error {
	if w.path == "" {
		return nil
	}
	sf := storeFile{
		Schema:   constants.SchemaV1,
		Accounts: make(map[string]map[string]Asset, len(w.accounts)),
	}
	for acct, held := range w.accounts {
		byAddr := make(map[string]Asset, len(held))
		for addr, a := range held {
			byAddr[addr.Hex()] = a
		}
		sf.Accounts[acct.Hex()] = byAddr
	}
	return securefile.WriteJSON(w.path, sf, constants.FilePerm, constants.DirectoryPerm)
}

// Watch records an asset for the account. Re-watching an already-known
// contract address is a no-op; both paths report success.
func (w *Watchlist) Watch(account common.Address, p provider.WatchAssetParams) (bool, error) {
	if !common.IsHexAddress(p.Options.Address) {
		return false, fmt.Errorf("invalid asset address: %q", p.Options.Address)
	}
	addr := common.HexToAddress(p.Options.Address)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.accounts[account] == nil {
		w.accounts[account] = make(map[common.Address]Asset)
	}
	if _, ok := w.accounts[account][addr]; ok {
		return true, nil
	}

	w.accounts[account][addr] = Asset{
		Address:  addr,
		Type:     p.Type,
		Symbol:   p.Options.Symbol,
		Decimals: p.Options.Decimals,
		Image:    p.Options.Image,
		AddedAt:  time.Now().UTC(),
	}
	if err := w.persistLocked(); err != nil {
		w.log.Errorw("persist assets", "error", err)
	}
	return true, nil
}

// List returns the account's watched assets ordered by address.
func (w *Watchlist) List(account common.Address) []Asset {
	w.mu.Lock()
	defer w.mu.Unlock()

	held := w.accounts[account]
	out := make([]Asset, 0, len(held))
	for _, a := range held {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	return out
}
