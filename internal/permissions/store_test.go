package permissions

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happychain/wallet-core/internal/logging"
)

var (
	testAccount = common.HexToAddress("0x1111111111111111111111111111111111111111")
	otherAcct   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

const testOrigin = "https://dapp.example"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "permissions.json"), logging.Nop())
}

func TestStore_Grant(t *testing.T) {
	t.Run("grant then has", func(t *testing.T) {
		s := newTestStore(t)

		granted, err := s.Grant(testAccount, testOrigin, []CapabilityRequest{{Name: "eth_accounts"}})
		require.NoError(t, err)
		require.Len(t, granted, 1)
		assert.Equal(t, "eth_accounts", granted[0].Capability)
		assert.Equal(t, testOrigin, granted[0].Invoker)
		assert.True(t, s.Has(testAccount, testOrigin, "eth_accounts"))
		assert.False(t, s.Has(otherAcct, testOrigin, "eth_accounts"))
	})

	t.Run("regrant is idempotent", func(t *testing.T) {
		s := newTestStore(t)

		first, err := s.Grant(testAccount, testOrigin, []CapabilityRequest{{Name: "eth_accounts"}})
		require.NoError(t, err)
		second, err := s.Grant(testAccount, testOrigin, []CapabilityRequest{{Name: "eth_accounts"}})
		require.NoError(t, err)

		assert.Equal(t, first[0].ID, second[0].ID)
		assert.Len(t, s.List(testAccount, testOrigin), 1)
	})

	t.Run("caveats abort the whole call", func(t *testing.T) {
		s := newTestStore(t)

		_, err := s.Grant(testAccount, testOrigin, []CapabilityRequest{
			{Name: "eth_accounts"},
			{Name: "eth_signTypedData", Caveats: []Caveat{{Type: "restrictReturnedAccounts"}}},
		})
		require.ErrorIs(t, err, ErrCaveatsUnsupported)

		// nothing granted, not even the caveat-free entry
		assert.False(t, s.Has(testAccount, testOrigin, "eth_accounts"))
	})

	t.Run("visibility fires once for a new accounts grant", func(t *testing.T) {
		s := newTestStore(t)
		var calls []bool
		s.SetVisibilityFunc(func(origin string, visible bool) {
			assert.Equal(t, testOrigin, origin)
			calls = append(calls, visible)
		})

		_, err := s.Grant(testAccount, testOrigin, []CapabilityRequest{{Name: "eth_accounts"}})
		require.NoError(t, err)
		_, err = s.Grant(testAccount, testOrigin, []CapabilityRequest{{Name: "eth_accounts"}})
		require.NoError(t, err)

		assert.Equal(t, []bool{true}, calls)
	})
}

func TestStore_Revoke(t *testing.T) {
	t.Run("revoking accounts hides identity", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.Grant(testAccount, testOrigin, []CapabilityRequest{{Name: "eth_accounts"}})
		require.NoError(t, err)

		var hidden int
		s.SetVisibilityFunc(func(origin string, visible bool) {
			if !visible {
				hidden++
			}
		})

		s.Revoke(testAccount, testOrigin, []string{"eth_accounts"})
		assert.False(t, s.Has(testAccount, testOrigin, "eth_accounts"))
		assert.Equal(t, 1, hidden)

		// revoking again is silent
		s.Revoke(testAccount, testOrigin, []string{"eth_accounts"})
		assert.Equal(t, 1, hidden)
	})

	t.Run("unknown names are ignored", func(t *testing.T) {
		s := newTestStore(t)
		s.Revoke(testAccount, testOrigin, []string{"never_granted"})
		assert.Empty(t, s.List(testAccount, testOrigin))
	})
}

func TestStore_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "permissions.json")

	s := NewStore(path, logging.Nop())
	_, err := s.Grant(testAccount, testOrigin, []CapabilityRequest{{Name: "eth_accounts"}})
	require.NoError(t, err)

	reloaded := NewStore(path, logging.Nop())
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.Has(testAccount, testOrigin, "eth_accounts"))
}

func TestStore_ClearAll(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Grant(testAccount, "https://a.example", []CapabilityRequest{{Name: "eth_accounts"}})
	require.NoError(t, err)
	_, err = s.Grant(testAccount, "https://b.example", []CapabilityRequest{{Name: "eth_accounts"}})
	require.NoError(t, err)

	var hidden []string
	s.SetVisibilityFunc(func(origin string, visible bool) {
		require.False(t, visible)
		hidden = append(hidden, origin)
	})

	s.ClearAll(testAccount)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, hidden)
	assert.Empty(t, s.List(testAccount, "https://a.example"))
}
