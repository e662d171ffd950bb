package session

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUser() User {
	return User{
		Address: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Name:    "alice",
	}
}

func TestManager_Transition(t *testing.T) {
	t.Run("connected requires a user", func(t *testing.T) {
		m := NewManager()
		assert.ErrorIs(t, m.Transition(Connected, nil), ErrInvalidTransition)
	})

	t.Run("non-connected states reject a user", func(t *testing.T) {
		m := NewManager()
		u := testUser()
		assert.ErrorIs(t, m.Transition(Disconnected, &u), ErrInvalidTransition)
	})

	t.Run("state and identity swap atomically", func(t *testing.T) {
		m := NewManager()
		m.Connect(testUser())

		assert.Equal(t, Connected, m.State())
		u, ok := m.CurrentUser()
		require.True(t, ok)
		assert.Equal(t, "alice", u.Name)

		m.Disconnect()
		assert.Equal(t, Disconnected, m.State())
		_, ok = m.CurrentUser()
		assert.False(t, ok)
	})
}

func TestManager_WaitSettled(t *testing.T) {
	t.Run("returns immediately when settled", func(t *testing.T) {
		m := NewManager()
		m.Disconnect()

		st, err := m.WaitSettled(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Disconnected, st)
	})

	t.Run("blocks through connecting until connected", func(t *testing.T) {
		m := NewManager()
		m.BeginConnecting()

		done := make(chan State, 1)
		go func() {
			st, err := m.WaitSettled(context.Background())
			require.NoError(t, err)
			done <- st
		}()

		select {
		case <-done:
			t.Fatal("settled while still connecting")
		case <-time.After(20 * time.Millisecond):
		}

		m.Connect(testUser())
		select {
		case st := <-done:
			assert.Equal(t, Connected, st)
		case <-time.After(time.Second):
			t.Fatal("never settled")
		}
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		m := NewManager()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := m.WaitSettled(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestManager_Subscribe(t *testing.T) {
	m := NewManager()
	var seen []State
	cancel := m.Subscribe(func(st State, _ *User) {
		seen = append(seen, st)
	})

	m.BeginConnecting()
	m.Connect(testUser())
	cancel()
	m.Disconnect()

	assert.Equal(t, []State{Connecting, Connected}, seen)
}

func TestIdentityRoundTrip(t *testing.T) {
	path := t.TempDir() + "/identity.json"
	pass := []byte("correct horse")

	require.NoError(t, SaveIdentity(path, testUser(), pass))

	user, ok, err := LoadIdentity(path, pass)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testUser(), user)

	_, _, err = LoadIdentity(path, []byte("wrong"))
	assert.Error(t, err)

	_, ok, err = LoadIdentity(t.TempDir()+"/missing.json", pass)
	require.NoError(t, err)
	assert.False(t, ok)
}
