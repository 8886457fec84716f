package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dcastella/matcha/internal/database/testutil"
	"github.com/dcastella/matcha/internal/models"
)

func TestRegistryOnlineOfflineTransitions(t *testing.T) {
	reg := NewRegistry()

	require.True(t, reg.Add("conn-1", "u1"))
	require.True(t, reg.Online("u1"))

	// Second connection from the same user is an independent entry.
	require.False(t, reg.Add("conn-2", "u1"))
	require.Equal(t, 2, reg.ConnectionCount())

	userID, last := reg.Remove("conn-1")
	require.Equal(t, "u1", userID)
	require.False(t, last)
	require.True(t, reg.Online("u1"))

	userID, last = reg.Remove("conn-2")
	require.Equal(t, "u1", userID)
	require.True(t, last)
	require.False(t, reg.Online("u1"))
}

func TestRegistryRemoveUnknownConnection(t *testing.T) {
	reg := NewRegistry()

	userID, last := reg.Remove("nope")
	require.Empty(t, userID)
	require.False(t, last)
}

func TestRegistryUserFor(t *testing.T) {
	reg := NewRegistry()
	reg.Add("conn-1", "u1")

	userID, ok := reg.UserFor("conn-1")
	require.True(t, ok)
	require.Equal(t, "u1", userID)

	_, ok = reg.UserFor("conn-2")
	require.False(t, ok)
}

func TestRegistryConcurrentMutation(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			connID := string(rune('a'+n%26)) + "-conn"
			reg.Add(connID, "u1")
			reg.Online("u1")
			reg.Remove(connID)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 0, reg.ConnectionCount())
	require.False(t, reg.Online("u1"))
}

func TestGormLastSeenStore(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	user := models.User{
		BaseModel:   models.BaseModel{ID: "u1"},
		DisplayName: "Ana",
		Email:       "ana@example.com",
		IsActive:    true,
	}
	require.NoError(t, db.Create(&user).Error)

	store, err := NewGormLastSeenStore(db)
	require.NoError(t, err)

	ctx := context.Background()
	seen, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, seen)

	at := time.Date(2026, 2, 14, 20, 0, 0, 0, time.UTC)
	require.NoError(t, store.Touch(ctx, "u1", at))

	seen, err = store.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, seen)
	require.WithinDuration(t, at, *seen, time.Second)
}
