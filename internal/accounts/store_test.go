package accounts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T, accountID string) *Store {
	t.Helper()
	s := NewStore(nil)
	until := time.Now().Add(time.Hour)
	s.cache[accountID] = &Account{
		ID:         1,
		AccountID:  accountID,
		Tokens:     map[string]string{"release": "tok-1"},
		ValidUntil: &until,
	}
	return s
}

func TestGetReturnsSnapshot(t *testing.T) {
	s := seedStore(t, "acc")

	got, err := s.Get(context.Background(), "acc")
	require.NoError(t, err)

	// A committed update mutates the cached entry, not snapshots
	// already handed out.
	s.mutate("acc", func(cached *Account) {
		cached.Tokens = map[string]string{"release": "tok-2"}
		cached.ValidUntil = nil
	})

	token, ok := got.Token("release")
	require.True(t, ok)
	assert.Equal(t, "tok-1", token)
	assert.True(t, got.IsValid())

	fresh, err := s.Get(context.Background(), "acc")
	require.NoError(t, err)
	token, _ = fresh.Token("release")
	assert.Equal(t, "tok-2", token)
	assert.False(t, fresh.IsValid())
}

func TestSnapshotWritesDoNotLeakIntoCache(t *testing.T) {
	s := seedStore(t, "acc")

	got, err := s.Get(context.Background(), "acc")
	require.NoError(t, err)
	got.Tokens["release"] = "scribble"
	got.ValidUntil = nil

	fresh, err := s.Get(context.Background(), "acc")
	require.NoError(t, err)
	token, _ := fresh.Token("release")
	assert.Equal(t, "tok-1", token)
	assert.True(t, fresh.IsValid())
}

// Exercises concurrent snapshot reads against committed-update cache
// mutations; fails under the race detector if Get stops copying.
func TestConcurrentGetAndMutate(t *testing.T) {
	s := seedStore(t, "acc")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				account, err := s.Get(context.Background(), "acc")
				if assert.NoError(t, err) {
					account.Token("release")
					account.IsValid()
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.mutate("acc", func(cached *Account) {
					cached.Tokens = map[string]string{"release": "tok-x"}
					until := time.Now().Add(time.Minute)
					cached.ValidUntil = &until
				})
			}
		}()
	}
	wg.Wait()
}
