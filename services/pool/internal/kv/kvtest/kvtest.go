// Package kvtest holds behaviour tests shared by every kv implementation.
package kvtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"sharepool/services/pool/internal/domain"
	"sharepool/services/pool/internal/kv"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func access(user domain.UserID, acct domain.AccountID, token string, expires time.Time) domain.TemporaryAccess {
	return domain.TemporaryAccess{
		Token:        token,
		UserID:       user,
		AccountID:    acct,
		AllocationID: uuid.New(),
		IssuedAt:     time.Now().UTC(),
		ExpiresAt:    expires,
	}
}

// AccessStore runs the AccessStore contract against fresh stores from newStore.
func AccessStore(t *testing.T, newStore func(t *testing.T) kv.AccessStore) {
	t.Run("replace keeps one token per pair", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		u, a := uuid.New(), uuid.New()
		exp := time.Now().Add(time.Hour)

		prev, err := s.Replace(ctx, access(u, a, "tok-1", exp))
		require.NoError(t, err)
		assert.Nil(t, prev)

		prev, err = s.Replace(ctx, access(u, a, "tok-2", exp))
		require.NoError(t, err)
		require.NotNil(t, prev)
		assert.Equal(t, "tok-1", prev.Token)

		_, err = s.Get(ctx, "tok-1")
		require.ErrorIs(t, err, kv.ErrNotFound)
		got, err := s.Get(ctx, "tok-2")
		require.NoError(t, err)
		assert.Equal(t, u, got.UserID)

		list, err := s.ListAccount(ctx, a)
		require.NoError(t, err)
		require.Len(t, list, 1)
	})

	t.Run("concurrent replace leaves exactly one live token", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		u, a := uuid.New(), uuid.New()
		exp := time.Now().Add(time.Hour)

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Replace(ctx, access(u, a, uuid.NewString(), exp))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		list, err := s.ListAccount(ctx, a)
		require.NoError(t, err)
		require.Len(t, list, 1)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		_, err := s.Replace(ctx, access(uuid.New(), uuid.New(), "tok", time.Now().Add(time.Hour)))
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, "tok"))
		require.NoError(t, s.Delete(ctx, "tok"))
		require.NoError(t, s.Delete(ctx, "never-issued"))
		_, err = s.Get(ctx, "tok")
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("expired lists only past tokens", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		now := time.Now()
		_, err := s.Replace(ctx, access(uuid.New(), uuid.New(), "old", now.Add(-2*time.Minute)))
		require.NoError(t, err)
		_, err = s.Replace(ctx, access(uuid.New(), uuid.New(), "live", now.Add(time.Hour)))
		require.NoError(t, err)

		exp, err := s.Expired(ctx, now, 0)
		require.NoError(t, err)
		require.Len(t, exp, 1)
		assert.Equal(t, "old", exp[0].Token)
	})
}

func session(alloc domain.AllocationID, token string, expires time.Time) domain.Session {
	return domain.Session{
		ID:           uuid.New(),
		Token:        token,
		UserID:       uuid.New(),
		AccountID:    uuid.New(),
		AllocationID: alloc,
		State:        domain.SessionInitialized,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    expires,
	}
}

// SessionStore runs the SessionStore contract against fresh stores from newStore.
func SessionStore(t *testing.T, newStore func(t *testing.T) kv.SessionStore) {
	t.Run("put and lookup by token", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		sess := session(uuid.New(), "tok", time.Now().Add(time.Hour))
		require.NoError(t, s.Put(ctx, sess))

		got, err := s.GetByToken(ctx, "tok")
		require.NoError(t, err)
		assert.Equal(t, sess.ID, got.ID)

		_, err = s.GetByToken(ctx, "nope")
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("compare and swap has a single winner", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		sess := session(uuid.New(), "tok", time.Now().Add(time.Hour))
		sess.State = domain.SessionActive
		require.NoError(t, s.Put(ctx, sess))

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for _, st := range []domain.SessionState{domain.SessionTerminated, domain.SessionExpired, domain.SessionTerminated, domain.SessionExpired} {
			wg.Add(1)
			go func(st domain.SessionState) {
				defer wg.Done()
				next := sess
				next.State = st
				ok, err := s.CompareAndSwap(ctx, domain.SessionActive, next)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(st)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)

		got, err := s.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.True(t, got.State.Closed())
	})

	t.Run("open count and expiry scan track state", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		alloc := uuid.New()
		now := time.Now()
		a := session(alloc, "a", now.Add(-time.Minute))
		b := session(alloc, "b", now.Add(time.Hour))
		require.NoError(t, s.Put(ctx, a))
		require.NoError(t, s.Put(ctx, b))

		n, err := s.CountOpen(ctx, alloc)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		open, err := s.ListOpen(ctx, alloc)
		require.NoError(t, err)
		assert.Len(t, open, 2)

		exp, err := s.ScanExpired(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, exp, 1)
		assert.Equal(t, a.ID, exp[0].ID)

		closed := a
		closed.State = domain.SessionExpired
		ok, err := s.CompareAndSwap(ctx, domain.SessionInitialized, closed)
		require.NoError(t, err)
		require.True(t, ok)

		n, err = s.CountOpen(ctx, alloc)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		open, err = s.ListOpen(ctx, alloc)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, b.ID, open[0].ID)
		exp, err = s.ScanExpired(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, exp)

		require.NoError(t, s.Delete(ctx, b.ID))
		require.NoError(t, s.Delete(ctx, b.ID))
		n, err = s.CountOpen(ctx, alloc)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}
