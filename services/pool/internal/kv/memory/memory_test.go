package memory

import (
	"context"
	"testing"
	"time"

	"sharepool/services/pool/internal/domain"
	"sharepool/services/pool/internal/kv"
	"sharepool/services/pool/internal/kv/kvtest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestAccessStore(t *testing.T) {
	kvtest.AccessStore(t, func(t *testing.T) kv.AccessStore { return NewAccessStore() })
}

func TestSessionStore(t *testing.T) {
	kvtest.SessionStore(t, func(t *testing.T) kv.SessionStore { return NewSessionStore() })
}

func TestClosedSessionsPrunedAfterRetention(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore()
	closedAt := time.Now().Add(-2 * ClosedRetention)
	sess := domain.Session{
		ID:        uuid.New(),
		Token:     "tok",
		State:     domain.SessionTerminated,
		ExpiresAt: closedAt,
		ClosedAt:  &closedAt,
	}
	require.NoError(t, s.Put(ctx, sess))

	_, err := s.ScanExpired(ctx, time.Now(), 0)
	require.NoError(t, err)
	_, err = s.GetByToken(ctx, "tok")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestLockerExcludesAndHonoursContext(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "account:a")
	require.NoError(t, err)

	other, err := l.Lock(ctx, "account:b")
	require.NoError(t, err)
	other()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(short, "account:a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	again, err := l.Lock(ctx, "account:a")
	require.NoError(t, err)
	again()
}
