// Package kv defines the hot-path stores for proxy tokens and viewing
// sessions. Implementations live in memory (tests, single node) and
// redisstore (production).
package kv

import (
	"context"
	"errors"
	"time"

	"sharepool/services/pool/internal/domain"
)

var (
	ErrNotFound = errors.New("kv: not found")
	// ErrLockBusy means the lock was still held when the caller gave up.
	ErrLockBusy = errors.New("kv: lock busy")
)

// AccessStore holds live TemporaryAccess tokens. Each (user, account) pair
// maps to at most one token.
type AccessStore interface {
	// Replace atomically installs next as the pair's only live token and
	// returns the token it displaced, if any.
	Replace(ctx context.Context, next domain.TemporaryAccess) (*domain.TemporaryAccess, error)
	Get(ctx context.Context, token string) (*domain.TemporaryAccess, error)
	// Delete is idempotent.
	Delete(ctx context.Context, token string) error
	ListAccount(ctx context.Context, accountID domain.AccountID) ([]domain.TemporaryAccess, error)
	// Expired returns tokens whose ExpiresAt is not after now.
	Expired(ctx context.Context, now time.Time, limit int) ([]domain.TemporaryAccess, error)
}

// SessionStore holds session records. State changes go through
// CompareAndSwap so that concurrent closers agree on a single winner.
type SessionStore interface {
	Put(ctx context.Context, s domain.Session) error
	Get(ctx context.Context, id domain.SessionID) (*domain.Session, error)
	GetByToken(ctx context.Context, token string) (*domain.Session, error)
	// CompareAndSwap stores next only if the stored state equals expected.
	CompareAndSwap(ctx context.Context, expected domain.SessionState, next domain.Session) (bool, error)
	Delete(ctx context.Context, id domain.SessionID) error
	// ScanExpired returns open sessions whose ExpiresAt is not after now.
	ScanExpired(ctx context.Context, now time.Time, limit int) ([]domain.Session, error)
	// CountOpen counts sessions on an allocation that are not closed.
	CountOpen(ctx context.Context, allocationID domain.AllocationID) (int, error)
	// ListOpen returns the sessions CountOpen counts.
	ListOpen(ctx context.Context, allocationID domain.AllocationID) ([]domain.Session, error)
}

// Locker hands out exclusive named locks. Holders on every replica that
// shares the backing store exclude each other.
type Locker interface {
	// Lock blocks until key is held, ctx ends or the implementation's wait
	// runs out (ErrLockBusy). unlock is safe to call once.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
