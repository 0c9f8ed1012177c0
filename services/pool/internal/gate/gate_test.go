package gate

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"sharepool/services/pool/internal/cipher"
	"sharepool/services/pool/internal/domain"
	"sharepool/services/pool/internal/kv/memory"
	"sharepool/services/pool/internal/observability/logging"
	"sharepool/services/pool/internal/session"
	"sharepool/services/pool/internal/store"
	"sharepool/services/pool/internal/vault"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type faults struct {
	mu       sync.Mutex
	accounts []domain.AccountID
}

func (f *faults) ReportVerificationFailure(_ context.Context, id domain.AccountID, _ string) (*domain.RotationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts = append(f.accounts, id)
	return &domain.RotationRecord{AccountID: id}, nil
}

type rotations struct {
	mu       sync.Mutex
	accounts []domain.AccountID
}

func (r *rotations) RotateNow(_ context.Context, id domain.AccountID, trigger domain.RotationTrigger, _ string) (*domain.RotationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts = append(r.accounts, id)
	return &domain.RotationRecord{AccountID: id, Trigger: trigger, Outcome: domain.OutcomeSucceeded}, nil
}

func (r *rotations) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accounts)
}

type fixture struct {
	gate    *Gate
	coord   *session.Coordinator
	rot     *rotations
	store   *store.Store
	now     *time.Time
	faults  *faults
	acct    *domain.Account
	holder  domain.UserID
	other   domain.UserID
	outside domain.UserID
}

func friday(h, m int) time.Time {
	return time.Date(2024, 1, 12, h, m, 0, 0, time.UTC)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	st := store.New(db)
	require.NoError(t, st.Migrate(ctx))

	c, err := cipher.New(bytes.Repeat([]byte{5}, cipher.MinMasterKeySize))
	require.NoError(t, err)
	now := friday(20, 0)
	clock := func() time.Time { return now }
	v := vault.New(vault.Options{
		Store:  st,
		Cipher: c,
		Access: memory.NewAccessStore(),
		Now:    clock,
		Logger: logging.Discard(),
	})
	acct, err := v.Provision(ctx, vault.ProvisionInput{
		Platform: "netflix", Tier: "premium", Username: "pool@example.com", MaxConcurrent: 2, Secret: "Initial-Secret-01!",
	})
	require.NoError(t, err)

	holder, other, outside := uuid.New(), uuid.New(), uuid.New()
	for _, u := range []domain.UserID{holder, other} {
		_, err := st.Members().Add(ctx, acct.ID, u)
		require.NoError(t, err)
	}
	require.NoError(t, st.Allocations().Create(ctx, &domain.Allocation{
		AccountID: acct.ID, UserID: holder, DayOfWeek: time.Friday, StartHour: 20, EndHour: 22,
	}))
	require.NoError(t, st.Allocations().Create(ctx, &domain.Allocation{
		AccountID: acct.ID, UserID: other, DayOfWeek: time.Saturday, StartHour: 18, EndHour: 20,
	}))

	sessions := memory.NewSessionStore()
	rot := &rotations{}
	coord := session.NewCoordinator(session.Options{Sessions: sessions, Vault: v, Rotator: rot, Now: clock, Logger: logging.Discard()})
	fl := &faults{}
	g := New(Options{
		Store:      st,
		Vault:      v,
		Sessions:   coord,
		Open:       sessions,
		Faults:     fl,
		AccessTTL:  4 * time.Hour,
		SwapCredit: 30 * time.Minute,
		Logger:     logging.Discard(),
	})
	return &fixture{gate: g, coord: coord, rot: rot, store: st, now: &now, faults: fl, acct: acct, holder: holder, other: other, outside: outside}
}

func TestRequestAccessWindowBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	*f.now = friday(19, 59)
	_, err := f.gate.RequestAccess(ctx, f.holder, f.acct.ID, domain.DeviceInfo{IP: "10.0.0.1"})
	require.ErrorIs(t, err, domain.ErrNoActiveAllocation)

	*f.now = friday(20, 0)
	grant, err := f.gate.RequestAccess(ctx, f.holder, f.acct.ID, domain.DeviceInfo{IP: "10.0.0.1", DeviceID: "tv"})
	require.NoError(t, err)
	assert.False(t, grant.Access.ExpiresAt.After(friday(22, 0)))
	assert.NotEqual(t, uuid.Nil, grant.SessionID)
	assert.Equal(t, "tv", grant.Access.DeviceID)
}

func TestReissueClosesDisplacedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.gate.RequestAccess(ctx, f.holder, f.acct.ID, domain.DeviceInfo{DeviceID: "tv"})
	require.NoError(t, err)
	_, err = f.coord.Heartbeat(ctx, first.Access.Token)
	require.NoError(t, err)

	*f.now = friday(20, 5)
	second, err := f.gate.RequestAccess(ctx, f.holder, f.acct.ID, domain.DeviceInfo{DeviceID: "phone"})
	require.NoError(t, err)

	old, err := f.coord.Lookup(ctx, first.Access.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionTerminated, old.State)
	assert.Zero(t, f.rot.count(), "replacing a token does not rotate")

	_, err = f.coord.Heartbeat(ctx, second.Access.Token)
	require.NoError(t, err)
	*f.now = friday(21, 0)
	_, err = f.coord.EndSession(ctx, second.Access.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, f.rot.count(), "ending the only live session rotates")
}

func TestRequestAccessRequiresMembership(t *testing.T) {
	f := newFixture(t)
	_, err := f.gate.RequestAccess(context.Background(), f.outside, f.acct.ID, domain.DeviceInfo{})
	require.ErrorIs(t, err, domain.ErrNotMember)
}

func TestSwapSuggestions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := friday(20, 30)

	got, err := f.gate.SwapSuggestions(ctx, f.other, f.acct.ID, at)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, f.holder, got[0].HolderID)
	assert.Equal(t, 20, got[0].StartHour)
	assert.Equal(t, 22, got[0].EndHour)
	assert.Equal(t, 30, got[0].CreditMinutes)

	got, err = f.gate.SwapSuggestions(ctx, f.holder, f.acct.ID, at)
	require.NoError(t, err)
	assert.Empty(t, got, "holder already has a window")

	*f.now = at
	_, err = f.gate.RequestAccess(ctx, f.holder, f.acct.ID, domain.DeviceInfo{})
	require.NoError(t, err)
	got, err = f.gate.SwapSuggestions(ctx, f.other, f.acct.ID, at)
	require.NoError(t, err)
	assert.Empty(t, got, "window in use")

	_, err = f.gate.SwapSuggestions(ctx, f.outside, f.acct.ID, at)
	require.ErrorIs(t, err, domain.ErrNotMember)
}

func TestProxyCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	grant, err := f.gate.RequestAccess(ctx, f.holder, f.acct.ID, domain.DeviceInfo{})
	require.NoError(t, err)

	err = f.gate.ProxyCredential(ctx, grant.Access.Token, func(username string, secret []byte) error {
		assert.Equal(t, "pool@example.com", username)
		assert.Equal(t, "Initial-Secret-01!", string(secret))
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, f.faults.accounts)

	err = f.gate.ProxyCredential(ctx, grant.Access.Token, func(string, []byte) error {
		return fmt.Errorf("login page: %w", ErrLoginRejected)
	})
	require.ErrorIs(t, err, ErrLoginRejected)
	assert.Equal(t, []domain.AccountID{f.acct.ID}, f.faults.accounts)

	err = f.gate.ProxyCredential(ctx, "bogus", func(string, []byte) error { return nil })
	require.ErrorIs(t, err, domain.ErrExpiredOrUnknownToken)
}
