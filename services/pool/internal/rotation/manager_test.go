package rotation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"sharepool/services/pool/internal/cipher"
	"sharepool/services/pool/internal/domain"
	"sharepool/services/pool/internal/events"
	"sharepool/services/pool/internal/kv/memory"
	"sharepool/services/pool/internal/observability/logging"
	"sharepool/services/pool/internal/provider"
	"sharepool/services/pool/internal/store"
	"sharepool/services/pool/internal/vault"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const initialSecret = "Initial-Secret-01!"

// fakeProvider models the upstream platform's view of the password.
type fakeProvider struct {
	mu           sync.Mutex
	password     string
	changeErr    error
	failRevert   bool
	rejectSecret func(string) bool
	block        chan struct{}
	changes      int
}

func (f *fakeProvider) ChangePassword(ctx context.Context, _, oldSecret, newSecret string) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes++
	if f.changeErr != nil {
		return f.changeErr
	}
	if f.failRevert && newSecret == initialSecret {
		return errors.New("revert refused")
	}
	if oldSecret != f.password {
		return errors.New("old password mismatch")
	}
	f.password = newSecret
	return nil
}

func (f *fakeProvider) VerifyLogin(_ context.Context, _, secret string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectSecret != nil && f.rejectSecret(secret) {
		return false, nil
	}
	return secret == f.password, nil
}

func (f *fakeProvider) current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.password
}

type captured struct {
	subject string
	payload any
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []captured
}

func (n *fakeNotifier) Notify(_ context.Context, subject string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, captured{subject, payload})
	return nil
}

func (n *fakeNotifier) bySubject(subject string) []any {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []any
	for _, c := range n.sent {
		if c.subject == subject {
			out = append(out, c.payload)
		}
	}
	return out
}

type fixture struct {
	mgr      *Manager
	vault    *vault.Vault
	store    *store.Store
	prov     *fakeProvider
	notifier *fakeNotifier
	acct     *domain.Account
	holder   domain.UserID
	next     domain.UserID
	now      *time.Time
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	st := store.New(db)
	require.NoError(t, st.Migrate(ctx))

	c, err := cipher.New(bytes.Repeat([]byte{9}, cipher.MinMasterKeySize))
	require.NoError(t, err)

	// Friday 2024-01-12 20:30.
	now := time.Date(2024, 1, 12, 20, 30, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	watch := NewWatch(st, 50*time.Millisecond, 10*time.Millisecond)
	v := vault.New(vault.Options{
		Store:  st,
		Cipher: c,
		Access: memory.NewAccessStore(),
		Waiter: watch,
		Now:    clock,
		Logger: logging.Discard(),
	})
	acct, err := v.Provision(ctx, vault.ProvisionInput{
		Platform: "netflix", Tier: "premium", Username: "pool@example.com", MaxConcurrent: 2, Secret: initialSecret,
	})
	require.NoError(t, err)

	holder, next := uuid.New(), uuid.New()
	require.NoError(t, st.Allocations().Create(ctx, &domain.Allocation{
		AccountID: acct.ID, UserID: holder, DayOfWeek: time.Friday, StartHour: 20, EndHour: 22,
	}))
	require.NoError(t, st.Allocations().Create(ctx, &domain.Allocation{
		AccountID: acct.ID, UserID: next, DayOfWeek: time.Saturday, StartHour: 9, EndHour: 11,
	}))

	prov := &fakeProvider{password: initialSecret}
	reg := provider.NewRegistry()
	reg.Register("netflix", prov)
	n := &fakeNotifier{}

	mgr := NewManager(Options{
		Store:           st,
		Vault:           v,
		Providers:       reg,
		Notifier:        n,
		Watch:           watch,
		Timeout:         timeout,
		RollbackTimeout: time.Second,
		Now:             clock,
		Logger:          logging.Discard(),
	})
	return &fixture{mgr: mgr, vault: v, store: st, prov: prov, notifier: n, acct: acct, holder: holder, next: next, now: &now}
}

func (f *fixture) storedSecret(t *testing.T) (string, *domain.Secret) {
	t.Helper()
	var (
		plain string
		row   *domain.Secret
	)
	require.NoError(t, f.vault.UseSecret(context.Background(), f.acct.ID, func(_ *domain.Account, sec *domain.Secret, p []byte) error {
		plain, row = string(p), sec
		return nil
	}))
	return plain, row
}

func (f *fixture) state(t *testing.T) domain.RotationState {
	t.Helper()
	a, err := f.store.Accounts().Get(context.Background(), f.acct.ID)
	require.NoError(t, err)
	return a.RotationState
}

func TestRotateNowSuccess(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	ta, err := f.vault.IssueAccess(ctx, f.holder, f.acct.ID, domain.DeviceInfo{}, time.Hour)
	require.NoError(t, err)

	rec, err := f.mgr.RotateNow(ctx, f.acct.ID, domain.TriggerOperator, "scheduled")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSucceeded, rec.Outcome)
	assert.Equal(t, 1, rec.RotationCount)

	plain, row := f.storedSecret(t)
	assert.NotEqual(t, initialSecret, plain)
	assert.Equal(t, f.prov.current(), plain)
	assert.EqualValues(t, 2, row.Version)
	assert.Equal(t, domain.RotationStable, f.state(t))

	_, err = f.vault.VerifyAccess(ctx, ta.Token)
	require.ErrorIs(t, err, domain.ErrExpiredOrUnknownToken)

	rotated := f.notifier.bySubject(events.SubjectCredentialRotated)
	require.Len(t, rotated, 1)
	ev := rotated[0].(events.CredentialRotated)
	assert.Equal(t, []string{f.next.String()}, ev.UserIDs)
	assert.Equal(t, time.Date(2024, 1, 13, 9, 0, 0, 0, time.UTC), ev.NextWindowStart)

	revoked := f.notifier.bySubject(events.SubjectAccessRevoked)
	require.Len(t, revoked, 1)
	assert.Equal(t, []string{f.holder.String()}, revoked[0].(events.AccessRevoked).UserIDs)

	hist, err := f.mgr.History(ctx, f.acct.ID, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
}

func TestFailedSecretSwapKeepsTokensLive(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	ta, err := f.vault.IssueAccess(ctx, f.holder, f.acct.ID, domain.DeviceInfo{}, time.Hour)
	require.NoError(t, err)

	// Another writer bumps the row between decrypt and swap.
	f.prov.rejectSecret = func(s string) bool {
		if s != initialSecret {
			require.NoError(t, f.store.DB.Model(&domain.Secret{}).
				Where("account_id = ?", f.acct.ID).
				Update("version", gorm.Expr("version + 1")).Error)
		}
		return false
	}

	rec, err := f.mgr.RotateNow(ctx, f.acct.ID, domain.TriggerOperator, "")
	require.ErrorIs(t, err, domain.ErrRotationFailed)
	var rotErr *domain.RotationError
	require.ErrorAs(t, err, &rotErr)
	assert.Equal(t, domain.StagePersist, rotErr.Stage)
	assert.Equal(t, domain.OutcomeFailed, rec.Outcome)
	assert.Equal(t, domain.RotationStable, f.state(t))
	assert.Equal(t, initialSecret, f.prov.current(), "provider rolled back")

	_, err = f.vault.VerifyAccess(ctx, ta.Token)
	require.NoError(t, err, "token survives a rotation that did not commit")
	assert.Empty(t, f.notifier.bySubject(events.SubjectAccessRevoked))
}

func TestRotateNowProviderChangeFails(t *testing.T) {
	f := newFixture(t, time.Second)
	f.prov.changeErr = errors.New("captcha")

	rec, err := f.mgr.RotateNow(context.Background(), f.acct.ID, domain.TriggerWindowEnd, "window ended")
	require.ErrorIs(t, err, domain.ErrRotationFailed)
	var rotErr *domain.RotationError
	require.ErrorAs(t, err, &rotErr)
	assert.Equal(t, domain.StageChange, rotErr.Stage)
	assert.Equal(t, domain.OutcomeFailed, rec.Outcome)

	plain, _ := f.storedSecret(t)
	assert.Equal(t, initialSecret, plain)
	assert.Equal(t, domain.RotationStable, f.state(t))
}

func TestRotateNowVerifyFailsRollsBack(t *testing.T) {
	f := newFixture(t, time.Second)
	f.prov.rejectSecret = func(s string) bool { return s != initialSecret }

	rec, err := f.mgr.RotateNow(context.Background(), f.acct.ID, domain.TriggerOperator, "")
	require.ErrorIs(t, err, domain.ErrRotationFailed)
	assert.NotContains(t, err.Error(), initialSecret)
	var rotErr *domain.RotationError
	require.ErrorAs(t, err, &rotErr)
	assert.Equal(t, domain.StageVerify, rotErr.Stage)

	plain, row := f.storedSecret(t)
	assert.Equal(t, initialSecret, plain, "secret unchanged after failed rotation")
	assert.EqualValues(t, 1, row.Version)
	assert.Equal(t, initialSecret, f.prov.current(), "provider rolled back")
	assert.Equal(t, domain.RotationStable, f.state(t))

	hist, err := f.mgr.History(context.Background(), f.acct.ID, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.OutcomeFailed, hist[0].Outcome)
	assert.Equal(t, rec.ID, hist[0].ID)
	assert.Contains(t, hist[0].Reason, string(domain.StageVerify))
}

func TestRollbackFailureParksAccount(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	f.prov.rejectSecret = func(s string) bool { return s != initialSecret }
	f.prov.failRevert = true

	rec, err := f.mgr.RotateNow(ctx, f.acct.ID, domain.TriggerOperator, "")
	require.ErrorIs(t, err, domain.ErrRotationFailed)
	var rotErr *domain.RotationError
	require.ErrorAs(t, err, &rotErr)
	assert.Equal(t, domain.StageRollback, rotErr.Stage)
	assert.Equal(t, domain.OutcomeManualIntervention, rec.Outcome)
	assert.Equal(t, domain.RotationManualIntervention, f.state(t))

	plain, _ := f.storedSecret(t)
	assert.Equal(t, initialSecret, plain)

	_, err = f.mgr.RotateNow(ctx, f.acct.ID, domain.TriggerOperator, "")
	require.ErrorIs(t, err, domain.ErrManualIntervention)
	_, err = f.vault.IssueAccess(ctx, f.holder, f.acct.ID, domain.DeviceInfo{}, time.Hour)
	require.ErrorIs(t, err, domain.ErrManualIntervention)

	// Operator fixes the password on the platform and stores it.
	err = f.mgr.Resolve(ctx, f.acct.ID)
	require.ErrorIs(t, err, domain.ErrManualIntervention)
	f.prov.rejectSecret = nil
	require.NoError(t, f.mgr.ResetSecret(ctx, f.acct.ID, f.prov.current()))
	require.NoError(t, f.mgr.Resolve(ctx, f.acct.ID))
	assert.Equal(t, domain.RotationStable, f.state(t))

	require.Error(t, f.mgr.ResetSecret(ctx, f.acct.ID, "x"), "reset only while parked")
}

func TestUnsupportedPlatformChangesNothing(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	require.NoError(t, f.store.DB.Model(&domain.Account{}).Where("id = ?", f.acct.ID).Update("platform", "hulu").Error)

	_, err := f.mgr.RotateNow(ctx, f.acct.ID, domain.TriggerOperator, "")
	require.ErrorIs(t, err, domain.ErrUnsupportedPlatform)
	assert.Equal(t, domain.RotationStable, f.state(t))

	hist, err := f.mgr.History(ctx, f.acct.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestConcurrentRotationRejected(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	ctx := context.Background()
	f.prov.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.RotateNow(ctx, f.acct.ID, domain.TriggerOperator, "first")
		done <- err
	}()
	require.Eventually(t, func() bool { return f.state(t) == domain.RotationRotating }, time.Second, 5*time.Millisecond)

	_, err := f.mgr.RotateNow(ctx, f.acct.ID, domain.TriggerOperator, "second")
	require.ErrorIs(t, err, domain.ErrRotationInProgress)

	_, err = f.vault.IssueAccess(ctx, f.holder, f.acct.ID, domain.DeviceInfo{}, time.Hour)
	require.ErrorIs(t, err, domain.ErrRotationInProgress, "issue waits briefly then gives up")

	close(f.prov.block)
	require.NoError(t, <-done)
	assert.Equal(t, domain.RotationStable, f.state(t))
}

func TestRotationTimeoutSurfacesAsFailure(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.prov.block = make(chan struct{})
	defer close(f.prov.block)

	start := time.Now()
	_, err := f.mgr.RotateNow(context.Background(), f.acct.ID, domain.TriggerOperator, "")
	require.ErrorIs(t, err, domain.ErrRotationFailed)
	assert.Less(t, time.Since(start), 2*time.Second)

	plain, _ := f.storedSecret(t)
	assert.Equal(t, initialSecret, plain)
	assert.Equal(t, domain.RotationStable, f.state(t))
}

func TestIntegrityFailureParksAccount(t *testing.T) {
	f := newFixture(t, time.Second)
	require.NoError(t, f.store.DB.Model(&domain.Secret{}).
		Where("account_id = ?", f.acct.ID).
		Update("ciphertext", []byte("garbage-garbage")).Error)

	rec, err := f.mgr.RotateNow(context.Background(), f.acct.ID, domain.TriggerOperator, "")
	require.ErrorIs(t, err, domain.ErrRotationFailed)
	require.ErrorIs(t, err, domain.ErrIntegrity)
	assert.Equal(t, domain.OutcomeManualIntervention, rec.Outcome)
	assert.Equal(t, domain.RotationManualIntervention, f.state(t))
	assert.Zero(t, f.prov.changes, "provider untouched")
}

func TestRecoverStale(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	require.NoError(t, f.store.DB.Model(&domain.Account{}).
		Where("id = ?", f.acct.ID).
		Updates(map[string]any{
			"rotation_state":   domain.RotationRotating,
			"state_changed_at": f.now.Add(-time.Hour),
		}).Error)

	n, err := f.mgr.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.RotationStable, f.state(t))

	hist, err := f.mgr.History(ctx, f.acct.ID, 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.TriggerRecovery, hist[0].Trigger)
	assert.Equal(t, domain.OutcomeRecovered, hist[0].Outcome)
}

func TestRecoverStaleParksWhenSecretRejected(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	f.prov.password = "changed-upstream"
	require.NoError(t, f.store.DB.Model(&domain.Account{}).
		Where("id = ?", f.acct.ID).
		Updates(map[string]any{
			"rotation_state":   domain.RotationRotating,
			"state_changed_at": f.now.Add(-time.Hour),
		}).Error)

	n, err := f.mgr.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, domain.RotationManualIntervention, f.state(t))
}

func TestRecoverStaleIgnoresFreshRotation(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	ok, err := f.store.Accounts().Transition(ctx, f.acct.ID, *f.now, domain.RotationRotating, domain.RotationStable)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := f.mgr.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, domain.RotationRotating, f.state(t))
}

func TestRecoverStaleUsesManagerClock(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	f.prov.changeErr = errors.New("upstream down")
	_, err := f.mgr.RotateNow(ctx, f.acct.ID, domain.TriggerOperator, "test")
	require.Error(t, err)
	acct, err := f.store.Accounts().Get(ctx, f.acct.ID)
	require.NoError(t, err)
	assert.True(t, acct.StateChangedAt.Equal(*f.now), "settled at %s", acct.StateChangedAt)

	ok, err := f.store.Accounts().Transition(ctx, f.acct.ID, *f.now, domain.RotationRotating, domain.RotationStable)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := f.mgr.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	*f.now = f.now.Add(time.Hour)
	n, err = f.mgr.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.RotationStable, f.state(t))
}

func TestAwaitStableWakesOnBroadcast(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	w := NewWatch(f.store, 2*time.Second, time.Hour)
	ok, err := f.store.Accounts().Transition(ctx, f.acct.ID, *f.now, domain.RotationRotating, domain.RotationStable)
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan error, 1)
	go func() { done <- w.AwaitStable(ctx, f.acct.ID) }()

	time.Sleep(20 * time.Millisecond)
	ok, err = f.store.Accounts().Transition(ctx, f.acct.ID, *f.now, domain.RotationStable, domain.RotationRotating)
	require.NoError(t, err)
	require.True(t, ok)
	w.Broadcast(f.acct.ID)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}
