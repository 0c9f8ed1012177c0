// Package rotation drives an account's credential through
// stable -> rotating -> stable, or through rollback_pending when anything
// on the way fails. The stored secret is only replaced after the provider
// has accepted and verified the new one.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"sharepool/services/pool/internal/cipher"
	"sharepool/services/pool/internal/domain"
	"sharepool/services/pool/internal/events"
	"sharepool/services/pool/internal/notify"
	"sharepool/services/pool/internal/observability/metrics"
	"sharepool/services/pool/internal/provider"
	"sharepool/services/pool/internal/store"
	"sharepool/services/pool/internal/vault"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("sharepool/rotation")

type Options struct {
	Store     *store.Store
	Vault     *vault.Vault
	Providers *provider.Registry
	Notifier  notify.Notifier
	Watch     *Watch
	Policy    cipher.Policy
	// Timeout bounds generate, change, verify and persist together.
	Timeout time.Duration
	// RollbackTimeout bounds the rollback that follows a failure.
	RollbackTimeout time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

type Manager struct {
	store     *store.Store
	vault     *vault.Vault
	providers *provider.Registry
	notifier  notify.Notifier
	watch     *Watch
	policy    cipher.Policy
	timeout   time.Duration
	rbTimeout time.Duration
	now       func() time.Time
	log       *slog.Logger
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		store:     opts.Store,
		vault:     opts.Vault,
		providers: opts.Providers,
		notifier:  opts.Notifier,
		watch:     opts.Watch,
		policy:    opts.Policy,
		timeout:   opts.Timeout,
		rbTimeout: opts.RollbackTimeout,
		now:       opts.Now,
		log:       opts.Logger,
	}
	if m.policy.Length == 0 {
		m.policy = cipher.DefaultPolicy()
	}
	if m.timeout <= 0 {
		m.timeout = 2 * time.Minute
	}
	if m.rbTimeout <= 0 {
		m.rbTimeout = m.timeout
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// AwaitStable blocks until the account leaves rotation or the issue wait
// runs out.
func (m *Manager) AwaitStable(ctx context.Context, id domain.AccountID) error {
	if m.watch == nil {
		acct, err := m.store.Accounts().Get(ctx, id)
		if err != nil {
			return err
		}
		if acct.RotationState != domain.RotationStable {
			return domain.ErrRotationInProgress
		}
		return nil
	}
	return m.watch.AwaitStable(ctx, id)
}

func (m *Manager) settle(ctx context.Context, id domain.AccountID, to domain.RotationState, from domain.RotationState) {
	ok, err := m.store.Accounts().Transition(ctx, id, m.now(), to, from)
	if err != nil || !ok {
		m.log.Error("rotation state transition failed", "account_id", id, "from", from, "to", to, "error", err)
	}
	if m.watch != nil {
		m.watch.Broadcast(id)
	}
}

// RotateNow replaces the account secret. Unsupported platforms fail before
// any state change; a concurrent rotation fails with
// domain.ErrRotationInProgress. Every other failure is a *domain.RotationError
// (matching domain.ErrRotationFailed) and leaves the previous secret in
// place.
func (m *Manager) RotateNow(ctx context.Context, id domain.AccountID, trigger domain.RotationTrigger, reason string) (_ *domain.RotationRecord, err error) {
	ctx, span := tracer.Start(ctx, "rotation.RotateNow")
	span.SetAttributes(
		attribute.String("account_id", id.String()),
		attribute.String("trigger", string(trigger)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	acct, err := m.store.Accounts().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct.RotationState == domain.RotationManualIntervention {
		return nil, domain.ErrManualIntervention
	}
	prov, err := m.providers.Lookup(acct.Platform)
	if err != nil {
		return nil, err
	}
	won, err := m.store.Accounts().Transition(ctx, id, m.now(), domain.RotationRotating, domain.RotationStable)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, domain.ErrRotationInProgress
	}

	start := m.now()
	log := m.log.With("account_id", id, "trigger", trigger)
	log.Info("rotation started", "reason", reason)

	rctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	rec, err := m.rotate(rctx, acct, prov, trigger, reason, log)
	metrics.Rotation(string(trigger), string(rec.Outcome), m.now().Sub(start))
	if err != nil {
		return rec, err
	}

	log.Info("rotation succeeded", "rotation_count", rec.RotationCount)
	m.notifyNextHolders(context.WithoutCancel(ctx), acct.ID, rec.RotationCount)
	return rec, nil
}

// attempt carries what a failed rotation needs for rollback. The secrets
// live only as long as the rotation call.
type attempt struct {
	acct       *domain.Account
	prov       provider.Provider
	prev, next string
	// touched is set once the provider has been asked to change anything.
	touched bool
}

func (m *Manager) rotate(ctx context.Context, acct *domain.Account, prov provider.Provider, trigger domain.RotationTrigger, reason string, log *slog.Logger) (*domain.RotationRecord, error) {
	next, err := cipher.Secret(m.policy)
	if err != nil {
		return m.fail(ctx, &attempt{acct: acct, prov: prov}, trigger, domain.StageGenerate, err, log)
	}

	var (
		rec    *domain.RotationRecord
		rotErr error
	)
	err = m.vault.UseSecret(ctx, acct.ID, func(_ *domain.Account, cur *domain.Secret, plain []byte) error {
		at := &attempt{acct: acct, prov: prov, prev: string(plain), next: next, touched: true}

		if err := prov.ChangePassword(ctx, acct.Username, at.prev, at.next); err != nil {
			rec, rotErr = m.fail(ctx, at, trigger, domain.StageChange, err, log)
			return nil
		}

		ok, err := prov.VerifyLogin(ctx, acct.Username, at.next)
		if err == nil && !ok {
			err = errors.New("login with new secret rejected")
		}
		if err != nil {
			rec, rotErr = m.fail(ctx, at, trigger, domain.StageVerify, err, log)
			return nil
		}

		rec, rotErr = m.persist(ctx, at, cur, trigger, reason, log)
		return nil
	})
	if err != nil {
		return m.fail(ctx, &attempt{acct: acct, prov: prov}, trigger, domain.StageDecrypt, err, log)
	}
	return rec, rotErr
}

// persist swaps the secret, then revokes live tokens while the account is
// still rotating, so no token outlives the secret it was issued against and
// a failed swap leaves them alone. Only then does the account return to
// stable together with its rotation record.
func (m *Manager) persist(ctx context.Context, at *attempt, cur *domain.Secret, trigger domain.RotationTrigger, reason string, log *slog.Logger) (*domain.RotationRecord, error) {
	now := m.now().UTC()
	sealed, err := m.vault.Seal(at.acct.ID, []byte(at.next), cur.RotationCount+1, now)
	if err != nil {
		return m.fail(ctx, at, trigger, domain.StagePersist, err, log)
	}
	if err := m.store.Secrets().CompareAndSwap(ctx, cur.Version, sealed); err != nil {
		return m.fail(ctx, at, trigger, domain.StagePersist, err, log)
	}

	// The new secret is committed; from here on there is nothing to roll back
	// and the rotation budget no longer applies.
	ctx = context.WithoutCancel(ctx)
	revoked, err := m.vault.RevokeAccount(ctx, at.acct.ID)
	if err != nil {
		return m.park(ctx, at.acct.ID, trigger, cur.RotationCount+1, fmt.Errorf("revoke tokens: %w", err), log)
	}

	rec := &domain.RotationRecord{
		AccountID:     at.acct.ID,
		At:            now,
		Trigger:       trigger,
		Outcome:       domain.OutcomeSucceeded,
		Reason:        reason,
		RotationCount: cur.RotationCount + 1,
	}
	err = m.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Rotations().Append(ctx, rec); err != nil {
			return err
		}
		ok, err := tx.Accounts().Transition(ctx, at.acct.ID, now, domain.RotationStable, domain.RotationRotating)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("account left rotating state during rotation")
		}
		return nil
	})
	if err != nil {
		return m.park(ctx, at.acct.ID, trigger, cur.RotationCount+1, err, log)
	}
	if m.watch != nil {
		m.watch.Broadcast(at.acct.ID)
	}

	if len(revoked) > 0 {
		notify.Send(ctx, m.notifier, m.log, events.SubjectAccessRevoked, events.AccessRevoked{
			AccountID: at.acct.ID.String(),
			UserIDs:   userIDs(revoked),
			Reason:    "credential rotated",
			At:        now,
		})
	}
	return rec, nil
}

// park handles a failure after the new secret was committed. The provider
// and the store agree on the new secret, so there is nothing to roll back,
// but the account cannot be released with tokens that may still be live.
func (m *Manager) park(ctx context.Context, id domain.AccountID, trigger domain.RotationTrigger, count int, cause error, log *slog.Logger) (*domain.RotationRecord, error) {
	log.Error("rotation committed but not settled, manual intervention required", "error", cause)
	m.settle(ctx, id, domain.RotationManualIntervention, domain.RotationRotating)
	rec := &domain.RotationRecord{
		AccountID:     id,
		At:            m.now().UTC(),
		Trigger:       trigger,
		Outcome:       domain.OutcomeManualIntervention,
		Reason:        fmt.Sprintf("%s: new secret stored: %v", domain.StagePersist, cause),
		RotationCount: count,
	}
	if err := m.store.Rotations().Append(ctx, rec); err != nil {
		log.Error("append rotation record failed", "error", err)
	}
	return rec, fmt.Errorf("%w: new secret stored: %v", domain.ErrManualIntervention, cause)
}

// fail moves the account to rollback_pending, rolls the provider back to
// the old secret when it may have changed, and settles on stable or, if the
// rollback itself fails, on manual_intervention_required.
func (m *Manager) fail(ctx context.Context, at *attempt, trigger domain.RotationTrigger, stage domain.RotationStage, cause error, log *slog.Logger) (*domain.RotationRecord, error) {
	id := at.acct.ID
	log.Warn("rotation failed", "stage", stage, "error", cause)

	// The rotation context may already be spent; rollback gets its own budget.
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.rbTimeout)
	defer cancel()

	if _, err := m.store.Accounts().Transition(rbCtx, id, m.now(), domain.RotationRollbackPending, domain.RotationRotating); err != nil {
		log.Error("enter rollback_pending failed", "error", err)
	}

	outcome := domain.OutcomeFailed
	final := domain.RotationStable
	reason := fmt.Sprintf("%s: %v", stage, cause)
	retErr := &domain.RotationError{AccountID: id, Stage: stage, Reason: "previous credential remains valid", Err: cause}

	switch {
	case errors.Is(cause, domain.ErrIntegrity):
		outcome, final = domain.OutcomeManualIntervention, domain.RotationManualIntervention
		reason = "stored secret failed integrity check"
		retErr.Reason = "stored secret failed integrity check"
	case at.touched:
		if err := m.rollback(rbCtx, at); err != nil {
			log.Error("rollback failed, manual intervention required", "error", err)
			outcome, final = domain.OutcomeManualIntervention, domain.RotationManualIntervention
			reason = fmt.Sprintf("%s; rollback: %v", reason, err)
			retErr = &domain.RotationError{AccountID: id, Stage: domain.StageRollback, Reason: "rollback failed, manual intervention required", Err: errors.Join(cause, err)}
		}
	}

	m.settle(rbCtx, id, final, domain.RotationRollbackPending)

	count := 0
	if sec, err := m.store.Secrets().Get(rbCtx, id); err == nil {
		count = sec.RotationCount
	}
	rec := &domain.RotationRecord{
		AccountID:     id,
		At:            m.now().UTC(),
		Trigger:       trigger,
		Outcome:       outcome,
		Reason:        reason,
		RotationCount: count,
	}
	if err := m.store.Rotations().Append(rbCtx, rec); err != nil {
		log.Error("append rotation record failed", "error", err)
	}
	return rec, retErr
}

// rollback makes the provider accept the old secret again. If the old
// secret still logs in, nothing changed upstream and there is nothing to
// undo.
func (m *Manager) rollback(ctx context.Context, at *attempt) error {
	ok, err := at.prov.VerifyLogin(ctx, at.acct.Username, at.prev)
	if err == nil && ok {
		return nil
	}
	if err := at.prov.ChangePassword(ctx, at.acct.Username, at.next, at.prev); err != nil {
		return fmt.Errorf("revert password: %w", err)
	}
	ok, err = at.prov.VerifyLogin(ctx, at.acct.Username, at.prev)
	if err != nil {
		return fmt.Errorf("verify reverted password: %w", err)
	}
	if !ok {
		return errors.New("reverted password rejected")
	}
	return nil
}

// notifyNextHolders tells the member(s) whose window starts soonest after
// now that the credential is fresh.
func (m *Manager) notifyNextHolders(ctx context.Context, id domain.AccountID, rotationCount int) {
	allocs, err := m.store.Allocations().ListForAccount(ctx, id)
	if err != nil {
		m.log.Warn("load allocations for notification failed", "account_id", id, "error", err)
		return
	}
	if len(allocs) == 0 {
		return
	}
	now := m.vault.Now()
	type upcoming struct {
		user  domain.UserID
		start time.Time
	}
	next := make([]upcoming, 0, len(allocs))
	for _, a := range allocs {
		next = append(next, upcoming{a.UserID, a.NextStart(now)})
	}
	sort.Slice(next, func(i, j int) bool { return next[i].start.Before(next[j].start) })

	first := next[0].start
	seen := map[domain.UserID]bool{}
	var users []string
	for _, u := range next {
		if !u.start.Equal(first) {
			break
		}
		if !seen[u.user] {
			seen[u.user] = true
			users = append(users, u.user.String())
		}
	}
	notify.Send(ctx, m.notifier, m.log, events.SubjectCredentialRotated, events.CredentialRotated{
		AccountID:       id.String(),
		UserIDs:         users,
		NextWindowStart: first.UTC(),
		RotationCount:   rotationCount,
		At:              m.now().UTC(),
	})
}

func userIDs(tokens []domain.TemporaryAccess) []string {
	seen := map[domain.UserID]bool{}
	var out []string
	for _, t := range tokens {
		if !seen[t.UserID] {
			seen[t.UserID] = true
			out = append(out, t.UserID.String())
		}
	}
	return out
}
