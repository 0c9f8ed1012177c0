package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sharepool/services/pool/internal/domain"
)

// staleGrace is added to the rotation timeout before a rotating account is
// considered abandoned by a crashed process.
const staleGrace = 30 * time.Second

// RecoverStale force-transitions accounts stuck in rotating (or left in
// rollback_pending) past the rotation timeout. The provider is probed with
// the stored secret: a working login returns the account to stable,
// anything else parks it for an operator.
func (m *Manager) RecoverStale(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-(m.timeout + m.rbTimeout + staleGrace))
	var stuck []domain.Account
	for _, state := range []domain.RotationState{domain.RotationRotating, domain.RotationRollbackPending} {
		accts, err := m.store.Accounts().InStateSince(ctx, state, cutoff)
		if err != nil {
			return 0, err
		}
		stuck = append(stuck, accts...)
	}

	recovered := 0
	for i := range stuck {
		acct := &stuck[i]
		if acct.RotationState == domain.RotationRotating {
			ok, err := m.store.Accounts().Transition(ctx, acct.ID, m.now(), domain.RotationRollbackPending, domain.RotationRotating)
			if err != nil {
				return recovered, err
			}
			if !ok {
				continue
			}
		}
		log := m.log.With("account_id", acct.ID, "trigger", domain.TriggerRecovery)
		log.Warn("recovering stale rotation", "stuck_since", acct.StateChangedAt)

		outcome, final, reason := domain.OutcomeRecovered, domain.RotationStable, "stored secret verified after stale rotation"
		if err := m.probe(ctx, acct); err != nil {
			outcome, final = domain.OutcomeManualIntervention, domain.RotationManualIntervention
			reason = fmt.Sprintf("stale rotation, stored secret not accepted: %v", err)
			log.Error("stale rotation needs manual intervention", "error", err)
		} else {
			recovered++
		}
		m.settle(ctx, acct.ID, final, domain.RotationRollbackPending)
		m.record(ctx, acct.ID, domain.TriggerRecovery, outcome, reason)
	}
	return recovered, nil
}

// probe checks that the provider accepts the stored secret.
func (m *Manager) probe(ctx context.Context, acct *domain.Account) error {
	prov, err := m.providers.Lookup(acct.Platform)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, m.rbTimeout)
	defer cancel()
	return m.vault.UseSecret(pctx, acct.ID, func(a *domain.Account, _ *domain.Secret, plain []byte) error {
		ok, err := prov.VerifyLogin(pctx, a.Username, string(plain))
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("login rejected")
		}
		return nil
	})
}

func (m *Manager) record(ctx context.Context, id domain.AccountID, trigger domain.RotationTrigger, outcome domain.RotationOutcome, reason string) {
	count := 0
	if sec, err := m.store.Secrets().Get(ctx, id); err == nil {
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
	if err := m.store.Rotations().Append(ctx, rec); err != nil {
		m.log.Error("append rotation record failed", "account_id", id, "error", err)
	}
}

// ResetSecret stores a secret an operator set on the platform by hand. It is
// only accepted while the account is parked for manual intervention.
func (m *Manager) ResetSecret(ctx context.Context, id domain.AccountID, plaintext string) error {
	acct, err := m.store.Accounts().Get(ctx, id)
	if err != nil {
		return err
	}
	if acct.RotationState != domain.RotationManualIntervention {
		return fmt.Errorf("%w: account is %s", domain.ErrValidation, acct.RotationState)
	}
	if err := m.vault.ResetSecret(ctx, id, []byte(plaintext)); err != nil {
		return err
	}
	m.log.Info("secret reset by operator", "account_id", id)
	return nil
}

// Resolve returns a parked account to stable once the provider accepts the
// stored secret.
func (m *Manager) Resolve(ctx context.Context, id domain.AccountID) error {
	acct, err := m.store.Accounts().Get(ctx, id)
	if err != nil {
		return err
	}
	if acct.RotationState != domain.RotationManualIntervention {
		return fmt.Errorf("%w: account is %s", domain.ErrValidation, acct.RotationState)
	}
	if err := m.probe(ctx, acct); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrManualIntervention, err)
	}
	m.settle(ctx, id, domain.RotationStable, domain.RotationManualIntervention)
	m.record(ctx, id, domain.TriggerOperator, domain.OutcomeRecovered, "resolved by operator")
	return nil
}

// History lists the newest rotation records first.
func (m *Manager) History(ctx context.Context, id domain.AccountID, limit int) ([]domain.RotationRecord, error) {
	if _, err := m.store.Accounts().Get(ctx, id); err != nil {
		return nil, err
	}
	return m.store.Rotations().List(ctx, id, limit)
}

// ReportVerificationFailure rotates after a member's session reported that
// the stored credential no longer logs in.
func (m *Manager) ReportVerificationFailure(ctx context.Context, id domain.AccountID, reason string) (*domain.RotationRecord, error) {
	return m.RotateNow(ctx, id, domain.TriggerVerificationFault, reason)
}
