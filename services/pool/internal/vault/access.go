package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sharepool/services/pool/internal/cipher"
	"sharepool/services/pool/internal/domain"
	"sharepool/services/pool/internal/kv"
	"sharepool/services/pool/internal/observability/metrics"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ActiveAllocation returns the caller's allocation on accountID that covers
// at, or domain.ErrNoActiveAllocation.
func (v *Vault) ActiveAllocation(ctx context.Context, userID domain.UserID, accountID domain.AccountID, at time.Time) (*domain.Allocation, error) {
	allocs, err := v.store.Allocations().ListForUser(ctx, accountID, userID)
	if err != nil {
		return nil, err
	}
	at = at.In(v.loc)
	for i := range allocs {
		if allocs[i].ActiveAt(at) {
			return &allocs[i], nil
		}
	}
	return nil, domain.ErrNoActiveAllocation
}

// IssueAccess creates the pair's only live token, replacing any earlier one.
// The token expires at now+ttl or at the end of the covering window,
// whichever is first.
func (v *Vault) IssueAccess(ctx context.Context, userID domain.UserID, accountID domain.AccountID, dev domain.DeviceInfo, ttl time.Duration) (*domain.TemporaryAccess, error) {
	ta, _, err := v.IssueAccessReplacing(ctx, userID, accountID, dev, ttl)
	return ta, err
}

// IssueAccessReplacing is IssueAccess that also returns the token it
// displaced, so the caller can close whatever was tracking it.
func (v *Vault) IssueAccessReplacing(ctx context.Context, userID domain.UserID, accountID domain.AccountID, dev domain.DeviceInfo, ttl time.Duration) (_ *domain.TemporaryAccess, _ *domain.TemporaryAccess, err error) {
	ctx, span := tracer.Start(ctx, "vault.IssueAccess")
	span.SetAttributes(attribute.String("account_id", accountID.String()))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.AccessIssued(resultLabel(err))
		} else {
			metrics.AccessIssued("ok")
		}
		span.End()
	}()

	if ttl <= 0 {
		return nil, nil, fmt.Errorf("%w: ttl must be positive", domain.ErrValidation)
	}
	if err := v.awaitStable(ctx, accountID); err != nil {
		return nil, nil, err
	}

	now := v.Now()
	alloc, err := v.ActiveAllocation(ctx, userID, accountID, now)
	if err != nil {
		return nil, nil, err
	}

	token, err := cipher.Token()
	if err != nil {
		return nil, nil, err
	}
	expires := now.Add(ttl)
	if end := alloc.WindowEnd(now); end.Before(expires) {
		expires = end
	}
	ta := domain.TemporaryAccess{
		Token:        token,
		UserID:       userID,
		AccountID:    accountID,
		AllocationID: alloc.ID,
		IssuedAt:     now.UTC(),
		ExpiresAt:    expires.UTC(),
		IP:           dev.IP,
		DeviceID:     dev.DeviceID,
	}
	prev, err := v.access.Replace(ctx, ta)
	if err != nil {
		return nil, nil, fmt.Errorf("store access token: %w", err)
	}
	// A rotation that started after awaitStable may already have swept the
	// account; a token written behind its back must not survive it.
	acct, err := v.store.Accounts().Get(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	if serr := stateError(acct.RotationState); serr != nil {
		if err := v.access.Delete(ctx, token); err != nil {
			v.log.Warn("drop token issued during rotation failed", "account_id", accountID, "error", err)
		}
		return nil, nil, serr
	}
	if prev != nil {
		v.log.Info("previous access replaced", "account_id", accountID, "user_id", userID, "device_id", prev.DeviceID)
	}
	v.log.Info("access issued",
		"account_id", accountID,
		"user_id", userID,
		"allocation_id", alloc.ID,
		"expires_at", ta.ExpiresAt,
	)
	return &ta, prev, nil
}

func (v *Vault) awaitStable(ctx context.Context, accountID domain.AccountID) error {
	if v.waiter != nil {
		return v.waiter.AwaitStable(ctx, accountID)
	}
	acct, err := v.store.Accounts().Get(ctx, accountID)
	if err != nil {
		return err
	}
	return stateError(acct.RotationState)
}

// VerifyAccess returns the live token record. Expired tokens are deleted on
// the way out.
func (v *Vault) VerifyAccess(ctx context.Context, token string) (*domain.TemporaryAccess, error) {
	if token == "" {
		return nil, domain.ErrExpiredOrUnknownToken
	}
	ta, err := v.access.Get(ctx, token)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, domain.ErrExpiredOrUnknownToken
	}
	if err != nil {
		return nil, err
	}
	if ta.ExpiredAt(v.now()) {
		if err := v.access.Delete(ctx, token); err != nil {
			v.log.Warn("lazy token delete failed", "account_id", ta.AccountID, "error", err)
		}
		return nil, domain.ErrExpiredOrUnknownToken
	}
	return ta, nil
}

// RevokeAccess is idempotent; unknown tokens are not an error.
func (v *Vault) RevokeAccess(ctx context.Context, token string) error {
	return v.access.Delete(ctx, token)
}

// RevokeAccount drops every live token on the account and returns them.
func (v *Vault) RevokeAccount(ctx context.Context, accountID domain.AccountID) ([]domain.TemporaryAccess, error) {
	live, err := v.access.ListAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, ta := range live {
		if err := v.access.Delete(ctx, ta.Token); err != nil {
			return nil, fmt.Errorf("revoke token for user %s: %w", ta.UserID, err)
		}
	}
	if len(live) > 0 {
		v.log.Info("account access revoked", "account_id", accountID, "tokens", len(live))
	}
	return live, nil
}

// RevokeUser drops the user's live token on the account, if any.
func (v *Vault) RevokeUser(ctx context.Context, accountID domain.AccountID, userID domain.UserID) error {
	live, err := v.access.ListAccount(ctx, accountID)
	if err != nil {
		return err
	}
	for _, ta := range live {
		if ta.UserID == userID {
			if err := v.access.Delete(ctx, ta.Token); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExpireTokens removes tokens past their expiry and returns how many went.
func (v *Vault) ExpireTokens(ctx context.Context, limit int) (int, error) {
	expired, err := v.access.Expired(ctx, v.now(), limit)
	if err != nil {
		return 0, err
	}
	for _, ta := range expired {
		if err := v.access.Delete(ctx, ta.Token); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrNoActiveAllocation):
		return "no_allocation"
	case errors.Is(err, domain.ErrRotationInProgress):
		return "rotating"
	case errors.Is(err, domain.ErrManualIntervention):
		return "manual_intervention"
	case errors.Is(err, domain.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}
