// Package vault keeps account secrets encrypted at rest and hands out the
// short-lived proxy tokens that stand in for them.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sharepool/services/pool/internal/cipher"
	"sharepool/services/pool/internal/domain"
	"sharepool/services/pool/internal/kv"
	"sharepool/services/pool/internal/store"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("sharepool/vault")

// StableWaiter blocks until an account is out of rotation, or fails with
// domain.ErrRotationInProgress once its own deadline passes.
type StableWaiter interface {
	AwaitStable(ctx context.Context, accountID domain.AccountID) error
}

type Options struct {
	Store    *store.Store
	Cipher   *cipher.Cipher
	Access   kv.AccessStore
	Waiter   StableWaiter
	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger
}

type Vault struct {
	store  *store.Store
	cipher *cipher.Cipher
	access kv.AccessStore
	waiter StableWaiter
	loc    *time.Location
	now    func() time.Time
	log    *slog.Logger
}

func New(opts Options) *Vault {
	v := &Vault{
		store:  opts.Store,
		cipher: opts.Cipher,
		access: opts.Access,
		waiter: opts.Waiter,
		loc:    opts.Location,
		now:    opts.Now,
		log:    opts.Logger,
	}
	if v.loc == nil {
		v.loc = time.UTC
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.log == nil {
		v.log = slog.Default()
	}
	return v
}

// Location is the zone allocation windows are evaluated in.
func (v *Vault) Location() *time.Location { return v.loc }

// Now returns the current time in Location.
func (v *Vault) Now() time.Time { return v.now().In(v.loc) }

type ProvisionInput struct {
	Platform      string
	Tier          string
	Username      string
	MaxConcurrent int
	Secret        string
}

func (in ProvisionInput) validate() error {
	var missing []string
	if strings.TrimSpace(in.Platform) == "" {
		missing = append(missing, "platform")
	}
	if strings.TrimSpace(in.Username) == "" {
		missing = append(missing, "username")
	}
	if in.Secret == "" {
		missing = append(missing, "secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", domain.ErrValidation, strings.Join(missing, ", "))
	}
	if in.MaxConcurrent < 1 {
		return fmt.Errorf("%w: maxConcurrent must be at least 1", domain.ErrValidation)
	}
	return nil
}

// Provision creates an account and its first encrypted secret in one
// transaction.
func (v *Vault) Provision(ctx context.Context, in ProvisionInput) (*domain.Account, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	acct := &domain.Account{
		Platform:      strings.ToLower(strings.TrimSpace(in.Platform)),
		Tier:          in.Tier,
		Username:      in.Username,
		MaxConcurrent: in.MaxConcurrent,
		CreatedAt:     v.now().UTC(),
	}
	err := v.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Accounts().Create(ctx, acct); err != nil {
			return err
		}
		sec, err := v.Seal(acct.ID, []byte(in.Secret), 0, v.now().UTC())
		if err != nil {
			return err
		}
		return tx.Secrets().Create(ctx, sec)
	})
	if err != nil {
		return nil, fmt.Errorf("provision account: %w", err)
	}
	v.log.Info("account provisioned", "account_id", acct.ID, "platform", acct.Platform, "max_concurrent", acct.MaxConcurrent)
	return acct, nil
}
