package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sharepool/services/pool/internal/cipher"
	"sharepool/services/pool/internal/domain"
)

// Seal encrypts plaintext into a Secret row bound to accountID. The row's
// Version is left for the store to manage.
func (v *Vault) Seal(accountID domain.AccountID, plaintext []byte, rotationCount int, at time.Time) (*domain.Secret, error) {
	sealed, err := v.cipher.Encrypt(plaintext, accountID[:])
	if err != nil {
		return nil, err
	}
	return &domain.Secret{
		AccountID:     accountID,
		Ciphertext:    sealed.Ciphertext,
		IV:            sealed.IV,
		AuthTag:       sealed.AuthTag,
		RotationCount: rotationCount,
		LastRotatedAt: at,
	}, nil
}

// Open decrypts a Secret row. Tampering surfaces as domain.ErrIntegrity.
func (v *Vault) Open(sec *domain.Secret) ([]byte, error) {
	plain, err := v.cipher.Decrypt(cipher.Sealed{
		Ciphertext: sec.Ciphertext,
		IV:         sec.IV,
		AuthTag:    sec.AuthTag,
	}, sec.AccountID[:])
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", sec.AccountID, err)
	}
	return plain, nil
}

// UseSecret decrypts the current secret of an account for the duration of
// fn. The plaintext buffer is wiped when fn returns. Backend only.
func (v *Vault) UseSecret(ctx context.Context, accountID domain.AccountID, fn func(acct *domain.Account, sec *domain.Secret, plaintext []byte) error) error {
	acct, err := v.store.Accounts().Get(ctx, accountID)
	if err != nil {
		return err
	}
	sec, err := v.store.Secrets().Get(ctx, accountID)
	if err != nil {
		return err
	}
	plain, err := v.Open(sec)
	if err != nil {
		if errors.Is(err, domain.ErrIntegrity) {
			v.log.Error("secret failed integrity check", "account_id", accountID, "version", sec.Version)
		}
		return err
	}
	defer cipher.Wipe(plain)
	return fn(acct, sec, plain)
}

// UseCredential is the token-gated path to the account credential. The
// token must be live and the account must not be mid-rotation; fn sees the
// plaintext only for the duration of the call.
func (v *Vault) UseCredential(ctx context.Context, token string, fn func(username string, secret []byte) error) error {
	ta, err := v.VerifyAccess(ctx, token)
	if err != nil {
		return err
	}
	acct, err := v.store.Accounts().Get(ctx, ta.AccountID)
	if err != nil {
		return err
	}
	if err := stateError(acct.RotationState); err != nil {
		return err
	}
	return v.UseSecret(ctx, ta.AccountID, func(acct *domain.Account, _ *domain.Secret, plain []byte) error {
		return fn(acct.Username, plain)
	})
}

// ResetSecret replaces the stored secret with one set out of band. Only the
// operator recovery path uses it.
func (v *Vault) ResetSecret(ctx context.Context, accountID domain.AccountID, plaintext []byte) error {
	cur, err := v.store.Secrets().Get(ctx, accountID)
	if err != nil {
		return err
	}
	next, err := v.Seal(accountID, plaintext, cur.RotationCount, v.now().UTC())
	if err != nil {
		return err
	}
	return v.store.Secrets().CompareAndSwap(ctx, cur.Version, next)
}

func stateError(s domain.RotationState) error {
	switch s {
	case domain.RotationStable:
		return nil
	case domain.RotationManualIntervention:
		return domain.ErrManualIntervention
	default:
		return domain.ErrRotationInProgress
	}
}
