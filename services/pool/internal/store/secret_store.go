package store

import (
	"context"
	"fmt"

	"sharepool/services/pool/internal/domain"

	"gorm.io/gorm"
)

type SecretStore struct{ db *gorm.DB }

func (s *Store) Secrets() *SecretStore { return &SecretStore{s.DB} }

func (ss *SecretStore) Create(ctx context.Context, sec *domain.Secret) error {
	if sec.Version == 0 {
		sec.Version = 1
	}
	return ss.db.WithContext(ctx).Create(sec).Error
}

func (ss *SecretStore) Get(ctx context.Context, accountID domain.AccountID) (*domain.Secret, error) {
	var out domain.Secret
	if err := ss.db.WithContext(ctx).First(&out, "account_id = ?", accountID).Error; err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: no secret for %s", domain.ErrAccountNotFound, accountID)
		}
		return nil, err
	}
	return &out, nil
}

// CompareAndSwap replaces the whole row if it is still at expectedVersion.
// On success next.Version is expectedVersion+1.
func (ss *SecretStore) CompareAndSwap(ctx context.Context, expectedVersion int64, next *domain.Secret) error {
	tx := ss.db.WithContext(ctx).
		Model(&domain.Secret{}).
		Where("account_id = ? AND version = ?", next.AccountID, expectedVersion).
		Updates(map[string]any{
			"ciphertext":      next.Ciphertext,
			"iv":              next.IV,
			"auth_tag":        next.AuthTag,
			"rotation_count":  next.RotationCount,
			"last_rotated_at": next.LastRotatedAt,
			"version":         expectedVersion + 1,
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("%w: account %s", domain.ErrSecretVersionConflict, next.AccountID)
	}
	next.Version = expectedVersion + 1
	return nil
}
