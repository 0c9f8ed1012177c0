package store

import (
	"context"
	"fmt"
	"time"

	"sharepool/services/pool/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AccountStore struct{ db *gorm.DB }

func (s *Store) Accounts() *AccountStore { return &AccountStore{s.DB} }

func (as *AccountStore) Create(ctx context.Context, a *domain.Account) error {
	now := time.Now().UTC()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.RotationState == "" {
		a.RotationState = domain.RotationStable
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.StateChangedAt.IsZero() {
		a.StateChangedAt = a.CreatedAt
	}
	a.UpdatedAt = now
	return as.db.WithContext(ctx).Create(a).Error
}

func (as *AccountStore) Get(ctx context.Context, id domain.AccountID) (*domain.Account, error) {
	var a domain.Account
	if err := as.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
		}
		return nil, err
	}
	return &a, nil
}

func (as *AccountStore) List(ctx context.Context) ([]domain.Account, error) {
	var out []domain.Account
	err := as.db.WithContext(ctx).Order("created_at").Find(&out).Error
	return out, err
}

func (as *AccountStore) SetCapacity(ctx context.Context, id domain.AccountID, n int) error {
	tx := as.db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("id = ?", id).
		Updates(map[string]any{"max_concurrent": n, "updated_at": time.Now().UTC()})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	return nil
}

// Transition moves the account to `to` only if its current state is one of
// `from`, stamping the change with at. It reports whether this call won the
// transition.
func (as *AccountStore) Transition(ctx context.Context, id domain.AccountID, at time.Time, to domain.RotationState, from ...domain.RotationState) (bool, error) {
	at = at.UTC()
	tx := as.db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("id = ? AND rotation_state IN ?", id, from).
		Updates(map[string]any{"rotation_state": to, "state_changed_at": at, "updated_at": at})
	return tx.RowsAffected == 1, tx.Error
}

// InStateSince lists accounts that have sat in state since before cutoff.
func (as *AccountStore) InStateSince(ctx context.Context, state domain.RotationState, cutoff time.Time) ([]domain.Account, error) {
	var out []domain.Account
	err := as.db.WithContext(ctx).
		Where("rotation_state = ? AND state_changed_at < ?", state, cutoff).
		Find(&out).Error
	return out, err
}
