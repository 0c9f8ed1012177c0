package store

import (
	"context"
	"time"

	"sharepool/services/pool/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AllocationStore struct{ db *gorm.DB }

func (s *Store) Allocations() *AllocationStore { return &AllocationStore{s.DB} }

func stamp(allocs []domain.Allocation) {
	now := time.Now().UTC()
	for i := range allocs {
		if allocs[i].ID == uuid.Nil {
			allocs[i].ID = uuid.New()
		}
		if allocs[i].CreatedAt.IsZero() {
			allocs[i].CreatedAt = now
		}
	}
}

func (as *AllocationStore) Create(ctx context.Context, a *domain.Allocation) error {
	one := []domain.Allocation{*a}
	stamp(one)
	*a = one[0]
	return as.db.WithContext(ctx).Create(a).Error
}

// ReplaceForAccount swaps the account's whole allocation set. Run it inside
// WithTx so readers never see a half-written schedule.
func (as *AllocationStore) ReplaceForAccount(ctx context.Context, accountID domain.AccountID, allocs []domain.Allocation) error {
	db := as.db.WithContext(ctx)
	if err := db.Where("account_id = ?", accountID).Delete(&domain.Allocation{}).Error; err != nil {
		return err
	}
	if len(allocs) == 0 {
		return nil
	}
	stamp(allocs)
	return db.Create(&allocs).Error
}

// UpdateWindow moves an existing allocation.
func (as *AllocationStore) UpdateWindow(ctx context.Context, a domain.Allocation) error {
	return as.db.WithContext(ctx).
		Model(&domain.Allocation{}).
		Where("id = ?", a.ID).
		Updates(map[string]any{
			"day_of_week": a.DayOfWeek,
			"start_hour":  a.StartHour,
			"end_hour":    a.EndHour,
		}).Error
}

func (as *AllocationStore) ListForAccount(ctx context.Context, accountID domain.AccountID) ([]domain.Allocation, error) {
	var out []domain.Allocation
	err := as.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("day_of_week, start_hour, created_at").
		Find(&out).Error
	return out, err
}

func (as *AllocationStore) ListForUser(ctx context.Context, accountID domain.AccountID, userID domain.UserID) ([]domain.Allocation, error) {
	var out []domain.Allocation
	err := as.db.WithContext(ctx).
		Where("account_id = ? AND user_id = ?", accountID, userID).
		Order("day_of_week, start_hour").
		Find(&out).Error
	return out, err
}

// Covering returns the allocations of an account that include (day, hour).
func (as *AllocationStore) Covering(ctx context.Context, accountID domain.AccountID, day time.Weekday, hour int) ([]domain.Allocation, error) {
	var out []domain.Allocation
	err := as.db.WithContext(ctx).
		Where("account_id = ? AND day_of_week = ? AND start_hour <= ? AND end_hour > ?", accountID, day, hour, hour).
		Find(&out).Error
	return out, err
}

func (as *AllocationStore) DeleteForUser(ctx context.Context, accountID domain.AccountID, userID domain.UserID) (int64, error) {
	tx := as.db.WithContext(ctx).
		Where("account_id = ? AND user_id = ?", accountID, userID).
		Delete(&domain.Allocation{})
	return tx.RowsAffected, tx.Error
}
