package store

import (
	"context"
	"time"

	"sharepool/services/pool/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MemberStore struct{ db *gorm.DB }

func (s *Store) Members() *MemberStore { return &MemberStore{s.DB} }

// Add is idempotent; it reports whether the member was new.
func (ms *MemberStore) Add(ctx context.Context, accountID domain.AccountID, userID domain.UserID) (bool, error) {
	m := domain.Member{AccountID: accountID, UserID: userID, JoinedAt: time.Now().UTC()}
	tx := ms.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
	return tx.RowsAffected == 1, tx.Error
}

func (ms *MemberStore) Remove(ctx context.Context, accountID domain.AccountID, userID domain.UserID) (bool, error) {
	tx := ms.db.WithContext(ctx).
		Where("account_id = ? AND user_id = ?", accountID, userID).
		Delete(&domain.Member{})
	return tx.RowsAffected > 0, tx.Error
}

func (ms *MemberStore) List(ctx context.Context, accountID domain.AccountID) ([]domain.Member, error) {
	var out []domain.Member
	err := ms.db.WithContext(ctx).Where("account_id = ?", accountID).Order("joined_at").Find(&out).Error
	return out, err
}

func (ms *MemberStore) IsMember(ctx context.Context, accountID domain.AccountID, userID domain.UserID) (bool, error) {
	var n int64
	err := ms.db.WithContext(ctx).
		Model(&domain.Member{}).
		Where("account_id = ? AND user_id = ?", accountID, userID).
		Count(&n).Error
	return n > 0, err
}
