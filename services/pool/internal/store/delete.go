package store

import (
	"context"

	"sharepool/services/pool/internal/domain"

	"gorm.io/gorm"
)

// DeleteMemberData removes a member from an account together with its
// allocations and returns the counts captured before deletion.
func (s *Store) DeleteMemberData(ctx context.Context, accountID domain.AccountID, userID domain.UserID) (map[string]int64, error) {
	deleted := map[string]int64{}

	err := s.WithTx(ctx, func(tx *Store) error {
		db := tx.DB.WithContext(ctx)

		count := func(label string, query *gorm.DB) error {
			var total int64
			if err := query.Count(&total).Error; err != nil {
				return err
			}
			deleted[label] = total
			return nil
		}

		if err := count("members", db.Model(&domain.Member{}).Where("account_id = ? AND user_id = ?", accountID, userID)); err != nil {
			return err
		}
		if err := count("allocations", db.Model(&domain.Allocation{}).Where("account_id = ? AND user_id = ?", accountID, userID)); err != nil {
			return err
		}

		if _, err := tx.Allocations().DeleteForUser(ctx, accountID, userID); err != nil {
			return err
		}
		_, err := tx.Members().Remove(ctx, accountID, userID)
		return err
	})

	return deleted, err
}
