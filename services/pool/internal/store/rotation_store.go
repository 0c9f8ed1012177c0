package store

import (
	"context"
	"time"

	"sharepool/services/pool/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RotationStore struct{ db *gorm.DB }

func (s *Store) Rotations() *RotationStore { return &RotationStore{s.DB} }

// Append writes an audit record. Records are never updated.
func (rs *RotationStore) Append(ctx context.Context, r *domain.RotationRecord) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	return rs.db.WithContext(ctx).Create(r).Error
}

// List returns the newest records first. limit <= 0 means no limit.
func (rs *RotationStore) List(ctx context.Context, accountID domain.AccountID, limit int) ([]domain.RotationRecord, error) {
	q := rs.db.WithContext(ctx).Where("account_id = ?", accountID).Order("at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.RotationRecord
	err := q.Find(&out).Error
	return out, err
}
