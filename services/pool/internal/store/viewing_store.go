package store

import (
	"context"
	"time"

	"sharepool/services/pool/internal/domain"

	"gorm.io/gorm"
)

type ViewingStore struct{ db *gorm.DB }

func (s *Store) Viewing() *ViewingStore { return &ViewingStore{s.DB} }

func (vs *ViewingStore) Append(ctx context.Context, e *domain.ViewingEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return vs.db.WithContext(ctx).Create(e).Error
}

// ListForUser returns events started at or after since, oldest first.
func (vs *ViewingStore) ListForUser(ctx context.Context, userID domain.UserID, since time.Time) ([]domain.ViewingEvent, error) {
	var out []domain.ViewingEvent
	err := vs.db.WithContext(ctx).
		Where("user_id = ? AND started_at >= ?", userID, since).
		Order("started_at").
		Find(&out).Error
	return out, err
}
