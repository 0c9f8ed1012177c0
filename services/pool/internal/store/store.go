// Package store persists accounts, secrets, memberships, allocations,
// viewing history and the rotation audit trail with gorm.
package store

import (
	"context"
	"errors"

	"sharepool/services/pool/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{DB: db} }

func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx})
	})
}

// Migrate creates or updates every table the pool service owns.
func (s *Store) Migrate(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(
		&domain.Account{},
		&domain.Secret{},
		&domain.Member{},
		&domain.Allocation{},
		&domain.ViewingEvent{},
		&domain.RotationRecord{},
	)
}

// IsUniqueViolation matches Postgres 23505 and gorm's translated duplicate key
// error (sqlite with TranslateError).
func IsUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
