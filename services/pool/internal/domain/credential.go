package domain

import "time"

// Secret is the encrypted account credential. Rows are replaced as a whole by
// compare-and-swap on Version; fields are never edited one at a time.
type Secret struct {
	AccountID     AccountID `gorm:"type:uuid;primaryKey"`
	Ciphertext    []byte    `gorm:"not null"`
	IV            []byte    `gorm:"not null"`
	AuthTag       []byte    `gorm:"not null"`
	RotationCount int       `gorm:"not null;default:0"`
	LastRotatedAt time.Time `gorm:"not null"`
	Version       int64     `gorm:"not null;default:1"`
}

func (Secret) TableName() string { return "secrets" }
