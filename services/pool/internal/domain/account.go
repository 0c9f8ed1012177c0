package domain

import "time"

type RotationState string

const (
	RotationStable             RotationState = "stable"
	RotationRotating           RotationState = "rotating"
	RotationRollbackPending    RotationState = "rollback_pending"
	RotationManualIntervention RotationState = "manual_intervention_required"
)

// Account is one shared external subscription. MaxConcurrent is the number of
// members that may hold the same (day, hour) cell.
type Account struct {
	ID             AccountID     `gorm:"type:uuid;primaryKey" json:"id"`
	Platform       string        `gorm:"type:text;not null" json:"platform"`
	Tier           string        `gorm:"type:text;not null" json:"tier"`
	Username       string        `gorm:"type:text;not null" json:"username"`
	MaxConcurrent  int           `gorm:"not null" json:"maxConcurrent"`
	RotationState  RotationState `gorm:"type:text;not null;default:stable" json:"rotationState"`
	StateChangedAt time.Time     `gorm:"not null" json:"stateChangedAt"`
	CreatedAt      time.Time     `gorm:"not null" json:"createdAt"`
	UpdatedAt      time.Time     `gorm:"not null" json:"updatedAt"`
}

func (Account) TableName() string { return "accounts" }

type Member struct {
	AccountID AccountID `gorm:"type:uuid;primaryKey" json:"accountId"`
	UserID    UserID    `gorm:"type:uuid;primaryKey" json:"userId"`
	JoinedAt  time.Time `gorm:"not null" json:"joinedAt"`
}

func (Member) TableName() string { return "pool_members" }
