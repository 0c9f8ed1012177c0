package domain

import (
	"time"

	"github.com/google/uuid"
)

type RotationTrigger string

const (
	TriggerWindowEnd         RotationTrigger = "window_end"
	TriggerOperator          RotationTrigger = "operator"
	TriggerVerificationFault RotationTrigger = "verification_failure"
	TriggerRecovery          RotationTrigger = "recovery"
)

type RotationOutcome string

const (
	OutcomeSucceeded          RotationOutcome = "succeeded"
	OutcomeFailed             RotationOutcome = "failed"
	OutcomeRecovered          RotationOutcome = "recovered"
	OutcomeManualIntervention RotationOutcome = "manual_intervention_required"
)

// RotationRecord is an append-only audit entry.
type RotationRecord struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID     AccountID       `gorm:"type:uuid;index;not null" json:"accountId"`
	At            time.Time       `gorm:"not null" json:"at"`
	Trigger       RotationTrigger `gorm:"type:text;not null" json:"trigger"`
	Outcome       RotationOutcome `gorm:"type:text;not null" json:"outcome"`
	Reason        string          `gorm:"type:text" json:"reason"`
	RotationCount int             `gorm:"not null" json:"rotationCount"`
}

func (RotationRecord) TableName() string { return "rotation_records" }
