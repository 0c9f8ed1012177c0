package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation            = errors.New("validation failed")
	ErrNoActiveAllocation    = errors.New("no active allocation")
	ErrExpiredOrUnknownToken = errors.New("expired or unknown token")
	ErrRotationInProgress    = errors.New("rotation in progress")
	ErrRotationFailed        = errors.New("rotation failed, previous credential remains valid")
	ErrIntegrity             = errors.New("secret integrity check failed")
	ErrUnsupportedPlatform   = errors.New("unsupported platform")
	ErrConflictUnresolved    = errors.New("allocation conflict unresolved")
	ErrManualIntervention    = errors.New("account requires manual intervention")
	ErrAccountNotFound       = errors.New("account not found")
	ErrNotMember             = errors.New("user is not a pool member")
	ErrSecretVersionConflict = errors.New("secret was replaced concurrently")
)

// RotationStage names the step of a rotation that failed.
type RotationStage string

const (
	StageGenerate RotationStage = "generate"
	StageDecrypt  RotationStage = "decrypt"
	StageChange   RotationStage = "change_password"
	StageVerify   RotationStage = "verify_login"
	StagePersist  RotationStage = "persist"
	StageRollback RotationStage = "rollback"
)

// RotationError reports a failed rotation. It never carries secret material.
type RotationError struct {
	AccountID AccountID
	Stage     RotationStage
	Reason    string
	Err       error
}

func (e *RotationError) Error() string {
	msg := fmt.Sprintf("rotation of account %s failed at %s", e.AccountID, e.Stage)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RotationError) Unwrap() error { return e.Err }

func (e *RotationError) Is(target error) bool { return target == ErrRotationFailed }
