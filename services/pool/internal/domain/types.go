package domain

import "github.com/google/uuid"

type AccountID = uuid.UUID
type UserID = uuid.UUID
type AllocationID = uuid.UUID
type SessionID = uuid.UUID
