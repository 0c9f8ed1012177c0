package domain

import "time"

type SessionState string

const (
	SessionInitialized SessionState = "initialized"
	SessionActive      SessionState = "active"
	SessionTerminated  SessionState = "terminated"
	SessionExpired     SessionState = "expired"
)

func (s SessionState) Closed() bool {
	return s == SessionTerminated || s == SessionExpired
}

// Session tracks one proxy viewing session from token issue to close-out.
type Session struct {
	ID              SessionID    `json:"id"`
	Token           string       `json:"token"`
	UserID          UserID       `json:"userId"`
	AccountID       AccountID    `json:"accountId"`
	AllocationID    AllocationID `json:"allocationId"`
	State           SessionState `json:"state"`
	CreatedAt       time.Time    `json:"createdAt"`
	StartedAt       *time.Time   `json:"startedAt,omitempty"`
	LastHeartbeatAt *time.Time   `json:"lastHeartbeatAt,omitempty"`
	ExpiresAt       time.Time    `json:"expiresAt"`
	ClosedAt        *time.Time   `json:"closedAt,omitempty"`
	DurationMinutes int          `json:"durationMinutes"`
}
