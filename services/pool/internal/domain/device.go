package domain

import "time"

// DeviceInfo describes the caller requesting access.
type DeviceInfo struct {
	IP        string `json:"ip"`
	DeviceID  string `json:"deviceId"`
	UserAgent string `json:"userAgent,omitempty"`
}

// TemporaryAccess is a revocable proxy token standing in for the Secret.
// At most one live instance exists per (UserID, AccountID).
type TemporaryAccess struct {
	Token        string       `json:"token"`
	UserID       UserID       `json:"userId"`
	AccountID    AccountID    `json:"accountId"`
	AllocationID AllocationID `json:"allocationId"`
	IssuedAt     time.Time    `json:"issuedAt"`
	ExpiresAt    time.Time    `json:"expiresAt"`
	IP           string       `json:"ip"`
	DeviceID     string       `json:"deviceId"`
}

func (t TemporaryAccess) ExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
