package dto

import "time"

type AccessRequest struct {
	AccountID string `json:"accountId"`
}

type AccessResponse struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionId"`
	AccountID string    `json:"accountId"`
	ExpiresAt time.Time `json:"expiresAt"`
	ExpiresIn int64     `json:"expiresIn"`
}

type SessionTokenRequest struct {
	Token string `json:"token"`
}

type HeartbeatResponse struct {
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type EndSessionResponse struct {
	DurationMinutes int `json:"durationMinutes"`
}

type ViewingEventRequest struct {
	AccountID       string    `json:"accountId,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	DurationMinutes int       `json:"durationMinutes"`
	Genre           *string   `json:"genre,omitempty"`
}
