// Package events defines the payloads the pool service publishes and
// consumes on the message bus.
package events

import "time"

const (
	SubjectCredentialRotated = "pool.credential.rotated"
	SubjectAccessRevoked     = "pool.access.revoked"
	SubjectPaymentSucceeded  = "billing.payment.succeeded"
)

// CredentialRotated tells upcoming holders that the account changed hands
// and their next access request will be served with the fresh secret.
type CredentialRotated struct {
	AccountID       string    `json:"accountId"`
	UserIDs         []string  `json:"userIds"`
	NextWindowStart time.Time `json:"nextWindowStart"`
	RotationCount   int       `json:"rotationCount"`
	At              time.Time `json:"at"`
}

// AccessRevoked is sent to holders whose live token was dropped.
type AccessRevoked struct {
	AccountID string    `json:"accountId"`
	UserIDs   []string  `json:"userIds"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// PaymentSucceeded arrives from billing when a user has paid for a seat.
type PaymentSucceeded struct {
	AccountID string    `json:"accountId"`
	UserID    string    `json:"userId"`
	PaymentID string    `json:"paymentId"`
	At        time.Time `json:"at"`
}
