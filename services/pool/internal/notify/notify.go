// Package notify delivers best-effort notifications to pool members.
package notify

import (
	"context"
	"log/slog"

	"sharepool/services/pool/internal/observability/metrics"
)

// Notifier publishes payload on subject. Delivery is best effort; callers
// log failures and carry on.
type Notifier interface {
	Notify(ctx context.Context, subject string, payload any) error
}

// Log writes notifications to the structured log. It is the fallback when
// no broker is configured.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(ctx context.Context, subject string, payload any) error {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "notification", "subject", subject, "payload", payload)
	return nil
}

// Send calls n and records the outcome; errors are logged, never returned.
func Send(ctx context.Context, n Notifier, log *slog.Logger, subject string, payload any) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, subject, payload); err != nil {
		metrics.Notification(subject, "error")
		log.Warn("notification failed", "subject", subject, "error", err)
		return
	}
	metrics.Notification(subject, "ok")
}
