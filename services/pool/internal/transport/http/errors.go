package http

import (
	"errors"
	"log/slog"
	"net/http"

	"sharepool/internal/httpx"
	"sharepool/services/pool/internal/domain"
	"sharepool/services/pool/internal/kv"
)

// writeError maps domain errors to the messages members and operators see.
// Anything unrecognised is logged and hidden behind a 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, domain.ErrValidation):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNoActiveAllocation):
		status, msg = http.StatusForbidden, "not your turn yet"
	case errors.Is(err, domain.ErrNotMember):
		status, msg = http.StatusForbidden, "not a member of this pool"
	case errors.Is(err, domain.ErrExpiredOrUnknownToken):
		status, msg = http.StatusUnauthorized, "access expired, request a new one"
	case errors.Is(err, domain.ErrRotationInProgress):
		w.Header().Set("Retry-After", "5")
		status, msg = http.StatusServiceUnavailable, "rotating, retry shortly"
	case errors.Is(err, kv.ErrLockBusy):
		w.Header().Set("Retry-After", "2")
		status, msg = http.StatusServiceUnavailable, "pool is busy, retry shortly"
	case errors.Is(err, domain.ErrRotationFailed):
		status, msg = http.StatusBadGateway, "rotation failed, previous credential remains valid"
	case errors.Is(err, domain.ErrManualIntervention):
		status, msg = http.StatusLocked, "account needs operator attention"
	case errors.Is(err, domain.ErrIntegrity):
		status, msg = http.StatusInternalServerError, "credential unavailable"
	case errors.Is(err, domain.ErrUnsupportedPlatform):
		status, msg = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrAccountNotFound):
		status, msg = http.StatusNotFound, "account not found"
	case errors.Is(err, domain.ErrConflictUnresolved), errors.Is(err, domain.ErrSecretVersionConflict):
		status, msg = http.StatusConflict, err.Error()
	}
	if status >= 500 {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	httpx.WriteError(w, status, msg)
}
