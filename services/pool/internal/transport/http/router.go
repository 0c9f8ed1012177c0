package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"sharepool/internal/httpx"
	"sharepool/internal/jwtsigner"
	"sharepool/services/pool/internal/domain"
	"sharepool/services/pool/internal/dto"
	"sharepool/services/pool/internal/gate"
	"sharepool/services/pool/internal/membership"
	"sharepool/services/pool/internal/netutil"
	obsmw "sharepool/services/pool/internal/observability/middleware"
	"sharepool/services/pool/internal/rotation"
	"sharepool/services/pool/internal/session"
	"sharepool/services/pool/internal/vault"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Deps struct {
	Vault    *vault.Vault
	Gate     *gate.Gate
	Sessions *session.Coordinator
	Rotation *rotation.Manager
	Members  *membership.Service
	Verifier *jwtsigner.Verifier

	TrustProxy         bool
	CORSOrigins        []string
	RateLimitPerMinute int
	Logger             *slog.Logger
}

type handler struct {
	Deps
}

func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &handler{d}

	r := chi.NewRouter()
	r.Use(httpx.Recover(d.Logger))
	r.Use(obsmw.WithRequestAndTrace)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID", netutil.DeviceIDHeader},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if d.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(d.RateLimitPerMinute, time.Minute))
		}
		r.Use(Authenticate(d.Verifier))

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(jwtsigner.RoleMember))
			r.Get("/accounts/{id}/allocations", h.listAllocations)
			r.Post("/access", h.requestAccess)
			r.Post("/sessions/heartbeat", h.heartbeat)
			r.Post("/sessions/end", h.endSession)
			r.Get("/swap-suggestions", h.swapSuggestions)
			r.Post("/viewing-events", h.recordViewing)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireRole())
			r.Post("/accounts", h.provision)
			r.Post("/accounts/{id}/members", h.addMember)
			r.Delete("/accounts/{id}/members/{userId}", h.removeMember)
			r.Put("/accounts/{id}/capacity", h.setCapacity)
			r.Post("/accounts/{id}/allocations/compute", h.computeAllocations)
			r.Post("/accounts/{id}/rotate", h.rotateNow)
			r.Get("/accounts/{id}/rotations", h.rotations)
			r.Put("/accounts/{id}/secret", h.resetSecret)
			r.Post("/accounts/{id}/resolve", h.resolve)
		})
	})
	return r
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, validation("invalid " + name)
	}
	return id, nil
}

func validation(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, msg)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := httpx.DecodeJSON(w, r, dst); err != nil {
		return validation("bad request body: " + err.Error())
	}
	return nil
}

func caller(r *http.Request) Caller {
	c, _ := CallerFrom(r.Context())
	return c
}

func (h *handler) provision(w http.ResponseWriter, r *http.Request) {
	var req dto.ProvisionAccountRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	acct, err := h.Vault.Provision(r.Context(), vault.ProvisionInput{
		Platform:      req.Platform,
		Tier:          req.Tier,
		Username:      req.Username,
		MaxConcurrent: req.MaxConcurrent,
		Secret:        req.Secret,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, acct)
}

func (h *handler) addMember(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req dto.AddMemberRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, r, validation("invalid userId"))
		return
	}
	res, err := h.Members.Join(r.Context(), id, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *handler) removeMember(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	userID, err := uuidParam(r, "userId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	deleted, err := h.Members.Leave(r.Context(), id, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, dto.DeleteMemberResponse{Deleted: deleted})
}

func (h *handler) setCapacity(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req dto.SetCapacityRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	report, err := h.Members.SetCapacity(r.Context(), id, req.MaxConcurrent)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}

func (h *handler) computeAllocations(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Members.ComputeAllocations(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *handler) rotateNow(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req dto.RotateRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	rec, err := h.Rotation.RotateNow(r.Context(), id, domain.TriggerOperator, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (h *handler) rotations(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			writeError(w, r, validation("invalid limit"))
			return
		}
	}
	recs, err := h.Rotation.History(r.Context(), id, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, recs)
}

func (h *handler) resetSecret(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req dto.ResetSecretRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Secret == "" {
		writeError(w, r, validation("secret is required"))
		return
	}
	if err := h.Rotation.ResetSecret(r.Context(), id, req.Secret); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) resolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Rotation.Resolve(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listAllocations(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	c := caller(r)
	if c.Role != jwtsigner.RoleOperator {
		if err := h.Members.RequireMember(r.Context(), id, c.ID); err != nil {
			writeError(w, r, err)
			return
		}
	}
	allocs, err := h.Members.Allocations(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, allocs)
}

func (h *handler) requestAccess(w http.ResponseWriter, r *http.Request) {
	var req dto.AccessRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		writeError(w, r, validation("invalid accountId"))
		return
	}
	grant, err := h.Gate.RequestAccess(r.Context(), caller(r).ID, accountID, netutil.Device(r, h.TrustProxy))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, dto.AccessResponse{
		Token:     grant.Access.Token,
		SessionID: grant.SessionID.String(),
		AccountID: grant.Access.AccountID.String(),
		ExpiresAt: grant.Access.ExpiresAt,
		ExpiresIn: int64(grant.Access.ExpiresAt.Sub(h.Vault.Now()).Seconds()),
	})
}

// ownSession resolves the token in the body and hides sessions that belong
// to someone else.
func (h *handler) ownSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req dto.SessionTokenRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return "", false
	}
	sess, err := h.Sessions.Lookup(r.Context(), req.Token)
	if err != nil {
		writeError(w, r, err)
		return "", false
	}
	if c := caller(r); c.Role != jwtsigner.RoleOperator && sess.UserID != c.ID {
		writeError(w, r, domain.ErrExpiredOrUnknownToken)
		return "", false
	}
	return req.Token, true
}

func (h *handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	token, ok := h.ownSession(w, r)
	if !ok {
		return
	}
	sess, err := h.Sessions.Heartbeat(r.Context(), token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, dto.HeartbeatResponse{State: string(sess.State), ExpiresAt: sess.ExpiresAt})
}

func (h *handler) endSession(w http.ResponseWriter, r *http.Request) {
	token, ok := h.ownSession(w, r)
	if !ok {
		return
	}
	d, err := h.Sessions.EndSession(r.Context(), token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, dto.EndSessionResponse{DurationMinutes: d})
}

func (h *handler) swapSuggestions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	accountID, err := uuid.Parse(q.Get("accountId"))
	if err != nil {
		writeError(w, r, validation("invalid accountId"))
		return
	}
	at := h.Vault.Now()
	if v := q.Get("at"); v != "" {
		if at, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, r, validation("at must be RFC3339"))
			return
		}
	}
	out, err := h.Gate.SwapSuggestions(r.Context(), caller(r).ID, accountID, at)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *handler) recordViewing(w http.ResponseWriter, r *http.Request) {
	var req dto.ViewingEventRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ev := &domain.ViewingEvent{
		UserID:          caller(r).ID,
		StartedAt:       req.StartedAt,
		DurationMinutes: req.DurationMinutes,
		Genre:           req.Genre,
	}
	if req.AccountID != "" {
		id, err := uuid.Parse(req.AccountID)
		if err != nil {
			writeError(w, r, validation("invalid accountId"))
			return
		}
		ev.AccountID = id
	}
	if err := h.Members.RecordViewing(r.Context(), ev); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
