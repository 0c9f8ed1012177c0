// Package session tracks proxy viewing sessions from token issue to
// close-out and hands the account to rotation when the last session on a
// window closes.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sharepool/services/pool/internal/domain"
	"sharepool/services/pool/internal/kv"
	"sharepool/services/pool/internal/observability/metrics"
	"sharepool/services/pool/internal/store"
	"sharepool/services/pool/internal/vault"

	"github.com/google/uuid"
)

// Rotator is the part of the rotation manager the coordinator drives.
type Rotator interface {
	RotateNow(ctx context.Context, accountID domain.AccountID, trigger domain.RotationTrigger, reason string) (*domain.RotationRecord, error)
}

type Options struct {
	Sessions kv.SessionStore
	Vault    *vault.Vault
	Rotator  Rotator
	// Store, when set, receives a viewing event for every closed session
	// with a non-zero duration.
	Store  *store.Store
	Now    func() time.Time
	Logger *slog.Logger
}

type Coordinator struct {
	sessions kv.SessionStore
	vault    *vault.Vault
	rotator  Rotator
	store    *store.Store
	now      func() time.Time
	log      *slog.Logger
}

func NewCoordinator(opts Options) *Coordinator {
	c := &Coordinator{
		sessions: opts.Sessions,
		vault:    opts.Vault,
		rotator:  opts.Rotator,
		store:    opts.Store,
		now:      opts.Now,
		log:      opts.Logger,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Open starts tracking a freshly issued token.
func (c *Coordinator) Open(ctx context.Context, ta domain.TemporaryAccess) (*domain.Session, error) {
	sess := domain.Session{
		ID:           uuid.New(),
		Token:        ta.Token,
		UserID:       ta.UserID,
		AccountID:    ta.AccountID,
		AllocationID: ta.AllocationID,
		State:        domain.SessionInitialized,
		CreatedAt:    c.now().UTC(),
		ExpiresAt:    ta.ExpiresAt,
	}
	if err := c.sessions.Put(ctx, sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Coordinator) byToken(ctx context.Context, token string) (*domain.Session, error) {
	if token == "" {
		return nil, domain.ErrExpiredOrUnknownToken
	}
	sess, err := c.sessions.GetByToken(ctx, token)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, domain.ErrExpiredOrUnknownToken
	}
	return sess, err
}

// Lookup returns the session behind token, open or closed.
func (c *Coordinator) Lookup(ctx context.Context, token string) (*domain.Session, error) {
	return c.byToken(ctx, token)
}

// Heartbeat marks the session active. It never moves ExpiresAt; a heartbeat
// at or after expiry closes the session instead.
func (c *Coordinator) Heartbeat(ctx context.Context, token string) (*domain.Session, error) {
	sess, err := c.byToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.State.Closed() {
		return nil, domain.ErrExpiredOrUnknownToken
	}

	now := c.now().UTC()
	if !now.Before(sess.ExpiresAt) {
		if _, _, err := c.close(ctx, sess, domain.SessionExpired, true); err != nil {
			return nil, err
		}
		return nil, domain.ErrExpiredOrUnknownToken
	}
	if _, err := c.vault.VerifyAccess(ctx, token); err != nil {
		if errors.Is(err, domain.ErrExpiredOrUnknownToken) {
			// Revoked by rotation, replacement or leave. The credential has
			// already moved on, so there is nothing left to rotate.
			if _, _, cerr := c.close(ctx, sess, domain.SessionTerminated, false); cerr != nil {
				return nil, cerr
			}
		}
		return nil, err
	}

	next := *sess
	next.LastHeartbeatAt = &now
	if next.State == domain.SessionInitialized {
		next.State = domain.SessionActive
		next.StartedAt = &now
	}
	ok, err := c.sessions.CompareAndSwap(ctx, sess.State, next)
	if err != nil {
		return nil, err
	}
	if !ok {
		cur, err := c.sessions.Get(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		if cur.State.Closed() {
			return nil, domain.ErrExpiredOrUnknownToken
		}
		return cur, nil
	}
	return &next, nil
}

// EndSession closes the session and returns its duration. Ending a closed
// session returns the recorded duration again and does nothing else.
func (c *Coordinator) EndSession(ctx context.Context, token string) (int, error) {
	sess, err := c.byToken(ctx, token)
	if err != nil {
		return 0, err
	}
	if sess.State.Closed() {
		return sess.DurationMinutes, nil
	}
	to := domain.SessionTerminated
	if !c.now().Before(sess.ExpiresAt) {
		to = domain.SessionExpired
	}
	closed, _, err := c.close(ctx, sess, to, true)
	if err != nil {
		return 0, err
	}
	return closed.DurationMinutes, nil
}

// Supersede closes the session tracking a token that a newer issue
// displaced. The window is still held by the new token, so nothing rotates.
// Unknown tokens are ignored.
func (c *Coordinator) Supersede(ctx context.Context, token string) error {
	sess, err := c.byToken(ctx, token)
	if errors.Is(err, domain.ErrExpiredOrUnknownToken) {
		return nil
	}
	if err != nil {
		return err
	}
	_, _, err = c.close(ctx, sess, domain.SessionTerminated, false)
	return err
}

// Sweep closes open sessions past their expiry and reports how many this
// call closed.
func (c *Coordinator) Sweep(ctx context.Context, limit int) (int, error) {
	expired, err := c.sessions.ScanExpired(ctx, c.now(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range expired {
		_, won, err := c.close(ctx, &expired[i], domain.SessionExpired, true)
		if err != nil {
			c.log.Error("sweep close failed", "session_id", expired[i].ID, "error", err)
			continue
		}
		if won {
			n++
		}
	}
	if n > 0 {
		c.log.Info("expired sessions swept", "closed", n)
	}
	return n, nil
}

// close moves the session to a closed state through a single state
// compare-and-swap. Only the caller that wins the swap runs the close-out;
// everyone else gets the winner's record and won == false.
func (c *Coordinator) close(ctx context.Context, sess *domain.Session, to domain.SessionState, rotate bool) (_ *domain.Session, won bool, err error) {
	cur := sess
	for !cur.State.Closed() {
		next := closeOut(*cur, to, c.now().UTC())
		ok, err := c.sessions.CompareAndSwap(ctx, cur.State, next)
		if err != nil {
			return nil, false, err
		}
		if ok {
			c.afterClose(ctx, next, rotate)
			return &next, true, nil
		}
		// A heartbeat or another closer got there first.
		if cur, err = c.sessions.Get(ctx, sess.ID); err != nil {
			return nil, false, err
		}
	}
	return cur, false, nil
}

// closeOut computes the final record. Duration runs from the first
// heartbeat to the earlier of now and expiry; a session that never started
// has none.
func closeOut(s domain.Session, to domain.SessionState, now time.Time) domain.Session {
	s.State = to
	s.ClosedAt = &now
	if s.StartedAt != nil {
		end := now
		if s.ExpiresAt.Before(end) {
			end = s.ExpiresAt
		}
		if d := end.Sub(*s.StartedAt); d > 0 {
			s.DurationMinutes = int(d.Round(time.Minute) / time.Minute)
		}
	}
	return s
}

// afterClose runs once per session, on the caller that won the close.
func (c *Coordinator) afterClose(ctx context.Context, s domain.Session, rotate bool) {
	ctx = context.WithoutCancel(ctx)
	log := c.log.With("session_id", s.ID, "account_id", s.AccountID, "user_id", s.UserID)
	metrics.SessionClosed(string(s.State))
	log.Info("session closed", "state", s.State, "duration_minutes", s.DurationMinutes)

	if err := c.vault.RevokeAccess(ctx, s.Token); err != nil {
		log.Error("revoke token on close failed", "error", err)
	}
	if c.store != nil && s.DurationMinutes > 0 {
		ev := &domain.ViewingEvent{
			UserID:          s.UserID,
			AccountID:       s.AccountID,
			StartedAt:       *s.StartedAt,
			DurationMinutes: s.DurationMinutes,
		}
		if err := c.store.Viewing().Append(ctx, ev); err != nil {
			log.Warn("record viewing event failed", "error", err)
		}
	}
	if !rotate || c.rotator == nil {
		return
	}

	live, err := c.liveActive(ctx, s.AllocationID)
	if err != nil {
		log.Error("count open sessions failed", "error", err)
		return
	}
	if live > 0 {
		return
	}
	reason := "last session on window " + string(s.State)
	if _, err := c.rotator.RotateNow(ctx, s.AccountID, domain.TriggerWindowEnd, reason); err != nil {
		switch {
		case errors.Is(err, domain.ErrRotationInProgress):
			log.Info("rotation already running")
		default:
			log.Error("window-end rotation failed", "error", err)
		}
	}
}

// liveActive counts Active sessions on the allocation whose token still
// verifies. Sessions that never started, or whose token was already
// revoked or expired, do not hold the window.
func (c *Coordinator) liveActive(ctx context.Context, allocationID domain.AllocationID) (int, error) {
	open, err := c.sessions.ListOpen(ctx, allocationID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range open {
		if o.State != domain.SessionActive {
			continue
		}
		_, err := c.vault.VerifyAccess(ctx, o.Token)
		if errors.Is(err, domain.ErrExpiredOrUnknownToken) {
			continue
		}
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}
