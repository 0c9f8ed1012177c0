// Package gate is the authorization front for members: it checks the
// caller's window before the vault issues anything and keeps the backend
// credential path behind a live token.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sharepool/services/pool/internal/domain"
	"sharepool/services/pool/internal/kv"
	"sharepool/services/pool/internal/session"
	"sharepool/services/pool/internal/store"
	"sharepool/services/pool/internal/vault"
)

// ErrLoginRejected is returned by a credential callback when the platform
// refused the stored secret.
var ErrLoginRejected = errors.New("platform rejected stored credential")

// FaultReporter rotates an account whose stored credential stopped working.
type FaultReporter interface {
	ReportVerificationFailure(ctx context.Context, accountID domain.AccountID, reason string) (*domain.RotationRecord, error)
}

type Options struct {
	Store    *store.Store
	Vault    *vault.Vault
	Sessions *session.Coordinator
	// Open counts live sessions per allocation for swap suggestions.
	Open      kv.SessionStore
	Faults    FaultReporter
	AccessTTL time.Duration
	// SwapCredit is offered to the holder of a swapped window. Zero until
	// product sets a value.
	SwapCredit time.Duration
	Logger     *slog.Logger
}

type Gate struct {
	store      *store.Store
	vault      *vault.Vault
	sessions   *session.Coordinator
	open       kv.SessionStore
	faults     FaultReporter
	ttl        time.Duration
	swapCredit time.Duration
	log        *slog.Logger
}

func New(opts Options) *Gate {
	g := &Gate{
		store:      opts.Store,
		vault:      opts.Vault,
		sessions:   opts.Sessions,
		open:       opts.Open,
		faults:     opts.Faults,
		ttl:        opts.AccessTTL,
		swapCredit: opts.SwapCredit,
		log:        opts.Logger,
	}
	if g.ttl <= 0 {
		g.ttl = 4 * time.Hour
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	return g
}

// Grant is what a member gets back from RequestAccess.
type Grant struct {
	Access    domain.TemporaryAccess `json:"access"`
	SessionID domain.SessionID       `json:"sessionId"`
}

// RequestAccess issues a token for the caller's current window and opens
// a session on it.
func (g *Gate) RequestAccess(ctx context.Context, userID domain.UserID, accountID domain.AccountID, dev domain.DeviceInfo) (*Grant, error) {
	ok, err := g.store.Members().IsMember(ctx, accountID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrNotMember
	}
	ta, prev, err := g.vault.IssueAccessReplacing(ctx, userID, accountID, dev, g.ttl)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		if err := g.sessions.Supersede(ctx, prev.Token); err != nil {
			g.log.Warn("close superseded session failed", "account_id", accountID, "user_id", userID, "error", err)
		}
	}
	sess, err := g.sessions.Open(ctx, *ta)
	if err != nil {
		if rerr := g.vault.RevokeAccess(ctx, ta.Token); rerr != nil {
			g.log.Error("revoke orphaned token failed", "account_id", accountID, "error", rerr)
		}
		return nil, fmt.Errorf("open session: %w", err)
	}
	return &Grant{Access: *ta, SessionID: sess.ID}, nil
}

// SwapSuggestion proposes taking over another member's idle window. It is
// never applied automatically.
type SwapSuggestion struct {
	AllocationID  domain.AllocationID `json:"allocationId"`
	HolderID      domain.UserID       `json:"holderId"`
	DayOfWeek     time.Weekday        `json:"dayOfWeek"`
	StartHour     int                 `json:"startHour"`
	EndHour       int                 `json:"endHour"`
	CreditMinutes int                 `json:"creditMinutes"`
}

// SwapSuggestions lists other members' windows covering at that have no
// open session. A caller who already holds a window at that time gets none.
func (g *Gate) SwapSuggestions(ctx context.Context, userID domain.UserID, accountID domain.AccountID, at time.Time) ([]SwapSuggestion, error) {
	ok, err := g.store.Members().IsMember(ctx, accountID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrNotMember
	}
	at = at.In(g.vault.Location())
	if _, err := g.vault.ActiveAllocation(ctx, userID, accountID, at); err == nil {
		return []SwapSuggestion{}, nil
	} else if !errors.Is(err, domain.ErrNoActiveAllocation) {
		return nil, err
	}

	covering, err := g.store.Allocations().Covering(ctx, accountID, at.Weekday(), at.Hour())
	if err != nil {
		return nil, err
	}
	out := []SwapSuggestion{}
	for _, a := range covering {
		if a.UserID == userID {
			continue
		}
		n, err := g.open.CountOpen(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			continue
		}
		out = append(out, SwapSuggestion{
			AllocationID:  a.ID,
			HolderID:      a.UserID,
			DayOfWeek:     a.DayOfWeek,
			StartHour:     a.StartHour,
			EndHour:       a.EndHour,
			CreditMinutes: int(g.swapCredit / time.Minute),
		})
	}
	return out, nil
}

// ProxyCredential runs fn with the account credential behind token. When fn
// reports ErrLoginRejected the account is sent for rotation.
func (g *Gate) ProxyCredential(ctx context.Context, token string, fn func(username string, secret []byte) error) error {
	ta, err := g.vault.VerifyAccess(ctx, token)
	if err != nil {
		return err
	}
	err = g.vault.UseCredential(ctx, token, fn)
	if !errors.Is(err, ErrLoginRejected) || g.faults == nil {
		return err
	}
	g.log.Warn("stored credential rejected during proxy login", "account_id", ta.AccountID, "user_id", ta.UserID)
	if _, rerr := g.faults.ReportVerificationFailure(context.WithoutCancel(ctx), ta.AccountID, "proxy login rejected"); rerr != nil {
		g.log.Error("verification-failure rotation failed", "account_id", ta.AccountID, "error", rerr)
	}
	return err
}
