// Package membership owns who is in an account's pool and keeps their
// windows in line with capacity.
package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"sharepool/services/pool/internal/domain"
	"sharepool/services/pool/internal/events"
	"sharepool/services/pool/internal/kv"
	"sharepool/services/pool/internal/kv/memory"
	"sharepool/services/pool/internal/observability/metrics"
	"sharepool/services/pool/internal/pattern"
	"sharepool/services/pool/internal/scheduler"
	"sharepool/services/pool/internal/store"
	"sharepool/services/pool/internal/vault"

	"github.com/google/uuid"
)

// DefaultLookback is how much viewing history feeds a pattern.
const DefaultLookback = 90 * 24 * time.Hour

type Options struct {
	Store    *store.Store
	Vault    *vault.Vault
	Location *time.Location
	Lookback time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
	// Locker serializes schedule writers per account. Replicas must share
	// one; nil means a process-local lock.
	Locker kv.Locker
}

type Service struct {
	store    *store.Store
	vault    *vault.Vault
	analyzer pattern.Analyzer
	lookback time.Duration
	now      func() time.Time
	log      *slog.Logger
	locker   kv.Locker
}

func NewService(opts Options) *Service {
	s := &Service{
		store:    opts.Store,
		vault:    opts.Vault,
		analyzer: pattern.Analyzer{Location: opts.Location},
		lookback: opts.Lookback,
		now:      opts.Now,
		log:      opts.Logger,
		locker:   opts.Locker,
	}
	if s.lookback <= 0 {
		s.lookback = DefaultLookback
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.locker == nil {
		s.locker = memory.NewLocker()
	}
	return s
}

// lock serializes schedule writers per account.
func (s *Service) lock(ctx context.Context, id domain.AccountID) (func(), error) {
	unlock, err := s.locker.Lock(ctx, "account:"+id.String())
	if err != nil {
		return nil, fmt.Errorf("lock account %s: %w", id, err)
	}
	return unlock, nil
}

// Pattern derives a member's current usage profile.
func (s *Service) Pattern(ctx context.Context, userID domain.UserID) (domain.UserPattern, error) {
	evs, err := s.store.Viewing().ListForUser(ctx, userID, s.now().Add(-s.lookback))
	if err != nil {
		return domain.UserPattern{}, err
	}
	return s.analyzer.Analyze(userID, evs), nil
}

type JoinResult struct {
	Allocation  *domain.Allocation     `json:"allocation,omitempty"`
	Unallocated *scheduler.Unallocated `json:"unallocated,omitempty"`
}

// Join adds userID to the pool and places it around the existing windows,
// which stay where they are. A member that cannot be placed stays in the
// pool and is reported; the next full compute tries again.
func (s *Service) Join(ctx context.Context, accountID domain.AccountID, userID domain.UserID) (*JoinResult, error) {
	unlock, err := s.lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := s.store.Accounts().Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Members().Add(ctx, accountID, userID); err != nil {
		return nil, err
	}
	own, err := s.store.Allocations().ListForUser(ctx, accountID, userID)
	if err != nil {
		return nil, err
	}
	if len(own) > 0 {
		return &JoinResult{Allocation: &own[0]}, nil
	}

	p, err := s.Pattern(ctx, userID)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.Allocations().ListForAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	a, un := scheduler.Place(accountID, acct.MaxConcurrent, existing, p)
	if un != nil {
		metrics.Unallocated("join", 1)
		s.log.Warn("member joined without a window", "account_id", accountID, "user_id", userID, "reason", un.Reason)
		return &JoinResult{Unallocated: un}, nil
	}
	if err := s.store.Allocations().Create(ctx, &a); err != nil {
		return nil, err
	}
	s.log.Info("member joined",
		"account_id", accountID,
		"user_id", userID,
		"day", a.DayOfWeek,
		"start_hour", a.StartHour,
		"end_hour", a.EndHour,
	)
	return &JoinResult{Allocation: &a}, nil
}

// Leave removes the member with its windows and drops its live token.
func (s *Service) Leave(ctx context.Context, accountID domain.AccountID, userID domain.UserID) (map[string]int64, error) {
	unlock, err := s.lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	deleted, err := s.store.DeleteMemberData(ctx, accountID, userID)
	if err != nil {
		return nil, err
	}
	if deleted["members"] == 0 {
		return nil, domain.ErrNotMember
	}
	if err := s.vault.RevokeUser(ctx, accountID, userID); err != nil {
		return deleted, fmt.Errorf("revoke access: %w", err)
	}
	s.log.Info("member left", "account_id", accountID, "user_id", userID, "allocations", deleted["allocations"])
	return deleted, nil
}

// SetCapacity changes N and moves flexible windows out of cells that are
// now overloaded. What cannot be moved is reported, not dropped.
func (s *Service) SetCapacity(ctx context.Context, accountID domain.AccountID, n int) (scheduler.ConflictReport, error) {
	if n < 1 {
		return scheduler.ConflictReport{}, fmt.Errorf("%w: capacity must be at least 1", domain.ErrValidation)
	}
	unlock, err := s.lock(ctx, accountID)
	if err != nil {
		return scheduler.ConflictReport{}, err
	}
	defer unlock()

	var report scheduler.ConflictReport
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Accounts().SetCapacity(ctx, accountID, n); err != nil {
			return err
		}
		allocs, err := tx.Allocations().ListForAccount(ctx, accountID)
		if err != nil {
			return err
		}
		moved, rep := scheduler.Resolve(n, allocs)
		report = rep
		byID := make(map[domain.AllocationID]domain.Allocation, len(moved))
		for _, a := range moved {
			byID[a.ID] = a
		}
		for _, r := range rep.Relocated {
			if err := tx.Allocations().UpdateWindow(ctx, byID[r.AllocationID]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return scheduler.ConflictReport{}, err
	}
	if len(report.Conflicts) > 0 {
		metrics.ConflictsUnresolved(len(report.Conflicts))
		s.log.Warn("capacity change left overloaded cells", "account_id", accountID, "capacity", n, "cells", len(report.Conflicts))
	}
	s.log.Info("capacity changed", "account_id", accountID, "capacity", n, "relocated", len(report.Relocated))
	return report, nil
}

// ComputeAllocations rebuilds the account's whole schedule from current
// patterns.
func (s *Service) ComputeAllocations(ctx context.Context, accountID domain.AccountID) (scheduler.Result, error) {
	unlock, err := s.lock(ctx, accountID)
	if err != nil {
		return scheduler.Result{}, err
	}
	defer unlock()

	acct, err := s.store.Accounts().Get(ctx, accountID)
	if err != nil {
		return scheduler.Result{}, err
	}
	members, err := s.store.Members().List(ctx, accountID)
	if err != nil {
		return scheduler.Result{}, err
	}
	patterns := make([]domain.UserPattern, 0, len(members))
	for _, m := range members {
		p, err := s.Pattern(ctx, m.UserID)
		if err != nil {
			return scheduler.Result{}, err
		}
		patterns = append(patterns, p)
	}

	res, err := scheduler.Compute(accountID, acct.MaxConcurrent, patterns)
	if err != nil {
		return scheduler.Result{}, err
	}
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		return tx.Allocations().ReplaceForAccount(ctx, accountID, res.Allocations)
	})
	if err != nil {
		return scheduler.Result{}, err
	}

	if n := len(res.Report.Unallocated); n > 0 {
		metrics.Unallocated("compute", n)
	}
	s.log.Info("allocations computed",
		"account_id", accountID,
		"members", len(members),
		"allocated", len(res.Allocations),
		"unallocated", len(res.Report.Unallocated),
	)
	return res, nil
}

// Allocations lists the account's current windows.
func (s *Service) Allocations(ctx context.Context, accountID domain.AccountID) ([]domain.Allocation, error) {
	if _, err := s.store.Accounts().Get(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.Allocations().ListForAccount(ctx, accountID)
}

func (s *Service) RequireMember(ctx context.Context, accountID domain.AccountID, userID domain.UserID) error {
	ok, err := s.store.Members().IsMember(ctx, accountID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotMember
	}
	return nil
}

// RecordViewing stores one viewing event for the analyzer.
func (s *Service) RecordViewing(ctx context.Context, ev *domain.ViewingEvent) error {
	if ev.UserID == uuid.Nil || ev.StartedAt.IsZero() || ev.DurationMinutes <= 0 {
		return fmt.Errorf("%w: userId, startedAt and a positive duration are required", domain.ErrValidation)
	}
	return s.store.Viewing().Append(ctx, ev)
}

// RefreshPatterns recomputes every account. One failing account does not
// stop the rest.
func (s *Service) RefreshPatterns(ctx context.Context) (int, error) {
	accts, err := s.store.Accounts().List(ctx)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, a := range accts {
		if _, err := s.ComputeAllocations(ctx, a.ID); err != nil {
			s.log.Error("pattern refresh failed", "account_id", a.ID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

// HandlePayment joins the paying user to the account named in a
// payment-succeeded event.
func (s *Service) HandlePayment(ctx context.Context, data []byte) error {
	var ev events.PaymentSucceeded
	if err := json.Unmarshal(data, &ev); err != nil {
		// Redelivery will not fix a malformed payload.
		s.log.Error("dropping malformed payment event", "error", err)
		return nil
	}
	accountID, err := uuid.Parse(ev.AccountID)
	if err != nil {
		s.log.Error("dropping payment event", "payment_id", ev.PaymentID, "error", err)
		return nil
	}
	userID, err := uuid.Parse(ev.UserID)
	if err != nil {
		s.log.Error("dropping payment event", "payment_id", ev.PaymentID, "error", err)
		return nil
	}
	if _, err := s.Join(ctx, accountID, userID); err != nil {
		return fmt.Errorf("join from payment %s: %w", ev.PaymentID, err)
	}
	return nil
}
