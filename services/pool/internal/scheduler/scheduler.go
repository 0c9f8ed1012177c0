// Package scheduler assigns recurring weekly windows on one account so that
// no (weekday, hour) cell is held by more than the account's capacity.
//
// Everything here is pure. Callers serialize runs per account.
package scheduler

import (
	"fmt"
	"math"
	"sort"
	"time"

	"sharepool/services/pool/internal/domain"

	"github.com/google/uuid"
)

// Unallocated is a member the scheduler could not place.
type Unallocated struct {
	UserID domain.UserID `json:"userId"`
	Reason string        `json:"reason"`
}

// Conflict is a cell whose occupancy exceeds capacity.
type Conflict struct {
	Day       time.Weekday    `json:"day"`
	Hour      int             `json:"hour"`
	Occupancy int             `json:"occupancy"`
	Capacity  int             `json:"capacity"`
	Holders   []domain.UserID `json:"holders"`
}

// Relocation records a move made while resolving conflicts.
type Relocation struct {
	AllocationID domain.AllocationID `json:"allocationId"`
	UserID       domain.UserID       `json:"userId"`
	From         Window              `json:"from"`
	To           Window              `json:"to"`
}

type ConflictReport struct {
	Unallocated []Unallocated `json:"unallocated"`
	Conflicts   []Conflict    `json:"conflicts"`
	Relocated   []Relocation  `json:"relocated"`
}

// Empty is true when every member got a window and no cell is overloaded.
func (r ConflictReport) Empty() bool {
	return len(r.Unallocated) == 0 && len(r.Conflicts) == 0
}

// Err wraps domain.ErrConflictUnresolved when the report is not empty.
func (r ConflictReport) Err() error {
	if r.Empty() {
		return nil
	}
	return fmt.Errorf("%w: %d unallocated, %d overloaded cells",
		domain.ErrConflictUnresolved, len(r.Unallocated), len(r.Conflicts))
}

type Result struct {
	Allocations []domain.Allocation `json:"allocations"`
	Report      ConflictReport      `json:"report"`
}

const (
	reasonNoFit     = "no preferred window below capacity"
	reasonNoWindows = "no valid preferred window"
	reasonFull      = "account full in every window"
)

// Compute places every member from scratch. Members with history are placed
// first, least flexible first and higher priority first within the same
// flexibility; members without history are placed last into the least loaded
// window of the week.
func Compute(accountID domain.AccountID, capacity int, patterns []domain.UserPattern) (Result, error) {
	if capacity < 1 {
		return Result{}, fmt.Errorf("%w: capacity must be at least 1", domain.ErrValidation)
	}
	ordered := order(patterns)

	var (
		g   Grid
		res Result
	)
	res.Allocations = []domain.Allocation{}
	for _, p := range ordered {
		a, reason, ok := place(&g, accountID, capacity, p)
		if !ok {
			res.Report.Unallocated = append(res.Report.Unallocated, Unallocated{UserID: p.UserID, Reason: reason})
			continue
		}
		g.add(windowOf(a), 1)
		res.Allocations = append(res.Allocations, a)
	}
	res.Report.Conflicts = Detect(capacity, res.Allocations)
	return res, nil
}

// Place adds one member on top of existing allocations without moving them.
func Place(accountID domain.AccountID, capacity int, existing []domain.Allocation, p domain.UserPattern) (domain.Allocation, *Unallocated) {
	g := NewGrid(existing)
	a, reason, ok := place(g, accountID, capacity, p)
	if !ok {
		return domain.Allocation{}, &Unallocated{UserID: p.UserID, Reason: reason}
	}
	return a, nil
}

func order(patterns []domain.UserPattern) []domain.UserPattern {
	out := append([]domain.UserPattern(nil), patterns...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.HasHistory != b.HasHistory {
			return a.HasHistory
		}
		if fa, fb := a.Flexibility(), b.Flexibility(); fa != fb {
			return fa < fb
		}
		if pa, pb := domain.PriorityFor(a.TotalWatchMinutes), domain.PriorityFor(b.TotalWatchMinutes); pa != pb {
			return pa > pb
		}
		return a.UserID.String() < b.UserID.String()
	})
	return out
}

// windowHours is ceil(avg/60), at least one hour.
func windowHours(avgMinutes float64) int {
	h := int(math.Ceil(avgMinutes / 60))
	if h < 1 {
		h = 1
	}
	return h
}

func candidates(p domain.UserPattern) []Window {
	length := windowHours(p.AvgSessionMinutes)
	var out []Window
	for _, d := range p.PreferredDays {
		for _, h := range p.PreferredHours {
			if w, ok := clampWindow(d, h, length); ok {
				out = append(out, w)
			}
		}
	}
	return out
}

func place(g *Grid, accountID domain.AccountID, capacity int, p domain.UserPattern) (domain.Allocation, string, bool) {
	if !p.HasHistory {
		w, ok := leastLoaded(g, capacity, windowHours(p.AvgSessionMinutes))
		if !ok {
			return domain.Allocation{}, reasonFull, false
		}
		return newAllocation(accountID, p, w, true), "", true
	}

	cands := candidates(p)
	if len(cands) == 0 {
		return domain.Allocation{}, reasonNoWindows, false
	}
	for _, w := range cands {
		if g.fits(w, capacity) {
			return newAllocation(accountID, p, w, len(cands) > 1), "", true
		}
	}
	return domain.Allocation{}, reasonNoFit, false
}

// leastLoaded scans the whole week for the fitting window with the lowest
// summed occupancy. Earlier day and hour win ties.
func leastLoaded(g *Grid, capacity, length int) (Window, bool) {
	var (
		best     Window
		bestLoad = -1
	)
	for d := time.Sunday; d <= time.Saturday; d++ {
		for s := 0; s < domain.LastHour; s++ {
			w, ok := clampWindow(d, s, length)
			if !ok || w.End-w.Start < length || !g.fits(w, capacity) {
				continue
			}
			if l := g.load(w); bestLoad < 0 || l < bestLoad {
				best, bestLoad = w, l
			}
		}
	}
	return best, bestLoad >= 0
}

func newAllocation(accountID domain.AccountID, p domain.UserPattern, w Window, flexible bool) domain.Allocation {
	return domain.Allocation{
		ID:        uuid.New(),
		AccountID: accountID,
		UserID:    p.UserID,
		DayOfWeek: w.Day,
		StartHour: w.Start,
		EndHour:   w.End,
		Priority:  domain.PriorityFor(p.TotalWatchMinutes),
		Flexible:  flexible,
	}
}
