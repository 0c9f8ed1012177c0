// Package pattern derives per-member usage profiles from viewing history.
package pattern

import (
	"sort"
	"time"

	"sharepool/services/pool/internal/domain"
)

const (
	// TopHours is how many preferred hours a profile keeps.
	TopHours = 5
	// DefaultSessionMinutes is assumed for members without history.
	DefaultSessionMinutes = 120.0
)

// Analyzer buckets events by local hour and weekday in Location.
// A nil Location means UTC.
type Analyzer struct {
	Location *time.Location
}

// Analyze is pure: the same events always yield the same pattern. Events for
// other users are the caller's problem; only durations and start times are
// read.
func (a Analyzer) Analyze(userID domain.UserID, events []domain.ViewingEvent) domain.UserPattern {
	p := domain.UserPattern{
		UserID:            userID,
		PreferredHours:    []int{},
		PreferredDays:     []time.Weekday{},
		AvgSessionMinutes: DefaultSessionMinutes,
	}

	var (
		byHour  [24]int
		byDay   [7]int
		total   int
		counted int
	)
	loc := a.Location
	if loc == nil {
		loc = time.UTC
	}
	for _, e := range events {
		if e.DurationMinutes <= 0 {
			continue
		}
		t := e.StartedAt.In(loc)
		byHour[t.Hour()] += e.DurationMinutes
		byDay[t.Weekday()] += e.DurationMinutes
		total += e.DurationMinutes
		counted++
	}
	if counted == 0 {
		return p
	}

	p.HasHistory = true
	p.TotalWatchMinutes = total
	p.AvgSessionMinutes = float64(total) / float64(counted)

	hours := rank(byHour[:])
	if len(hours) > TopHours {
		hours = hours[:TopHours]
	}
	p.PreferredHours = hours
	for _, d := range rank(byDay[:]) {
		p.PreferredDays = append(p.PreferredDays, time.Weekday(d))
	}
	return p
}

// rank returns the indexes with non-zero weight, heaviest first, lower index
// first on ties.
func rank(weights []int) []int {
	idx := make([]int, 0, len(weights))
	for i, w := range weights {
		if w > 0 {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return weights[idx[i]] > weights[idx[j]]
	})
	return idx
}
