package scheduler

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"sharepool/services/pool/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pat(hours []int, days []time.Weekday, avg float64, total int) domain.UserPattern {
	return domain.UserPattern{
		UserID:            uuid.New(),
		PreferredHours:    hours,
		PreferredDays:     days,
		AvgSessionMinutes: avg,
		TotalWatchMinutes: total,
		HasHistory:        true,
	}
}

func requireWithinCapacity(t *testing.T, capacity int, allocs []domain.Allocation) {
	t.Helper()
	g := NewGrid(allocs)
	require.LessOrEqual(t, g.Max(), capacity)
	require.Empty(t, Detect(capacity, allocs))
}

func TestFiveUsersFridayEveningCapacityFour(t *testing.T) {
	var patterns []domain.UserPattern
	for i := 0; i < 5; i++ {
		patterns = append(patterns, pat([]int{20}, []time.Weekday{time.Friday}, 120, 600))
	}
	res, err := Compute(uuid.New(), 4, patterns)
	require.NoError(t, err)

	require.Len(t, res.Allocations, 4)
	for _, a := range res.Allocations {
		assert.Equal(t, time.Friday, a.DayOfWeek)
		assert.Equal(t, 20, a.StartHour)
		assert.Equal(t, 22, a.EndHour)
		assert.False(t, a.Flexible)
	}
	require.Len(t, res.Report.Unallocated, 1)
	assert.Empty(t, res.Report.Conflicts)
	assert.False(t, res.Report.Empty())
	require.ErrorIs(t, res.Report.Err(), domain.ErrConflictUnresolved)

	placed := map[domain.UserID]bool{}
	for _, a := range res.Allocations {
		placed[a.UserID] = true
	}
	assert.False(t, placed[res.Report.Unallocated[0].UserID])
	requireWithinCapacity(t, 4, res.Allocations)
}

func TestRigidUsersPlacedFirst(t *testing.T) {
	flexible := pat([]int{20, 21}, []time.Weekday{time.Friday, time.Saturday}, 60, 100)
	rigid := pat([]int{20}, []time.Weekday{time.Friday}, 60, 100)

	res, err := Compute(uuid.New(), 1, []domain.UserPattern{flexible, rigid})
	require.NoError(t, err)
	require.Len(t, res.Allocations, 2)
	require.True(t, res.Report.Empty())

	byUser := map[domain.UserID]domain.Allocation{}
	for _, a := range res.Allocations {
		byUser[a.UserID] = a
	}
	assert.Equal(t, 20, byUser[rigid.UserID].StartHour)
	assert.Equal(t, time.Friday, byUser[rigid.UserID].DayOfWeek)
	assert.Equal(t, 21, byUser[flexible.UserID].StartHour)
	assert.True(t, byUser[flexible.UserID].Flexible)
}

func TestPriorityBreaksFlexibilityTies(t *testing.T) {
	low := pat([]int{10}, []time.Weekday{time.Monday}, 60, 10)
	high := pat([]int{10}, []time.Weekday{time.Monday}, 60, 5000)

	res, err := Compute(uuid.New(), 1, []domain.UserPattern{low, high})
	require.NoError(t, err)
	require.Len(t, res.Allocations, 1)
	assert.Equal(t, high.UserID, res.Allocations[0].UserID)
	assert.Equal(t, domain.PriorityHigh, res.Allocations[0].Priority)
	require.Len(t, res.Report.Unallocated, 1)
	assert.Equal(t, low.UserID, res.Report.Unallocated[0].UserID)
}

func TestEndHourClampedAt23(t *testing.T) {
	late := pat([]int{22}, []time.Weekday{time.Sunday}, 240, 100)
	never := pat([]int{23}, []time.Weekday{time.Sunday}, 60, 100)

	res, err := Compute(uuid.New(), 2, []domain.UserPattern{late, never})
	require.NoError(t, err)
	require.Len(t, res.Allocations, 1)
	assert.Equal(t, 22, res.Allocations[0].StartHour)
	assert.Equal(t, domain.LastHour, res.Allocations[0].EndHour)
	require.Len(t, res.Report.Unallocated, 1)
	assert.Equal(t, never.UserID, res.Report.Unallocated[0].UserID)
	assert.Equal(t, reasonNoWindows, res.Report.Unallocated[0].Reason)
	assert.False(t, res.Allocations[0].CoversCell(time.Sunday, 23))
}

func TestNoHistoryUsesLeastLoadedWindow(t *testing.T) {
	busy := pat([]int{0}, []time.Weekday{time.Sunday}, 120, 100)
	newbie := domain.UserPattern{UserID: uuid.New(), AvgSessionMinutes: 120}

	res, err := Compute(uuid.New(), 2, []domain.UserPattern{newbie, busy})
	require.NoError(t, err)
	require.Len(t, res.Allocations, 2)

	assert.Equal(t, busy.UserID, res.Allocations[0].UserID, "history users go first")
	a := res.Allocations[1]
	assert.Equal(t, newbie.UserID, a.UserID)
	assert.True(t, a.Flexible)
	assert.Equal(t, 2, a.Hours())
	assert.Equal(t, time.Sunday, a.DayOfWeek)
	assert.Equal(t, 2, a.StartHour, "first window not overlapping the busy one")
}

func TestComputeRejectsZeroCapacity(t *testing.T) {
	_, err := Compute(uuid.New(), 0, nil)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestComputeNeverExceedsCapacity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		capacity := 1 + rng.Intn(4)
		n := 1 + rng.Intn(20)
		var patterns []domain.UserPattern
		for i := 0; i < n; i++ {
			if rng.Intn(5) == 0 {
				patterns = append(patterns, domain.UserPattern{UserID: uuid.New(), AvgSessionMinutes: 120})
				continue
			}
			var hours []int
			for j := 0; j <= rng.Intn(5); j++ {
				hours = append(hours, rng.Intn(24))
			}
			var days []time.Weekday
			for j := 0; j <= rng.Intn(7); j++ {
				days = append(days, time.Weekday(rng.Intn(7)))
			}
			patterns = append(patterns, pat(hours, days, float64(30+rng.Intn(300)), rng.Intn(2000)))
		}
		res, err := Compute(uuid.New(), capacity, patterns)
		require.NoError(t, err)
		requireWithinCapacity(t, capacity, res.Allocations)
		require.Equal(t, n, len(res.Allocations)+len(res.Report.Unallocated), fmt.Sprintf("trial %d", trial))
		for _, a := range res.Allocations {
			require.LessOrEqual(t, a.EndHour, domain.LastHour)
			require.Less(t, a.StartHour, a.EndHour)
		}
	}
}

func TestPlaceLeavesExistingUntouched(t *testing.T) {
	acct := uuid.New()
	res, err := Compute(acct, 1, []domain.UserPattern{pat([]int{20}, []time.Weekday{time.Friday}, 60, 0)})
	require.NoError(t, err)
	existing := res.Allocations

	joiner := pat([]int{20, 21}, []time.Weekday{time.Friday}, 60, 0)
	a, un := Place(acct, 1, existing, joiner)
	require.Nil(t, un)
	assert.Equal(t, 21, a.StartHour)

	_, un = Place(acct, 1, append(existing, a), pat([]int{20}, []time.Weekday{time.Friday}, 60, 0))
	require.NotNil(t, un)
}

func alloc(user domain.UserID, day time.Weekday, start, end int, prio domain.Priority, flexible bool) domain.Allocation {
	return domain.Allocation{
		ID:        uuid.New(),
		UserID:    user,
		DayOfWeek: day,
		StartHour: start,
		EndHour:   end,
		Priority:  prio,
		Flexible:  flexible,
	}
}

func TestResolveMovesLowestPriorityFlexibleHolder(t *testing.T) {
	high := alloc(uuid.New(), time.Friday, 20, 22, domain.PriorityHigh, true)
	low := alloc(uuid.New(), time.Friday, 20, 22, domain.PriorityLow, true)

	out, report := Resolve(1, []domain.Allocation{high, low})
	require.True(t, report.Empty())
	require.Len(t, report.Relocated, 1)
	assert.Equal(t, low.ID, report.Relocated[0].AllocationID)
	// +1 and -1 overlap the other holder, +2 runs past the clamp.
	assert.Equal(t, Window{Day: time.Friday, Start: 18, End: 20}, report.Relocated[0].To)
	requireWithinCapacity(t, 1, out)

	assert.Equal(t, 20, out[0].StartHour, "high priority holder stays")
}

func TestResolveSearchOrder(t *testing.T) {
	blocker := alloc(uuid.New(), time.Monday, 8, 10, domain.PriorityHigh, false)
	mover := alloc(uuid.New(), time.Monday, 8, 10, domain.PriorityLow, true)
	// +1 and -1 overlap the blocker; +2 is taken, -2 is free.
	blockPlus := alloc(uuid.New(), time.Monday, 10, 11, domain.PriorityHigh, false)

	out, report := Resolve(1, []domain.Allocation{blocker, mover, blockPlus})
	require.True(t, report.Empty())
	require.Len(t, report.Relocated, 1)
	assert.Equal(t, Window{Day: time.Monday, Start: 6, End: 8}, report.Relocated[0].To)
	requireWithinCapacity(t, 1, out)
}

func TestResolveFallsBackToAdjacentDay(t *testing.T) {
	fixed := alloc(uuid.New(), time.Wednesday, 2, 20, domain.PriorityHigh, false)
	mover := alloc(uuid.New(), time.Wednesday, 10, 12, domain.PriorityLow, true)

	out, report := Resolve(1, []domain.Allocation{fixed, mover})
	require.True(t, report.Empty())
	require.Len(t, report.Relocated, 1)
	assert.Equal(t, Window{Day: time.Thursday, Start: 10, End: 12}, report.Relocated[0].To)
	requireWithinCapacity(t, 1, out)
}

func TestResolveReportsWhatItCannotFix(t *testing.T) {
	a := alloc(uuid.New(), time.Friday, 20, 22, domain.PriorityLow, false)
	b := alloc(uuid.New(), time.Friday, 20, 22, domain.PriorityLow, false)

	out, report := Resolve(1, []domain.Allocation{a, b})
	require.Len(t, out, 2, "nobody is dropped")
	assert.Empty(t, report.Relocated)
	require.Len(t, report.Conflicts, 2)
	assert.Equal(t, 20, report.Conflicts[0].Hour)
	assert.Equal(t, 2, report.Conflicts[0].Occupancy)
	assert.ElementsMatch(t, []domain.UserID{a.UserID, b.UserID}, report.Conflicts[0].Holders)
	require.ErrorIs(t, report.Err(), domain.ErrConflictUnresolved)
}

func TestResolveAfterCapacityDrop(t *testing.T) {
	var patterns []domain.UserPattern
	for i := 0; i < 4; i++ {
		patterns = append(patterns, pat([]int{20, 18}, []time.Weekday{time.Friday, time.Saturday}, 120, 100))
	}
	res, err := Compute(uuid.New(), 4, patterns)
	require.NoError(t, err)
	require.Len(t, res.Allocations, 4)

	out, report := Resolve(2, res.Allocations)
	require.True(t, report.Empty(), "%+v", report.Conflicts)
	requireWithinCapacity(t, 2, out)
	assert.Len(t, report.Relocated, 2)
}
