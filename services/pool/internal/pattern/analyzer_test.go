package pattern

import (
	"testing"
	"time"

	"sharepool/services/pool/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(day time.Weekday, hour int) time.Time {
	// 2024-01-07 is a Sunday.
	return time.Date(2024, 1, 7+int(day), hour, 0, 0, 0, time.UTC)
}

func TestAnalyzeEmptyHistory(t *testing.T) {
	uid := uuid.New()
	p := Analyzer{}.Analyze(uid, nil)
	assert.Equal(t, uid, p.UserID)
	assert.False(t, p.HasHistory)
	assert.Equal(t, DefaultSessionMinutes, p.AvgSessionMinutes)
	assert.Empty(t, p.PreferredHours)
	assert.Empty(t, p.PreferredDays)
	assert.Equal(t, domain.PriorityLow, domain.PriorityFor(p.TotalWatchMinutes))
}

func TestAnalyzeRanksByDuration(t *testing.T) {
	events := []domain.ViewingEvent{
		{StartedAt: at(time.Friday, 20), DurationMinutes: 300},
		{StartedAt: at(time.Friday, 21), DurationMinutes: 60},
		{StartedAt: at(time.Saturday, 20), DurationMinutes: 200},
		{StartedAt: at(time.Monday, 8), DurationMinutes: 30},
		{StartedAt: at(time.Tuesday, 9), DurationMinutes: 30},
		{StartedAt: at(time.Wednesday, 10), DurationMinutes: 30},
		{StartedAt: at(time.Thursday, 11), DurationMinutes: 30},
	}
	p := Analyzer{}.Analyze(uuid.New(), events)

	require.True(t, p.HasHistory)
	assert.Equal(t, 680, p.TotalWatchMinutes)
	assert.InDelta(t, 680.0/7.0, p.AvgSessionMinutes, 1e-9)
	assert.Equal(t, []int{20, 21, 8, 9, 10}, p.PreferredHours)
	assert.Equal(t, []time.Weekday{
		time.Friday, time.Saturday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
	}, p.PreferredDays)
	assert.Equal(t, domain.PriorityMedium, domain.PriorityFor(p.TotalWatchMinutes))
}

func TestAnalyzeUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	events := []domain.ViewingEvent{
		{StartedAt: time.Date(2024, 1, 12, 23, 0, 0, 0, time.UTC), DurationMinutes: 90},
	}
	p := Analyzer{Location: loc}.Analyze(uuid.New(), events)
	assert.Equal(t, []int{1}, p.PreferredHours)
	assert.Equal(t, []time.Weekday{time.Saturday}, p.PreferredDays)
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	events := []domain.ViewingEvent{
		{StartedAt: at(time.Sunday, 18), DurationMinutes: 45},
		{StartedAt: at(time.Sunday, 19), DurationMinutes: 45},
	}
	uid := uuid.New()
	a := Analyzer{}.Analyze(uid, events)
	b := Analyzer{}.Analyze(uid, events)
	assert.Equal(t, a, b)
	assert.Equal(t, []int{18, 19}, a.PreferredHours)
}

func TestAnalyzeIgnoresNonPositiveDurations(t *testing.T) {
	events := []domain.ViewingEvent{{StartedAt: at(time.Monday, 1), DurationMinutes: 0}}
	p := Analyzer{}.Analyze(uuid.New(), events)
	assert.False(t, p.HasHistory)
}
