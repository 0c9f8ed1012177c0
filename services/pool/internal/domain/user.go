package domain

import "time"

// ViewingEvent is one historical viewing session of a member.
type ViewingEvent struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID          UserID    `gorm:"type:uuid;index;not null" json:"userId"`
	AccountID       AccountID `gorm:"type:uuid;index" json:"accountId"`
	StartedAt       time.Time `gorm:"not null" json:"startedAt"`
	DurationMinutes int       `gorm:"not null" json:"durationMinutes"`
	Genre           *string   `gorm:"type:text" json:"genre,omitempty"`
	CreatedAt       time.Time `gorm:"not null" json:"createdAt"`
}

func (ViewingEvent) TableName() string { return "viewing_events" }

// UserPattern is derived scheduler input. It is recomputed from viewing
// history and never stored as authoritative state.
type UserPattern struct {
	UserID            UserID         `json:"userId"`
	PreferredHours    []int          `json:"preferredHours"`
	PreferredDays     []time.Weekday `json:"preferredDays"`
	AvgSessionMinutes float64        `json:"avgSessionMinutes"`
	TotalWatchMinutes int            `json:"totalWatchMinutes"`
	HasHistory        bool           `json:"hasHistory"`
}

// Flexibility is the size of the preferred hours x weekdays set. Smaller means
// harder to place.
func (p UserPattern) Flexibility() int {
	return len(p.PreferredHours) * len(p.PreferredDays)
}

type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// PriorityFor scores a member by total historical watch minutes.
func PriorityFor(totalWatchMinutes int) Priority {
	switch {
	case totalWatchMinutes > 1000:
		return PriorityHigh
	case totalWatchMinutes > 500:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
