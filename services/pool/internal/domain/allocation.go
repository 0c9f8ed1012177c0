package domain

import "time"

// LastHour bounds every window: EndHour never exceeds it and windows never
// wrap past midnight. Since EndHour is exclusive, the 23:00-24:00 hour is
// never allocated; a member whose only preferred hour is 23 is reported as
// unallocated rather than given a window.
const LastHour = 23

// Allocation is a recurring weekly window [StartHour, EndHour) on DayOfWeek.
type Allocation struct {
	ID        AllocationID `gorm:"type:uuid;primaryKey" json:"id"`
	AccountID AccountID    `gorm:"type:uuid;index;not null" json:"accountId"`
	UserID    UserID       `gorm:"type:uuid;index;not null" json:"userId"`
	DayOfWeek time.Weekday `gorm:"not null" json:"dayOfWeek"`
	StartHour int          `gorm:"not null" json:"startHour"`
	EndHour   int          `gorm:"not null" json:"endHour"`
	Priority  Priority     `gorm:"not null" json:"priority"`
	Flexible  bool         `gorm:"not null" json:"flexible"`
	CreatedAt time.Time    `gorm:"not null" json:"createdAt"`
}

func (Allocation) TableName() string { return "allocations" }

func (a Allocation) Hours() int { return a.EndHour - a.StartHour }

func (a Allocation) CoversCell(day time.Weekday, hour int) bool {
	return a.DayOfWeek == day && hour >= a.StartHour && hour < a.EndHour
}

// ActiveAt reports whether t (already in the pool's time zone) falls inside
// the window.
func (a Allocation) ActiveAt(t time.Time) bool {
	return a.CoversCell(t.Weekday(), t.Hour())
}

// WindowEnd returns the end of the occurrence of this window that contains t.
func (a Allocation) WindowEnd(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, a.EndHour, 0, 0, 0, t.Location())
}

// NextStart returns the first start of this window strictly after t.
func (a Allocation) NextStart(t time.Time) time.Time {
	y, m, d := t.Date()
	offset := (int(a.DayOfWeek) - int(t.Weekday()) + 7) % 7
	start := time.Date(y, m, d+offset, a.StartHour, 0, 0, 0, t.Location())
	if !start.After(t) {
		start = start.AddDate(0, 0, 7)
	}
	return start
}
