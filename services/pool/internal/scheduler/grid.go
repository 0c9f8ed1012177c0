package scheduler

import (
	"time"

	"sharepool/services/pool/internal/domain"
)

// Window is a candidate [Start, End) on Day.
type Window struct {
	Day   time.Weekday `json:"day"`
	Start int          `json:"start"`
	End   int          `json:"end"`
}

func (w Window) valid() bool {
	return w.Day >= time.Sunday && w.Day <= time.Saturday &&
		w.Start >= 0 && w.End <= domain.LastHour && w.Start < w.End
}

func windowOf(a domain.Allocation) Window {
	return Window{Day: a.DayOfWeek, Start: a.StartHour, End: a.EndHour}
}

// clampWindow builds a window of length hours starting at start. The end is
// clamped at domain.LastHour; ok is false when nothing is left.
func clampWindow(day time.Weekday, start, length int) (Window, bool) {
	end := start + length
	if end > domain.LastHour {
		end = domain.LastHour
	}
	w := Window{Day: day, Start: start, End: end}
	return w, w.valid()
}

// Grid counts covering allocations per (weekday, hour) cell.
type Grid [7][24]int

func NewGrid(allocs []domain.Allocation) *Grid {
	var g Grid
	for _, a := range allocs {
		g.add(windowOf(a), 1)
	}
	return &g
}

func (g *Grid) add(w Window, delta int) {
	for h := w.Start; h < w.End; h++ {
		g[w.Day][h] += delta
	}
}

// fits reports whether every cell of w is below capacity.
func (g *Grid) fits(w Window, capacity int) bool {
	for h := w.Start; h < w.End; h++ {
		if g[w.Day][h] >= capacity {
			return false
		}
	}
	return true
}

func (g *Grid) load(w Window) int {
	sum := 0
	for h := w.Start; h < w.End; h++ {
		sum += g[w.Day][h]
	}
	return sum
}

// At returns the occupancy of one cell.
func (g *Grid) At(day time.Weekday, hour int) int {
	return g[day][hour]
}

// Max returns the highest cell occupancy.
func (g *Grid) Max() int {
	m := 0
	for d := range g {
		for h := range g[d] {
			if g[d][h] > m {
				m = g[d][h]
			}
		}
	}
	return m
}
