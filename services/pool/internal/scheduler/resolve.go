package scheduler

import (
	"sort"
	"time"

	"sharepool/services/pool/internal/domain"
)

type cell struct {
	day    time.Weekday
	hour   int
	excess int
}

// Detect lists every overloaded cell in day then hour order.
func Detect(capacity int, allocs []domain.Allocation) []Conflict {
	g := NewGrid(allocs)
	var out []Conflict
	for d := time.Sunday; d <= time.Saturday; d++ {
		for h := 0; h < 24; h++ {
			if g[d][h] <= capacity {
				continue
			}
			c := Conflict{Day: d, Hour: h, Occupancy: g[d][h], Capacity: capacity}
			for _, a := range allocs {
				if a.CoversCell(d, h) {
					c.Holders = append(c.Holders, a.UserID)
				}
			}
			out = append(out, c)
		}
	}
	return out
}

// Resolve relocates flexible holders out of overloaded cells. The most
// overloaded cell is handled first; within it the lowest priority flexible
// holder moves to the nearest free window (same day shifted by one then two
// hours, then the neighbouring days at the same hour). Resolution stops when
// nothing is overloaded or a full pass over the overloaded cells moves
// nobody; whatever remains is reported, nobody is dropped.
func Resolve(capacity int, allocs []domain.Allocation) ([]domain.Allocation, ConflictReport) {
	out := append([]domain.Allocation(nil), allocs...)
	var report ConflictReport
	if capacity < 1 {
		report.Conflicts = Detect(capacity, out)
		return out, report
	}
	g := NewGrid(out)

	for {
		cells := overloaded(g, capacity)
		if len(cells) == 0 {
			break
		}
		moved := false
		for _, c := range cells {
			if r, ok := relocateOne(g, capacity, out, c); ok {
				report.Relocated = append(report.Relocated, r)
				moved = true
				break
			}
		}
		if !moved {
			break
		}
	}
	report.Conflicts = Detect(capacity, out)
	return out, report
}

func overloaded(g *Grid, capacity int) []cell {
	var cells []cell
	for d := time.Sunday; d <= time.Saturday; d++ {
		for h := 0; h < 24; h++ {
			if ex := g[d][h] - capacity; ex > 0 {
				cells = append(cells, cell{day: d, hour: h, excess: ex})
			}
		}
	}
	sort.SliceStable(cells, func(i, j int) bool { return cells[i].excess > cells[j].excess })
	return cells
}

func relocateOne(g *Grid, capacity int, allocs []domain.Allocation, c cell) (Relocation, bool) {
	var holders []int
	for i, a := range allocs {
		if a.Flexible && a.CoversCell(c.day, c.hour) {
			holders = append(holders, i)
		}
	}
	sort.SliceStable(holders, func(i, j int) bool {
		return allocs[holders[i]].Priority < allocs[holders[j]].Priority
	})

	for _, i := range holders {
		from := windowOf(allocs[i])
		g.add(from, -1)
		for _, to := range alternatives(from) {
			if !g.fits(to, capacity) {
				continue
			}
			g.add(to, 1)
			allocs[i].DayOfWeek = to.Day
			allocs[i].StartHour = to.Start
			allocs[i].EndHour = to.End
			return Relocation{
				AllocationID: allocs[i].ID,
				UserID:       allocs[i].UserID,
				From:         from,
				To:           to,
			}, true
		}
		g.add(from, 1)
	}
	return Relocation{}, false
}

// alternatives keeps the window length. Shifts that would run past the
// clamp are skipped rather than shortened.
func alternatives(w Window) []Window {
	length := w.End - w.Start
	var out []Window
	for _, off := range []int{1, -1, 2, -2} {
		alt := Window{Day: w.Day, Start: w.Start + off, End: w.End + off}
		if alt.valid() {
			out = append(out, alt)
		}
	}
	for _, off := range []int{1, -1} {
		day := time.Weekday((int(w.Day) + off + 7) % 7)
		alt := Window{Day: day, Start: w.Start, End: w.Start + length}
		if alt.valid() {
			out = append(out, alt)
		}
	}
	return out
}
