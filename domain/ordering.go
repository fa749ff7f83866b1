package domain

import (
	"math"
	"sort"
)

const (
	// PositionGap separates appended tasks and renormalized columns.
	PositionGap = 1000.0
	// MinPositionGap is the smallest neighbor distance tolerated before a
	// column is re-spaced.
	MinPositionGap = 1e-6
)

// FirstPosition is the position given to a task in an empty column.
func FirstPosition() float64 {
	return PositionGap
}

// After returns a position following p.
func After(p float64) float64 {
	return p + PositionGap
}

// Before returns a position preceding p. Positions handed out by the
// allocator are always positive; non-positive input steps back by a full gap.
func Before(p float64) float64 {
	if p <= 0 {
		return p - PositionGap
	}
	return p / 2
}

// Between returns a position between the optional neighbors.
func Between(prev, next *float64) float64 {
	switch {
	case prev == nil && next == nil:
		return FirstPosition()
	case prev == nil:
		return Before(*next)
	case next == nil:
		return After(*prev)
	default:
		return (*prev + *next) / 2
	}
}

// NeedsRenormalize reports whether pos sits too close to one of its
// neighbors for further midpoint insertion to stay reliable.
func NeedsRenormalize(prev *float64, pos float64, next *float64) bool {
	if prev != nil && math.Abs(pos-*prev) < MinPositionGap {
		return true
	}
	return next != nil && math.Abs(*next-pos) < MinPositionGap
}

// PositionChange is one entry of a renormalization plan.
type PositionChange struct {
	Task     Task
	Position float64
}

// Renormalize re-spaces the tasks of one column to multiples of PositionGap
// in their current order. Only tasks whose position changes are returned.
func Renormalize(tasks []Task) []PositionChange {
	cur := append([]Task(nil), tasks...)
	sort.SliceStable(cur, func(i, j int) bool { return LessInColumn(cur[i], cur[j]) })

	changes := make([]PositionChange, 0, len(cur))
	for i, t := range cur {
		want := PositionGap * float64(i+1)
		if t.Position == want {
			continue
		}
		changes = append(changes, PositionChange{Task: t, Position: want})
	}
	return changes
}

// RenormalizeAround re-spaces siblings like Renormalize while leaving a free
// slot at index for a task being placed. It returns the slot's position and
// the sibling changes. siblings must not contain the placed task.
func RenormalizeAround(siblings []Task, index int) (float64, []PositionChange) {
	cur := append([]Task(nil), siblings...)
	sort.SliceStable(cur, func(i, j int) bool { return LessInColumn(cur[i], cur[j]) })
	if index < 0 || index > len(cur) {
		index = len(cur)
	}

	changes := make([]PositionChange, 0, len(cur))
	for i, t := range cur {
		slot := i
		if i >= index {
			slot++
		}
		want := PositionGap * float64(slot+1)
		if t.Position == want {
			continue
		}
		changes = append(changes, PositionChange{Task: t, Position: want})
	}
	return PositionGap * float64(index+1), changes
}

// InsertIndex returns where a task placed between the neighbor positions
// prev and next lands among sorted siblings: after every sibling at or
// before prev, or before the first sibling at or after next when prev is
// absent.
func InsertIndex(siblings []Task, prev, next *float64) int {
	switch {
	case prev != nil:
		return sort.Search(len(siblings), func(i int) bool { return siblings[i].Position > *prev })
	case next != nil:
		return sort.Search(len(siblings), func(i int) bool { return siblings[i].Position >= *next })
	default:
		return len(siblings)
	}
}
