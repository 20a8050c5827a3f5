package shape

import (
	"fmt"
	"sort"
)

// Z-order helpers. All of them operate on the scene slice in place and
// report which shapes moved, so callers can persist exactly the changed
// ids and record them for undo. None of them touch audit fields or do
// any I/O.

// MinZIndex is the lowest legal z value. Zero and negatives are
// reserved so a missing value is distinguishable from "at the back".
const MinZIndex = 1

// ZChange records one shape's z move.
type ZChange struct {
	ID   string
	From int
	To   int
}

// ErrZIndexRange is returned for target values below MinZIndex.
var ErrZIndexRange = fmt.Errorf("z-index below %d", MinZIndex)

// NextZIndex returns the z value for a shape entering the scene on top.
func NextZIndex(shapes []Shape) int {
	max := MinZIndex - 1
	for i := range shapes {
		if shapes[i].ZIndex > max {
			max = shapes[i].ZIndex
		}
	}
	return max + 1
}

// BringToFront raises id above every other shape. When the shape is
// already the unique maximum this is a no-op and returns nil, so
// repeated calls do not inflate z values.
func BringToFront(shapes []Shape, id string) []ZChange {
	i := ByID(shapes, id)
	if i < 0 {
		return nil
	}
	max, maxCount := MinZIndex-1, 0
	for j := range shapes {
		switch {
		case shapes[j].ZIndex > max:
			max, maxCount = shapes[j].ZIndex, 1
		case shapes[j].ZIndex == max:
			maxCount++
		}
	}
	if shapes[i].ZIndex == max && maxCount == 1 {
		return nil
	}
	from := shapes[i].ZIndex
	shapes[i].ZIndex = max + 1
	return []ZChange{{ID: id, From: from, To: max + 1}}
}

// SendToBack lowers id below every other shape. While there is room
// above the floor the target simply takes min-1 and nothing else moves;
// at the floor the shapes below it shift up by one instead, preserving
// their relative order, so MinZIndex stays the lowest value in play.
// Already the unique minimum is a no-op, mirroring BringToFront.
func SendToBack(shapes []Shape, id string) []ZChange {
	i := ByID(shapes, id)
	if i < 0 {
		return nil
	}
	min, minCount := 0, 0
	for j := range shapes {
		switch {
		case minCount == 0 || shapes[j].ZIndex < min:
			min, minCount = shapes[j].ZIndex, 1
		case shapes[j].ZIndex == min:
			minCount++
		}
	}
	if shapes[i].ZIndex == min && minCount == 1 {
		return nil
	}
	from := shapes[i].ZIndex
	if min > MinZIndex {
		shapes[i].ZIndex = min - 1
		return []ZChange{{ID: id, From: from, To: min - 1}}
	}
	var changes []ZChange
	for j := range shapes {
		if j == i {
			continue
		}
		if z := shapes[j].ZIndex; z < from {
			shapes[j].ZIndex = z + 1
			changes = append(changes, ZChange{ID: shapes[j].ID, From: z, To: z + 1})
		}
	}
	shapes[i].ZIndex = MinZIndex
	changes = append(changes, ZChange{ID: id, From: from, To: MinZIndex})
	return changes
}

// SetZIndex moves id to the target z and shifts the band of shapes
// between the old and new position by one, the way a list splice would.
// Shapes outside the band keep their values. Targets below MinZIndex
// are rejected.
func SetZIndex(shapes []Shape, id string, target int) ([]ZChange, error) {
	if target < MinZIndex {
		return nil, ErrZIndexRange
	}
	i := ByID(shapes, id)
	if i < 0 {
		return nil, fmt.Errorf("set z-index: unknown shape %q", id)
	}
	old := shapes[i].ZIndex
	if target == old {
		return nil, nil
	}
	var changes []ZChange
	for j := range shapes {
		if j == i {
			continue
		}
		z := shapes[j].ZIndex
		switch {
		case target > old && z > old && z <= target:
			shapes[j].ZIndex = z - 1
			changes = append(changes, ZChange{ID: shapes[j].ID, From: z, To: z - 1})
		case target < old && z >= target && z < old:
			shapes[j].ZIndex = z + 1
			changes = append(changes, ZChange{ID: shapes[j].ID, From: z, To: z + 1})
		}
	}
	shapes[i].ZIndex = target
	changes = append(changes, ZChange{ID: id, From: old, To: target})
	return changes, nil
}

// BatchReorder applies a full set of z assignments in one pass. It is
// all-or-nothing: an unknown id or an out-of-range value leaves the
// scene untouched.
func BatchReorder(shapes []Shape, assignments map[string]int) ([]ZChange, error) {
	for id, z := range assignments {
		if z < MinZIndex {
			return nil, ErrZIndexRange
		}
		if ByID(shapes, id) < 0 {
			return nil, fmt.Errorf("batch reorder: unknown shape %q", id)
		}
	}
	var changes []ZChange
	for i := range shapes {
		z, ok := assignments[shapes[i].ID]
		if !ok || z == shapes[i].ZIndex {
			continue
		}
		changes = append(changes, ZChange{ID: shapes[i].ID, From: shapes[i].ZIndex, To: z})
		shapes[i].ZIndex = z
	}
	return changes, nil
}

// ZReport is the outcome of a z-order validation sweep. Duplicates are
// real defects (two shapes claiming one layer); gaps are expected after
// deletes and bring-to-front and only worth a log line.
type ZReport struct {
	Duplicates []int
	Gaps       []int
}

func (r ZReport) OK() bool { return len(r.Duplicates) == 0 }

// ValidateZOrder scans the scene for duplicate and missing z values.
func ValidateZOrder(shapes []Shape) ZReport {
	if len(shapes) == 0 {
		return ZReport{}
	}
	seen := make(map[int]int, len(shapes))
	min, max := shapes[0].ZIndex, shapes[0].ZIndex
	for i := range shapes {
		z := shapes[i].ZIndex
		seen[z]++
		if z < min {
			min = z
		}
		if z > max {
			max = z
		}
	}
	var report ZReport
	for z := min; z <= max; z++ {
		switch n := seen[z]; {
		case n == 0:
			report.Gaps = append(report.Gaps, z)
		case n > 1:
			report.Duplicates = append(report.Duplicates, z)
		}
	}
	sort.Ints(report.Duplicates)
	return report
}

// SortForRender orders shapes back-to-front: ascending z, ties broken
// by creation time so concurrent inserts render deterministically.
func SortForRender(shapes []Shape) {
	sort.SliceStable(shapes, func(i, j int) bool {
		if shapes[i].ZIndex != shapes[j].ZIndex {
			return shapes[i].ZIndex < shapes[j].ZIndex
		}
		return shapes[i].CreatedAt.Before(shapes[j].CreatedAt)
	})
}
