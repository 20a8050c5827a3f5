package shape

import (
	"math"
	"strings"
	"time"
)

// Structural matching pairs an optimistic local create with the durable
// shape that a later snapshot delivers for it. The durable id is minted
// by the store, so identity alone cannot link the two; we match on what
// the creating client knew: kind, rounded position, color and one
// kind-specific dimension, inside a short recency window. Every
// consumer of temp-id reconciliation goes through this one function so
// the tolerances stay in one place.

const (
	// PositionTolerance absorbs float rounding between the local value
	// and the stored one.
	PositionTolerance = 0.5
	// DimensionTolerance does the same for the kind-specific dimension.
	DimensionTolerance = 0.5
	// RecencyWindow bounds how far apart the local create and the
	// durable create may be. Outside it, identical-looking shapes are
	// treated as distinct.
	RecencyWindow = 10 * time.Second
)

// Matches reports whether candidate is plausibly the durable copy of
// the locally created pending shape.
func Matches(pending, candidate Shape) bool {
	if pending.Kind != candidate.Kind {
		return false
	}
	if !strings.EqualFold(pending.Color, candidate.Color) {
		return false
	}
	if math.Abs(pending.X-candidate.X) > PositionTolerance {
		return false
	}
	if math.Abs(pending.Y-candidate.Y) > PositionTolerance {
		return false
	}
	if math.Abs(pending.Dimension()-candidate.Dimension()) > DimensionTolerance {
		return false
	}
	d := pending.CreatedAt.Sub(candidate.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= RecencyWindow
}

// FindMatch returns the index of the first unclaimed candidate matching
// pending, or -1. claimed holds candidate ids already paired with some
// other pending create, so two identical shapes created back to back
// resolve to two distinct durable ids.
func FindMatch(pending Shape, candidates []Shape, claimed map[string]bool) int {
	for i := range candidates {
		if claimed[candidates[i].ID] {
			continue
		}
		if Matches(pending, candidates[i]) {
			return i
		}
	}
	return -1
}
