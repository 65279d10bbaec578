package conn

import (
	"github.com/kamilata/kamilata/internal/protocol"
)

// IntersectInterval computes the interval both sides of a GetFilters
// exchange can agree on (spec.md §4.5, testable property §8.7): the
// returned interval's [min,max] must be contained in both inputs, and
// its target is the midpoint of the two targets, clamped into range.
// ok is false iff the two ranges don't overlap at all.
func IntersectInterval(a, b protocol.Interval) (protocol.Interval, bool) {
	min := a.Min
	if b.Min > min {
		min = b.Min
	}
	max := a.Max
	if b.Max < max {
		max = b.Max
	}
	if min > max {
		return protocol.Interval{}, false
	}

	target := (a.Target + b.Target) / 2
	if target < min {
		target = min
	}
	if target > max {
		target = max
	}
	return protocol.Interval{Min: min, Target: target, Max: max}, true
}
