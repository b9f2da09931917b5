package grouping

import (
	"math"
	"slices"
)

// Unbounded is the maximum viewport width of the last group. It stands for
// infinity.
const Unbounded = math.MaxInt

// DefaultBreakpoints are the max-widths of the mobile, phablet and tablet
// groups. Anything wider falls in the desktop group.
var DefaultBreakpoints = []int{480, 600, 782}

// Range is an inclusive viewport width interval.
type Range struct {
	Min int
	Max int
}

// Contains reports whether width lies within the range.
func (r Range) Contains(width int) bool {
	return width >= r.Min && width <= r.Max
}

// NormalizeBreakpoints clamps values to [1, Unbounded-1], removes duplicates and
// sorts ascending. The input slice is not modified.
func NormalizeBreakpoints(breakpoints []int) []int {
	out := make([]int, 0, len(breakpoints))
	for _, b := range breakpoints {
		switch {
		case b <= 0:
			b = 1
		case b >= Unbounded:
			b = Unbounded - 1
		}
		out = append(out, b)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Partition turns breakpoints into contiguous, non-overlapping ranges that cover
// [0, Unbounded]. N distinct breakpoints yield N+1 ranges.
func Partition(breakpoints []int) []Range {
	bps := NormalizeBreakpoints(breakpoints)
	ranges := make([]Range, 0, len(bps)+1)
	min := 0
	for _, b := range bps {
		ranges = append(ranges, Range{Min: min, Max: b})
		min = b + 1
	}
	return append(ranges, Range{Min: min, Max: Unbounded})
}
