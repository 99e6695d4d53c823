// Package sequence implements ordered sets of seqno ranges.
//
// A Sequence records which sequence numbers have been seen, sent or
// acknowledged. Ranges are kept sorted, disjoint and non-adjacent; only the
// trailing range may be unbounded (End == Inf).
package sequence

import (
	"fmt"
	"math"
	"strings"
)

// Inf marks an unbounded range end.
const Inf uint64 = math.MaxUint64

// Range is a closed interval [Start, End].
type Range struct {
	Start uint64
	End   uint64
}

// Bounded reports whether the range has a finite end.
func (r Range) Bounded() bool {
	return r.End != Inf
}

func (r Range) String() string {
	if r.End == Inf {
		return fmt.Sprintf("[%d,-]", r.Start)
	}
	return fmt.Sprintf("[%d,%d]", r.Start, r.End)
}

// Sequence is an ordered set of ranges. The zero value is an empty set.
type Sequence struct {
	ranges []Range
}

// New builds a sequence from arbitrary ranges, merging as needed.
func New(ranges ...Range) Sequence {
	var s Sequence
	for _, r := range ranges {
		s.Include(r.Start, r.End)
	}
	return s
}

// Full returns the sequence [1, Inf].
func Full() Sequence {
	return Sequence{ranges: []Range{{Start: 1, End: Inf}}}
}

// Include adds [start, end], merging with every range it touches or overlaps.
func (s *Sequence) Include(start, end uint64) {
	if start > end {
		return
	}

	out := make([]Range, 0, len(s.ranges)+1)
	i := 0
	for ; i < len(s.ranges) && endsBefore(s.ranges[i], start); i++ {
		out = append(out, s.ranges[i])
	}
	for ; i < len(s.ranges) && !startsAfter(s.ranges[i], end); i++ {
		start = min(start, s.ranges[i].Start)
		end = max(end, s.ranges[i].End)
	}
	out = append(out, Range{Start: start, End: end})
	out = append(out, s.ranges[i:]...)
	s.ranges = out
}

// Exclude removes [start, end], splitting ranges that straddle it.
func (s *Sequence) Exclude(start, end uint64) {
	if start > end || len(s.ranges) == 0 {
		return
	}

	out := make([]Range, 0, len(s.ranges)+1)
	for _, r := range s.ranges {
		if r.End < start || r.Start > end {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			out = append(out, Range{Start: r.Start, End: start - 1})
		}
		if r.End > end {
			out = append(out, Range{Start: end + 1, End: r.End})
		}
	}
	s.ranges = out
}

// endsBefore reports whether r ends before start with at least one gap.
func endsBefore(r Range, start uint64) bool {
	return r.End != Inf && r.End+1 < start
}

// startsAfter reports whether r starts after end with at least one gap.
func startsAfter(r Range, end uint64) bool {
	return end != Inf && end+1 < r.Start
}

// Contains reports whether n lies in any stored range.
func (s Sequence) Contains(n uint64) bool {
	for _, r := range s.ranges {
		if n < r.Start {
			return false
		}
		if n <= r.End {
			return true
		}
	}
	return false
}

// First returns the lowest included value, or 0 when empty.
func (s Sequence) First() uint64 {
	if len(s.ranges) == 0 {
		return 0
	}
	return s.ranges[0].Start
}

// Last returns the highest included value (Inf when unbounded), or 0 when empty.
func (s Sequence) Last() uint64 {
	if len(s.ranges) == 0 {
		return 0
	}
	return s.ranges[len(s.ranges)-1].End
}

// Empty reports whether the sequence has no ranges.
func (s Sequence) Empty() bool {
	return len(s.ranges) == 0
}

// IsZero is Empty under the name encoders look for with omitempty/omitzero.
func (s Sequence) IsZero() bool {
	return s.Empty()
}

// Len returns the number of stored ranges.
func (s Sequence) Len() int {
	return len(s.ranges)
}

// Ranges returns a copy of the stored ranges.
func (s Sequence) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Stretch collapses every gap above the lowest start into one unbounded range.
func (s *Sequence) Stretch() {
	if len(s.ranges) == 0 {
		return
	}
	s.ranges = []Range{{Start: s.ranges[0].Start, End: Inf}}
}

// Union includes every range of other.
func (s *Sequence) Union(other Sequence) {
	for _, r := range other.ranges {
		s.Include(r.Start, r.End)
	}
}

// Subtract excludes every range of other.
func (s *Sequence) Subtract(other Sequence) {
	for _, r := range other.ranges {
		s.Exclude(r.Start, r.End)
	}
}

// Intersect keeps only values that are also in other.
func (s *Sequence) Intersect(other Sequence) {
	var out []Range
	i, j := 0, 0
	for i < len(s.ranges) && j < len(other.ranges) {
		a, b := s.ranges[i], other.ranges[j]
		lo := max(a.Start, b.Start)
		hi := min(a.End, b.End)
		if lo <= hi {
			out = append(out, Range{Start: lo, End: hi})
		}
		if a.End < b.End {
			i++
		} else {
			j++
		}
	}
	s.ranges = out
}

// Clip drops everything above n.
func (s *Sequence) Clip(n uint64) {
	if n == Inf {
		return
	}
	s.Exclude(n+1, Inf)
}

// Clone returns an independent copy.
func (s Sequence) Clone() Sequence {
	return Sequence{ranges: s.Ranges()}
}

// Equal reports whether both sequences hold the same ranges.
func (s Sequence) Equal(other Sequence) bool {
	if len(s.ranges) != len(other.ranges) {
		return false
	}
	for i := range s.ranges {
		if s.ranges[i] != other.ranges[i] {
			return false
		}
	}
	return true
}

func (s Sequence) String() string {
	parts := make([]string, len(s.ranges))
	for i, r := range s.ranges {
		parts[i] = r.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}
