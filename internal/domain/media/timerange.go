package media

// TimeRange is a closed interval of media time, in seconds.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Contains reports whether t lies within [Start, End].
func (r TimeRange) Contains(t float64) bool {
	return t >= r.Start && t <= r.End
}

// TimeRanges is an ordered, non-overlapping set of buffered intervals as
// reported by an element. It is never re-sorted or merged here.
type TimeRanges []TimeRange

// Clone returns an independent copy of the ranges.
func (rs TimeRanges) Clone() TimeRanges {
	if rs == nil {
		return nil
	}
	out := make(TimeRanges, len(rs))
	copy(out, rs)
	return out
}

// HasDataAt reports whether position lies within at least one range.
// An empty set never has data.
func HasDataAt(ranges TimeRanges, position float64) bool {
	for _, r := range ranges {
		if r.Contains(position) {
			return true
		}
	}
	return false
}
