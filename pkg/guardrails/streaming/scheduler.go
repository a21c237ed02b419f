package streaming

// scheduler decides when the accumulated text is due for a check.
//
// One dispatch advances the threshold by exactly one interval, even when a
// single delta carried the length past several thresholds. Those skipped
// sample points are not caught up; the final check still covers the text.
type scheduler struct {
	interval int
	next     int
}

func newScheduler(interval int) *scheduler {
	return &scheduler{interval: interval, next: interval}
}

// ShouldDispatch reports whether a check is due at length. A true result
// consumes the current threshold.
func (s *scheduler) ShouldDispatch(length int, pending bool) bool {
	if pending || length < s.next {
		return false
	}
	s.next += s.interval
	return true
}

// NextThreshold returns the length at which the next check becomes due
func (s *scheduler) NextThreshold() int {
	return s.next
}
