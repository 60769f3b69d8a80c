package sender

import "time"

// MaxBwFilter is a monotonic-deque sliding maximum over bandwidth
// samples collected within the last roundPeriod. Grounded on the
// original's MaxBwFilter class (itself a standard "max of a sliding
// window" deque, the same shape used for TCP Westwood-style bandwidth
// filters).
type MaxBwFilter struct {
	roundPeriod time.Duration
	times       []time.Time
	values      []float64 // parallel to times
	maxValues   []float64 // monotonically decreasing deque of candidate maxima
	maxTimes    []time.Time
}

// NewMaxBwFilter creates a filter over the given sliding window.
func NewMaxBwFilter(roundPeriod time.Duration) *MaxBwFilter {
	return &MaxBwFilter{roundPeriod: roundPeriod}
}

// IsEmpty reports whether any sample has been inserted.
func (f *MaxBwFilter) IsEmpty() bool { return len(f.values) == 0 }

// Max returns the current window maximum. Only valid when !IsEmpty().
func (f *MaxBwFilter) Max() float64 {
	if len(f.maxValues) == 0 {
		return 0
	}
	return f.maxValues[0]
}

// Insert records a new bandwidth sample at time t, evicting samples
// older than roundPeriod and maintaining the decreasing-maxima deque.
func (f *MaxBwFilter) Insert(t time.Time, bw float64) {
	f.times = append(f.times, t)
	f.values = append(f.values, bw)

	for len(f.times) > 0 && !f.times[0].After(t.Add(-f.roundPeriod)) {
		if f.values[0] == f.maxValues[0] {
			f.maxValues = f.maxValues[1:]
			f.maxTimes = f.maxTimes[1:]
		}
		f.times = f.times[1:]
		f.values = f.values[1:]
	}

	for len(f.maxValues) > 0 && bw > f.maxValues[len(f.maxValues)-1] {
		f.maxValues = f.maxValues[:len(f.maxValues)-1]
		f.maxTimes = f.maxTimes[:len(f.maxTimes)-1]
	}
	f.maxValues = append(f.maxValues, bw)
	f.maxTimes = append(f.maxTimes, t)
}
