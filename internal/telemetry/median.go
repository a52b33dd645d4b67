package telemetry

import (
	"math"
	"slices"
	"sort"
)

// DefaultWindowSize is the median window applied to detector output.
const DefaultWindowSize = 5

// MedianFilter reports the median of the last k values added. Eviction is
// FIFO: once full, each Add drops the oldest value regardless of its
// magnitude. The window is kept sorted, so Median is O(1) and Add locates the
// insertion and eviction points by binary search.
//
// A MedianFilter is not safe for concurrent use.
type MedianFilter struct {
	ring   []float64
	head   int
	n      int
	sorted []float64
}

// NewMedianFilter returns a filter holding at most k values. k below 1 is
// treated as 1.
func NewMedianFilter(k int) *MedianFilter {
	if k < 1 {
		k = 1
	}
	return &MedianFilter{
		ring:   make([]float64, k),
		sorted: make([]float64, 0, k),
	}
}

// Add inserts v, evicting the oldest value when the window is full. NaN is
// ignored.
func (f *MedianFilter) Add(v float64) {
	if math.IsNaN(v) {
		return
	}
	k := len(f.ring)
	if f.n == k {
		old := f.ring[f.head]
		i := sort.SearchFloat64s(f.sorted, old)
		f.sorted = slices.Delete(f.sorted, i, i+1)
		f.ring[f.head] = v
		f.head = (f.head + 1) % k
	} else {
		f.ring[(f.head+f.n)%k] = v
		f.n++
	}
	i := sort.SearchFloat64s(f.sorted, v)
	f.sorted = slices.Insert(f.sorted, i, v)
}

// Median returns the median of the window; the mean of the two middle values
// when the window holds an even count. ok is false for an empty window.
func (f *MedianFilter) Median() (float64, bool) {
	n := len(f.sorted)
	if n == 0 {
		return 0, false
	}
	if n%2 == 1 {
		return f.sorted[n/2], true
	}
	return (f.sorted[n/2-1] + f.sorted[n/2]) / 2, true
}

// Len returns the number of values in the window.
func (f *MedianFilter) Len() int { return f.n }

// Cap returns the window capacity k.
func (f *MedianFilter) Cap() int { return len(f.ring) }

// Reset empties the window.
func (f *MedianFilter) Reset() {
	f.head, f.n = 0, 0
	f.sorted = f.sorted[:0]
}
