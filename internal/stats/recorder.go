// Package stats wraps high-dynamic-range histograms with interval
// snapshotting for real-time reporting.
package stats

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Recorded values are nanoseconds covering 1µs..1min at 3 significant digits.
const (
	lowestTrackableNanos  = int64(time.Microsecond)
	highestTrackableNanos = int64(time.Minute)
	significantDigits     = 3
)

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(lowestTrackableNanos, highestTrackableNanos, significantDigits)
}

// Recorder accumulates nanosecond samples into an interval histogram.
// Record is safe for concurrent use; IntervalSnapshot atomically swaps the
// interval window so no sample is lost or double counted.
type Recorder struct {
	mu       sync.Mutex
	interval *hdrhistogram.Histogram
	start    time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{
		interval: newHistogram(),
		start:    time.Now(),
	}
}

// Record adds a nanosecond sample, clamped to the trackable range.
func (r *Recorder) Record(nanos int64) {
	if nanos < lowestTrackableNanos {
		nanos = lowestTrackableNanos
	}
	if nanos > highestTrackableNanos {
		nanos = highestTrackableNanos
	}
	r.mu.Lock()
	_ = r.interval.RecordValue(nanos)
	r.mu.Unlock()
}

// IntervalSnapshot returns the histogram of samples recorded since the
// previous snapshot and resets the interval window.
func (r *Recorder) IntervalSnapshot() Interval {
	fresh := newHistogram()
	now := time.Now()

	r.mu.Lock()
	h := r.interval
	start := r.start
	r.interval = fresh
	r.start = now
	r.mu.Unlock()

	return Interval{Histogram: h, Start: start, End: now}
}

// Interval is an immutable window of recorded samples.
type Interval struct {
	Histogram *hdrhistogram.Histogram
	Start     time.Time
	End       time.Time
}

// Count returns the number of samples in the window.
func (i Interval) Count() int64 {
	if i.Histogram == nil {
		return 0
	}
	return i.Histogram.TotalCount()
}

// Summary converts the interval into microsecond-based summary statistics.
func (i Interval) Summary() Summary {
	s := Summary{Start: i.Start, End: i.End}
	h := i.Histogram
	if h == nil || h.TotalCount() == 0 {
		return s
	}
	s.Count = h.TotalCount()
	s.MinMicros = micros(h.Min())
	s.MaxMicros = micros(h.Max())
	s.MeanMicros = h.Mean() / float64(time.Microsecond)
	s.StdDevMicros = h.StdDev() / float64(time.Microsecond)
	s.P50Micros = micros(h.ValueAtQuantile(50))
	s.P90Micros = micros(h.ValueAtQuantile(90))
	s.P99Micros = micros(h.ValueAtQuantile(99))
	s.P999Micros = micros(h.ValueAtQuantile(99.9))
	return s
}

func micros(nanos int64) float64 {
	return float64(nanos) / float64(time.Microsecond)
}

// Summary carries the usual interval digest: extremes, moments, percentiles.
// All durations are microseconds.
type Summary struct {
	Start        time.Time
	End          time.Time
	Count        int64
	MinMicros    float64
	MaxMicros    float64
	MeanMicros   float64
	StdDevMicros float64
	P50Micros    float64
	P90Micros    float64
	P99Micros    float64
	P999Micros   float64
}
