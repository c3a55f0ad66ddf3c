package loadgen

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gregw/loadgen/internal/stats"
)

// LatencyDisplayListener records latency samples and logs an interval
// summary on a fixed schedule, plus a final one on stop.
type LatencyDisplayListener struct {
	log zerolog.Logger
	rec *stats.Recorder

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewLatencyDisplayListener starts the snapshot schedule immediately.
func NewLatencyDisplayListener(log zerolog.Logger, initialDelay, period time.Duration) *LatencyDisplayListener {
	l := &LatencyDisplayListener{
		log:     log,
		rec:     stats.NewRecorder(),
		stopped: make(chan struct{}),
	}
	go l.loop(initialDelay, period)
	return l
}

func (l *LatencyDisplayListener) OnLatencyValue(nanos int64) {
	l.rec.Record(nanos)
}

// OnLoadGeneratorStop cancels the schedule and flushes a last interval.
func (l *LatencyDisplayListener) OnLoadGeneratorStop() {
	l.stopOnce.Do(func() { close(l.stopped) })
	l.emit()
}

func (l *LatencyDisplayListener) loop(initialDelay, period time.Duration) {
	delay := time.NewTimer(initialDelay)
	defer delay.Stop()
	select {
	case <-l.stopped:
		return
	case <-delay.C:
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		l.emit()
		select {
		case <-l.stopped:
			return
		case <-ticker.C:
		}
	}
}

func (l *LatencyDisplayListener) emit() {
	logSummary(l.log, "latency", "", l.rec.IntervalSnapshot().Summary())
}

// ResponseTimeDisplayListener keeps one recorder per path and logs interval
// summaries for each on a fixed schedule.
type ResponseTimeDisplayListener struct {
	log     zerolog.Logger
	perPath sync.Map // string -> *stats.Recorder

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewResponseTimeDisplayListener starts the snapshot schedule immediately.
func NewResponseTimeDisplayListener(log zerolog.Logger, initialDelay, period time.Duration) *ResponseTimeDisplayListener {
	l := &ResponseTimeDisplayListener{
		log:     log,
		stopped: make(chan struct{}),
	}
	go l.loop(initialDelay, period)
	return l
}

func (l *ResponseTimeDisplayListener) OnResponseTimeValue(path string, nanos int64) {
	if r, ok := l.perPath.Load(path); ok {
		r.(*stats.Recorder).Record(nanos)
		return
	}
	r, _ := l.perPath.LoadOrStore(path, stats.NewRecorder())
	r.(*stats.Recorder).Record(nanos)
}

// OnLoadGeneratorStop cancels the schedule and flushes a last interval.
func (l *ResponseTimeDisplayListener) OnLoadGeneratorStop() {
	l.stopOnce.Do(func() { close(l.stopped) })
	l.emit()
}

func (l *ResponseTimeDisplayListener) loop(initialDelay, period time.Duration) {
	delay := time.NewTimer(initialDelay)
	defer delay.Stop()
	select {
	case <-l.stopped:
		return
	case <-delay.C:
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		l.emit()
		select {
		case <-l.stopped:
			return
		case <-ticker.C:
		}
	}
}

func (l *ResponseTimeDisplayListener) emit() {
	l.perPath.Range(func(key, value any) bool {
		summary := value.(*stats.Recorder).IntervalSnapshot().Summary()
		logSummary(l.log, "response_time", key.(string), summary)
		return true
	})
}

func logSummary(log zerolog.Logger, kind, path string, s stats.Summary) {
	if s.Count == 0 {
		return
	}
	ev := log.Info().Str("kind", kind)
	if path != "" {
		ev = ev.Str("path", path)
	}
	ev.Int64("count", s.Count).
		Float64("min_us", s.MinMicros).
		Float64("max_us", s.MaxMicros).
		Float64("mean_us", s.MeanMicros).
		Float64("stddev_us", s.StdDevMicros).
		Float64("p50_us", s.P50Micros).
		Float64("p90_us", s.P90Micros).
		Float64("p99_us", s.P99Micros).
		Float64("p999_us", s.P999Micros).
		Msg("interval")
}
