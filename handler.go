package loadgen

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/gregw/loadgen/internal/stats"
)

// Request header contract between the workers and the measurement path.
const (
	// DownloadHeader asks the server for a body of exactly that many bytes.
	DownloadHeader = "X-Download"
	// AfterSendTimeHeader carries the monotonic nanosecond send timestamp;
	// the result handler reads it back from the completed request so that
	// latency is computed independently of the client's internal timing.
	AfterSendTimeHeader = "After-Send-Time"
	// SessionCookieName is the per-worker session cookie.
	SessionCookieName = "X-LoadGen-Session"
)

// resultHandler is the hot-path sink: it turns per-request timing events
// into histogram samples and fans out to user-supplied observers. One
// handler per run; recorders are disposed with it.
type resultHandler struct {
	log zerolog.Logger
	cfg *Config

	latency      *stats.Recorder
	responseTime *stats.Recorder
	// perPath maps resource path to its response-time recorder. Keys are
	// added lazily on first observation and never removed during a run.
	perPath sync.Map // string -> *stats.Recorder

	total    atomic.Int64
	failures atomic.Int64
}

func newResultHandler(cfg *Config, log zerolog.Logger) *resultHandler {
	return &resultHandler{
		log:          log,
		cfg:          cfg,
		latency:      stats.NewRecorder(),
		responseTime: stats.NewRecorder(),
	}
}

func (h *resultHandler) pathRecorder(path string) *stats.Recorder {
	if r, ok := h.perPath.Load(path); ok {
		return r.(*stats.Recorder)
	}
	r, _ := h.perPath.LoadOrStore(path, stats.NewRecorder())
	return r.(*stats.Recorder)
}

func (h *resultHandler) onRequestBegin(req *http.Request) {
	for _, l := range h.cfg.RequestListeners {
		h.notify(func() { l.OnBegin(req) })
	}
}

func (h *resultHandler) onRequestCommit(req *http.Request) {
	for _, l := range h.cfg.RequestListeners {
		h.notify(func() { l.OnCommit(req) })
	}
}

// onComplete handles the terminal outcome of one request. The send
// timestamp is read back from the request's After-Send-Time header; warmup
// completions update no recorders and reach no resource listeners.
func (h *resultHandler) onComplete(req *http.Request, info *Info, warmup bool, err error) {
	h.total.Add(1)

	failed := err != nil
	if !failed && h.cfg.FailOnServerErrors && info.Status >= 400 {
		failed = true
	}
	info.Failed = failed

	if sent := req.Header.Get(AfterSendTimeHeader); sent != "" {
		if nanos, perr := strconv.ParseInt(sent, 10, 64); perr == nil {
			info.RequestStart = nanos
		}
	}

	if failed {
		h.failures.Add(1)
		h.log.Debug().
			Err(err).
			Str("path", info.Resource.Path).
			Int("status", info.Status).
			Msg("request failed")
		for _, l := range h.cfg.RequestListeners {
			h.notify(func() { l.OnFailure(req, err) })
		}
	} else {
		for _, l := range h.cfg.RequestListeners {
			h.notify(func() { l.OnSuccess(req) })
		}
	}

	if warmup {
		return
	}

	if !failed && info.ResponseStart > 0 {
		latNanos := int64(info.Latency())
		rtNanos := int64(info.ResponseTime())

		h.latency.Record(latNanos)
		h.responseTime.Record(rtNanos)
		h.pathRecorder(info.Resource.Path).Record(rtNanos)

		for _, l := range h.cfg.LatencyListeners {
			h.notify(func() { l.OnLatencyValue(latNanos) })
		}
		for _, l := range h.cfg.ResponseTimeListeners {
			h.notify(func() { l.OnResponseTimeValue(info.Resource.Path, rtNanos) })
		}
	}

	for _, l := range h.cfg.NodeListeners {
		h.notify(func() { l.OnResourceNode(info) })
	}
}

// onTreeComplete fires once per subtree, after every node in it has reached
// a terminal outcome.
func (h *resultHandler) onTreeComplete(info *Info, warmup bool) {
	if warmup {
		return
	}
	for _, l := range h.cfg.TreeListeners {
		h.notify(func() { l.OnResourceTree(info) })
	}
}

// onStop delivers the terminal callback, once per registration, to every
// listener that wants one.
func (h *resultHandler) onStop() {
	flush := func(l any) {
		if s, ok := l.(StopListener); ok {
			h.notify(s.OnLoadGeneratorStop)
		}
	}
	for _, l := range h.cfg.RequestListeners {
		flush(l)
	}
	for _, l := range h.cfg.NodeListeners {
		flush(l)
	}
	for _, l := range h.cfg.TreeListeners {
		flush(l)
	}
	for _, l := range h.cfg.LatencyListeners {
		flush(l)
	}
	for _, l := range h.cfg.ResponseTimeListeners {
		flush(l)
	}
}

// notify shields the run from observer misbehavior.
func (h *resultHandler) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Warn().Interface("panic", r).Msg("listener panicked")
		}
	}()
	fn()
}

// latencyInterval snapshots the global latency recorder.
func (h *resultHandler) latencyInterval() stats.Interval {
	return h.latency.IntervalSnapshot()
}

// responseTimeIntervals snapshots the per-path recorders.
func (h *resultHandler) responseTimeIntervals() map[string]stats.Interval {
	out := map[string]stats.Interval{}
	h.perPath.Range(func(key, value any) bool {
		out[key.(string)] = value.(*stats.Recorder).IntervalSnapshot()
		return true
	})
	return out
}
