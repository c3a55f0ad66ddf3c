package loadgen

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/gregw/loadgen/internal/hrtimer"
)

// epoch anchors the monotonic nanosecond timestamps carried in the
// After-Send-Time header and in Info.
var epoch = time.Now()

func nowNanos() int64 {
	return int64(time.Since(epoch))
}

// runnerState tracks a worker through its lifecycle for logging.
type runnerState int32

const (
	runnerIdle runnerState = iota
	runnerWarming
	runnerRunning
	runnerDraining
	runnerDone
)

func (s runnerState) String() string {
	switch s {
	case runnerIdle:
		return "idle"
	case runnerWarming:
		return "warming"
	case runnerRunning:
		return "running"
	case runnerDraining:
		return "draining"
	case runnerDone:
		return "done"
	}
	return "unknown"
}

// runner drives one worker: it walks the resource trees, issues requests
// through its own HTTP client, paces iterations, and feeds timing events
// into the shared result handler.
type runner struct {
	id      int
	gen     *LoadGenerator
	cfg     *Config
	client  *http.Client
	handler *resultHandler
	log     zerolog.Logger
	tracer  trace.Tracer
	pacer   pacer
	state   atomic.Int32

	authority string
	// cookie is the per-worker session, identified by the nanosecond
	// timestamp at runner creation.
	cookie *http.Cookie
}

func newRunner(id int, gen *LoadGenerator, client *http.Client, handler *resultHandler, tracer trace.Tracer) *runner {
	cfg := &gen.cfg
	r := &runner{
		id:        id,
		gen:       gen,
		cfg:       cfg,
		client:    client,
		handler:   handler,
		log:       gen.log.With().Int("runner", id).Logger(),
		tracer:    tracer,
		authority: fmt.Sprintf("%s://%s:%d", cfg.Transport.Scheme(), cfg.Host, cfg.Port),
		cookie: &http.Cookie{
			Name:  SessionCookieName,
			Value: strconv.FormatInt(time.Now().UnixNano(), 10),
		},
	}
	r.pacer = newPacer(cfg)
	return r
}

func (r *runner) setState(s runnerState) {
	r.state.Store(int32(s))
	r.log.Debug().Stringer("state", s).Msg("runner state")
}

// run executes warmup then measured iterations until the iteration budget is
// spent or the engine stops. It returns ErrInterrupted when it exits because
// of a stop request, nil when the budget completed naturally.
func (r *runner) run(ctx context.Context) error {
	defer r.setState(runnerDone)

	warmupLeft := r.cfg.WarmupIterations
	if warmupLeft > 0 {
		r.setState(runnerWarming)
	} else {
		r.setState(runnerRunning)
		r.gen.warmupFinished()
	}

	iterations := 0
	for {
		if r.interrupted(ctx) {
			return ErrInterrupted
		}
		warmup := warmupLeft > 0
		if !warmup && r.cfg.Iterations > 0 && iterations >= r.cfg.Iterations {
			return nil
		}

		iterStart := time.Now()
		r.iterate(ctx, warmup)

		if warmup {
			warmupLeft--
			if warmupLeft == 0 {
				r.setState(runnerRunning)
				r.gen.warmupFinished()
			}
		} else {
			iterations++
			if r.cfg.Iterations > 0 && iterations >= r.cfg.Iterations {
				return nil
			}
		}

		if r.interrupted(ctx) {
			return ErrInterrupted
		}
		if err := r.pacer.pace(ctx, iterStart); err != nil {
			return ErrInterrupted
		}
	}
}

func (r *runner) interrupted(ctx context.Context) bool {
	if r.gen.stopRequested() || ctx.Err() != nil {
		r.setState(runnerDraining)
		return true
	}
	return false
}

// iterate issues every root of the profile once, in declared order. Request
// failures are absorbed by the result handler and never abort the iteration.
func (r *runner) iterate(ctx context.Context, warmup bool) {
	for _, root := range r.cfg.Resources {
		if ctx.Err() != nil {
			return
		}
		r.issueTree(ctx, root, warmup)
	}
}

// treeRun tracks one issue of a resource subtree. The WaitGroup drains when
// every descendant has reached a terminal outcome; failed nodes count too,
// so a failure never stalls tree completion.
type treeRun struct {
	wg sync.WaitGroup
}

// issueTree walks one subtree, waits for every descendant to complete, then
// fires the tree event exactly once.
func (r *runner) issueTree(ctx context.Context, root *Resource, warmup bool) {
	treeCtx := ctx
	var span trace.Span
	if r.tracer != nil {
		treeCtx, span = r.tracer.Start(ctx, "resource_tree",
			trace.WithAttributes(attribute.String("root", root.Path)))
	}

	t := &treeRun{}
	t.wg.Add(1)
	rootInfo := r.issueNode(treeCtx, t, root, warmup)
	t.wg.Wait()

	if span != nil {
		span.End()
	}
	r.handler.onTreeComplete(rootInfo, warmup)
}

// issueNode issues one node and spawns its children. Children of a
// path-bearing node start only after the node has a terminal outcome, so
// node events along a chain arrive in tree order; children of a group start
// immediately. Siblings run concurrently.
func (r *runner) issueNode(ctx context.Context, t *treeRun, res *Resource, warmup bool) *Info {
	defer t.wg.Done()

	info := &Info{Resource: res}
	if res.Path != "" {
		r.doRequest(ctx, res, info, warmup)
		if info.Failed && info.ResponseStart == 0 {
			// No response ever began: the waterfall below this node
			// cannot start, mirroring a browser's behavior.
			return info
		}
	}

	for _, child := range res.Children {
		child := child
		t.wg.Add(1)
		go r.issueNode(ctx, t, child, warmup)
	}
	return info
}

// doRequest performs one HTTP exchange and delivers its terminal outcome to
// the result handler.
func (r *runner) doRequest(ctx context.Context, res *Resource, info *Info, warmup bool) {
	req, err := r.buildRequest(ctx, res, info)
	if err != nil {
		info.Failed = true
		r.log.Debug().Err(err).Str("path", res.Path).Msg("request build failed")
		return
	}

	var firstByte atomic.Int64
	clientTrace := &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) {
			r.handler.onRequestCommit(req)
		},
		GotFirstResponseByte: func() {
			firstByte.Store(nowNanos())
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(ctx, clientTrace))

	r.handler.onRequestBegin(req)

	sendNanos := nowNanos()
	req.Header.Set(AfterSendTimeHeader, strconv.FormatInt(sendNanos, 10))
	info.RequestStart = sendNanos

	resp, err := r.client.Do(req)
	if err != nil {
		info.ResponseEnd = nowNanos()
		r.handler.onComplete(req, info, warmup, err)
		return
	}

	if v := firstByte.Load(); v > 0 {
		info.ResponseStart = v
	} else {
		// Transports without trace hooks: headers are already in.
		info.ResponseStart = nowNanos()
	}

	n, copyErr := discardBody(resp)
	info.BytesRecv = n
	info.ResponseEnd = nowNanos()
	info.Status = resp.StatusCode

	r.handler.onComplete(req, info, warmup, copyErr)
}

func (r *runner) buildRequest(ctx context.Context, res *Resource, info *Info) (*http.Request, error) {
	var body *bytes.Reader
	if res.RequestLength > 0 {
		body = bytes.NewReader(make([]byte, res.RequestLength))
	}

	url := r.authority + res.Path
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, res.method(), url, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, res.method(), url, nil)
	}
	if err != nil {
		return nil, err
	}

	if res.ResponseLength > 0 {
		req.Header.Set(DownloadHeader, strconv.Itoa(res.ResponseLength))
	}
	req.AddCookie(r.cookie)
	info.BytesSent = req.ContentLength
	return req, nil
}

// pacer spaces iterations so the engine sustains its target resource rate.
type pacer interface {
	// pace blocks until the next iteration may start. iterStart is when
	// the finished iteration began; a late iteration is not compensated
	// with a burst.
	pace(ctx context.Context, iterStart time.Time) error
}

func newPacer(cfg *Config) pacer {
	perWorker := cfg.perWorkerRate()
	if perWorker == 0 {
		return noPacer{}
	}
	resources := cfg.resourcesPerIteration()
	if resources < 1 {
		resources = 1
	}
	if cfg.Pacing == PacingUniform {
		return &uniformPacer{
			limiter:   rate.NewLimiter(rate.Limit(perWorker), resources),
			resources: resources,
		}
	}
	interval := time.Duration(int64(resources) * int64(time.Second) / int64(perWorker))
	return &fixedPacer{interval: interval}
}

type noPacer struct{}

func (noPacer) pace(context.Context, time.Time) error { return nil }

// fixedPacer spaces iterations deterministically with the high-resolution
// timer, so rates into the thousands per second stay attainable.
type fixedPacer struct {
	interval time.Duration
}

func (p *fixedPacer) pace(ctx context.Context, iterStart time.Time) error {
	return hrtimer.SleepUntil(ctx, iterStart.Add(p.interval))
}

// uniformPacer reserves one token per resource from a token bucket filled at
// the per-worker rate.
type uniformPacer struct {
	limiter   *rate.Limiter
	resources int
}

func (p *uniformPacer) pace(ctx context.Context, _ time.Time) error {
	return p.limiter.WaitN(ctx, p.resources)
}

func discardBody(resp *http.Response) (int64, error) {
	defer resp.Body.Close()
	return io.Copy(io.Discard, resp.Body)
}
