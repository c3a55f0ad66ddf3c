package loadgen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gregw/loadgen/internal/stats"
	"github.com/gregw/loadgen/internal/tracing"
)

var (
	// ErrInterrupted is the cancellation outcome: the completion of a run
	// that was stopped by Interrupt or by the RunFor bound.
	ErrInterrupted = errors.New("loadgen: run interrupted")
	// ErrTransportStart wraps a failure to build the client transport.
	ErrTransportStart = errors.New("loadgen: transport start failed")
)

// State is the engine lifecycle position. Transitions are monotonic within a
// run; Stopped is terminal per run but the generator is reusable.
type State int32

const (
	StateConfigured State = iota
	StateStarted
	StateWarming
	StateRunning
	StateInterrupting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateStarted:
		return "started"
	case StateWarming:
		return "warming"
	case StateRunning:
		return "running"
	case StateInterrupting:
		return "interrupting"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Run is the completion future of one begin. It is resolved when the run
// reaches its terminal state: with nil when the iteration budget completed,
// with ErrInterrupted on cancellation, or with a transport-start failure.
type Run struct {
	done chan struct{}
	err  error
}

// Done is closed when the run has fully drained.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err returns the run outcome; only valid after Done is closed.
func (r *Run) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the run completes or ctx expires.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadGenerator drives a configured workload. It exclusively owns its
// workers and clients; resource trees are shared read-only between workers.
type LoadGenerator struct {
	cfg Config
	log zerolog.Logger

	state atomic.Int32
	stop  atomic.Bool

	mu      sync.Mutex
	current *Run
	cancel  context.CancelFunc
	handler *resultHandler

	warmupLeft atomic.Int32
}

// New validates cfg and builds a generator. Validation failures are
// reported here, before any run resources are allocated.
func New(cfg Config) (*LoadGenerator, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &LoadGenerator{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "loadgen").Logger(),
	}, nil
}

// State reports the engine lifecycle position.
func (g *LoadGenerator) State() State {
	return State(g.state.Load())
}

func (g *LoadGenerator) setState(s State) {
	g.state.Store(int32(s))
	g.log.Debug().Stringer("state", s).Msg("engine state")
}

func (g *LoadGenerator) stopRequested() bool {
	return g.stop.Load()
}

// Begin starts a run and returns its completion. Calling Begin while a run
// is in flight returns that run; after a run has completed, Begin starts a
// fresh run over the same configuration.
func (g *LoadGenerator) Begin() *Run {
	g.mu.Lock()
	if g.current != nil {
		select {
		case <-g.current.done:
			// Previous run finished; fall through and start anew.
		default:
			run := g.current
			g.mu.Unlock()
			return run
		}
	}
	run := &Run{done: make(chan struct{})}
	g.current = run
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	handler := newResultHandler(&g.cfg, g.log)
	g.handler = handler
	g.mu.Unlock()

	g.stop.Store(false)
	g.setState(StateStarted)

	go g.execute(ctx, cancel, run, handler)
	return run
}

// Interrupt requests cancellation. Workers observe the stop flag at their
// next check; in-flight requests are cancelled through the client contexts.
// The run completion fails with ErrInterrupted.
func (g *LoadGenerator) Interrupt() {
	if !g.stop.CompareAndSwap(false, true) {
		return
	}
	g.setState(StateInterrupting)
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RunFor begins a run and schedules an interrupt once d has elapsed. The
// completion resolves with nil only if the iteration budget finished first,
// otherwise with ErrInterrupted.
func (g *LoadGenerator) RunFor(d time.Duration) *Run {
	run := g.Begin()
	timer := time.AfterFunc(d, g.Interrupt)
	go func() {
		<-run.done
		timer.Stop()
	}()
	return run
}

// execute owns one run from client construction to terminal state.
func (g *LoadGenerator) execute(ctx context.Context, cancel context.CancelFunc, run *Run, handler *resultHandler) {
	defer cancel()

	runID := ulid.Make().String()
	log := g.log.With().Str("run", runID).Logger()
	log.Info().
		Int("users", g.cfg.Users).
		Int("iterations", g.cfg.Iterations).
		Int("resourceRate", g.cfg.ResourceRate).
		Int("parallelism", g.cfg.parallelism()).
		Msg("run starting")

	provider, tracingErr := tracing.Init(ctx, g.cfg.Tracing)
	if tracingErr != nil {
		log.Warn().Err(tracingErr).Msg("tracing disabled")
		provider = nil
	}
	tracer := provider.Tracer()
	runCtx, span := tracer.Start(ctx, "load_run",
		trace.WithAttributes(attribute.String("run_id", runID)))

	if g.cfg.WarmupIterations > 0 {
		g.warmupLeft.Store(int32(g.cfg.Users))
		g.setState(StateWarming)
	} else {
		g.warmupLeft.Store(0)
		g.setState(StateRunning)
	}

	var timer *time.Timer
	if g.cfg.RunFor > 0 {
		timer = time.AfterFunc(g.cfg.RunFor, g.Interrupt)
	}

	var err error
	var clients []*http.Client
	eg, workerCtx := errgroup.WithContext(runCtx)
	started := 0
	for i := 0; i < g.cfg.Users; i++ {
		rt, buildErr := g.cfg.Transport.Build(g.cfg.Selectors, g.cfg.TLS)
		if buildErr != nil {
			err = fmt.Errorf("%w: %v", ErrTransportStart, buildErr)
			break
		}
		client := &http.Client{Transport: rt}
		clients = append(clients, client)
		r := newRunner(i, g, client, handler, tracer)
		eg.Go(func() error { return r.run(workerCtx) })
		started++
	}

	var runErr error
	if err != nil {
		// Transport failed to start: stop whatever was already running.
		g.stop.Store(true)
		cancel()
		if started > 0 {
			_ = eg.Wait()
		}
		runErr = err
	} else if started > 0 {
		runErr = eg.Wait()
	}

	if timer != nil {
		timer.Stop()
	}

	span.End()
	handler.onStop()
	for _, client := range clients {
		client.CloseIdleConnections()
	}
	if provider != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := provider.Shutdown(shutdownCtx); serr != nil {
			log.Warn().Err(serr).Msg("tracing shutdown")
		}
		shutdownCancel()
	}

	g.setState(StateStopped)
	log.Info().
		Err(runErr).
		Int64("requests", handler.total.Load()).
		Int64("failures", handler.failures.Load()).
		Msg("run finished")

	run.err = runErr
	close(run.done)
}

// warmupFinished is called once per runner when its warmup budget drains;
// the last one moves the engine to the running state.
func (g *LoadGenerator) warmupFinished() {
	if g.State() != StateWarming {
		return
	}
	if g.warmupLeft.Add(-1) <= 0 {
		g.setState(StateRunning)
	}
}

// TotalRequests reports requests issued in the current or latest run.
func (g *LoadGenerator) TotalRequests() int64 {
	g.mu.Lock()
	h := g.handler
	g.mu.Unlock()
	if h == nil {
		return 0
	}
	return h.total.Load()
}

// FailedRequests reports failed requests in the current or latest run.
func (g *LoadGenerator) FailedRequests() int64 {
	g.mu.Lock()
	h := g.handler
	g.mu.Unlock()
	if h == nil {
		return 0
	}
	return h.failures.Load()
}

// LatencySnapshot returns the interval latency histogram recorded since the
// previous snapshot.
func (g *LoadGenerator) LatencySnapshot() stats.Interval {
	g.mu.Lock()
	h := g.handler
	g.mu.Unlock()
	if h == nil {
		return stats.Interval{}
	}
	return h.latencyInterval()
}

// ResponseTimeSnapshot returns the interval response-time histogram across
// all paths recorded since the previous snapshot.
func (g *LoadGenerator) ResponseTimeSnapshot() stats.Interval {
	g.mu.Lock()
	h := g.handler
	g.mu.Unlock()
	if h == nil {
		return stats.Interval{}
	}
	return h.responseTime.IntervalSnapshot()
}

// ResponseTimeSnapshots returns per-path interval response-time histograms.
func (g *LoadGenerator) ResponseTimeSnapshots() map[string]stats.Interval {
	g.mu.Lock()
	h := g.handler
	g.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.responseTimeIntervals()
}
