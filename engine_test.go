package loadgen_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/gregw/loadgen"
	"github.com/gregw/loadgen/internal/transport"
)

// testHandler echoes X-Download bytes, the way the generator expects its
// target to behave.
func testHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		if n, _ := strconv.Atoi(r.Header.Get(loadgen.DownloadHeader)); n > 0 {
			w.Write(make([]byte, n))
		}
	})
}

// wireProtocol pairs a server fixture with the matching client transport,
// so every scenario runs over both HTTP/1.1 cleartext and h2c.
type wireProtocol struct {
	name    string
	builder transport.Builder
	server  func(http.Handler) *httptest.Server
}

func wireProtocols() []wireProtocol {
	return []wireProtocol{
		{
			name:    "http1",
			builder: transport.HTTP1(),
			server:  httptest.NewServer,
		},
		{
			name:    "h2c",
			builder: transport.H2C(),
			server: func(h http.Handler) *httptest.Server {
				return httptest.NewServer(h2c.NewHandler(h, &http2.Server{}))
			},
		},
	}
}

func newTestConfig(t *testing.T, srv *httptest.Server, builder transport.Builder) loadgen.Config {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	cfg := loadgen.DefaultConfig()
	cfg.Host = u.Hostname()
	cfg.Port = port
	cfg.Transport = builder
	return cfg
}

func waitFor(t *testing.T, run *loadgen.Run, timeout time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := run.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run did not complete within %s", timeout)
	}
	return err
}

func TestDefaultConfiguration(t *testing.T) {
	for _, wire := range wireProtocols() {
		t.Run(wire.name, func(t *testing.T) {
			srv := wire.server(testHandler())
			defer srv.Close()

			var requests atomic.Int64
			cfg := newTestConfig(t, srv, wire.builder)
			cfg.RequestListeners = []loadgen.RequestListener{
				loadgen.RequestListenerFuncs{
					Begin: func(*http.Request) { requests.Add(1) },
				},
			}
			gen, err := loadgen.New(cfg)
			if err != nil {
				t.Fatalf("new generator: %v", err)
			}
			if err := waitFor(t, gen.Begin(), 5*time.Second); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if got := requests.Load(); got != 1 {
				t.Fatalf("expected exactly one request, observed %d", got)
			}
			if gen.State() != loadgen.StateStopped {
				t.Fatalf("engine not stopped: %s", gen.State())
			}
		})
	}
}

func TestMultipleWorkers(t *testing.T) {
	for _, wire := range wireProtocols() {
		t.Run(wire.name, func(t *testing.T) {
			srv := wire.server(testHandler())
			defer srv.Close()

			var sessions sync.Map
			cfg := newTestConfig(t, srv, wire.builder)
			cfg.Users = 2
			cfg.Iterations = 1
			cfg.RequestListeners = []loadgen.RequestListener{
				loadgen.RequestListenerFuncs{
					Begin: func(req *http.Request) {
						if c, err := req.Cookie(loadgen.SessionCookieName); err == nil {
							sessions.Store(c.Value, true)
						}
					},
				},
			}
			gen, err := loadgen.New(cfg)
			if err != nil {
				t.Fatalf("new generator: %v", err)
			}
			if err := waitFor(t, gen.Begin(), 5*time.Second); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			distinct := 0
			sessions.Range(func(any, any) bool { distinct++; return true })
			if distinct != 2 {
				t.Fatalf("expected 2 distinct worker sessions, got %d", distinct)
			}
		})
	}
}

func TestInterrupt(t *testing.T) {
	for _, wire := range wireProtocols() {
		t.Run(wire.name, func(t *testing.T) {
			srv := wire.server(testHandler())
			defer srv.Close()

			cfg := newTestConfig(t, srv, wire.builder)
			cfg.Iterations = 0 // iterate forever
			cfg.ResourceRate = 5
			gen, err := loadgen.New(cfg)
			if err != nil {
				t.Fatalf("new generator: %v", err)
			}
			run := gen.Begin()

			time.Sleep(1 * time.Second)
			gen.Interrupt()

			err = waitFor(t, run, 5*time.Second)
			if !errors.Is(err, loadgen.ErrInterrupted) {
				t.Fatalf("expected ErrInterrupted, got %v", err)
			}
		})
	}
}

func TestRunFor(t *testing.T) {
	for _, wire := range wireProtocols() {
		t.Run(wire.name, func(t *testing.T) {
			srv := wire.server(testHandler())
			defer srv.Close()

			cfg := newTestConfig(t, srv, wire.builder)
			cfg.Iterations = 0
			cfg.ResourceRate = 5
			cfg.RunFor = 2 * time.Second
			gen, err := loadgen.New(cfg)
			if err != nil {
				t.Fatalf("new generator: %v", err)
			}
			err = waitFor(t, gen.Begin(), 4*time.Second)
			if err != nil && !errors.Is(err, loadgen.ErrInterrupted) {
				t.Fatalf("unexpected run outcome: %v", err)
			}
			// ~10 requests at 5/s over 2s, with generous slack.
			total := gen.TotalRequests()
			if total < 5 || total > 20 {
				t.Fatalf("expected roughly 10 requests, observed %d", total)
			}
		})
	}
}

func TestRunForMethod(t *testing.T) {
	srv := httptest.NewServer(testHandler())
	defer srv.Close()

	cfg := newTestConfig(t, srv, transport.HTTP1())
	cfg.Iterations = 0
	cfg.ResourceRate = 5
	gen, err := loadgen.New(cfg)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	err = waitFor(t, gen.RunFor(1*time.Second), 3*time.Second)
	if !errors.Is(err, loadgen.ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted from bounded run, got %v", err)
	}
	if gen.TotalRequests() == 0 {
		t.Fatalf("no requests issued during bounded run")
	}
}

func TestResourceTree(t *testing.T) {
	for _, wire := range wireProtocols() {
		t.Run(wire.name, func(t *testing.T) {
			srv := wire.server(testHandler())
			defer srv.Close()

			var mu sync.Mutex
			var order []string
			var infos []*loadgen.Info
			var treeFired atomic.Int64

			cfg := newTestConfig(t, srv, wire.builder)
			cfg.Resources = []*loadgen.Resource{
				{
					Path:           "/",
					ResponseLength: 16 * 1024,
					Children: []*loadgen.Resource{
						{
							Path:           "/1",
							ResponseLength: 10 * 1024,
							Children: []*loadgen.Resource{
								{Path: "/11", ResponseLength: 1024},
							},
						},
					},
				},
			}
			cfg.NodeListeners = []loadgen.NodeListener{
				loadgen.NodeListenerFunc(func(info *loadgen.Info) {
					mu.Lock()
					order = append(order, info.Resource.Path)
					infos = append(infos, info)
					mu.Unlock()
				}),
			}
			cfg.TreeListeners = []loadgen.TreeListener{
				loadgen.TreeListenerFunc(func(info *loadgen.Info) {
					treeFired.Add(1)
					mu.Lock()
					order = append(order, info.Resource.Path)
					mu.Unlock()
				}),
			}
			gen, err := loadgen.New(cfg)
			if err != nil {
				t.Fatalf("new generator: %v", err)
			}
			if err := waitFor(t, gen.Begin(), 5*time.Second); err != nil {
				t.Fatalf("run failed: %v", err)
			}

			mu.Lock()
			defer mu.Unlock()
			if got := strings.Join(order, ","); got != "/,/1,/11,/" {
				t.Fatalf("callback order = %q, want /,/1,/11,/", got)
			}
			if treeFired.Load() != 1 {
				t.Fatalf("tree listener fired %d times", treeFired.Load())
			}
			for _, info := range infos {
				if info.Status != http.StatusOK {
					t.Fatalf("resource %s status = %d", info.Resource.Path, info.Status)
				}
				if info.Latency() <= 0 || info.ResponseTime() < info.Latency() {
					t.Fatalf("resource %s timings inconsistent: latency=%s responseTime=%s",
						info.Resource.Path, info.Latency(), info.ResponseTime())
				}
			}
		})
	}
}

func TestResourceGroup(t *testing.T) {
	for _, wire := range wireProtocols() {
		t.Run(wire.name, func(t *testing.T) {
			srv := wire.server(testHandler())
			defer srv.Close()

			var mu sync.Mutex
			var order []string

			cfg := newTestConfig(t, srv, wire.builder)
			cfg.Resources = []*loadgen.Resource{
				loadgen.NewGroup(&loadgen.Resource{Path: "/1", ResponseLength: 10 * 1024}),
			}
			cfg.NodeListeners = []loadgen.NodeListener{
				loadgen.NodeListenerFunc(func(info *loadgen.Info) {
					mu.Lock()
					order = append(order, info.Resource.Path)
					mu.Unlock()
				}),
			}
			cfg.TreeListeners = []loadgen.TreeListener{
				loadgen.TreeListenerFunc(func(info *loadgen.Info) {
					if info.Resource.Path == "" {
						mu.Lock()
						order = append(order, "<group>")
						mu.Unlock()
					}
				}),
			}
			gen, err := loadgen.New(cfg)
			if err != nil {
				t.Fatalf("new generator: %v", err)
			}
			if err := waitFor(t, gen.Begin(), 5*time.Second); err != nil {
				t.Fatalf("run failed: %v", err)
			}

			mu.Lock()
			defer mu.Unlock()
			if got := strings.Join(order, ","); got != "/1,<group>" {
				t.Fatalf("callback order = %q, want /1,<group>", got)
			}
		})
	}
}

func TestWarmupDoesNotNotifyResourceListeners(t *testing.T) {
	for _, wire := range wireProtocols() {
		t.Run(wire.name, func(t *testing.T) {
			srv := wire.server(testHandler())
			defer srv.Close()

			var requests, resources atomic.Int64
			cfg := newTestConfig(t, srv, wire.builder)
			cfg.WarmupIterations = 2
			cfg.Iterations = 3
			cfg.ResourceRate = 5
			cfg.Resources = []*loadgen.Resource{
				{Path: "/", Method: http.MethodPost, ResponseLength: 1024},
			}
			cfg.RequestListeners = []loadgen.RequestListener{
				loadgen.RequestListenerFuncs{
					Begin: func(*http.Request) { requests.Add(1) },
				},
			}
			cfg.NodeListeners = []loadgen.NodeListener{
				loadgen.NodeListenerFunc(func(*loadgen.Info) { resources.Add(1) }),
			}
			gen, err := loadgen.New(cfg)
			if err != nil {
				t.Fatalf("new generator: %v", err)
			}
			if err := waitFor(t, gen.Begin(), 5*time.Second); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if got := requests.Load(); got != 5 {
				t.Fatalf("request listener count = %d, want 5", got)
			}
			if got := resources.Load(); got != 3 {
				t.Fatalf("node listener count = %d, want 3", got)
			}
		})
	}
}

func TestTwoRuns(t *testing.T) {
	for _, wire := range wireProtocols() {
		t.Run(wire.name, func(t *testing.T) {
			srv := wire.server(testHandler())
			defer srv.Close()

			var requests, resources atomic.Int64
			cfg := newTestConfig(t, srv, wire.builder)
			cfg.Iterations = 3
			cfg.ResourceRate = 5
			cfg.Resources = []*loadgen.Resource{
				{Path: "/", ResponseLength: 1024},
			}
			cfg.RequestListeners = []loadgen.RequestListener{
				loadgen.RequestListenerFuncs{
					Begin: func(*http.Request) { requests.Add(1) },
				},
			}
			cfg.NodeListeners = []loadgen.NodeListener{
				loadgen.NodeListenerFunc(func(*loadgen.Info) { resources.Add(1) }),
			}
			gen, err := loadgen.New(cfg)
			if err != nil {
				t.Fatalf("new generator: %v", err)
			}

			if err := waitFor(t, gen.Begin(), 5*time.Second); err != nil {
				t.Fatalf("first run failed: %v", err)
			}
			if requests.Load() != 3 || resources.Load() != 3 {
				t.Fatalf("first run: requests=%d resources=%d, want 3/3",
					requests.Load(), resources.Load())
			}

			requests.Store(0)
			resources.Store(0)
			if err := waitFor(t, gen.Begin(), 5*time.Second); err != nil {
				t.Fatalf("second run failed: %v", err)
			}
			if requests.Load() != 3 || resources.Load() != 3 {
				t.Fatalf("second run: requests=%d resources=%d, want 3/3",
					requests.Load(), resources.Load())
			}
		})
	}
}

func TestLatencyHistogramCountsMeasuredRequests(t *testing.T) {
	srv := httptest.NewServer(testHandler())
	defer srv.Close()

	cfg := newTestConfig(t, srv, transport.HTTP1())
	cfg.Iterations = 5
	gen, err := loadgen.New(cfg)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	if err := waitFor(t, gen.Begin(), 5*time.Second); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	iv := gen.LatencySnapshot()
	if iv.Count() != 5 {
		t.Fatalf("latency samples = %d, want 5", iv.Count())
	}
	if got := gen.ResponseTimeSnapshot().Count(); got != 5 {
		t.Fatalf("response-time samples = %d, want 5", got)
	}
	perPath := gen.ResponseTimeSnapshots()
	if got := perPath["/"].Count(); got != 5 {
		t.Fatalf("per-path response-time samples = %d, want 5", got)
	}
}
