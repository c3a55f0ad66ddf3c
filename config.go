package loadgen

import (
	"crypto/tls"
	"errors"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/gregw/loadgen/internal/tracing"
	"github.com/gregw/loadgen/internal/transport"
)

// Validation failures, one sentinel per rule, reported at build time.
var (
	ErrInvalidUsers = errors.New("loadgen: users must be at least 1")
	ErrInvalidRate  = errors.New("loadgen: resource rate must be at least 0")
	ErrMissingHost  = errors.New("loadgen: host cannot be empty")
	ErrInvalidPort  = errors.New("loadgen: port must be a positive integer")
	ErrNoResources  = errors.New("loadgen: at least one resource is required")
	ErrNoTransport  = errors.New("loadgen: a transport must be selected")
)

// PacingPolicy selects how workers space their iterations.
type PacingPolicy string

const (
	// PacingFixed spaces iterations deterministically with a
	// high-resolution timer. The default.
	PacingFixed PacingPolicy = "fixed"
	// PacingUniform delegates spacing to a token-bucket limiter, trading
	// sub-millisecond precision for smoother bursts under jitter.
	PacingUniform PacingPolicy = "uniform"
)

// Config describes one load profile and the engine knobs driving it.
type Config struct {
	// Users is the number of simulated users: one worker, with its own
	// HTTP client and session cookie, per user.
	Users int
	// Iterations per worker; 0 iterates until interrupted.
	Iterations int
	// WarmupIterations per worker are issued before measurement starts;
	// their samples and resource callbacks are discarded.
	WarmupIterations int
	// ResourceRate is the target resources per second across the whole
	// engine; 0 is unthrottled.
	ResourceRate int
	// RunFor schedules an interrupt after the elapsed duration.
	RunFor time.Duration

	Host string
	Port int

	// Transport produces the wire protocol the workers drive load through.
	Transport transport.Builder
	// Selectors sizes the transport's connection machinery.
	Selectors int
	TLS       *tls.Config

	// Resources are the roots each iteration cycles through, in order.
	Resources []*Resource

	Pacing PacingPolicy
	// FailOnServerErrors counts HTTP status >= 400 as request failures.
	FailOnServerErrors bool

	RequestListeners      []RequestListener
	NodeListeners         []NodeListener
	TreeListeners         []TreeListener
	LatencyListeners      []LatencyListener
	ResponseTimeListeners []ResponseTimeListener

	// Logger defaults to a disabled logger.
	Logger *zerolog.Logger
	// Tracing exports a span per run and per resource tree when enabled.
	Tracing tracing.Options
}

// DefaultConfig is one user issuing one iteration of GET / over cleartext
// HTTP/1.1 against localhost.
func DefaultConfig() Config {
	return Config{
		Users:      1,
		Iterations: 1,
		Host:       "localhost",
		Port:       80,
		Transport:  transport.HTTP1(),
		Resources:  []*Resource{NewResource("/")},
	}
}

func (c *Config) normalize() {
	if c.Selectors < 1 {
		c.Selectors = 1
	}
	if c.Pacing == "" {
		c.Pacing = PacingFixed
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

func (c *Config) validate() error {
	if c.Users < 1 {
		return ErrInvalidUsers
	}
	if c.ResourceRate < 0 {
		return ErrInvalidRate
	}
	if c.Host == "" {
		return ErrMissingHost
	}
	if c.Port < 1 {
		return ErrInvalidPort
	}
	if len(c.Resources) == 0 {
		return ErrNoResources
	}
	if c.Transport == nil {
		return ErrNoTransport
	}
	return nil
}

// resourcesPerIteration counts the requests one full iteration issues.
func (c *Config) resourcesPerIteration() int {
	n := 0
	for _, root := range c.Resources {
		n += root.Count()
	}
	return n
}

// perWorkerRate splits the engine-wide resource rate across workers.
func (c *Config) perWorkerRate() int {
	if c.ResourceRate == 0 {
		return 0
	}
	rate := c.ResourceRate / c.Users
	if rate < 1 {
		rate = 1
	}
	return rate
}

// parallelism mirrors the worker-pool sizing of the executor hosting the
// runners: min(available cores, users). Runner goroutines themselves are
// always one per user; the scheduler multiplexes them.
func (c *Config) parallelism() int {
	cores := runtime.GOMAXPROCS(0)
	if cores < c.Users {
		return cores
	}
	return c.Users
}
