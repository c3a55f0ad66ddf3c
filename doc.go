// Package loadgen is an HTTP load-generation engine: it drives configurable,
// repeatable workloads against HTTP/1.1, HTTP/2 (cleartext and TLS), and
// FastCGI endpoints, measures per-request latency and response time at high
// resolution, and surfaces those measurements to pluggable observers in real
// time.
//
// # Basic usage
//
// Build a generator from a Config, begin a run, and wait on its completion:
//
//	cfg := loadgen.DefaultConfig()
//	cfg.Host = "localhost"
//	cfg.Port = 8080
//	cfg.Users = 4
//	cfg.Iterations = 100
//	cfg.Resources = []*loadgen.Resource{
//		loadgen.NewResource("/",
//			loadgen.NewResource("/styles.css"),
//			loadgen.NewResource("/app.js"),
//		),
//	}
//	gen, err := loadgen.New(cfg)
//	if err != nil {
//		// configuration problem, reported before anything runs
//	}
//	run := gen.Begin()
//	err = run.Wait(ctx)
//
// A run completes with nil when the iteration budget finishes, with
// [ErrInterrupted] after [LoadGenerator.Interrupt] or a Config.RunFor bound,
// and with a [ErrTransportStart]-wrapped error when the client transport
// cannot be built.
//
// # Resource trees
//
// A [Resource] describes one request plus the resources that depend on it.
// Children of a node are issued concurrently with each other once their
// parent has completed, modelling browser-style waterfalls; a node without a
// path is a group that only issues its children. Observers receive one
// [NodeListener] callback per resource and one [TreeListener] callback per
// subtree root, strictly after all of the subtree's node callbacks.
//
// # Measurement
//
// Latency (send to first response byte) and response time (send to last
// byte) are recorded into high-dynamic-range histograms covering 1µs..1min,
// globally and per path. [LoadGenerator.LatencySnapshot] and the display
// listeners expose interval histograms: samples since the previous snapshot.
// Warmup iterations exercise the full request path but record nothing.
package loadgen
