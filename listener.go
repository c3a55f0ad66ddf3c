package loadgen

import "net/http"

// RequestListener observes the raw request lifecycle on the hot path. All
// callbacks may be invoked concurrently from multiple workers.
type RequestListener interface {
	// OnBegin fires just before the request is handed to the client.
	OnBegin(req *http.Request)
	// OnCommit fires once the request has been fully written.
	OnCommit(req *http.Request)
	// OnSuccess fires when a response completed without a failure.
	OnSuccess(req *http.Request)
	// OnFailure fires when the request failed.
	OnFailure(req *http.Request, err error)
}

// RequestListenerFuncs implements RequestListener from optional functions;
// nil fields are no-ops.
type RequestListenerFuncs struct {
	Begin   func(req *http.Request)
	Commit  func(req *http.Request)
	Success func(req *http.Request)
	Failure func(req *http.Request, err error)
}

func (l RequestListenerFuncs) OnBegin(req *http.Request) {
	if l.Begin != nil {
		l.Begin(req)
	}
}

func (l RequestListenerFuncs) OnCommit(req *http.Request) {
	if l.Commit != nil {
		l.Commit(req)
	}
}

func (l RequestListenerFuncs) OnSuccess(req *http.Request) {
	if l.Success != nil {
		l.Success(req)
	}
}

func (l RequestListenerFuncs) OnFailure(req *http.Request, err error) {
	if l.Failure != nil {
		l.Failure(req, err)
	}
}

// LatencyListener receives one sample per successful measured request:
// nanoseconds from send to first response byte.
type LatencyListener interface {
	OnLatencyValue(nanos int64)
}

// LatencyListenerFunc adapts a function to LatencyListener.
type LatencyListenerFunc func(nanos int64)

func (f LatencyListenerFunc) OnLatencyValue(nanos int64) { f(nanos) }

// ResponseTimeListener receives one sample per successful measured request:
// nanoseconds from send to last response byte, keyed by resource path.
type ResponseTimeListener interface {
	OnResponseTimeValue(path string, nanos int64)
}

// ResponseTimeListenerFunc adapts a function to ResponseTimeListener.
type ResponseTimeListenerFunc func(path string, nanos int64)

func (f ResponseTimeListenerFunc) OnResponseTimeValue(path string, nanos int64) { f(path, nanos) }

// StopListener is implemented by listeners that need a terminal callback to
// flush and release when the run reaches its terminal state. Any listener
// registered with the generator may additionally implement it.
type StopListener interface {
	OnLoadGeneratorStop()
}
