package loadgen

import (
	"net/http"
	"time"
)

// Resource describes one HTTP request plus the resources that depend on it.
// A Resource without a Path is a group: it issues no request of its own, only
// its children. Trees are shared read-only between workers and must not be
// mutated once a generator is built.
type Resource struct {
	// Path is the request path. Empty marks a group node.
	Path string
	// Method defaults to GET.
	Method string
	// ResponseLength is sent as the X-Download header; the server is
	// expected to answer with a body of exactly that many bytes.
	ResponseLength int
	// RequestLength is the number of zero bytes sent as the request body.
	RequestLength int
	// Children are issued concurrently with each other once this node has
	// completed (immediately, for a group node).
	Children []*Resource
}

// NewResource builds a path-bearing node with the given children.
func NewResource(path string, children ...*Resource) *Resource {
	return &Resource{Path: path, Children: children}
}

// NewGroup builds a grouping node that only issues its children.
func NewGroup(children ...*Resource) *Resource {
	return &Resource{Children: children}
}

func (r *Resource) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// Walk visits the tree post-order: children first, then the node itself.
func (r *Resource) Walk(visitor func(*Resource)) {
	if r == nil {
		return
	}
	for _, c := range r.Children {
		c.Walk(visitor)
	}
	visitor(r)
}

// Count returns the number of requests one issue of the tree produces.
// Group nodes contribute nothing.
func (r *Resource) Count() int {
	n := 0
	r.Walk(func(node *Resource) {
		if node.Path != "" {
			n++
		}
	})
	return n
}

// Info captures the outcome of one in-flight occurrence of a Resource.
// Timestamps are monotonic nanoseconds from a common origin; an Info for a
// group node carries no timings.
type Info struct {
	Resource *Resource
	// RequestStart is the instant the request was handed to the client,
	// matching the After-Send-Time header it carried.
	RequestStart int64
	// ResponseStart is the instant the first response byte arrived.
	ResponseStart int64
	// ResponseEnd is the instant the last response byte arrived.
	ResponseEnd int64
	Status      int
	BytesSent   int64
	BytesRecv   int64
	// Failed reports a transport failure, or a server error when the
	// generator is configured to count those as failures.
	Failed bool
}

// Latency is the time from request submission to the first response byte.
func (i *Info) Latency() time.Duration {
	return time.Duration(i.ResponseStart - i.RequestStart)
}

// ResponseTime is the time from request submission to the last response byte.
func (i *Info) ResponseTime() time.Duration {
	return time.Duration(i.ResponseEnd - i.RequestStart)
}

// NodeListener is notified once per resource when it reaches a terminal
// outcome. Implementations must be safe for concurrent use.
type NodeListener interface {
	OnResourceNode(info *Info)
}

// NodeListenerFunc adapts a function to NodeListener.
type NodeListenerFunc func(info *Info)

func (f NodeListenerFunc) OnResourceNode(info *Info) { f(info) }

// TreeListener is notified exactly once per subtree root, strictly after
// every NodeListener callback for that subtree.
type TreeListener interface {
	OnResourceTree(info *Info)
}

// TreeListenerFunc adapts a function to TreeListener.
type TreeListenerFunc func(info *Info)

func (f TreeListenerFunc) OnResourceTree(info *Info) { f(info) }
