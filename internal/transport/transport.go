// Package transport builds the wire-protocol round trippers the generator
// drives load through: HTTP/1 (cleartext and TLS), HTTP/2 (h2c and TLS),
// and FastCGI.
package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/gregw/loadgen/internal/fcgi"
)

// Kind names a supported wire protocol.
type Kind string

const (
	KindHTTP1    Kind = "http"
	KindHTTP1TLS Kind = "https"
	KindH2C      Kind = "h2c"
	KindH2       Kind = "h2"
	KindFCGI     Kind = "fcgi"
)

// Per-destination connection limits, browser-like multiplexing behavior.
// HTTP/2 multiplexes many streams over one connection; FastCGI mirrors
// the HTTP/1 limit.
const (
	http1MaxConnsPerDestination = 7
	fcgiMaxConnsPerDestination  = http1MaxConnsPerDestination
)

// Builder produces a transport ready to be wrapped by an HTTP client.
// Selectors sizes the HTTP/1 idle connection pool and is ignored by the
// HTTP/2 and FastCGI variants; tlsCfg applies to the secure variants and is
// ignored by the cleartext ones.
type Builder interface {
	Build(selectors int, tlsCfg *tls.Config) (http.RoundTripper, error)
	Scheme() string
}

// ForKind resolves a protocol name to its builder.
func ForKind(kind Kind) (Builder, error) {
	switch kind {
	case KindHTTP1:
		return HTTP1(), nil
	case KindHTTP1TLS:
		return HTTP1TLS(), nil
	case KindH2C:
		return H2C(), nil
	case KindH2:
		return H2(), nil
	case KindFCGI:
		return FastCGI(), nil
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", kind)
	}
}

// HTTP1 builds a cleartext HTTP/1.1 transport.
func HTTP1() Builder { return http1Builder{} }

// HTTP1TLS builds an HTTP/1.1 transport over TLS.
func HTTP1TLS() Builder { return http1Builder{secure: true} }

// H2C builds a cleartext HTTP/2 transport with prior knowledge.
func H2C() Builder { return h2Builder{} }

// H2 builds an HTTP/2 transport over TLS.
func H2() Builder { return h2Builder{secure: true} }

// FastCGI builds a FastCGI responder transport.
func FastCGI() Builder { return fcgiBuilder{} }

type http1Builder struct {
	secure bool
}

func (b http1Builder) Build(selectors int, tlsCfg *tls.Config) (http.RoundTripper, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     false,
		MaxConnsPerHost:       http1MaxConnsPerDestination,
		MaxIdleConnsPerHost:   idlePerHost(selectors),
		MaxIdleConns:          idlePerHost(selectors) * 8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if b.secure {
		t.TLSClientConfig = tlsCfg
	}
	return t, nil
}

func (b http1Builder) Scheme() string {
	if b.secure {
		return "https"
	}
	return "http"
}

type h2Builder struct {
	secure bool
}

func (b h2Builder) Build(selectors int, tlsCfg *tls.Config) (http.RoundTripper, error) {
	if b.secure {
		return &http2.Transport{TLSClientConfig: tlsCfg}, nil
	}
	// Cleartext HTTP/2 with prior knowledge: dial plain TCP and speak h2.
	return &http2.Transport{
		AllowHTTP: true,
		DialTLS: func(network, addr string, _ *tls.Config) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: 30 * time.Second}
			return dialer.Dial(network, addr)
		},
	}, nil
}

func (b h2Builder) Scheme() string {
	if b.secure {
		return "https"
	}
	return "http"
}

type fcgiBuilder struct{}

func (fcgiBuilder) Build(selectors int, _ *tls.Config) (http.RoundTripper, error) {
	return &fcgi.RoundTripper{MaxConns: fcgiMaxConnsPerDestination}, nil
}

func (fcgiBuilder) Scheme() string { return "http" }

func idlePerHost(selectors int) int {
	if selectors < 1 {
		selectors = 1
	}
	return selectors * 8
}
