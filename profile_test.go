package loadgen

import (
	"strings"
	"testing"
	"time"
)

const sampleProfile = `
host: example.org
port: 8443
transport: h2
users: 4
iterations: 10
warmup_iterations: 2
resource_rate: 100
run_for: 30s
pacing: uniform
resources:
  - path: /
    response_length: 16384
    children:
      - path: /styles.css
        response_length: 4096
      - path: /api/items
        method: POST
        request_length: 512
`

func TestParseProfile(t *testing.T) {
	cfg, err := ParseProfile([]byte(sampleProfile))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Host != "example.org" || cfg.Port != 8443 {
		t.Fatalf("target = %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.Users != 4 || cfg.Iterations != 10 || cfg.WarmupIterations != 2 {
		t.Fatalf("knobs = users=%d iterations=%d warmup=%d",
			cfg.Users, cfg.Iterations, cfg.WarmupIterations)
	}
	if cfg.ResourceRate != 100 || cfg.RunFor != 30*time.Second {
		t.Fatalf("rate=%d runFor=%s", cfg.ResourceRate, cfg.RunFor)
	}
	if cfg.Pacing != PacingUniform {
		t.Fatalf("pacing = %q", cfg.Pacing)
	}
	if cfg.Transport.Scheme() != "https" {
		t.Fatalf("h2 transport scheme = %q", cfg.Transport.Scheme())
	}
	if len(cfg.Resources) != 1 {
		t.Fatalf("roots = %d", len(cfg.Resources))
	}
	root := cfg.Resources[0]
	if root.Path != "/" || root.ResponseLength != 16384 || len(root.Children) != 2 {
		t.Fatalf("root = %+v", root)
	}
	post := root.Children[1]
	if post.Method != "POST" || post.RequestLength != 512 {
		t.Fatalf("post child = %+v", post)
	}
}

func TestParseProfileZeroIterationsIsUnbounded(t *testing.T) {
	cfg, err := ParseProfile([]byte("iterations: 0\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Iterations != 0 {
		t.Fatalf("iterations = %d, want 0 (unbounded)", cfg.Iterations)
	}
}

func TestParseProfileOmittedIterationsKeepDefault(t *testing.T) {
	cfg, err := ParseProfile([]byte("host: example.org\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Iterations != 1 {
		t.Fatalf("iterations = %d, want default 1", cfg.Iterations)
	}
}

func TestParseProfileUnknownTransport(t *testing.T) {
	_, err := ParseProfile([]byte("transport: gopher\n"))
	if err == nil {
		t.Fatalf("expected unknown transport error")
	}
}

func TestLoadProfile(t *testing.T) {
	cfg, err := LoadProfile(strings.NewReader(sampleProfile))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Host != "example.org" {
		t.Fatalf("host = %q", cfg.Host)
	}
	if _, err := New(cfg); err != nil {
		t.Fatalf("parsed profile does not validate: %v", err)
	}
}
