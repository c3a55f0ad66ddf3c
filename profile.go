package loadgen

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gregw/loadgen/internal/transport"
)

// profileDoc is the YAML shape of a workload profile.
type profileDoc struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Transport        string        `yaml:"transport"`
	Selectors        int           `yaml:"selectors"`
	Users            int           `yaml:"users"`
	Iterations       *int          `yaml:"iterations"`
	WarmupIterations int           `yaml:"warmup_iterations"`
	ResourceRate     int           `yaml:"resource_rate"`
	RunFor           string        `yaml:"run_for"`
	Pacing           string        `yaml:"pacing"`
	FailOnErrors     bool          `yaml:"fail_on_server_errors"`
	Resources        []resourceDoc `yaml:"resources"`
}

type resourceDoc struct {
	Path           string        `yaml:"path"`
	Method         string        `yaml:"method"`
	ResponseLength int           `yaml:"response_length"`
	RequestLength  int           `yaml:"request_length"`
	Children       []resourceDoc `yaml:"children"`
}

// LoadProfile parses a YAML workload profile into a Config. Fields left out
// of the document keep the DefaultConfig values; validation still happens at
// New.
func LoadProfile(r io.Reader) (Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("loadgen: read profile: %w", err)
	}
	return ParseProfile(raw)
}

// LoadProfileFile reads a YAML workload profile from disk.
func LoadProfileFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("loadgen: open profile: %w", err)
	}
	defer f.Close()
	return LoadProfile(f)
}

// ParseProfile parses YAML profile bytes into a Config.
func ParseProfile(raw []byte) (Config, error) {
	var doc profileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("loadgen: parse profile: %w", err)
	}

	cfg := DefaultConfig()
	if doc.Host != "" {
		cfg.Host = doc.Host
	}
	if doc.Port != 0 {
		cfg.Port = doc.Port
	}
	if doc.Users != 0 {
		cfg.Users = doc.Users
	}
	if doc.Iterations != nil {
		cfg.Iterations = *doc.Iterations
	}
	cfg.WarmupIterations = doc.WarmupIterations
	cfg.ResourceRate = doc.ResourceRate
	if doc.RunFor != "" {
		d, err := time.ParseDuration(doc.RunFor)
		if err != nil {
			return Config{}, fmt.Errorf("loadgen: parse profile run_for: %w", err)
		}
		cfg.RunFor = d
	}
	cfg.Selectors = doc.Selectors
	cfg.FailOnServerErrors = doc.FailOnErrors
	if doc.Pacing != "" {
		cfg.Pacing = PacingPolicy(doc.Pacing)
	}

	if doc.Transport != "" {
		builder, err := transport.ForKind(transport.Kind(doc.Transport))
		if err != nil {
			return Config{}, fmt.Errorf("loadgen: parse profile: %w", err)
		}
		cfg.Transport = builder
	}

	if len(doc.Resources) > 0 {
		cfg.Resources = make([]*Resource, 0, len(doc.Resources))
		for _, rd := range doc.Resources {
			cfg.Resources = append(cfg.Resources, rd.resource())
		}
	}
	return cfg, nil
}

func (d resourceDoc) resource() *Resource {
	r := &Resource{
		Path:           d.Path,
		Method:         d.Method,
		ResponseLength: d.ResponseLength,
		RequestLength:  d.RequestLength,
	}
	for _, c := range d.Children {
		r.Children = append(r.Children, c.resource())
	}
	return r
}
