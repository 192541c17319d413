package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/confman/pkg/stores"
	"github.com/openfroyo/confman/pkg/transports/ssh"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].Type != SourceDirectory {
		t.Errorf("Expected one directory source, got %+v", cfg.Sources)
	}
	if cfg.Store.Driver != stores.DriverSQLite {
		t.Errorf("Expected sqlite store, got %s", cfg.Store.Driver)
	}
}

func TestParse_YAML(t *testing.T) {
	data := `
sources:
  - name: etc
    type: directory
    path: /etc/confman
    interval: 10s
    watch: true
  - name: remote
    type: sftp
    path: /srv/confman
    ssh:
      host: config.example.com
      user: deploy
      auth_method: agent
      connection_timeout: 5s
  - name: api
    type: registry
store:
  driver: memory
policy:
  enabled: true
  paths: [/etc/confman/policies]
  watch: true
queue:
  apply_timeout: 2s
telemetry:
  logging:
    level: debug
`
	cfg, err := Parse("confman.yaml", FormatYAML, []byte(data))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(cfg.Sources) != 3 {
		t.Fatalf("Expected 3 sources, got %d", len(cfg.Sources))
	}
	if got := time.Duration(cfg.Sources[0].Interval); got != 10*time.Second {
		t.Errorf("Interval = %s, want 10s", got)
	}
	if got := time.Duration(cfg.Sources[2].Interval); got != DefaultPollInterval {
		t.Errorf("Registry interval = %s, want default", got)
	}

	remote, ok := cfg.Source("remote")
	if !ok || remote.SSH == nil {
		t.Fatalf("Expected remote source with ssh settings")
	}
	transport := remote.SSH.Transport()
	if transport.Host != "config.example.com" || transport.AuthMethod != ssh.AuthMethodAgent {
		t.Errorf("Unexpected transport config: %+v", transport)
	}
	if transport.Port != 22 || transport.ConnectionTimeout != 5*time.Second {
		t.Errorf("Expected defaults merged, got port=%d timeout=%s", transport.Port, transport.ConnectionTimeout)
	}

	if cfg.Store.Driver != stores.DriverMemory {
		t.Errorf("Driver = %s, want memory", cfg.Store.Driver)
	}
	if time.Duration(cfg.Queue.ApplyTimeout) != 2*time.Second {
		t.Errorf("ApplyTimeout = %s", cfg.Queue.ApplyTimeout)
	}
	// Sections missing from the document keep their defaults.
	if time.Duration(cfg.Queue.ScanTimeout) != time.Minute {
		t.Errorf("ScanTimeout = %s, want default 1m", cfg.Queue.ScanTimeout)
	}
	if cfg.Adapters.WASMMemoryPages != 256 {
		t.Errorf("WASMMemoryPages = %d, want 256", cfg.Adapters.WASMMemoryPages)
	}

	tc := cfg.Telemetry.Build("1.2.3")
	if tc.Logging.Level != "debug" || tc.ServiceVersion != "1.2.3" || tc.Tracing.Enabled {
		t.Errorf("Unexpected telemetry config: %+v", tc)
	}
}

func TestParse_JSON(t *testing.T) {
	data := `{"sources": [{"name": "etc", "type": "directory", "path": "/etc/confman"}], "store": {"driver": "sqlite", "path": "/var/lib/confman.db"}}`

	cfg, err := Parse("confman.json", FormatJSON, []byte(data))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Store.Stores().Path != "/var/lib/confman.db" {
		t.Errorf("Unexpected store config: %+v", cfg.Store)
	}
}

func TestParse_CUE(t *testing.T) {
	data := `
_root: "/etc/confman"

sources: [
	{name: "services", type: "directory", path: _root, interval: "1m"},
]
adapters: {
	starlark_timeout: "2s"
	wasm_memory_pages: 128
}
`
	cfg, err := Parse("confman.cue", FormatCUE, []byte(data))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Sources[0].Path != "/etc/confman" {
		t.Errorf("Path = %s", cfg.Sources[0].Path)
	}
	opts := cfg.Adapters.Options()
	if opts.Starlark.Timeout != 2*time.Second || opts.WASM.MemoryLimitPages != 128 {
		t.Errorf("Unexpected adapter options: %+v", opts)
	}
	if opts.WASM.Timeout != 10*time.Second {
		t.Errorf("WASM timeout = %s, want default", opts.WASM.Timeout)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		format string
		data   string
	}{
		{
			name:   "unknown field",
			format: FormatYAML,
			data:   "stor:\n  driver: memory\n",
		},
		{
			name:   "bad source type",
			format: FormatYAML,
			data:   "sources:\n  - name: x\n    type: git\n    path: /x\n",
		},
		{
			name:   "bad duration",
			format: FormatYAML,
			data:   "queue:\n  apply_timeout: soon\n",
		},
		{
			name:   "sftp without ssh",
			format: FormatYAML,
			data:   "sources:\n  - name: x\n    type: sftp\n    path: /x\n",
		},
		{
			name:   "directory without path",
			format: FormatYAML,
			data:   "sources:\n  - name: x\n    type: directory\n",
		},
		{
			name:   "duplicate source names",
			format: FormatYAML,
			data:   "sources:\n  - {name: x, type: registry}\n  - {name: x, type: registry}\n",
		},
		{
			name:   "watch on registry",
			format: FormatYAML,
			data:   "sources:\n  - {name: x, type: registry, watch: true}\n",
		},
		{
			name:   "otlp without endpoint",
			format: FormatYAML,
			data:   "telemetry:\n  tracing:\n    exporter: otlp\n",
		},
		{
			name:   "sqlite without path",
			format: FormatJSON,
			data:   `{"store": {"driver": "sqlite", "path": ""}}`,
		},
		{
			name:   "cue conflict",
			format: FormatCUE,
			data:   "store: driver: \"postgres\"\n",
		},
		{
			name:   "cue syntax",
			format: FormatCUE,
			data:   "store: {\n",
		},
		{
			name:   "yaml syntax",
			format: FormatYAML,
			data:   "sources: [\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse("test", tt.format, []byte(tt.data)); err == nil {
				t.Error("Expected Parse to fail")
			}
		})
	}
}

func TestParse_ValidationError(t *testing.T) {
	_, err := Parse("test.yaml", FormatYAML, []byte("sources:\n  - name: x\n    type: sftp\n    path: /x\n"))

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected *ValidationError, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), "SSH") {
		t.Errorf("Error should name the field: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "confman.yml")
	if err := os.WriteFile(path, []byte("store:\n  driver: memory\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Driver != stores.DriverMemory {
		t.Errorf("Driver = %s", cfg.Store.Driver)
	}
	if len(cfg.Sources) != 0 {
		t.Errorf("Sources must not be defaulted, got %+v", cfg.Sources)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}

	toml := filepath.Join(dir, "confman.toml")
	if err := os.WriteFile(toml, []byte(""), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := Load(toml); err == nil {
		t.Error("Expected error for unsupported extension")
	}
}

func TestDuration(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"1m30s"`)); err != nil {
		t.Fatalf("UnmarshalJSON failed: %v", err)
	}
	if time.Duration(d) != 90*time.Second {
		t.Errorf("Duration = %s", d)
	}

	out, err := d.MarshalJSON()
	if err != nil || string(out) != `"1m30s"` {
		t.Errorf("MarshalJSON = %s, %v", out, err)
	}

	if err := d.UnmarshalJSON([]byte(`90`)); err == nil {
		t.Error("Expected numeric durations to be rejected")
	}
}
