package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/confman/pkg/adapters"
	"github.com/openfroyo/confman/pkg/stores"
	"github.com/openfroyo/confman/pkg/telemetry"
	"github.com/openfroyo/confman/pkg/transports/ssh"
)

// Source types.
const (
	SourceDirectory = "directory"
	SourceSFTP      = "sftp"
	SourceRegistry  = "registry"
)

// DefaultPollInterval is used for sources without an interval.
const DefaultPollInterval = 30 * time.Second

// Config is the confman daemon configuration.
type Config struct {
	// Sources lists the configuration sources kept in sync with the store.
	Sources []SourceConfig `json:"sources,omitempty" yaml:"sources,omitempty" validate:"unique=Name,dive"`

	// Store selects the configuration store.
	Store StoreConfig `json:"store" yaml:"store"`

	// Policy configures admission policies.
	Policy PolicyConfig `json:"policy" yaml:"policy"`

	// Adapters configures the script adapters.
	Adapters AdaptersConfig `json:"adapters" yaml:"adapters"`

	// Queue configures the command queue and scanners.
	Queue QueueConfig `json:"queue" yaml:"queue"`

	// Telemetry configures logging, metrics, tracing and events.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// SourceConfig describes one configuration source.
type SourceConfig struct {
	// Name identifies the source in logs, metrics and source metadata.
	Name string `json:"name" yaml:"name" validate:"required,max=64"`

	// Type is directory, sftp or registry.
	Type string `json:"type" yaml:"type" validate:"required,oneof=directory sftp registry"`

	// Path is the configuration root. Remote for sftp sources.
	Path string `json:"path,omitempty" yaml:"path,omitempty" validate:"required_unless=Type registry"`

	// Interval is the poll interval.
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty" validate:"gt=0"`

	// Watch triggers a scan on file system events. Local directories only.
	Watch bool `json:"watch,omitempty" yaml:"watch,omitempty"`

	// Overwrite lets files replace configurations the store held before the first scan.
	Overwrite bool `json:"overwrite,omitempty" yaml:"overwrite,omitempty"`

	// SSH is required for sftp sources.
	SSH *SSHConfig `json:"ssh,omitempty" yaml:"ssh,omitempty" validate:"required_if=Type sftp"`
}

// SSHConfig holds the connection settings of an sftp source.
type SSHConfig struct {
	Host                  string   `json:"host" yaml:"host" validate:"required,hostname_rfc1123|ip"`
	Port                  int      `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User                  string   `json:"user" yaml:"user" validate:"required"`
	AuthMethod            string   `json:"auth_method,omitempty" yaml:"auth_method,omitempty" validate:"omitempty,oneof=password key agent"`
	Password              string   `json:"password,omitempty" yaml:"password,omitempty" validate:"required_if=AuthMethod password"`
	PrivateKeyPath        string   `json:"private_key_path,omitempty" yaml:"private_key_path,omitempty"`
	PrivateKeyPassphrase  string   `json:"private_key_passphrase,omitempty" yaml:"private_key_passphrase,omitempty"`
	KnownHostsPath        string   `json:"known_hosts_path,omitempty" yaml:"known_hosts_path,omitempty"`
	StrictHostKeyChecking *bool    `json:"strict_host_key_checking,omitempty" yaml:"strict_host_key_checking,omitempty"`
	ConnectionTimeout     Duration `json:"connection_timeout,omitempty" yaml:"connection_timeout,omitempty"`
	MaxFileSize           int64    `json:"max_file_size,omitempty" yaml:"max_file_size,omitempty" validate:"omitempty,gt=0"`
}

// StoreConfig selects the configuration store.
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver" validate:"required,oneof=sqlite memory"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty" validate:"required_if=Driver sqlite"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	// Enabled turns on the built-in policies and the ones under Paths.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Paths are .rego or .json policy files and directories.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty" validate:"dive,required"`

	// Watch reloads policies when files under Paths change.
	Watch bool `json:"watch,omitempty" yaml:"watch,omitempty"`
}

// AdaptersConfig configures the script adapters.
type AdaptersConfig struct {
	StarlarkTimeout Duration `json:"starlark_timeout,omitempty" yaml:"starlark_timeout,omitempty" validate:"gte=0"`
	WASMTimeout     Duration `json:"wasm_timeout,omitempty" yaml:"wasm_timeout,omitempty" validate:"gte=0"`
	WASMMemoryPages uint32   `json:"wasm_memory_pages,omitempty" yaml:"wasm_memory_pages,omitempty" validate:"lte=65536"`
}

// QueueConfig configures the command queue and scanners.
type QueueConfig struct {
	// ApplyTimeout bounds one store write. Zero means no bound.
	ApplyTimeout Duration `json:"apply_timeout,omitempty" yaml:"apply_timeout,omitempty" validate:"gte=0"`

	// ScanTimeout bounds one source scan. Zero means no bound.
	ScanTimeout Duration `json:"scan_timeout,omitempty" yaml:"scan_timeout,omitempty" validate:"gte=0"`
}

// TelemetryConfig is the file form of telemetry.Config.
type TelemetryConfig struct {
	Environment string `json:"environment,omitempty" yaml:"environment,omitempty"`

	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Events  EventsConfig  `json:"events" yaml:"events"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format string `json:"format,omitempty" yaml:"format,omitempty" validate:"omitempty,oneof=console json"`
	Output string `json:"output,omitempty" yaml:"output,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address,omitempty" yaml:"address,omitempty" validate:"omitempty,hostname_port"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty" validate:"omitempty,startswith=/"`
}

// TracingConfig configures the trace exporter.
type TracingConfig struct {
	Exporter     string  `json:"exporter,omitempty" yaml:"exporter,omitempty" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint     string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `json:"sampling_rate,omitempty" yaml:"sampling_rate,omitempty" validate:"gte=0,lte=1"`
	Insecure     bool    `json:"insecure,omitempty" yaml:"insecure,omitempty"`
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	BufferSize int  `json:"buffer_size,omitempty" yaml:"buffer_size,omitempty" validate:"gte=0"`
}

// Default returns a configuration that syncs ./confman.d into a local SQLite store.
func Default() *Config {
	return &Config{
		Sources: []SourceConfig{{
			Name:     "local",
			Type:     SourceDirectory,
			Path:     "confman.d",
			Interval: Duration(DefaultPollInterval),
			Watch:    true,
		}},
		Store: StoreConfig{
			Driver: stores.DriverSQLite,
			Path:   "confman.db",
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Adapters: AdaptersConfig{
			StarlarkTimeout: Duration(5 * time.Second),
			WASMTimeout:     Duration(10 * time.Second),
			WASMMemoryPages: 256,
		},
		Queue: QueueConfig{
			ApplyTimeout: Duration(30 * time.Second),
			ScanTimeout:  Duration(time.Minute),
		},
		Telemetry: TelemetryConfig{
			Environment: "development",
			Logging: LoggingConfig{
				Level:  "info",
				Format: "console",
				Output: "stderr",
			},
			Metrics: MetricsConfig{
				Address: ":9090",
				Path:    "/metrics",
			},
			Tracing: TracingConfig{
				Exporter:     "none",
				SamplingRate: 1.0,
				Insecure:     true,
			},
			Events: EventsConfig{
				Enabled:    true,
				BufferSize: 1000,
			},
		},
	}
}

// Source returns the source named name.
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// Stores returns the stores.Config for the configured store.
func (s StoreConfig) Stores() stores.Config {
	return stores.Config{
		Driver: s.Driver,
		Path:   s.Path,
	}
}

// Options returns the options for adapters.Default.
func (a AdaptersConfig) Options() adapters.Options {
	return adapters.Options{
		Starlark: adapters.StarlarkOptions{Timeout: time.Duration(a.StarlarkTimeout)},
		WASM: adapters.WASMOptions{
			Timeout:          time.Duration(a.WASMTimeout),
			MemoryLimitPages: a.WASMMemoryPages,
		},
	}
}

// Transport returns the transport configuration, filling unset fields from ssh.DefaultConfig.
func (s *SSHConfig) Transport() *ssh.Config {
	cfg := ssh.DefaultConfig(s.Host, s.User)
	if s.Port != 0 {
		cfg.Port = s.Port
	}
	if s.AuthMethod != "" {
		cfg.AuthMethod = ssh.AuthMethod(s.AuthMethod)
	}
	cfg.Password = s.Password
	cfg.PrivateKeyPath = s.PrivateKeyPath
	cfg.PrivateKeyPassphrase = s.PrivateKeyPassphrase
	if s.KnownHostsPath != "" {
		cfg.KnownHostsPath = s.KnownHostsPath
	}
	if s.StrictHostKeyChecking != nil {
		cfg.StrictHostKeyChecking = *s.StrictHostKeyChecking
	}
	if s.ConnectionTimeout > 0 {
		cfg.ConnectionTimeout = time.Duration(s.ConnectionTimeout)
	}
	if s.MaxFileSize > 0 {
		cfg.MaxFileSize = s.MaxFileSize
	}
	return cfg
}

// Build returns the telemetry.Config, filling unset fields from telemetry.DefaultConfig.
func (t TelemetryConfig) Build(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}
	if t.Environment != "" {
		cfg.Environment = t.Environment
	}

	if t.Logging.Level != "" {
		cfg.Logging.Level = t.Logging.Level
	}
	if t.Logging.Format != "" {
		cfg.Logging.Format = t.Logging.Format
	}
	if t.Logging.Output != "" {
		cfg.Logging.Output = t.Logging.Output
	}

	cfg.Metrics.Enabled = t.Metrics.Enabled
	if t.Metrics.Address != "" {
		cfg.Metrics.ListenAddress = t.Metrics.Address
	}
	if t.Metrics.Path != "" {
		cfg.Metrics.Path = t.Metrics.Path
	}

	if t.Tracing.Exporter != "" {
		cfg.Tracing.Exporter = t.Tracing.Exporter
	}
	cfg.Tracing.Enabled = cfg.Tracing.Exporter != "none"
	cfg.Tracing.Endpoint = t.Tracing.Endpoint
	if t.Tracing.SamplingRate > 0 {
		cfg.Tracing.SamplingRate = t.Tracing.SamplingRate
	}
	cfg.Tracing.Insecure = t.Tracing.Insecure

	cfg.Events.Enabled = t.Events.Enabled
	if t.Events.BufferSize > 0 {
		cfg.Events.BufferSize = t.Events.BufferSize
	}

	return cfg
}

// Duration is a time.Duration written as a Go duration string ("30s", "5m").
type Duration time.Duration

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string such as \"30s\": %w", err)
	}
	return d.parse(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string such as \"30s\": %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}
