package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Supported configuration file formats.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
	FormatCUE  = "cue"
)

var (
	schemaOnce sync.Once
	schema     *Schema
	schemaErr  error

	validate = validator.New()
)

func defaultSchema() (*Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = NewSchema()
	})
	return schema, schemaErr
}

// Load reads a configuration file. The format is taken from the extension:
// .yaml/.yml, .json or .cue.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(filepath.Base(path), format, data)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return cfg, nil
}

// FormatOf maps a file extension to a configuration format.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
}

// Parse decodes a configuration document, checks it against the schema,
// applies defaults and validates the result. Sections missing from the
// document keep their Default values; sources are never defaulted.
func Parse(filename, format string, data []byte) (*Config, error) {
	s, err := defaultSchema()
	if err != nil {
		return nil, err
	}

	var doc []byte
	switch format {
	case FormatCUE:
		doc, err = s.ValidateCUE(filename, data)
	case FormatYAML, FormatJSON:
		var raw map[string]interface{}
		if format == FormatYAML {
			err = yaml.Unmarshal(data, &raw)
		} else {
			err = json.Unmarshal(data, &raw)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s config: %w", format, err)
		}
		if raw == nil {
			raw = map[string]interface{}{}
		}
		doc, err = s.ValidateData(raw)
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	if err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.Sources = nil

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Sources {
		if c.Sources[i].Interval == 0 {
			c.Sources[i].Interval = Duration(DefaultPollInterval)
		}
	}
}

// Validate checks the struct constraints of c.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return c.validateSources()
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("failed to validate config: %w", err)
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s: failed %q constraint", fe.Namespace(), fe.Tag()))
	}
	return &ValidationError{Fields: fields}
}

// validateSources checks what the struct tags cannot express.
func (c *Config) validateSources() error {
	var fields []string
	for _, s := range c.Sources {
		if s.Watch && s.Type != SourceDirectory {
			fields = append(fields, fmt.Sprintf("Config.Sources[%s].Watch: only directory sources can be watched", s.Name))
		}
		if s.SSH != nil && s.Type != SourceSFTP {
			fields = append(fields, fmt.Sprintf("Config.Sources[%s].SSH: only sftp sources take ssh settings", s.Name))
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
