package config

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// schemaSource constrains the shape of a configuration document. Definitions
// are closed, so unknown fields are rejected.
const schemaSource = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"

#SSH: {
	host:                      string & !=""
	port?:                     int & >0 & <=65535
	user:                      string & !=""
	auth_method?:              "password" | "key" | "agent"
	password?:                 string
	private_key_path?:         string
	private_key_passphrase?:   string
	known_hosts_path?:         string
	strict_host_key_checking?: bool
	connection_timeout?:       #Duration
	max_file_size?:            int & >0
}

#Source: {
	name:       string & =~"^[A-Za-z0-9_.:-]+$"
	type:       "directory" | "sftp" | "registry"
	path?:      string
	interval?:  #Duration
	watch?:     bool
	overwrite?: bool
	ssh?:       #SSH
}

#Config: {
	sources?: [...#Source]
	store?: {
		driver?: "sqlite" | "memory"
		path?:   string
	}
	policy?: {
		enabled?: bool
		paths?: [...string]
		watch?: bool
	}
	adapters?: {
		starlark_timeout?:  #Duration
		wasm_timeout?:      #Duration
		wasm_memory_pages?: int & >0 & <=65536
	}
	queue?: {
		apply_timeout?: #Duration
		scan_timeout?:  #Duration
	}
	telemetry?: {
		environment?: string
		logging?: {
			level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?: "console" | "json"
			output?: string
		}
		metrics?: {
			enabled?: bool
			address?: string
			path?:    string
		}
		tracing?: {
			exporter?:      "otlp" | "stdout" | "none"
			endpoint?:      string
			sampling_rate?: number & >=0 & <=1
			insecure?:      bool
		}
		events?: {
			enabled?:     bool
			buffer_size?: int & >=0
		}
	}
}
`

// Schema checks configuration documents against the #Config definition.
// A cue.Context is not safe for concurrent use, so Schema serializes access.
type Schema struct {
	mu     sync.Mutex
	ctx    *cue.Context
	config cue.Value
}

// NewSchema compiles the built-in configuration schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	def := val.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("failed to look up #Config: %w", err)
	}

	return &Schema{ctx: ctx, config: def}, nil
}

// ValidateCUE unifies CUE source with #Config and returns the resulting
// document as JSON.
func (s *Schema) ValidateCUE(filename string, src []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val := s.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, schemaError(err)
	}
	return s.unify(val)
}

// ValidateData unifies a decoded document (maps, slices, scalars) with #Config
// and returns it as JSON.
func (s *Schema) ValidateData(data interface{}) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val := s.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return s.unify(val)
}

func (s *Schema) unify(val cue.Value) ([]byte, error) {
	unified := s.config.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, schemaError(err)
	}

	out, err := unified.MarshalJSON()
	if err != nil {
		return nil, schemaError(err)
	}
	return out, nil
}

// schemaError flattens CUE errors into one message with positions.
func schemaError(err error) error {
	return &ValidationError{Errors: errors.Errors(err)}
}

// ValidationError reports a configuration that does not match the schema or
// the struct constraints.
type ValidationError struct {
	Errors []errors.Error
	Fields []string
}

func (e *ValidationError) Error() string {
	msg := "invalid configuration"
	for _, ce := range e.Errors {
		msg += "\n  " + strings.TrimSpace(errors.Details(ce, nil))
	}
	for _, f := range e.Fields {
		msg += "\n  " + f
	}
	return msg
}
