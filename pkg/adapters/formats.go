package adapters

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/confman/pkg/engine"
)

// YAML parses bytes from yaml or yml sources.
// An empty document yields an empty map.
func YAML() engine.Adapter {
	return engine.NewAdapter(NameYAML, formatIs("yaml", "yml"), func(obj interface{}) (interface{}, error) {
		out := make(map[string]interface{})
		if err := yaml.Unmarshal(obj.([]byte), &out); err != nil {
			return nil, fmt.Errorf("failed to parse yaml: %w", err)
		}
		return out, nil
	})
}

// JSON parses bytes from json sources. The document must be an object.
func JSON() engine.Adapter {
	return engine.NewAdapter(NameJSON, formatIs("json"), func(obj interface{}) (interface{}, error) {
		data := obj.([]byte)
		if len(bytes.TrimSpace(data)) == 0 {
			return map[string]interface{}{}, nil
		}

		var out map[string]interface{}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("failed to parse json: %w", err)
		}
		return out, nil
	})
}

// cueAdapter evaluates CUE sources. Every field must be concrete.
type cueAdapter struct {
	mu  sync.Mutex
	ctx *cue.Context
}

// CUE evaluates bytes from cue sources.
func CUE() engine.Adapter {
	return &cueAdapter{ctx: cuecontext.New()}
}

func (a *cueAdapter) Name() string { return NameCUE }

func (a *cueAdapter) Matches(metadata engine.Dictionary, obj interface{}) bool {
	return formatIs("cue")(metadata, obj)
}

func (a *cueAdapter) Adapt(obj interface{}) (interface{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	val := a.ctx.CompileBytes(obj.([]byte), cue.Filename("config.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile cue: %w", err)
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("cue value is not concrete: %w", err)
	}
	if val.Kind() != cue.StructKind {
		return nil, fmt.Errorf("cue value must be a struct, got %s", val.Kind())
	}

	out := make(map[string]interface{})
	if err := val.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode cue: %w", err)
	}
	return out, nil
}
