package adapters

import (
	"fmt"
	"reflect"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/confman/pkg/engine"
)

// Adapter names as reported by AdapterChain.Names.
const (
	NameDictionary = "dictionary"
	NameMap        = "map"
	NameText       = "text"
	NameYAML       = "yaml"
	NameJSON       = "json"
	NameCUE        = "cue"
	NameStarlark   = "starlark"
	NameWASM       = "wasm"
	NameStruct     = "struct"
)

// Options configures the default adapter set.
type Options struct {
	// Starlark configures the Starlark adapter.
	Starlark StarlarkOptions

	// WASM configures the WASM adapter.
	WASM WASMOptions
}

// Default returns a chain holding every built-in adapter in lookup order.
// Identity adapters come first so already-normalized objects short-circuit.
func Default(opts Options) (*engine.AdapterChain, error) {
	star, err := Starlark(opts.Starlark)
	if err != nil {
		return nil, fmt.Errorf("failed to create starlark adapter: %w", err)
	}

	return engine.NewAdapterChain(
		Dictionary(),
		Map(),
		Text(),
		YAML(),
		JSON(),
		CUE(),
		star,
		WASM(opts.WASM),
		Struct(),
	), nil
}

// formatIs matches raw bytes whose source format is one of formats.
func formatIs(formats ...string) engine.Specification {
	return engine.MetadataIn(engine.SourceFormatKey, formats...).And(engine.ObjectOfType[[]byte]())
}

// Dictionary passes dictionaries through as a copy.
func Dictionary() engine.Adapter {
	return engine.NewAdapter(NameDictionary, engine.ObjectOfType[engine.Dictionary](), func(obj interface{}) (interface{}, error) {
		return obj.(engine.Dictionary).Clone(), nil
	})
}

// Map converts a plain map into a Dictionary.
func Map() engine.Adapter {
	return engine.NewAdapter(NameMap, engine.ObjectOfType[map[string]interface{}](), func(obj interface{}) (interface{}, error) {
		m := obj.(map[string]interface{})
		if m == nil {
			return nil, nil
		}
		return engine.Dictionary(m).Clone(), nil
	})
}

// Text turns strings into bytes so the format adapters can pick them up.
func Text() engine.Adapter {
	return engine.NewAdapter(NameText, engine.ObjectOfType[string](), func(obj interface{}) (interface{}, error) {
		return []byte(obj.(string)), nil
	})
}

// Struct converts any struct, or pointer to one, into a map using its yaml tags.
func Struct() engine.Adapter {
	isStruct := func(_ engine.Dictionary, obj interface{}) bool {
		t := reflect.TypeOf(obj)
		if t == nil {
			return false
		}
		if t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		return t.Kind() == reflect.Struct
	}

	return engine.NewAdapter(NameStruct, isStruct, func(obj interface{}) (interface{}, error) {
		if v := reflect.ValueOf(obj); v.Kind() == reflect.Pointer && v.IsNil() {
			return nil, nil
		}

		data, err := yaml.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %T: %w", obj, err)
		}

		out := make(map[string]interface{})
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("failed to convert %T: %w", obj, err)
		}
		return out, nil
	})
}

func withDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
