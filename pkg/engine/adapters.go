package engine

import (
	"fmt"
	"reflect"
	"regexp"
	"sync"
)

// Adapter converts a source object one step toward a Dictionary.
type Adapter interface {
	// Name identifies the adapter for registration and logging.
	Name() string

	// Matches reports whether the adapter can convert object given metadata.
	Matches(metadata Dictionary, object interface{}) bool

	// Adapt converts object. Returning a Dictionary ends the reduction.
	Adapt(object interface{}) (interface{}, error)
}

// AdapterChain is an ordered list of adapters queried in registration order.
type AdapterChain struct {
	mu       sync.RWMutex
	adapters []Adapter
}

// NewAdapterChain creates a chain with the given adapters in order.
func NewAdapterChain(adapters ...Adapter) *AdapterChain {
	c := &AdapterChain{}
	for _, a := range adapters {
		c.Register(a)
	}
	return c
}

// Register appends an adapter. An adapter with the same name is replaced in place.
func (c *AdapterChain) Register(adapter Adapter) {
	if adapter == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, a := range c.adapters {
		if a.Name() == adapter.Name() {
			c.adapters[i] = adapter
			return
		}
	}
	c.adapters = append(c.adapters, adapter)
}

// Unregister removes the adapter with the given name.
func (c *AdapterChain) Unregister(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, a := range c.adapters {
		if a.Name() == name {
			c.adapters = append(c.adapters[:i:i], c.adapters[i+1:]...)
			return true
		}
	}
	return false
}

// Names returns the registered adapter names in order.
func (c *AdapterChain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, len(c.adapters))
	for i, a := range c.adapters {
		names[i] = a.Name()
	}
	return names
}

// Find returns the first adapter matching metadata and object, or nil.
func (c *AdapterChain) Find(metadata Dictionary, object interface{}) Adapter {
	return findAdapter(c.list(), metadata, object)
}

// Reduce applies adapters until the object becomes a Dictionary.
//
// The reduction fails when no adapter matches, an adapter returns nil or an
// error, an adapter returns the type it was given, a type seen earlier in the
// reduction comes back, or more than len(adapters)+1 steps were taken.
func (c *AdapterChain) Reduce(metadata Dictionary, object interface{}) (Dictionary, error) {
	adapters := c.list()
	maxSteps := len(adapters) + 1

	current := object
	visited := map[reflect.Type]bool{reflect.TypeOf(current): true}

	for step := 1; step <= maxSteps; step++ {
		adapter := findAdapter(adapters, metadata, current)
		if adapter == nil {
			return nil, reduceError(ErrCodeNoAdapter,
				fmt.Sprintf("no adapter for %T", current), nil).WithDetail("step", step)
		}

		next, err := adapt(adapter, current)
		if err != nil {
			return nil, reduceError(ErrCodeAdapterFailed,
				fmt.Sprintf("adapter %s failed", adapter.Name()), err)
		}
		if isNil(next) {
			return nil, reduceError(ErrCodeNilResult,
				fmt.Sprintf("adapter %s returned nil", adapter.Name()), nil)
		}
		if dict, ok := next.(Dictionary); ok {
			return dict, nil
		}

		nextType := reflect.TypeOf(next)
		if nextType == reflect.TypeOf(current) {
			return nil, reduceError(ErrCodeNoProgress,
				fmt.Sprintf("adapter %s made no progress on %T", adapter.Name(), current), nil)
		}
		if visited[nextType] {
			return nil, reduceError(ErrCodeAdapterCycle,
				fmt.Sprintf("adapter %s returned already visited type %s", adapter.Name(), nextType), nil)
		}
		visited[nextType] = true
		current = next
	}

	return nil, reduceError(ErrCodeStepLimit,
		fmt.Sprintf("reduction exceeded %d steps", maxSteps), nil)
}

func (c *AdapterChain) list() []Adapter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Adapter, len(c.adapters))
	copy(out, c.adapters)
	return out
}

func findAdapter(adapters []Adapter, metadata Dictionary, object interface{}) Adapter {
	for _, a := range adapters {
		if a.Matches(metadata, object) {
			return a
		}
	}
	return nil
}

// adapt calls the adapter, turning a panic into an error.
func adapt(a Adapter, object interface{}) (out interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a.Adapt(object)
}

func reduceError(code, message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(code).WithOperation("adapt")
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// Keys of metadata that are copied into the resolved properties.
var mergeKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^confman\..*`),
	regexp.MustCompile(`^service\.pid$`),
	regexp.MustCompile(`^service\.factoryPid$`),
}

// MergeMetadata copies properties and overlays the identity and info keys of
// metadata. Metadata wins on collision. Neither input is modified.
func MergeMetadata(properties, metadata Dictionary) Dictionary {
	out := make(Dictionary, len(properties)+len(metadata))
	for k, v := range properties {
		out[k] = v
	}
	for k, v := range metadata {
		if mergeable(k) {
			out[k] = v
		}
	}
	return out
}

func mergeable(key string) bool {
	for _, p := range mergeKeyPatterns {
		if p.MatchString(key) {
			return true
		}
	}
	return false
}

// Specification is a predicate over the metadata and object an adapter is offered.
type Specification func(metadata Dictionary, object interface{}) bool

// And matches when both specifications match.
func (s Specification) And(other Specification) Specification {
	return func(md Dictionary, obj interface{}) bool {
		return s(md, obj) && other(md, obj)
	}
}

// Or matches when either specification matches.
func (s Specification) Or(other Specification) Specification {
	return func(md Dictionary, obj interface{}) bool {
		return s(md, obj) || other(md, obj)
	}
}

// Not negates the specification.
func (s Specification) Not() Specification {
	return func(md Dictionary, obj interface{}) bool {
		return !s(md, obj)
	}
}

// Always matches everything.
func Always() Specification {
	return func(Dictionary, interface{}) bool { return true }
}

// MetadataEquals matches when metadata[key] equals value.
func MetadataEquals(key string, value interface{}) Specification {
	return func(md Dictionary, _ interface{}) bool {
		v, ok := md[key]
		return ok && reflect.DeepEqual(v, value)
	}
}

// MetadataIn matches when metadata[key] is one of the string values.
func MetadataIn(key string, values ...string) Specification {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return func(md Dictionary, _ interface{}) bool {
		v, ok := md[key].(string)
		return ok && set[v]
	}
}

// MetadataMatches matches when metadata[key] is a string matching pattern.
func MetadataMatches(key string, pattern *regexp.Regexp) Specification {
	return func(md Dictionary, _ interface{}) bool {
		v, ok := md[key].(string)
		return ok && pattern.MatchString(v)
	}
}

// ObjectOfType matches objects whose dynamic type is T.
func ObjectOfType[T any]() Specification {
	return func(_ Dictionary, obj interface{}) bool {
		_, ok := obj.(T)
		return ok
	}
}

// AdaptFunc converts an object one step.
type AdaptFunc func(object interface{}) (interface{}, error)

type specAdapter struct {
	name string
	spec Specification
	fn   AdaptFunc
}

// NewAdapter builds an adapter from a specification and a conversion function.
func NewAdapter(name string, spec Specification, fn AdaptFunc) Adapter {
	return &specAdapter{name: name, spec: spec, fn: fn}
}

func (a *specAdapter) Name() string { return a.name }

func (a *specAdapter) Matches(metadata Dictionary, object interface{}) bool {
	return a.spec(metadata, object)
}

func (a *specAdapter) Adapt(object interface{}) (interface{}, error) {
	return a.fn(object)
}
