package engine

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"testing"
)

// countingAdapter counts its Adapt calls.
type countingAdapter struct {
	mu    sync.Mutex
	name  string
	spec  Specification
	fn    AdaptFunc
	calls int
}

func (a *countingAdapter) Name() string { return a.name }

func (a *countingAdapter) Matches(md Dictionary, obj interface{}) bool { return a.spec(md, obj) }

func (a *countingAdapter) Adapt(obj interface{}) (interface{}, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.fn(obj)
}

type wrapperA struct{ v string }
type wrapperB struct{ v string }

func TestAdapterChain_ReduceMultiStep(t *testing.T) {
	chain := NewAdapterChain(
		dictionaryAdapter(),
		mapAdapter(),
		NewAdapter("text", ObjectOfType[string](), func(obj interface{}) (interface{}, error) {
			return []byte(obj.(string)), nil
		}),
		NewAdapter("kv", ObjectOfType[[]byte](), func(obj interface{}) (interface{}, error) {
			return map[string]interface{}{"raw": string(obj.([]byte))}, nil
		}),
	)

	got, err := chain.Reduce(Dictionary{}, "hello")
	if err != nil {
		t.Fatalf("Reduce() error = %v", err)
	}
	if got["raw"] != "hello" {
		t.Errorf("Reduce() = %v, want raw=hello", got)
	}
}

func TestAdapterChain_FirstMatchWins(t *testing.T) {
	first := NewAdapter("first", Always(), func(interface{}) (interface{}, error) {
		return Dictionary{"winner": "first"}, nil
	})
	second := NewAdapter("second", Always(), func(interface{}) (interface{}, error) {
		return Dictionary{"winner": "second"}, nil
	})
	chain := NewAdapterChain(first, second)

	if a := chain.Find(nil, 1); a == nil || a.Name() != "first" {
		t.Fatalf("Find() = %v, want first", a)
	}
	got, _ := chain.Reduce(nil, 1)
	if got["winner"] != "first" {
		t.Errorf("winner = %v", got["winner"])
	}

	chain.Unregister("first")
	if a := chain.Find(nil, 1); a == nil || a.Name() != "second" {
		t.Errorf("Find() after Unregister = %v, want second", a)
	}
}

func TestAdapterChain_Failures(t *testing.T) {
	tests := []struct {
		name     string
		adapters []Adapter
		object   interface{}
		wantCode string
	}{
		{
			name:     "no adapter",
			adapters: []Adapter{dictionaryAdapter()},
			object:   42,
			wantCode: ErrCodeNoAdapter,
		},
		{
			name: "nil result",
			adapters: []Adapter{NewAdapter("nil", ObjectOfType[int](), func(interface{}) (interface{}, error) {
				return nil, nil
			})},
			object:   42,
			wantCode: ErrCodeNilResult,
		},
		{
			name: "typed nil dictionary",
			adapters: []Adapter{NewAdapter("nil-dict", ObjectOfType[int](), func(interface{}) (interface{}, error) {
				var d Dictionary
				return d, nil
			})},
			object:   42,
			wantCode: ErrCodeNilResult,
		},
		{
			name: "adapter error",
			adapters: []Adapter{NewAdapter("broken", ObjectOfType[int](), func(interface{}) (interface{}, error) {
				return nil, errors.New("bad input")
			})},
			object:   42,
			wantCode: ErrCodeAdapterFailed,
		},
		{
			name: "adapter panic",
			adapters: []Adapter{NewAdapter("panics", ObjectOfType[int](), func(interface{}) (interface{}, error) {
				panic("boom")
			})},
			object:   42,
			wantCode: ErrCodeAdapterFailed,
		},
		{
			name: "same type",
			adapters: []Adapter{NewAdapter("inc", ObjectOfType[int](), func(obj interface{}) (interface{}, error) {
				return obj.(int) + 1, nil
			})},
			object:   42,
			wantCode: ErrCodeNoProgress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := NewAdapterChain(tt.adapters...)
			got, err := chain.Reduce(Dictionary{}, tt.object)
			if err == nil {
				t.Fatalf("Reduce() = %v, want error", got)
			}
			if code := ErrorCode(err); code != tt.wantCode {
				t.Errorf("code = %s, want %s (%v)", code, tt.wantCode, err)
			}
			if !IsPermanent(err) {
				t.Errorf("error class = %s, want permanent", ErrorClassOf(err))
			}
		})
	}
}

// With N adapters and an A->A adapter, reduction stops within N+1 steps.
func TestAdapterChain_TerminatesOnSelfCycle(t *testing.T) {
	self := &countingAdapter{
		name: "self",
		spec: ObjectOfType[wrapperA](),
		fn:   func(obj interface{}) (interface{}, error) { return wrapperA{v: obj.(wrapperA).v + "!"}, nil },
	}
	adapters := []Adapter{dictionaryAdapter(), mapAdapter(), self}
	chain := NewAdapterChain(adapters...)

	_, err := chain.Reduce(nil, wrapperA{v: "x"})
	if ErrorCode(err) != ErrCodeNoProgress {
		t.Fatalf("error = %v, want NO_PROGRESS", err)
	}
	if self.calls > len(adapters)+1 {
		t.Errorf("adapter called %d times, want at most %d", self.calls, len(adapters)+1)
	}
}

func TestAdapterChain_TerminatesOnLongCycle(t *testing.T) {
	aToB := &countingAdapter{
		name: "a-to-b",
		spec: ObjectOfType[wrapperA](),
		fn:   func(obj interface{}) (interface{}, error) { return wrapperB(obj.(wrapperA)), nil },
	}
	bToA := &countingAdapter{
		name: "b-to-a",
		spec: ObjectOfType[wrapperB](),
		fn:   func(obj interface{}) (interface{}, error) { return wrapperA(obj.(wrapperB)), nil },
	}
	chain := NewAdapterChain(aToB, bToA)

	_, err := chain.Reduce(nil, wrapperA{v: "x"})
	if ErrorCode(err) != ErrCodeAdapterCycle {
		t.Fatalf("error = %v, want ADAPTER_CYCLE", err)
	}
	if total := aToB.calls + bToA.calls; total > 3 {
		t.Errorf("%d adapt calls, want at most 3", total)
	}
}

func TestAdapterChain_StepLimit(t *testing.T) {
	// One adapter that keeps producing new types
	widen := NewAdapter("widen", Always(), func(obj interface{}) (interface{}, error) {
		switch v := obj.(type) {
		case int8:
			return int16(v), nil
		case int16:
			return int32(v), nil
		case int32:
			return int64(v), nil
		}
		return nil, fmt.Errorf("unexpected %T", obj)
	})
	chain := NewAdapterChain(widen)

	_, err := chain.Reduce(nil, int8(1))
	if ErrorCode(err) != ErrCodeStepLimit {
		t.Errorf("error = %v, want STEP_LIMIT", err)
	}
}

func TestAdapterChain_RegisterReplacesByName(t *testing.T) {
	chain := NewAdapterChain(dictionaryAdapter(), mapAdapter())
	chain.Register(NewAdapter("dictionary", Always(), func(interface{}) (interface{}, error) {
		return Dictionary{"replaced": true}, nil
	}))

	if got := fmt.Sprint(chain.Names()); got != "[dictionary map]" {
		t.Errorf("Names() = %s", got)
	}
	d, _ := chain.Reduce(nil, Dictionary{})
	if d["replaced"] != true {
		t.Errorf("replacement adapter not used: %v", d)
	}
}

func TestMergeMetadata(t *testing.T) {
	props := Dictionary{
		"port":        8080,
		ServicePIDKey: "from-adapter",
	}
	metadata := Dictionary{
		ServicePIDKey:      "org.example",
		FactoryPIDKey:      "org.example.factory",
		FactoryInstanceKey: "db",
		SourcePathKey:      "/etc/x.yaml",
		"private":          "not copied",
		"service.pidX":     "not copied",
	}

	merged := MergeMetadata(props, metadata)

	want := Dictionary{
		"port":             8080,
		ServicePIDKey:      "org.example",
		FactoryPIDKey:      "org.example.factory",
		FactoryInstanceKey: "db",
		SourcePathKey:      "/etc/x.yaml",
	}
	if !merged.Equal(want) {
		t.Errorf("MergeMetadata() = %v, want %v", merged, want)
	}
	if props[ServicePIDKey] != "from-adapter" || len(props) != 2 {
		t.Error("properties input was modified")
	}
}

func TestSpecifications(t *testing.T) {
	md := Dictionary{SourceFormatKey: "yaml", "n": 1}

	isYAML := MetadataEquals(SourceFormatKey, "yaml")
	isBytes := ObjectOfType[[]byte]()
	isJSON := MetadataIn(SourceFormatKey, "json")
	yamlish := MetadataMatches(SourceFormatKey, regexp.MustCompile(`^ya?ml$`))

	tests := []struct {
		name string
		spec Specification
		obj  interface{}
		want bool
	}{
		{"and both", isYAML.And(isBytes), []byte("a: 1"), true},
		{"and one", isYAML.And(isBytes), "a: 1", false},
		{"or", isJSON.Or(isYAML), nil, true},
		{"not", isJSON.Not(), nil, true},
		{"matches", yamlish, nil, true},
		{"equals non-string", MetadataEquals("n", 1), nil, true},
		{"missing key", MetadataEquals("absent", ""), nil, false},
	}

	for _, tt := range tests {
		if got := tt.spec(md, tt.obj); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAdapterChain_ConcurrentRegisterAndReduce(t *testing.T) {
	chain := NewAdapterChain(dictionaryAdapter())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			chain.Register(NewAdapter("a"+strconv.Itoa(i), ObjectOfType[int](), func(obj interface{}) (interface{}, error) {
				return Dictionary{"n": obj}, nil
			}))
		}(i)
		go func() {
			defer wg.Done()
			_, _ = chain.Reduce(nil, Dictionary{"x": 1})
		}()
	}
	wg.Wait()

	if len(chain.Names()) != 11 {
		t.Errorf("Names() = %v, want 11 adapters", chain.Names())
	}
}
