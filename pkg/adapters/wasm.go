package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/confman/pkg/engine"
)

// WASMOptions configures module execution.
type WASMOptions struct {
	// Timeout bounds one module run. Defaults to 10s.
	Timeout time.Duration

	// MemoryLimitPages caps linear memory in 64KiB pages. Defaults to 256 (16MiB).
	MemoryLimitPages uint32

	// Entrypoint is the exported function producing the configuration. Defaults to "config".
	Entrypoint string

	// Input is passed to the entrypoint as JSON when the module exports malloc.
	Input map[string]interface{}
}

// wasmAdapter runs a WASM module whose entrypoint returns a JSON object.
//
// The entrypoint signature is fn(input_ptr: u32, input_len: u32) -> u64, where the
// result packs (output_ptr << 32) | output_len. Modules exporting malloc receive
// Input; modules exporting free have their output released after it is read.
type wasmAdapter struct {
	opts WASMOptions
}

// WASM runs bytes from wasm sources.
func WASM(opts WASMOptions) engine.Adapter {
	opts.Timeout = withDefault(opts.Timeout, 10*time.Second)
	if opts.MemoryLimitPages == 0 {
		opts.MemoryLimitPages = 256
	}
	if opts.Entrypoint == "" {
		opts.Entrypoint = "config"
	}
	return &wasmAdapter{opts: opts}
}

func (a *wasmAdapter) Name() string { return NameWASM }

func (a *wasmAdapter) Matches(metadata engine.Dictionary, obj interface{}) bool {
	return formatIs("wasm")(metadata, obj)
}

func (a *wasmAdapter) Adapt(obj interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.Timeout)
	defer cancel()

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(a.opts.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	defer runtime.Close(context.Background())

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	module, err := runtime.InstantiateWithConfig(ctx, obj.([]byte), wazero.NewModuleConfig().WithStartFunctions("_initialize"))
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	output, err := a.call(ctx, module)
	if err != nil {
		return nil, err
	}

	out := make(map[string]interface{})
	if err := json.Unmarshal(output, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s output: %w", a.opts.Entrypoint, err)
	}
	return out, nil
}

// call invokes the entrypoint with JSON input and returns its JSON output.
func (a *wasmAdapter) call(ctx context.Context, module api.Module) ([]byte, error) {
	memory := module.Memory()
	if memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}
	fn := module.ExportedFunction(a.opts.Entrypoint)
	if fn == nil {
		return nil, fmt.Errorf("WASM module does not export %s function", a.opts.Entrypoint)
	}
	malloc := module.ExportedFunction("malloc")
	free := module.ExportedFunction("free")

	var inputPtr, inputLen uint32
	if malloc != nil && len(a.opts.Input) > 0 {
		input, err := json.Marshal(a.opts.Input)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal input: %w", err)
		}

		results, err := malloc.Call(ctx, uint64(len(input)))
		if err != nil {
			return nil, fmt.Errorf("malloc failed: %w", err)
		}
		if len(results) == 0 || uint32(results[0]) == 0 {
			return nil, fmt.Errorf("malloc returned null pointer")
		}
		inputPtr, inputLen = uint32(results[0]), uint32(len(input))

		if !memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
		if free != nil {
			defer func() { _, _ = free.Call(ctx, uint64(inputPtr)) }()
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", a.opts.Entrypoint, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s returned no results", a.opts.Entrypoint)
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	view, ok := memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("output out of WASM memory range")
	}
	// Read returns a view into linear memory
	output := append([]byte(nil), view...)

	if free != nil && outputPtr != 0 {
		_, _ = free.Call(ctx, uint64(outputPtr))
	}
	return output, nil
}
