package invariants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/Mindburn-Labs/forge/pkg/canonicalize"
	"github.com/Mindburn-Labs/forge/pkg/identity"
)

// DefaultWasmMemoryPages caps guest memory (64 KiB pages).
const DefaultWasmMemoryPages = 16

// Wasm is an invariant implemented by a WebAssembly module.
//
// The module exports memory, alloc(len i32) i32 and check(ptr i32, len i32)
// i32. For each check the engine instantiates a fresh module, calls alloc
// for the identity's canonical JSON, writes it at the returned offset and
// calls check. A non-zero result passes, zero is a violation and a trap is
// an error. The module gets no host imports.
type Wasm struct {
	name     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// WasmOption configures a Wasm invariant.
type WasmOption func(*wasmConfig)

type wasmConfig struct {
	memoryPages uint32
}

// WithMemoryPages caps guest memory.
func WithMemoryPages(pages uint32) WasmOption {
	return func(c *wasmConfig) { c.memoryPages = pages }
}

// NewWasm compiles module once. Close releases the runtime.
func NewWasm(ctx context.Context, name string, module []byte, opts ...WasmOption) (*Wasm, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidInvariant)
	}
	cfg := wasmConfig{memoryPages: DefaultWasmMemoryPages}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.memoryPages).
		WithCloseOnContextDone(true))

	compiled, err := r.CompileModule(ctx, module)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasm invariant %s: compile: %w", name, err)
	}
	for _, fn := range []string{"alloc", "check"} {
		if _, ok := compiled.ExportedFunctions()[fn]; !ok {
			_ = r.Close(ctx)
			return nil, fmt.Errorf("wasm invariant %s: missing export %q", name, fn)
		}
	}
	if _, ok := compiled.ExportedMemories()["memory"]; !ok {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasm invariant %s: missing export \"memory\"", name)
	}
	return &Wasm{name: name, runtime: r, compiled: compiled}, nil
}

func (w *Wasm) Name() string { return w.name }

// Check implements Invariant.
func (w *Wasm) Check(ctx context.Context, id identity.AgentIdentity) error {
	input, err := canonicalize.JCS(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}

	// Anonymous instances so concurrent checks do not collide on the name.
	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}
	defer func() { _ = mod.Close(context.WithoutCancel(ctx)) }()

	ptr, err := call(ctx, mod, "alloc", uint64(len(input)))
	if err != nil {
		return err
	}
	if !mod.Memory().Write(ptr, input) {
		return fmt.Errorf("alloc returned out-of-range offset %d for %d bytes", ptr, len(input))
	}
	ok, err := call(ctx, mod, "check", uint64(ptr), uint64(len(input)))
	if err != nil {
		return err
	}
	if ok == 0 {
		return Violationf("wasm check %s rejected identity", w.name)
	}
	return nil
}

func call(ctx context.Context, mod api.Module, name string, params ...uint64) (uint32, error) {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return 0, fmt.Errorf("missing export %q", name)
	}
	out, err := fn.Call(ctx, params...)
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%s: %w", name, errors.Join(err, ctx.Err()))
		}
		return 0, fmt.Errorf("%s trapped: %w", name, err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("%s returned %d results", name, len(out))
	}
	return api.DecodeU32(out[0]), nil
}

// Close shuts down the wazero runtime.
func (w *Wasm) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.runtime.Close(ctx)
}
