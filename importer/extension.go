package importer

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.starlark.net/starlark"
	"go.uber.org/zap"

	"github.com/starpack/starpack/errors"
	"github.com/starpack/starpack/internal/binary"
)

const (
	sectionExport byte = 7
	kindGlobal    byte = 3
)

var wasmMagic = []byte{0x00, 'a', 's', 'm'}

// ExtensionEngine instantiates WebAssembly extension payloads and
// bridges their exports into Starlark. Exported functions with purely
// numeric signatures become builtins; exported globals become
// constants snapshotted at load time. Exports wazero cannot express as
// Starlark values are skipped with a debug log.
type ExtensionEngine struct {
	mu      sync.Mutex
	runtime wazero.Runtime
	closed  bool
}

// NewExtensionEngine returns an engine whose wazero runtime is created
// lazily on first load.
func NewExtensionEngine() *ExtensionEngine {
	return &ExtensionEngine{}
}

// Load instantiates the payload and returns its bridged exports. Each
// call produces a fresh anonymous instance, so the same payload can be
// loaded repeatedly without name collisions.
func (e *ExtensionEngine) Load(ctx context.Context, name string, payload []byte) (starlark.StringDict, error) {
	rt, err := e.runtimeFor(ctx, name)
	if err != nil {
		return nil, err
	}
	mod, err := rt.InstantiateWithConfig(ctx, payload, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, errors.New(errors.PhaseExtension, errors.KindUnloadable).
			Name(name).
			Cause(err).
			Detail("module did not instantiate").
			Build()
	}

	globals := make(starlark.StringDict)
	for export, def := range mod.ExportedFunctionDefinitions() {
		if !numericSignature(def) {
			Logger().Debug("skipping non-numeric export",
				zap.String("module", name), zap.String("export", export))
			continue
		}
		globals[export] = bridgeFunction(export, mod.ExportedFunction(export), def)
	}
	for _, export := range exportedGlobalNames(payload) {
		g := mod.ExportedGlobal(export)
		if g == nil {
			continue
		}
		globals[export] = globalValue(g)
	}
	Logger().Debug("extension instantiated",
		zap.String("module", name), zap.Int("exports", len(globals)))
	return globals, nil
}

// Close shuts the underlying runtime down. Instances handed out by
// earlier loads stop working; further loads fail.
func (e *ExtensionEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.runtime == nil {
		return nil
	}
	err := e.runtime.Close(ctx)
	e.runtime = nil
	return err
}

func (e *ExtensionEngine) runtimeFor(ctx context.Context, name string) (wazero.Runtime, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.Unloadable(name, "extension engine is closed")
	}
	if e.runtime == nil {
		e.runtime = wazero.NewRuntime(ctx)
	}
	return e.runtime, nil
}

// bridgeFunction wraps an exported function as a Starlark builtin.
// Calls run on a background context since Starlark threads carry none.
func bridgeFunction(name string, fn api.Function, def api.FunctionDefinition) *starlark.Builtin {
	params := def.ParamTypes()
	results := def.ResultTypes()
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
		}
		if len(args) != len(params) {
			return nil, fmt.Errorf("%s: got %d arguments, want %d", b.Name(), len(args), len(params))
		}
		stack := make([]uint64, len(args))
		for i, arg := range args {
			v, err := encodeArg(arg, params[i])
			if err != nil {
				return nil, fmt.Errorf("%s: for parameter %d: %w", b.Name(), i+1, err)
			}
			stack[i] = v
		}
		out, err := fn.Call(context.Background(), stack...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		switch len(results) {
		case 0:
			return starlark.None, nil
		case 1:
			return decodeResult(out[0], results[0]), nil
		default:
			tuple := make(starlark.Tuple, len(results))
			for i, t := range results {
				tuple[i] = decodeResult(out[i], t)
			}
			return tuple, nil
		}
	})
}

func encodeArg(v starlark.Value, t api.ValueType) (uint64, error) {
	switch t {
	case api.ValueTypeI32:
		i, err := starlark.AsInt32(v)
		if err != nil {
			return 0, err
		}
		return api.EncodeI32(int32(i)), nil
	case api.ValueTypeI64:
		var i int64
		if err := starlark.AsInt(v, &i); err != nil {
			return 0, err
		}
		return api.EncodeI64(i), nil
	case api.ValueTypeF32:
		f, ok := starlark.AsFloat(v)
		if !ok {
			return 0, fmt.Errorf("got %s, want float", v.Type())
		}
		return api.EncodeF32(float32(f)), nil
	case api.ValueTypeF64:
		f, ok := starlark.AsFloat(v)
		if !ok {
			return 0, fmt.Errorf("got %s, want float", v.Type())
		}
		return api.EncodeF64(f), nil
	default:
		return 0, fmt.Errorf("unsupported parameter type %s", api.ValueTypeName(t))
	}
}

func decodeResult(raw uint64, t api.ValueType) starlark.Value {
	switch t {
	case api.ValueTypeI32:
		return starlark.MakeInt(int(api.DecodeI32(raw)))
	case api.ValueTypeI64:
		return starlark.MakeInt64(int64(raw))
	case api.ValueTypeF32:
		return starlark.Float(api.DecodeF32(raw))
	case api.ValueTypeF64:
		return starlark.Float(api.DecodeF64(raw))
	default:
		return starlark.None
	}
}

func globalValue(g api.Global) starlark.Value {
	switch g.Type() {
	case api.ValueTypeI32:
		return starlark.MakeInt(int(api.DecodeI32(g.Get())))
	case api.ValueTypeI64:
		return starlark.MakeInt64(int64(g.Get()))
	case api.ValueTypeF32:
		return starlark.Float(api.DecodeF32(g.Get()))
	case api.ValueTypeF64:
		return starlark.Float(api.DecodeF64(g.Get()))
	default:
		return starlark.None
	}
}

func numericSignature(def api.FunctionDefinition) bool {
	for _, t := range def.ParamTypes() {
		if !numericType(t) {
			return false
		}
	}
	for _, t := range def.ResultTypes() {
		if !numericType(t) {
			return false
		}
	}
	return true
}

func numericType(t api.ValueType) bool {
	switch t {
	case api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64:
		return true
	}
	return false
}

// exportedGlobalNames scans the binary's export section for globals.
// wazero exposes globals by name only, so enumeration needs the raw
// section. Malformed input yields whatever parsed before the error;
// instantiation already vetted the binary by the time this runs.
func exportedGlobalNames(payload []byte) []string {
	r := binary.NewReader(payload)
	header, err := r.ReadBytes(8)
	if err != nil || !bytes.Equal(header[:4], wasmMagic) {
		return nil
	}
	for r.Remaining() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil
		}
		size, err := r.ReadUvarint()
		if err != nil {
			return nil
		}
		if id != sectionExport {
			if r.Skip(int(size)) != nil {
				return nil
			}
			continue
		}
		count, err := r.ReadUvarint()
		if err != nil {
			return nil
		}
		var names []string
		for i := uint32(0); i < count; i++ {
			nameLen, err := r.ReadUvarint()
			if err != nil {
				return names
			}
			name, err := r.ReadBytes(int(nameLen))
			if err != nil {
				return names
			}
			kind, err := r.ReadByte()
			if err != nil {
				return names
			}
			if _, err := r.ReadUvarint(); err != nil {
				return names
			}
			if kind == kindGlobal {
				names = append(names, string(name))
			}
		}
		return names
	}
	return nil
}
