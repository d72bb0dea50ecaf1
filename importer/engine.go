package importer

import (
	"bytes"

	"go.starlark.net/starlark"

	"github.com/starpack/starpack/errors"
)

// StarlarkEngine executes modules with go.starlark.net. Stored bytecode
// is the serialized form of a compiled starlark.Program; its usability
// is keyed to starlark.CompilerVersion, which archives carry as the
// record's bytecode tag.
type StarlarkEngine struct{}

// NewEngine returns the production Starlark engine.
func NewEngine() *StarlarkEngine {
	return &StarlarkEngine{}
}

// BytecodeTag implements starpack.Engine.
func (*StarlarkEngine) BytecodeTag() uint64 {
	return uint64(starlark.CompilerVersion)
}

// ExecSource implements starpack.Engine.
func (*StarlarkEngine) ExecSource(thread *starlark.Thread, name string, src []byte, predeclared starlark.StringDict) (starlark.StringDict, error) {
	_, prog, err := starlark.SourceProgram(name, src, predeclared.Has)
	if err != nil {
		return nil, err
	}
	return prog.Init(thread, predeclared)
}

// ExecBytecode implements starpack.Engine.
func (*StarlarkEngine) ExecBytecode(thread *starlark.Thread, name string, code []byte, predeclared starlark.StringDict) (starlark.StringDict, error) {
	prog, err := starlark.CompiledProgram(bytes.NewReader(code))
	if err != nil {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
			Name(name).
			Cause(err).
			Detail("compiled program did not deserialize").
			Build()
	}
	return prog.Init(thread, predeclared)
}

// Compile compiles source and returns the serialized program bytes to
// store as a record's bytecode payload. Unbound names are compiled as
// predeclared references and resolve against the environment the module
// eventually runs in, so packing does not need to know the host's
// predeclared set.
func (e *StarlarkEngine) Compile(name string, src []byte) ([]byte, error) {
	_, prog, err := starlark.SourceProgram(name, src, func(string) bool { return true })
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := prog.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
