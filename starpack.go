package starpack

import "go.starlark.net/starlark"

// ModuleSpec describes where a module was found and which payloads its
// record declares. Specs are informational: loading goes back through
// the Loader by name.
type ModuleSpec struct {
	Name         string
	IsPackage    bool
	Origin       string // label of the archive that resolved the name
	HasSource    bool
	HasBytecode  bool
	HasExtension bool
	Builtin      bool
	Frozen       bool
	SearchPath   string // synthetic package marker, empty for plain modules
}

// Finder locates modules by dotted name. A false return is not an
// error; it tells the embedding layer to consult its next loader.
type Finder interface {
	Find(name string) (*ModuleSpec, bool)
}

// Loader executes a found module and returns its globals.
type Loader interface {
	Load(thread *starlark.Thread, name string) (starlark.StringDict, error)
}

// Engine is the Starlark execution surface the importer needs: running
// source, running a serialized compiled program, and the compiler tag
// that decides whether stored bytecode is usable at all.
type Engine interface {
	BytecodeTag() uint64
	ExecSource(thread *starlark.Thread, name string, src []byte, predeclared starlark.StringDict) (starlark.StringDict, error)
	ExecBytecode(thread *starlark.Thread, name string, code []byte, predeclared starlark.StringDict) (starlark.StringDict, error)
}

// PackagePath returns the synthetic search-path marker packages carry
// in place of a filesystem directory.
func PackagePath(name string) string {
	return "<starpack:" + name + ">"
}
