package importer

import (
	"context"
	"encoding/binary"
	"sort"
	"strings"
	"sync"

	"go.starlark.net/starlark"
	"go.uber.org/zap"

	"github.com/starpack/starpack"
	"github.com/starpack/starpack/archive"
	"github.com/starpack/starpack/errors"
	"github.com/starpack/starpack/index"
	"github.com/starpack/starpack/respack"
)

// Mount pairs a built index with the backend serving its payloads.
// Label names the archive in specs and logs.
type Mount struct {
	Label   string
	Index   *index.Index
	Backend archive.Backend
}

// Importer implements the starpack Finder and Loader over an ordered
// list of mounts. Earlier mounts shadow later ones name by name.
type Importer struct {
	mounts      []Mount
	engine      starpack.Engine
	extensions  *ExtensionEngine
	predeclared starlark.StringDict
	builtins    map[string]starlark.StringDict

	mu   sync.Mutex
	subs map[string][]string
}

var (
	_ starpack.Finder = (*Importer)(nil)
	_ starpack.Loader = (*Importer)(nil)
)

// New returns an importer resolving modules from the given mounts.
func New(engine starpack.Engine, mounts ...Mount) *Importer {
	return &Importer{
		mounts: mounts,
		engine: engine,
		subs:   make(map[string][]string),
	}
}

// SetExtensions installs the engine used for WebAssembly extension
// payloads. Without one, extension records fail to load.
func (imp *Importer) SetExtensions(e *ExtensionEngine) {
	imp.extensions = e
}

// SetPredeclared installs names visible to every loaded module in
// addition to the module dunders.
func (imp *Importer) SetPredeclared(d starlark.StringDict) {
	imp.predeclared = d
}

// RegisterBuiltin registers host-provided globals, served when a
// builtin or frozen record with this name is loaded.
func (imp *Importer) RegisterBuiltin(name string, globals starlark.StringDict) {
	if imp.builtins == nil {
		imp.builtins = make(map[string]starlark.StringDict)
	}
	imp.builtins[name] = globals
}

// Find implements starpack.Finder.
func (imp *Importer) Find(name string) (*starpack.ModuleSpec, bool) {
	rec, m, ok := imp.resolve(name)
	if !ok {
		Logger().Debug("module not found", zap.String("module", name))
		return nil, false
	}
	spec := specFor(rec, m.Label)
	Logger().Debug("module found",
		zap.String("module", name),
		zap.String("origin", m.Label),
		zap.Bool("package", spec.IsPackage))
	return spec, true
}

// Load implements starpack.Loader. Payloads are tried in fixed order:
// bytecode whose compiler tag matches the engine, then source, then the
// extension payload, then the registered builtin table. Declared
// payloads that fail structurally abort the load; only absence falls
// through.
func (imp *Importer) Load(thread *starlark.Thread, name string) (starlark.StringDict, error) {
	rec, m, ok := imp.resolve(name)
	if !ok {
		return nil, errors.NotFound(errors.PhaseLoad, "module", name)
	}
	if !rec.HasCode() {
		if rec.IsPackage {
			// Namespace packages execute nothing.
			Logger().Debug("namespace package", zap.String("module", name))
			return starlark.StringDict{}, nil
		}
		return nil, errors.Unloadable(name, "record carries no loadable payload")
	}

	env := imp.moduleEnv(rec, m)

	if rec.Bytecode != nil {
		globals, fellThrough, err := imp.loadBytecode(thread, rec, m, env)
		if !fellThrough {
			return globals, err
		}
	}
	if rec.Source != nil {
		src, err := m.Backend.Source(rec)
		switch {
		case err == nil:
			Logger().Debug("executing source",
				zap.String("module", name), zap.Int("bytes", len(src)))
			return imp.engine.ExecSource(thread, name, src, env)
		case !errors.IsNotFound(err):
			return nil, err
		}
	}
	if rec.Extension != nil {
		payload, err := m.Backend.Extension(rec)
		switch {
		case err == nil:
			if imp.extensions == nil {
				return nil, errors.Unloadable(name, "extension modules are not enabled")
			}
			Logger().Debug("instantiating extension",
				zap.String("module", name), zap.Int("bytes", len(payload)))
			return imp.extensions.Load(context.Background(), name, payload)
		case !errors.IsNotFound(err):
			return nil, err
		}
	}
	if rec.Builtin || rec.Frozen {
		if globals, ok := imp.builtins[name]; ok {
			Logger().Debug("serving builtin", zap.String("module", name))
			return globals, nil
		}
		return nil, errors.Unloadable(name, "builtin module not registered with the host")
	}
	return nil, errors.Unloadable(name, "every declared payload was absent from its archive")
}

// GetData fetches a named resource visible from the given module. The
// module's own record is consulted first; a plain module then defers to
// its package, which is where resources normally live.
func (imp *Importer) GetData(module, resource string) ([]byte, error) {
	rec, m, ok := imp.resolve(module)
	if !ok {
		return nil, errors.NotFound(errors.PhaseFind, "module", module)
	}
	data, err := m.Backend.Resource(rec, resource)
	if err == nil || !errors.IsNotFound(err) || rec.IsPackage {
		return data, err
	}
	prec, pm, ok := imp.resolve(packageOf(rec))
	if !ok {
		return nil, err
	}
	return pm.Backend.Resource(prec, resource)
}

// Metadata returns the distribution metadata visible from the given
// module, deferring to its package the way GetData does.
func (imp *Importer) Metadata(name string) ([]byte, error) {
	rec, m, ok := imp.resolve(name)
	if !ok {
		return nil, errors.NotFound(errors.PhaseFind, "module", name)
	}
	data, err := m.Backend.Metadata(rec)
	if err == nil || !errors.IsNotFound(err) || rec.IsPackage {
		return data, err
	}
	prec, pm, ok := imp.resolve(packageOf(rec))
	if !ok {
		return nil, err
	}
	return pm.Backend.Metadata(prec)
}

// Submodules returns the sorted child segment names of a package,
// merged across every mount. Results are cached until Reload.
func (imp *Importer) Submodules(pkg string) []string {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	if subs, ok := imp.subs[pkg]; ok {
		return append([]string(nil), subs...)
	}
	seen := make(map[string]bool)
	merged := []string{}
	for i := range imp.mounts {
		for _, child := range imp.mounts[i].Index.Children(pkg) {
			if !seen[child] {
				seen[child] = true
				merged = append(merged, child)
			}
		}
	}
	sort.Strings(merged)
	imp.subs[pkg] = merged
	return append([]string(nil), merged...)
}

// Names returns every record name known to any mount, sorted.
func (imp *Importer) Names() []string {
	seen := make(map[string]bool)
	var names []string
	for i := range imp.mounts {
		for _, name := range imp.mounts[i].Index.Names() {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// Reload drops the submodule cache.
func (imp *Importer) Reload() {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	imp.subs = make(map[string][]string)
}

// Close closes every mount backend and the extension engine. The first
// error wins; later closes still run.
func (imp *Importer) Close() error {
	var firstErr error
	for i := range imp.mounts {
		if b := imp.mounts[i].Backend; b != nil {
			if err := b.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if imp.extensions != nil {
		if err := imp.extensions.Close(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (imp *Importer) resolve(name string) (*respack.Record, *Mount, bool) {
	for i := range imp.mounts {
		m := &imp.mounts[i]
		if rec, ok := m.Index.Lookup(name); ok {
			return rec, m, true
		}
	}
	return nil, nil, false
}

// loadBytecode executes the record's compiled program when its tag
// matches the engine. A missing payload, a malformed tag prefix, or a
// tag from another compiler all fall through to source; a payload that
// fails to execute does not, since source would mask the corruption.
func (imp *Importer) loadBytecode(thread *starlark.Thread, rec *respack.Record, m *Mount, env starlark.StringDict) (starlark.StringDict, bool, error) {
	payload, err := m.Backend.Bytecode(rec)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, true, nil
		}
		return nil, false, err
	}
	tag, code, ok := splitBytecode(rec, payload)
	if !ok {
		Logger().Debug("bytecode payload too short for its tag",
			zap.String("module", rec.Name))
		return nil, true, nil
	}
	if want := imp.engine.BytecodeTag(); tag != want {
		Logger().Debug("bytecode tag mismatch, falling back to source",
			zap.String("module", rec.Name),
			zap.Uint64("tag", tag),
			zap.Uint64("engine", want))
		return nil, true, nil
	}
	Logger().Debug("executing bytecode",
		zap.String("module", rec.Name), zap.Int("bytes", len(code)))
	globals, err := imp.engine.ExecBytecode(thread, rec.Name, code, env)
	return globals, false, err
}

// splitBytecode separates the compiler tag from the program bytes. The
// packed format carries the tag as a record field; zip archives prefix
// the .starc payload with it.
func splitBytecode(rec *respack.Record, payload []byte) (tag uint64, code []byte, ok bool) {
	if rec.BytecodeTag != 0 {
		return rec.BytecodeTag, payload, true
	}
	if len(payload) < 8 {
		return 0, nil, false
	}
	return binary.LittleEndian.Uint64(payload[:8]), payload[8:], true
}

// moduleEnv builds the predeclared environment: host names first, then
// the module dunders, which win on collision.
func (imp *Importer) moduleEnv(rec *respack.Record, m *Mount) starlark.StringDict {
	env := make(starlark.StringDict, len(imp.predeclared)+5)
	for k, v := range imp.predeclared {
		env[k] = v
	}
	env["__name__"] = starlark.String(rec.Name)
	env["__package__"] = starlark.String(packageOf(rec))
	env["__loader__"] = &loaderValue{imp: imp, module: rec.Name}
	env["__spec__"] = specValue(specFor(rec, m.Label))
	if rec.IsPackage {
		env["__path__"] = starlark.String(starpack.PackagePath(rec.Name))
	}
	return env
}

// packageOf returns the package a record belongs to: packages belong to
// themselves, plain modules to their parent.
func packageOf(rec *respack.Record) string {
	if rec.IsPackage {
		return rec.Name
	}
	if i := strings.LastIndexByte(rec.Name, '.'); i >= 0 {
		return rec.Name[:i]
	}
	return ""
}
