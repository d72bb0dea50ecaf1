package interp

import (
	"context"
	"path/filepath"

	"go.starlark.net/starlark"
	"go.uber.org/zap"

	"github.com/starpack/starpack/archive"
	"github.com/starpack/starpack/errors"
	"github.com/starpack/starpack/importer"
	"github.com/starpack/starpack/index"
	"github.com/starpack/starpack/respack"
)

// LoadFunc is the load-hook shape shared with starlark.Thread.Load.
type LoadFunc func(thread *starlark.Thread, name string) (starlark.StringDict, error)

// Archive is a prebuilt mount: a label, a built index, and the backend
// serving its payloads. Instances sharing an Archive share the index by
// reference; the backend's payload cache is lock-guarded, so sharing
// the backend is safe too. Close on prebuilt archives stays with the
// caller.
type Archive struct {
	Label   string
	Index   *index.Index
	Backend archive.Backend
}

// Config describes the archives and environment of one interpreter
// instance. Archive fields mount in declaration order: Packed,
// PackedFile, ZipData, ZipFile, then Archives; earlier mounts shadow
// later ones name by name.
type Config struct {
	Packed     []byte // packed archive already in memory
	PackedFile string // packed archive on disk, memory-mapped
	ZipData    []byte // zip archive already in memory
	ZipFile    string // zip archive on disk, memory-mapped

	// Archives holds prebuilt mounts, typically shared across instances.
	Archives []Archive

	// Predeclared names are visible to every archive-loaded module.
	Predeclared starlark.StringDict

	// Fallback is consulted for names no mount resolves. FileFallback
	// adapts a source tree; nil means archive-only resolution.
	Fallback LoadFunc

	// EnableExtensions instantiates WebAssembly extension payloads.
	// Off by default since it carries a wazero runtime.
	EnableExtensions bool

	// Logger receives find/load decisions at debug level.
	Logger *zap.Logger
}

// Interp is one interpreter instance: an importer over the configured
// mounts plus a per-instance module cache.
type Interp struct {
	imp      *importer.Importer
	ext      *importer.ExtensionEngine
	fallback LoadFunc
	owned    []archive.Backend

	// modules caches by dotted name. A nil entry marks a load in
	// progress for cycle detection.
	modules map[string]starlark.StringDict
}

// Start builds indexes and backends from cfg and returns a running
// instance. Any failure is a bootstrap error: whatever was opened is
// closed again and nothing leaks.
func Start(cfg Config) (*Interp, error) {
	if cfg.Logger != nil {
		importer.SetLogger(cfg.Logger)
	}

	in := &Interp{
		fallback: cfg.Fallback,
		modules:  make(map[string]starlark.StringDict),
	}
	fail := func(detail string, err error) (*Interp, error) {
		in.closeOwned()
		return nil, errors.Bootstrap(detail, err)
	}

	var mounts []importer.Mount
	if cfg.Packed != nil {
		bundle, err := respack.Decode(cfg.Packed)
		if err != nil {
			return fail("packed archive did not decode", err)
		}
		m, err := in.mount("packed", bundle.Records, archive.NewPacked(bundle))
		if err != nil {
			return fail("packed archive index did not build", err)
		}
		mounts = append(mounts, m)
	}
	if cfg.PackedFile != "" {
		bundle, backend, err := archive.OpenPackedFile(cfg.PackedFile)
		if err != nil {
			return fail("packed archive file did not open", err)
		}
		m, err := in.mount(filepath.Base(cfg.PackedFile), bundle.Records, backend)
		if err != nil {
			return fail("packed archive index did not build", err)
		}
		mounts = append(mounts, m)
	}
	if cfg.ZipData != nil {
		z, err := archive.OpenZip(cfg.ZipData)
		if err != nil {
			return fail("zip archive did not open", err)
		}
		m, err := in.mount("zip", z.Records(), z)
		if err != nil {
			return fail("zip archive index did not build", err)
		}
		mounts = append(mounts, m)
	}
	if cfg.ZipFile != "" {
		z, err := archive.OpenZipFile(cfg.ZipFile)
		if err != nil {
			return fail("zip archive file did not open", err)
		}
		m, err := in.mount(filepath.Base(cfg.ZipFile), z.Records(), z)
		if err != nil {
			return fail("zip archive index did not build", err)
		}
		mounts = append(mounts, m)
	}
	for _, a := range cfg.Archives {
		if a.Index == nil || a.Backend == nil {
			return fail("prebuilt archive is incomplete",
				errors.InvalidData(errors.PhaseIndex, a.Label, "index and backend are both required"))
		}
		mounts = append(mounts, importer.Mount{Label: a.Label, Index: a.Index, Backend: a.Backend})
	}
	if len(mounts) == 0 && cfg.Fallback == nil {
		return fail("no archives configured and no fallback", nil)
	}

	in.imp = importer.New(importer.NewEngine(), mounts...)
	in.imp.SetPredeclared(cfg.Predeclared)
	if cfg.EnableExtensions {
		in.ext = importer.NewExtensionEngine()
		in.imp.SetExtensions(in.ext)
	}
	return in, nil
}

// mount registers a backend this instance opened itself, then builds
// its index. Registering first means the fail path closes the backend
// even when the build fails.
func (in *Interp) mount(label string, records []*respack.Record, backend archive.Backend) (importer.Mount, error) {
	in.owned = append(in.owned, backend)
	ix, err := index.Build(records)
	if err != nil {
		return importer.Mount{}, err
	}
	return importer.Mount{Label: label, Index: ix, Backend: backend}, nil
}

// Importer exposes the instance's importer for direct finds, resource
// access, and enumeration.
func (in *Interp) Importer() *importer.Importer {
	return in.imp
}

// Thread returns a new Starlark thread whose load hook resolves
// through this instance.
func (in *Interp) Thread(name string) *starlark.Thread {
	return &starlark.Thread{Name: name, Load: in.load}
}

// Import loads a module by dotted name on a fresh thread.
func (in *Interp) Import(name string) (starlark.StringDict, error) {
	return in.load(in.Thread("import"), name)
}

// InvalidateCaches drops the module cache and the importer's submodule
// cache. Loaded archives stay open.
func (in *Interp) InvalidateCaches() {
	in.modules = make(map[string]starlark.StringDict)
	in.imp.Reload()
}

// Close releases every archive this instance opened plus the extension
// runtime. Prebuilt archives from Config.Archives stay open. The first
// error wins; later closes still run.
func (in *Interp) Close() error {
	err := in.closeOwned()
	if in.ext != nil {
		if extErr := in.ext.Close(context.Background()); extErr != nil && err == nil {
			err = extErr
		}
	}
	return err
}

func (in *Interp) closeOwned() error {
	var firstErr error
	for _, b := range in.owned {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	in.owned = nil
	return firstErr
}

// load is the thread load hook. Execution runs on the calling thread;
// one instance serves one logical execution thread, so the cache needs
// no lock but does detect re-entry.
func (in *Interp) load(thread *starlark.Thread, name string) (starlark.StringDict, error) {
	if globals, ok := in.modules[name]; ok {
		if globals == nil {
			return nil, errors.Cycle(name)
		}
		return globals, nil
	}

	in.modules[name] = nil
	globals, err := in.resolve(thread, name)
	if err != nil {
		// Failed loads are retried on the next import, like source
		// fixes during development.
		delete(in.modules, name)
		return nil, err
	}
	globals.Freeze()
	in.modules[name] = globals
	return globals, nil
}

func (in *Interp) resolve(thread *starlark.Thread, name string) (starlark.StringDict, error) {
	if _, ok := in.imp.Find(name); ok {
		return in.imp.Load(thread, name)
	}
	if in.fallback != nil {
		return in.fallback(thread, name)
	}
	return nil, errors.NotFound(errors.PhaseFind, "module", name)
}
