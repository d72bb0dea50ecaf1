package importer

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/starpack/starpack"
	"github.com/starpack/starpack/respack"
)

func specFor(rec *respack.Record, origin string) *starpack.ModuleSpec {
	s := &starpack.ModuleSpec{
		Name:         rec.Name,
		IsPackage:    rec.IsPackage,
		Origin:       origin,
		HasSource:    rec.Source != nil,
		HasBytecode:  rec.Bytecode != nil,
		HasExtension: rec.Extension != nil,
		Builtin:      rec.Builtin,
		Frozen:       rec.Frozen,
	}
	if rec.IsPackage {
		s.SearchPath = starpack.PackagePath(rec.Name)
	}
	return s
}

// specValue renders a spec as a Starlark struct for the __spec__ dunder.
func specValue(s *starpack.ModuleSpec) starlark.Value {
	d := starlark.StringDict{
		"name":          starlark.String(s.Name),
		"is_package":    starlark.Bool(s.IsPackage),
		"origin":        starlark.String(s.Origin),
		"has_source":    starlark.Bool(s.HasSource),
		"has_bytecode":  starlark.Bool(s.HasBytecode),
		"has_extension": starlark.Bool(s.HasExtension),
	}
	if s.SearchPath != "" {
		d["search_path"] = starlark.String(s.SearchPath)
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, d)
}

// loaderValue is the __loader__ dunder: a Starlark value giving loaded
// modules access to their package resources and distribution metadata.
type loaderValue struct {
	imp    *Importer
	module string
}

var _ starlark.HasAttrs = (*loaderValue)(nil)

func (l *loaderValue) String() string        { return "<module_loader " + l.module + ">" }
func (l *loaderValue) Type() string          { return "module_loader" }
func (l *loaderValue) Freeze()               {}
func (l *loaderValue) Truth() starlark.Bool  { return starlark.True }
func (l *loaderValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: module_loader") }

func (l *loaderValue) AttrNames() []string {
	return []string{"get_data", "metadata"}
}

func (l *loaderValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "get_data":
		return starlark.NewBuiltin("get_data", l.getData), nil
	case "metadata":
		return starlark.NewBuiltin("metadata", l.metadata), nil
	}
	return nil, nil
}

func (l *loaderValue) getData(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var resource string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &resource); err != nil {
		return nil, err
	}
	data, err := l.imp.GetData(l.module, resource)
	if err != nil {
		return nil, err
	}
	return starlark.Bytes(data), nil
}

func (l *loaderValue) metadata(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	data, err := l.imp.Metadata(l.module)
	if err != nil {
		return nil, err
	}
	return starlark.Bytes(data), nil
}
