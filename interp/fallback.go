package interp

import (
	"os"
	"path/filepath"
	"strings"

	"go.starlark.net/starlark"

	"github.com/starpack/starpack/errors"
)

// FileFallback resolves dotted names against a source tree: module
// a.b.c maps to dir/a/b/c.star, package a.b to dir/a/b/__init__.star.
// Missing files report not found so resolution can keep falling
// through. The predeclared dict fills the role Config.Predeclared
// fills for archive modules.
func FileFallback(dir string, predeclared starlark.StringDict) LoadFunc {
	return func(thread *starlark.Thread, name string) (starlark.StringDict, error) {
		base := filepath.Join(dir, filepath.FromSlash(strings.ReplaceAll(name, ".", "/")))
		path := base + ".star"
		src, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			path = filepath.Join(base, "__init__.star")
			src, err = os.ReadFile(path)
		}
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.NotFound(errors.PhaseLoad, "module", name)
			}
			return nil, err
		}
		return starlark.ExecFile(thread, path, src, predeclared)
	}
}
