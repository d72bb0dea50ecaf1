package main

import (
	"flag"
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.uber.org/zap"

	"github.com/starpack/starpack/interp"
)

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	archivePath := fs.String("archive", "", "packed or zip archive resolving imports")
	fallbackDir := fs.String("fallback", "", "source tree consulted when the archive misses")
	call := fs.String("call", "", "zero-argument function to call after the import")
	extensions := fs.Bool("extensions", false, "enable WebAssembly extension modules")
	verbose := fs.Bool("v", false, "log resolution decisions")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: starpack run [flags] <module>")
	}
	if *archivePath == "" && *fallbackDir == "" {
		return fmt.Errorf("run: -archive or -fallback is required")
	}
	module := fs.Arg(0)

	cfg := interp.Config{EnableExtensions: *extensions}
	if *archivePath != "" {
		isZip, err := zipSignature(*archivePath)
		if err != nil {
			return err
		}
		if isZip {
			cfg.ZipFile = *archivePath
		} else {
			cfg.PackedFile = *archivePath
		}
	}
	if *fallbackDir != "" {
		cfg.Fallback = interp.FileFallback(*fallbackDir, nil)
	}
	if *verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		cfg.Logger = logger
	}

	in, err := interp.Start(cfg)
	if err != nil {
		return err
	}
	defer in.Close()

	globals, err := in.Import(module)
	if err != nil {
		return renderEvalError(err)
	}

	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s = %s\n", name, globals[name].String())
	}

	if *call != "" {
		fn, ok := globals[*call].(starlark.Callable)
		if !ok {
			return fmt.Errorf("%s has no function %q", module, *call)
		}
		out, err := starlark.Call(in.Thread("run"), fn, nil, nil)
		if err != nil {
			return renderEvalError(err)
		}
		fmt.Printf("%s() = %s\n", *call, out.String())
	}
	return nil
}

// renderEvalError swaps a Starlark error for its backtrace, which names
// the module and line that failed.
func renderEvalError(err error) error {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		return fmt.Errorf("%s", evalErr.Backtrace())
	}
	return err
}
