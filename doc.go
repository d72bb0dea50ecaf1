// Package starpack loads Starlark modules from packed resource archives.
//
// An archive maps dotted module names to their payloads: source text,
// compiled programs, WebAssembly extension modules, distribution
// metadata, and non-code resources. The importer resolves names against
// one or more archives and executes what it finds, so an embedding
// program can ship its entire module tree in a single file and import
// from it without touching the filesystem.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	starpack/            Root package with the Finder, Loader, and Engine interfaces
//	├── interp/          High-level API for running an interpreter over archives
//	├── importer/        Name resolution, module execution, extension bridging
//	├── archive/         Packed and zip backends plus the matching writers
//	├── index/           Name lookup with package hierarchy validation
//	├── respack/         The packed resource wire format
//	├── errors/          Structured error types for debugging
//	└── cmd/starpack/    CLI for building, inspecting, and running archives
//
// # Quick Start
//
// Start an interpreter over an archive and import a module:
//
//	in, err := interp.Start(interp.Config{PackedFile: "app.starpak"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer in.Close()
//
//	globals, err := in.Import("app.cli")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(globals["VERSION"])
//
// # Module Resolution
//
// Names are dotted paths. A record can carry several executable
// payloads at once; the importer prefers compiled bytecode when its
// compiler tag matches the running engine, falls back to source when it
// does not, and otherwise delegates to WebAssembly extensions or
// registered host builtins. Packages resolve like modules and may be
// pure namespaces with no code at all. Archives mount in order, earlier
// mounts shadowing later ones, and an optional fallback loader serves
// names no archive knows.
//
// # Thread Safety
//
// An interpreter executes one logical Starlark thread at a time; its
// module cache is not synchronized. Archive backends and the index are
// safe for concurrent readers, so several interpreters can share one
// backend.
package starpack
