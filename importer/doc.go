// Package importer resolves and loads modules out of mounted archives.
//
// # Resolution
//
// An Importer holds an ordered list of mounts, each pairing a resource
// index with the archive backend serving its payloads. Find consults
// the mounts in order and stops at the first index that knows the name;
// submodule listings merge across all mounts, so a namespace package
// can span archives.
//
// # Loading
//
// Load executes the record's best payload: bytecode whose compiler tag
// matches the engine, then source, then a WebAssembly extension
// payload, then the host's registered builtin table. A stale bytecode
// tag quietly falls back to source; a record with no usable payload
// reports unloadable. Modules execute with the dunder names __name__,
// __package__, __loader__, __spec__ and, for packages, __path__
// predeclared.
//
// Loading is idempotent and uncached: every call executes the module
// again. Module caching and cycle detection belong to the embedding
// layer, package interp.
package importer
