// Package archive serves record payloads out of the two production
// archive shapes: a packed resources blob and a zip file.
//
// # Backends
//
// A Backend owns one archive's byte source and resolves the payload
// references carried by records:
//
//	Packed   wraps the heap of a decoded packed archive. Fetches are
//	         bounds-checked subslices of the resident buffer, zero copy.
//	         The buffer can be an in-memory blob or a memory-mapped file.
//	Zip      parses the central directory up front and reads entry data
//	         lazily. Stored entries are served as subslices; deflated
//	         entries are inflated on first fetch and cached. The cache is
//	         the only mutable state, guarded by a mutex.
//
// Absent payloads report not_found so module loading can fall through to
// the next source; structural damage reports corrupt_archive and a
// compression method the reader does not speak reports
// unsupported_compression.
//
// # Zip module layout
//
// A zip archive doubles as a module tree, derived from entry paths:
//
//	pkg/__init__.star    package pkg, source
//	pkg/__init__.starc   package pkg, compiled program
//	pkg/mod.star         module pkg.mod, source
//	pkg/mod.starc        module pkg.mod, compiled program
//	pkg/native.wasm      module pkg.native, extension payload
//	pkg/METADATA         distribution metadata of pkg
//	pkg/any/other.file   resource "any/other.file" of pkg
//	mod.star             top-level module mod
//
// A .starc entry is an 8-byte little-endian compiler tag followed by the
// serialized program; packed archives carry the tag as a record field
// instead. Entries whose directory chain cannot name a package (a segment
// containing a dot, or data files outside any package) contribute nothing.
//
// ZipWriter produces archives in this layout that any standard zip tool
// can read back.
package archive
