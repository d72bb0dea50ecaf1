// Package respack implements the packed resources binary format: a single
// addressable blob holding the module sources, compiled bytecode, and
// ancillary data files of an embedded interpreter.
//
// # Wire Format
//
// All integers are little-endian and fixed width. A packed archive is a
// header, a run of record entries, and a payload heap:
//
//	header:   magic "starpak\n" | major u8 | minor u8 | count u32
//	entries:  count records, each a sequence of tagged fields
//	heap:     concatenated payload bytes referenced by the entries
//
// Each field is self-delimiting:
//
//	field:    tag u8 | length u32 | payload[length]
//
// and a record ends with the end-of-record tag (length 0). Scalar fields
// (name, flags, bytecode tag, shared library path) carry their value in the
// field payload directly. Bulk fields (source, bytecode, dist metadata,
// extension, resource data) carry an (offset, length) pair into the heap,
// so the entry run stays small and payload access is a bounds-checked
// subslice of the archive buffer.
//
// Readers skip fields with tags they do not recognize, which lets old
// readers process archives written by newer minor versions. A new major
// version is rejected outright.
//
// # Decoding
//
// Decode parses the entry run strictly: a length prefix that runs past the
// end of the input is a truncation error, a duplicate field within one
// record or a record without a name is a format error. Heap references are
// resolved to subslices of the input buffer when they are in bounds; an
// out-of-range reference is left unresolved and surfaces as an
// out-of-bounds error when the payload is fetched, so one corrupt record
// does not poison the rest of the archive.
//
// Decoded records alias the input buffer. The buffer must stay resident
// (and unmodified) for as long as the records are in use.
package respack
