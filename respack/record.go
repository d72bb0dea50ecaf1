package respack

import "bytes"

// Blob locates one payload. A packer-built record holds the payload inline
// in Data. A record decoded from packed bytes references a range of the
// archive's heap via Offset and Length, with Data aliasing the archive
// buffer once the reference has been resolved. A record derived from a zip
// central directory names the entry holding the payload instead.
//
// Data == nil means the payload is not resident: either the heap reference
// was out of bounds, or the bytes live behind an archive backend.
type Blob struct {
	Data   []byte
	Offset uint32
	Length uint32
	Entry  string
}

// InlineBlob wraps payload bytes built in memory.
func InlineBlob(data []byte) *Blob {
	return &Blob{Data: data}
}

// EntryBlob references a payload held in a named archive entry.
func EntryBlob(entry string) *Blob {
	return &Blob{Entry: entry}
}

// Resident reports whether the payload bytes are in memory.
func (b *Blob) Resident() bool {
	return b != nil && b.Data != nil
}

// Record describes one named resource: a module, a package, or a carrier
// of ancillary data. Payload fields are nil when the record does not
// declare them; a pure namespace package declares none.
type Record struct {
	Name          string
	IsPackage     bool
	IsModule      bool
	Builtin       bool
	Frozen        bool
	BytecodeTag   uint64
	SharedLibrary string
	Source        *Blob
	Bytecode      *Blob
	DistMetadata  *Blob
	Extension     *Blob
	Resources     map[string]*Blob
}

// HasCode reports whether the record declares anything an engine could
// execute or delegate.
func (r *Record) HasCode() bool {
	return r.Source != nil || r.Bytecode != nil || r.Extension != nil || r.Builtin || r.Frozen
}

// Equal reports whether two records carry the same content. Payloads
// compare by resident bytes, so records round-tripped through the codec
// compare equal to their originals.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.Name != o.Name ||
		r.IsPackage != o.IsPackage ||
		r.IsModule != o.IsModule ||
		r.Builtin != o.Builtin ||
		r.Frozen != o.Frozen ||
		r.BytecodeTag != o.BytecodeTag ||
		r.SharedLibrary != o.SharedLibrary {
		return false
	}
	if !blobEqual(r.Source, o.Source) ||
		!blobEqual(r.Bytecode, o.Bytecode) ||
		!blobEqual(r.DistMetadata, o.DistMetadata) ||
		!blobEqual(r.Extension, o.Extension) {
		return false
	}
	if len(r.Resources) != len(o.Resources) {
		return false
	}
	for name, b := range r.Resources {
		ob, ok := o.Resources[name]
		if !ok || !blobEqual(b, ob) {
			return false
		}
	}
	return true
}

func blobEqual(a, b *Blob) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return bytes.Equal(a.Data, b.Data)
}
