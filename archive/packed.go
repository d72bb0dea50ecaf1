package archive

import (
	"github.com/starpack/starpack/errors"
	"github.com/starpack/starpack/respack"
)

// Packed serves payloads for records decoded from a packed archive. All
// fetches resolve against the archive's payload heap without copying.
//
// Packed is safe for concurrent use; it holds no mutable state between
// Close calls.
type Packed struct {
	heap   []byte
	mapped []byte // non-nil when the archive is a memory-mapped file
}

// NewPacked returns a backend over the heap of a decoded bundle.
func NewPacked(bundle *respack.Bundle) *Packed {
	return &Packed{heap: bundle.Heap}
}

// OpenPackedFile maps path into memory and decodes it as a packed
// archive. On platforms without memory mapping the file is read into
// memory instead. The returned backend owns the mapping; the bundle's
// records alias it, so neither may be used after Close.
func OpenPackedFile(path string) (*respack.Bundle, *Packed, error) {
	data, mapped, err := mapFile(path)
	if err != nil {
		return nil, nil, err
	}
	bundle, err := respack.Decode(data)
	if err != nil {
		if mapped != nil {
			unmapFile(mapped)
		}
		return nil, nil, err
	}
	return bundle, &Packed{heap: bundle.Heap, mapped: mapped}, nil
}

// Source implements Backend.
func (p *Packed) Source(rec *respack.Record) ([]byte, error) {
	return p.payload(rec, rec.Source, "source")
}

// Bytecode implements Backend.
func (p *Packed) Bytecode(rec *respack.Record) ([]byte, error) {
	return p.payload(rec, rec.Bytecode, "bytecode")
}

// Extension implements Backend.
func (p *Packed) Extension(rec *respack.Record) ([]byte, error) {
	return p.payload(rec, rec.Extension, "extension")
}

// Metadata implements Backend.
func (p *Packed) Metadata(rec *respack.Record) ([]byte, error) {
	return p.payload(rec, rec.DistMetadata, "metadata")
}

// Resource implements Backend.
func (p *Packed) Resource(rec *respack.Record, name string) ([]byte, error) {
	blob, ok := rec.Resources[name]
	if !ok {
		return nil, errors.New(errors.PhaseArchive, errors.KindNotFound).
			Name(rec.Name).
			Detail("no resource %q", name).
			Build()
	}
	return p.payload(rec, blob, "resource")
}

// Close releases the memory mapping, if any. Payloads fetched from a
// mapped backend dangle after Close.
func (p *Packed) Close() error {
	p.heap = nil
	if p.mapped == nil {
		return nil
	}
	m := p.mapped
	p.mapped = nil
	return unmapFile(m)
}

// payload resolves one blob against the heap. Blobs the decoder already
// resolved are served as-is; an unresolved heap reference gets a final
// bounds check here so a single corrupt record surfaces at fetch time
// instead of poisoning the whole archive.
func (p *Packed) payload(rec *respack.Record, blob *respack.Blob, what string) ([]byte, error) {
	if blob == nil {
		return nil, notFound(rec, what)
	}
	if blob.Data != nil {
		return blob.Data, nil
	}
	if blob.Entry != "" {
		return nil, errors.New(errors.PhaseArchive, errors.KindInvalidData).
			Name(rec.Name).
			Detail("payload lives in zip entry %q, not in this archive", blob.Entry).
			Build()
	}
	end := uint64(blob.Offset) + uint64(blob.Length)
	if end > uint64(len(p.heap)) {
		return nil, errors.OutOfBounds(rec.Name, blob.Offset, blob.Length, len(p.heap))
	}
	return p.heap[blob.Offset:end], nil
}
