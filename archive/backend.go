package archive

import (
	"github.com/starpack/starpack/errors"
	"github.com/starpack/starpack/respack"
)

// Backend resolves the payloads referenced by records of one archive.
//
// Every fetch returns the payload bytes or an error. A payload the record
// does not declare reports not_found, distinguishable with
// errors.IsNotFound; callers use that to fall through to the next archive
// rather than fail the load. Returned slices may alias the archive's
// buffer and must be treated as read-only.
type Backend interface {
	// Source returns the module source text of rec.
	Source(rec *respack.Record) ([]byte, error)

	// Bytecode returns the compiled program payload of rec. For records
	// derived from a zip archive the payload starts with the 8-byte
	// compiler tag.
	Bytecode(rec *respack.Record) ([]byte, error)

	// Extension returns the extension module payload of rec.
	Extension(rec *respack.Record) ([]byte, error)

	// Metadata returns the distribution metadata payload of rec.
	Metadata(rec *respack.Record) ([]byte, error)

	// Resource returns the named non-code payload of rec.
	Resource(rec *respack.Record, name string) ([]byte, error)

	// Close releases the archive. Payload slices fetched from a
	// memory-mapped backend must not be used after Close.
	Close() error
}

func notFound(rec *respack.Record, what string) error {
	return errors.New(errors.PhaseArchive, errors.KindNotFound).
		Name(rec.Name).
		Detail("record declares no %s payload", what).
		Build()
}
