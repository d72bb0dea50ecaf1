// Package errors provides structured error types for the starpack library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type includes rich context: module name, archive entry, byte offset, and
// cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseDecode, errors.KindTruncated).
//		Name("pkg.mod").
//		Offset(42).
//		Detail("field length %d exceeds remaining %d", 80, 3).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.NotFound(errors.PhaseFind, "module", "pkg.missing")
//	err := errors.UnsupportedCompression("pkg/mod.star", method)
//
// Absence is routine during module resolution, so it has a dedicated predicate:
//
//	if errors.IsNotFound(err) {
//		// fall through to the next loader
//	}
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
