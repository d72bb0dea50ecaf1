package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseDecode    Phase = "decode"    // packed bytes to records
	PhaseEncode    Phase = "encode"    // records to packed bytes
	PhaseIndex     Phase = "index"     // index construction
	PhaseArchive   Phase = "archive"   // payload access through a backend
	PhaseFind      Phase = "find"      // module spec resolution
	PhaseLoad      Phase = "load"      // module execution
	PhaseExtension Phase = "extension" // extension module bridging
	PhaseBootstrap Phase = "bootstrap" // interpreter startup
)

// Kind categorizes the error
type Kind string

const (
	KindBadMagic               Kind = "bad_magic"
	KindBadVersion             Kind = "bad_version"
	KindTruncated              Kind = "truncated"
	KindInvalidData            Kind = "invalid_data"
	KindInvalidName            Kind = "invalid_name"
	KindDuplicateName          Kind = "duplicate_name"
	KindOutOfBounds            Kind = "out_of_bounds"
	KindCorruptArchive         Kind = "corrupt_archive"
	KindUnsupported            Kind = "unsupported"
	KindUnsupportedCompression Kind = "unsupported_compression"
	KindNotFound               Kind = "not_found"
	KindUnloadable             Kind = "unloadable"
	KindTagMismatch            Kind = "tag_mismatch"
	KindCycle                  Kind = "cycle"
	KindInitFailed             Kind = "init_failed"
)

// Error is the structured error type used throughout the library
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Name   string // dotted module or record name, if known
	Entry  string // archive entry path, if known
	Offset int    // byte offset within the input, if known
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Name != "" {
		b.WriteString(" at ")
		b.WriteString(e.Name)
	}

	if e.Entry != "" {
		b.WriteString(" in entry ")
		b.WriteString(fmt.Sprintf("%q", e.Entry))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Offset > 0 {
		b.WriteString(fmt.Sprintf(" (offset %d)", e.Offset))
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// IsKind reports whether err is a structured error of the given kind,
// regardless of phase.
func IsKind(err error, k Kind) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Kind == k
}

// IsNotFound reports whether err marks an absent module, payload, or
// archive entry. Callers use it to fall through to the next loader
// instead of failing the import.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// IsUnloadable reports whether err marks a record that was found but
// carries nothing the engine can execute.
func IsUnloadable(err error) bool {
	return IsKind(err, KindUnloadable)
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Name sets the module or record name
func (b *Builder) Name(name string) *Builder {
	b.err.Name = name
	return b
}

// Entry sets the archive entry path
func (b *Builder) Entry(entry string) *Builder {
	b.err.Entry = entry
	return b
}

// Offset sets the byte offset within the input
func (b *Builder) Offset(off int) *Builder {
	b.err.Offset = off
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// BadMagic creates an unrecognized-magic error
func BadMagic(got []byte) *Error {
	preview := got
	if len(preview) > 8 {
		preview = preview[:8]
	}
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindBadMagic,
		Detail: fmt.Sprintf("unrecognized magic %x", preview),
		Value:  preview,
	}
}

// BadVersion creates an unsupported-version error
func BadVersion(got, want uint8) *Error {
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindBadVersion,
		Detail: fmt.Sprintf("format version %d not supported (reader speaks %d)", got, want),
		Value:  got,
	}
}

// Truncated creates an input-ends-early error
func Truncated(phase Phase, offset int, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTruncated,
		Offset: offset,
		Detail: detail,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, name, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Name:   name,
		Detail: detail,
	}
}

// InvalidName creates a malformed-name error
func InvalidName(name, detail string) *Error {
	return &Error{
		Phase:  PhaseIndex,
		Kind:   KindInvalidName,
		Name:   name,
		Detail: detail,
	}
}

// DuplicateName creates a duplicate record name error
func DuplicateName(name string) *Error {
	return &Error{
		Phase:  PhaseIndex,
		Kind:   KindDuplicateName,
		Name:   name,
		Detail: "name already present in index",
	}
}

// OutOfBounds creates an out of bounds error for a payload reference
func OutOfBounds(name string, offset, length uint32, size int) *Error {
	return &Error{
		Phase:  PhaseArchive,
		Kind:   KindOutOfBounds,
		Name:   name,
		Detail: fmt.Sprintf("payload [%d:%d] outside heap of %d bytes", offset, uint64(offset)+uint64(length), size),
	}
}

// CorruptArchive creates a structural corruption error
func CorruptArchive(entry, detail string) *Error {
	return &Error{
		Phase:  PhaseArchive,
		Kind:   KindCorruptArchive,
		Entry:  entry,
		Detail: detail,
	}
}

// UnsupportedCompression creates an error for a compression method the
// reader does not speak
func UnsupportedCompression(entry string, method uint16) *Error {
	return &Error{
		Phase:  PhaseArchive,
		Kind:   KindUnsupportedCompression,
		Entry:  entry,
		Detail: fmt.Sprintf("compression method %d", method),
		Value:  method,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Name:   name,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// Unloadable creates an error for a record that declares a module but
// carries no loadable payload
func Unloadable(name, detail string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindUnloadable,
		Name:   name,
		Detail: detail,
	}
}

// TagMismatch creates a bytecode tag mismatch error
func TagMismatch(name string, got, want uint64) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindTagMismatch,
		Name:   name,
		Detail: fmt.Sprintf("bytecode tag %d does not match engine tag %d", got, want),
		Value:  got,
	}
}

// Cycle creates an import cycle error
func Cycle(name string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindCycle,
		Name:   name,
		Detail: "module load already in progress",
	}
}

// Bootstrap wraps a startup failure
func Bootstrap(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseBootstrap,
		Kind:   KindInitFailed,
		Detail: detail,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
