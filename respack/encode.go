package respack

import (
	"math"
	"sort"
	"unicode/utf8"

	"github.com/starpack/starpack/errors"
	"github.com/starpack/starpack/internal/binary"
)

// Encode serializes records into a packed resources archive. Records are
// written in the order given and resource tables in sorted name order, so
// output is deterministic. Every payload must be resident; fetch payloads
// held behind a backend before re-encoding.
func Encode(records []*Record) ([]byte, error) {
	entries := binary.NewWriter()
	heap := binary.NewWriter()

	for i, rec := range records {
		if err := encodeRecord(entries, heap, rec, i); err != nil {
			return nil, err
		}
	}

	out := binary.NewWriter()
	out.WriteBytes(Magic[:])
	out.Byte(FormatMajor)
	out.Byte(FormatMinor)
	out.WriteU32(uint32(len(records)))
	out.WriteBytes(entries.Bytes())
	out.WriteBytes(heap.Bytes())
	return out.Bytes(), nil
}

func encodeRecord(entries, heap *binary.Writer, rec *Record, index int) error {
	if rec.Name == "" {
		return encodeErr("", "record %d has no name", index)
	}
	if !utf8.ValidString(rec.Name) {
		return encodeErr("", "record %d name is not valid UTF-8", index)
	}

	field := func(tag uint8, payload []byte) {
		entries.Byte(tag)
		entries.WriteU32(uint32(len(payload)))
		entries.WriteBytes(payload)
	}
	flag := func(tag uint8, set bool) {
		if set {
			field(tag, nil)
		}
	}
	blob := func(tag uint8, b *Blob) error {
		if b == nil {
			return nil
		}
		off, length, err := appendPayload(heap, rec, b)
		if err != nil {
			return err
		}
		ref := binary.NewWriter()
		ref.WriteU32(off)
		ref.WriteU32(length)
		field(tag, ref.Bytes())
		return nil
	}

	field(TagName, []byte(rec.Name))
	flag(TagIsPackage, rec.IsPackage)
	flag(TagIsModule, rec.IsModule)
	flag(TagBuiltin, rec.Builtin)
	flag(TagFrozen, rec.Frozen)
	if err := blob(TagSource, rec.Source); err != nil {
		return err
	}
	if err := blob(TagBytecode, rec.Bytecode); err != nil {
		return err
	}
	if rec.BytecodeTag != 0 {
		w := binary.NewWriter()
		w.WriteU64(rec.BytecodeTag)
		field(TagBytecodeTag, w.Bytes())
	}
	if err := blob(TagDistMetadata, rec.DistMetadata); err != nil {
		return err
	}
	if err := blob(TagExtension, rec.Extension); err != nil {
		return err
	}
	if rec.SharedLibrary != "" {
		field(TagSharedLibrary, []byte(rec.SharedLibrary))
	}
	if len(rec.Resources) > 0 {
		names := make([]string, 0, len(rec.Resources))
		for name := range rec.Resources {
			names = append(names, name)
		}
		sort.Strings(names)

		inner := binary.NewWriter()
		inner.WriteU32(uint32(len(names)))
		for _, name := range names {
			off, length, err := appendPayload(heap, rec, rec.Resources[name])
			if err != nil {
				return err
			}
			inner.WriteString(name)
			inner.WriteU32(off)
			inner.WriteU32(length)
		}
		field(TagResources, inner.Bytes())
	}
	field(TagEndOfRecord, nil)
	return nil
}

func appendPayload(heap *binary.Writer, rec *Record, b *Blob) (uint32, uint32, error) {
	if b.Data == nil {
		return 0, 0, encodeErr(rec.Name, "payload not resident")
	}
	if int64(heap.Len())+int64(len(b.Data)) > math.MaxUint32 {
		return 0, 0, encodeErr(rec.Name, "payload heap exceeds 4 GiB")
	}
	off := uint32(heap.Len())
	heap.WriteBytes(b.Data)
	return off, uint32(len(b.Data)), nil
}

func encodeErr(name, format string, args ...any) error {
	return errors.New(errors.PhaseEncode, errors.KindInvalidData).
		Name(name).
		Detail(format, args...).
		Build()
}
