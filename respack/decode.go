package respack

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"github.com/starpack/starpack/errors"
	"github.com/starpack/starpack/internal/binary"
)

// Bundle is a decoded packed archive: the records in declaration order
// plus the payload heap they reference.
type Bundle struct {
	Records []*Record
	Heap    []byte
}

// Decode parses a packed resources archive. The returned records alias
// data; the buffer must stay resident while they are in use.
func Decode(data []byte) (*Bundle, error) {
	if len(data) < headerSize {
		return nil, errors.Truncated(errors.PhaseDecode, len(data), "archive shorter than header")
	}

	r := binary.NewReader(data)

	// Header reads cannot fail after the length guard.
	magic, _ := r.ReadBytes(8)
	if !bytes.Equal(magic, Magic[:]) {
		return nil, errors.BadMagic(magic)
	}
	major, _ := r.ReadByte()
	if major != FormatMajor {
		return nil, errors.BadVersion(major, FormatMajor)
	}
	// Newer minors only add fields this reader skips by length.
	_, _ = r.ReadByte()
	count, _ := r.ReadU32()

	records := make([]*Record, 0, count)
	var refs []*Blob
	for i := 0; i < int(count); i++ {
		rec, err := decodeRecord(r, i, &refs)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	heap := data[r.Position():]
	for _, b := range refs {
		end := uint64(b.Offset) + uint64(b.Length)
		if end <= uint64(len(heap)) {
			b.Data = heap[b.Offset:end]
		}
	}

	return &Bundle{Records: records, Heap: heap}, nil
}

func decodeRecord(r *binary.Reader, index int, refs *[]*Blob) (*Record, error) {
	rec := &Record{}
	var seen [256]bool

	for {
		tag, err := r.ReadByte()
		if err != nil {
			return nil, truncated(r, "record %d cut short", index)
		}
		length, err := r.ReadU32()
		if err != nil {
			return nil, truncated(r, "field 0x%02x in record %d has no length", tag, index)
		}
		if int64(length) > int64(r.Remaining()) {
			return nil, truncated(r, "field 0x%02x length %d exceeds remaining %d", tag, length, r.Remaining())
		}
		if tag == TagEndOfRecord {
			if length != 0 {
				return nil, fieldErr(rec, index, "end-of-record field carries a payload")
			}
			break
		}
		if knownTag(tag) {
			if seen[tag] {
				return nil, fieldErr(rec, index, "duplicate field 0x%02x", tag)
			}
			seen[tag] = true
		}
		payload, _ := r.ReadBytes(int(length))
		if err := applyField(rec, index, tag, payload, refs); err != nil {
			return nil, err
		}
	}

	if rec.Name == "" {
		return nil, fieldErr(rec, index, "record has no name")
	}
	return rec, nil
}

func knownTag(tag uint8) bool {
	switch tag {
	case TagName, TagIsPackage, TagIsModule, TagBuiltin, TagFrozen,
		TagSource, TagBytecode, TagBytecodeTag, TagDistMetadata,
		TagExtension, TagSharedLibrary, TagResources:
		return true
	}
	return false
}

func applyField(rec *Record, index int, tag uint8, payload []byte, refs *[]*Blob) error {
	switch tag {
	case TagName:
		if !utf8.Valid(payload) {
			return fieldErr(rec, index, "name is not valid UTF-8")
		}
		rec.Name = string(payload)

	case TagIsPackage, TagIsModule, TagBuiltin, TagFrozen:
		if len(payload) != 0 {
			return fieldErr(rec, index, "flag field 0x%02x carries a payload", tag)
		}
		switch tag {
		case TagIsPackage:
			rec.IsPackage = true
		case TagIsModule:
			rec.IsModule = true
		case TagBuiltin:
			rec.Builtin = true
		case TagFrozen:
			rec.Frozen = true
		}

	case TagSource:
		b, err := heapRef(rec, index, payload, refs)
		if err != nil {
			return err
		}
		rec.Source = b

	case TagBytecode:
		b, err := heapRef(rec, index, payload, refs)
		if err != nil {
			return err
		}
		rec.Bytecode = b

	case TagBytecodeTag:
		if len(payload) != 8 {
			return fieldErr(rec, index, "bytecode tag must be 8 bytes, got %d", len(payload))
		}
		br := binary.NewReader(payload)
		rec.BytecodeTag, _ = br.ReadU64()

	case TagDistMetadata:
		b, err := heapRef(rec, index, payload, refs)
		if err != nil {
			return err
		}
		rec.DistMetadata = b

	case TagExtension:
		b, err := heapRef(rec, index, payload, refs)
		if err != nil {
			return err
		}
		rec.Extension = b

	case TagSharedLibrary:
		if !utf8.Valid(payload) {
			return fieldErr(rec, index, "shared library path is not valid UTF-8")
		}
		rec.SharedLibrary = string(payload)

	case TagResources:
		return decodeResources(rec, index, payload, refs)

	default:
		// Unknown field from a newer minor version, skipped.
	}
	return nil
}

func heapRef(rec *Record, index int, payload []byte, refs *[]*Blob) (*Blob, error) {
	if len(payload) != heapRefSize {
		return nil, fieldErr(rec, index, "heap reference must be %d bytes, got %d", heapRefSize, len(payload))
	}
	br := binary.NewReader(payload)
	off, _ := br.ReadU32()
	length, _ := br.ReadU32()
	b := &Blob{Offset: off, Length: length}
	*refs = append(*refs, b)
	return b, nil
}

func decodeResources(rec *Record, index int, payload []byte, refs *[]*Blob) error {
	br := binary.NewReader(payload)
	count, err := br.ReadU32()
	if err != nil {
		return fieldErr(rec, index, "resource table has no count")
	}
	res := make(map[string]*Blob, count)
	for i := 0; i < int(count); i++ {
		name, err := br.ReadString()
		if err != nil {
			return fieldErr(rec, index, "resource %d overruns its field", i)
		}
		if _, dup := res[name]; dup {
			return fieldErr(rec, index, "duplicate resource %q", name)
		}
		off, err := br.ReadU32()
		if err != nil {
			return fieldErr(rec, index, "resource %q overruns its field", name)
		}
		length, err := br.ReadU32()
		if err != nil {
			return fieldErr(rec, index, "resource %q overruns its field", name)
		}
		b := &Blob{Offset: off, Length: length}
		*refs = append(*refs, b)
		res[name] = b
	}
	if br.Remaining() != 0 {
		return fieldErr(rec, index, "resource table has %d trailing bytes", br.Remaining())
	}
	rec.Resources = res
	return nil
}

func truncated(r *binary.Reader, format string, args ...any) error {
	return errors.Truncated(errors.PhaseDecode, r.Position(), fmt.Sprintf(format, args...))
}

func fieldErr(rec *Record, index int, format string, args ...any) error {
	return errors.New(errors.PhaseDecode, errors.KindInvalidData).
		Name(rec.Name).
		Detail("record %d: %s", index, fmt.Sprintf(format, args...)).
		Build()
}
