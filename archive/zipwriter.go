package archive

import (
	"bytes"
	"hash/crc32"
	"sort"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/starpack/starpack/errors"
	"github.com/starpack/starpack/internal/binary"
	"github.com/starpack/starpack/respack"
)

// Names are written as UTF-8 and flagged as such for foreign tools.
const flagUTF8Names = 0x0800

// ZipWriter builds a zip archive in the module layout this package reads
// back. Entries are deflated when that makes them smaller and stored
// otherwise. Timestamps are zeroed, so the same inputs produce the same
// archive bytes.
type ZipWriter struct {
	w       *binary.Writer
	entries []zipEntry
	names   map[string]bool
}

// NewZipWriter returns an empty archive writer.
func NewZipWriter() *ZipWriter {
	return &ZipWriter{w: binary.NewWriter(), names: make(map[string]bool)}
}

// Add appends one entry. Names use forward slashes and must be unique
// within the archive.
func (zw *ZipWriter) Add(name string, data []byte) error {
	if name == "" {
		return errors.InvalidData(errors.PhaseEncode, name, "empty entry name")
	}
	if len(name) > 0xFFFF {
		return errors.InvalidData(errors.PhaseEncode, name, "entry name longer than 65535 bytes")
	}
	if zw.names[name] {
		return errors.InvalidData(errors.PhaseEncode, name, "duplicate entry name")
	}
	if uint64(len(data)) > zip64Marker {
		return errors.Unsupported(errors.PhaseEncode, "entry larger than 4 GiB")
	}
	if uint64(zw.w.Len()) > zip64Marker {
		return errors.Unsupported(errors.PhaseEncode, "archive larger than 4 GiB")
	}

	method := uint16(methodDeflate)
	payload := deflate(data)
	if payload == nil {
		method = methodStore
		payload = data
	}

	e := zipEntry{
		name:      name,
		method:    method,
		flags:     flagUTF8Names,
		crc:       crc32.ChecksumIEEE(data),
		compSize:  uint32(len(payload)),
		rawSize:   uint32(len(data)),
		headerOff: uint32(zw.w.Len()),
	}

	zw.w.WriteU32(sigLocalHeader)
	zw.w.WriteU16(20) // version needed to extract: 2.0
	zw.w.WriteU16(e.flags)
	zw.w.WriteU16(e.method)
	zw.w.WriteU16(0) // modification time
	zw.w.WriteU16(0) // modification date
	zw.w.WriteU32(e.crc)
	zw.w.WriteU32(e.compSize)
	zw.w.WriteU32(e.rawSize)
	zw.w.WriteU16(uint16(len(name)))
	zw.w.WriteU16(0) // extra field length
	zw.w.WriteBytes([]byte(name))
	zw.w.WriteBytes(payload)

	zw.entries = append(zw.entries, e)
	zw.names[name] = true
	return nil
}

// AddRecordTree writes one file per payload of the given records,
// sorted by record name, using the layout Records derives from. Records
// must carry resident payloads.
func (zw *ZipWriter) AddRecordTree(records []*respack.Record) error {
	sorted := append([]*respack.Record(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, rec := range sorted {
		if err := zw.addRecord(rec); err != nil {
			return err
		}
	}
	return nil
}

// Finish appends the central directory and returns the archive bytes.
// The writer must not be used afterwards.
func (zw *ZipWriter) Finish() ([]byte, error) {
	if len(zw.entries) > 0xFFFE {
		return nil, errors.Unsupported(errors.PhaseEncode, "more than 65534 entries")
	}
	cdOff := zw.w.Len()
	if uint64(cdOff) > zip64Marker {
		return nil, errors.Unsupported(errors.PhaseEncode, "archive larger than 4 GiB")
	}

	for i := range zw.entries {
		e := &zw.entries[i]
		zw.w.WriteU32(sigCentralDir)
		zw.w.WriteU16(20) // version made by
		zw.w.WriteU16(20) // version needed to extract
		zw.w.WriteU16(e.flags)
		zw.w.WriteU16(e.method)
		zw.w.WriteU16(0) // modification time
		zw.w.WriteU16(0) // modification date
		zw.w.WriteU32(e.crc)
		zw.w.WriteU32(e.compSize)
		zw.w.WriteU32(e.rawSize)
		zw.w.WriteU16(uint16(len(e.name)))
		zw.w.WriteU16(0) // extra field length
		zw.w.WriteU16(0) // comment length
		zw.w.WriteU16(0) // disk number start
		zw.w.WriteU16(0) // internal attributes
		zw.w.WriteU32(0) // external attributes
		zw.w.WriteU32(e.headerOff)
		zw.w.WriteBytes([]byte(e.name))
	}
	cdSize := zw.w.Len() - cdOff

	zw.w.WriteU32(sigEndOfCentral)
	zw.w.WriteU16(0) // disk number
	zw.w.WriteU16(0) // central directory start disk
	zw.w.WriteU16(uint16(len(zw.entries)))
	zw.w.WriteU16(uint16(len(zw.entries)))
	zw.w.WriteU32(uint32(cdSize))
	zw.w.WriteU32(uint32(cdOff))
	zw.w.WriteU16(0) // comment length
	return zw.w.Bytes(), nil
}

func (zw *ZipWriter) addRecord(rec *respack.Record) error {
	// The zip layout expresses modules, packages, and their payloads.
	// Everything else only exists in the packed format.
	switch {
	case rec.Builtin || rec.Frozen || rec.SharedLibrary != "":
		return errors.InvalidData(errors.PhaseEncode, rec.Name,
			"builtin, frozen, and shared-library records have no zip layout")
	case rec.IsPackage && rec.Extension != nil:
		return errors.InvalidData(errors.PhaseEncode, rec.Name,
			"package extension payloads have no zip layout")
	case !rec.IsPackage && rec.DistMetadata != nil:
		return errors.InvalidData(errors.PhaseEncode, rec.Name,
			"module metadata has no zip layout; attach it to the package")
	case !rec.IsPackage && len(rec.Resources) > 0:
		return errors.InvalidData(errors.PhaseEncode, rec.Name,
			"module resources have no zip layout; attach them to the package")
	}

	base := strings.ReplaceAll(rec.Name, ".", "/")
	write := func(entry string, blob *respack.Blob) error {
		if blob == nil {
			return nil
		}
		if !blob.Resident() {
			return errors.InvalidData(errors.PhaseEncode, rec.Name, "payload not resident")
		}
		return zw.Add(entry, blob.Data)
	}

	code := base + ".star"
	compiled := base + ".starc"
	meta := ""
	if rec.IsPackage {
		code = base + "/__init__.star"
		compiled = base + "/__init__.starc"
		meta = base + "/METADATA"
	}
	if err := write(code, rec.Source); err != nil {
		return err
	}
	if rec.Bytecode != nil {
		if !rec.Bytecode.Resident() {
			return errors.InvalidData(errors.PhaseEncode, rec.Name, "payload not resident")
		}
		tagged := binary.NewWriter()
		tagged.WriteU64(rec.BytecodeTag)
		tagged.WriteBytes(rec.Bytecode.Data)
		if err := zw.Add(compiled, tagged.Bytes()); err != nil {
			return err
		}
	}
	if err := write(base+".wasm", rec.Extension); err != nil {
		return err
	}
	if meta != "" {
		if err := write(meta, rec.DistMetadata); err != nil {
			return err
		}
	}

	resources := make([]string, 0, len(rec.Resources))
	for name := range rec.Resources {
		resources = append(resources, name)
	}
	sort.Strings(resources)
	for _, name := range resources {
		if err := write(base+"/"+name, rec.Resources[name]); err != nil {
			return err
		}
	}
	return nil
}

// deflate compresses data, returning nil when deflate does not shrink
// it and the entry should be stored instead.
func deflate(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil
	}
	if _, err := fw.Write(data); err != nil {
		return nil
	}
	if err := fw.Close(); err != nil {
		return nil
	}
	if buf.Len() >= len(data) {
		return nil
	}
	return buf.Bytes()
}
