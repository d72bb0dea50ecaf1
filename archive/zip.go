package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"

	"github.com/starpack/starpack/errors"
	"github.com/starpack/starpack/respack"
)

// Zip file layout constants. Signatures are stored little-endian, so the
// on-disk byte order is "PK" followed by the record type.
const (
	sigLocalHeader  = 0x04034b50
	sigCentralDir   = 0x02014b50
	sigEndOfCentral = 0x06054b50

	localHeaderSize  = 30
	centralDirSize   = 46
	endOfCentralSize = 22

	maxCommentSize = 0xFFFF
	zip64Marker    = 0xFFFFFFFF

	methodStore   = 0
	methodDeflate = 8

	flagEncrypted = 0x0001
)

var endOfCentralSig = []byte{'P', 'K', 0x05, 0x06}

// zipEntry holds the central directory metadata of one archive member.
// Sizes and checksum come from the central directory; the local header is
// only consulted to locate the entry data.
type zipEntry struct {
	name      string
	method    uint16
	flags     uint16
	crc       uint32
	compSize  uint32
	rawSize   uint32
	headerOff uint32
}

// Zip serves records out of a zip archive. The central directory is
// parsed once at open time and module records are derived from the entry
// paths; entry data is read lazily, inflated on first fetch, and cached.
//
// Zip is safe for concurrent use. The decompression cache is the only
// mutable state; parallel fetches of the same entry may both inflate, in
// which case one result is retained and the duplicates are discarded.
type Zip struct {
	data    []byte
	mapped  []byte
	entries map[string]*zipEntry
	order   []string
	records []*respack.Record

	mu    sync.Mutex
	cache map[string][]byte
}

// OpenZip parses the central directory of an in-memory zip archive and
// derives module records from its entry paths.
func OpenZip(data []byte) (*Zip, error) {
	z := &Zip{data: data, cache: make(map[string][]byte)}
	if err := z.parseCentralDirectory(); err != nil {
		return nil, err
	}
	if err := z.deriveRecords(); err != nil {
		return nil, err
	}
	return z, nil
}

// OpenZipFile maps path into memory and opens it as a zip archive. On
// platforms without memory mapping the file is read into memory. The
// returned backend owns the mapping; payloads fetched from it must not
// be used after Close.
func OpenZipFile(path string) (*Zip, error) {
	data, mapped, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	z, err := OpenZip(data)
	if err != nil {
		if mapped != nil {
			unmapFile(mapped)
		}
		return nil, err
	}
	z.mapped = mapped
	return z, nil
}

// Records returns the module records derived from the archive's entry
// paths, sorted by name. The records reference entries by name and
// resolve their payloads through this backend.
func (z *Zip) Records() []*respack.Record {
	return append([]*respack.Record(nil), z.records...)
}

// Entries returns the raw entry names in central directory order.
func (z *Zip) Entries() []string {
	return append([]string(nil), z.order...)
}

// Source implements Backend.
func (z *Zip) Source(rec *respack.Record) ([]byte, error) {
	return z.payload(rec, rec.Source, "source")
}

// Bytecode implements Backend. The returned payload starts with the
// 8-byte compiler tag carried by the .starc entry.
func (z *Zip) Bytecode(rec *respack.Record) ([]byte, error) {
	return z.payload(rec, rec.Bytecode, "bytecode")
}

// Extension implements Backend.
func (z *Zip) Extension(rec *respack.Record) ([]byte, error) {
	return z.payload(rec, rec.Extension, "extension")
}

// Metadata implements Backend.
func (z *Zip) Metadata(rec *respack.Record) ([]byte, error) {
	return z.payload(rec, rec.DistMetadata, "metadata")
}

// Resource implements Backend.
func (z *Zip) Resource(rec *respack.Record, name string) ([]byte, error) {
	blob, ok := rec.Resources[name]
	if !ok {
		return nil, errors.New(errors.PhaseArchive, errors.KindNotFound).
			Name(rec.Name).
			Detail("no resource %q", name).
			Build()
	}
	return z.payload(rec, blob, "resource")
}

// Close releases the archive buffer and the memory mapping, if any.
func (z *Zip) Close() error {
	z.mu.Lock()
	z.cache = nil
	z.mu.Unlock()
	z.data = nil
	z.entries = nil
	if z.mapped == nil {
		return nil
	}
	m := z.mapped
	z.mapped = nil
	return unmapFile(m)
}

func (z *Zip) payload(rec *respack.Record, blob *respack.Blob, what string) ([]byte, error) {
	if blob == nil {
		return nil, notFound(rec, what)
	}
	if blob.Data != nil {
		return blob.Data, nil
	}
	if blob.Entry == "" {
		return nil, errors.New(errors.PhaseArchive, errors.KindInvalidData).
			Name(rec.Name).
			Detail("payload is a heap reference, not a zip entry").
			Build()
	}
	return z.fetch(blob.Entry)
}

// fetch returns the content of the named entry, decompressing and
// validating it on first access. Decompression runs outside the cache
// lock so a slow inflate does not serialize unrelated fetches.
func (z *Zip) fetch(name string) ([]byte, error) {
	z.mu.Lock()
	cached, ok := z.cache[name]
	z.mu.Unlock()
	if ok {
		return cached, nil
	}

	e, ok := z.entries[name]
	if !ok {
		return nil, errors.New(errors.PhaseArchive, errors.KindNotFound).
			Entry(name).
			Detail("no such zip entry").
			Build()
	}
	out, err := z.extract(e)
	if err != nil {
		return nil, err
	}

	z.mu.Lock()
	if prior, ok := z.cache[name]; ok {
		out = prior
	} else if z.cache != nil {
		z.cache[name] = out
	}
	z.mu.Unlock()
	return out, nil
}

// extract reads and decompresses one entry, checking the declared size
// and CRC-32 so a damaged archive surfaces as corrupt_archive rather
// than as garbage module source.
func (z *Zip) extract(e *zipEntry) ([]byte, error) {
	if e.flags&flagEncrypted != 0 {
		return nil, errors.Unsupported(errors.PhaseArchive, fmt.Sprintf("encrypted entry %q", e.name))
	}
	switch e.method {
	case methodStore, methodDeflate:
	default:
		return nil, errors.UnsupportedCompression(e.name, e.method)
	}

	comp, err := z.entryData(e)
	if err != nil {
		return nil, err
	}

	var out []byte
	if e.method == methodStore {
		if e.compSize != e.rawSize {
			return nil, errors.CorruptArchive(e.name,
				fmt.Sprintf("stored entry declares %d compressed but %d uncompressed bytes", e.compSize, e.rawSize))
		}
		out = comp
	} else {
		fr := flate.NewReader(bytes.NewReader(comp))
		out, err = io.ReadAll(fr)
		if cerr := fr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, errors.New(errors.PhaseArchive, errors.KindCorruptArchive).
				Entry(e.name).
				Cause(err).
				Detail("inflate failed").
				Build()
		}
	}

	if len(out) != int(e.rawSize) {
		return nil, errors.CorruptArchive(e.name,
			fmt.Sprintf("declared %d uncompressed bytes, got %d", e.rawSize, len(out)))
	}
	if got := crc32.ChecksumIEEE(out); got != e.crc {
		return nil, errors.CorruptArchive(e.name,
			fmt.Sprintf("crc32 mismatch: declared %08x, got %08x", e.crc, got))
	}
	return out, nil
}

// entryData locates the raw (possibly compressed) bytes of an entry by
// walking its local header. The header's name must agree with the
// central directory; sizes and checksum there may be zero when the
// writer streamed the entry, so those always come from the directory.
func (z *Zip) entryData(e *zipEntry) ([]byte, error) {
	off := int64(e.headerOff)
	if off+localHeaderSize > int64(len(z.data)) {
		return nil, errors.CorruptArchive(e.name, "local header offset outside archive")
	}
	h := z.data[off : off+localHeaderSize]
	if binary.LittleEndian.Uint32(h) != sigLocalHeader {
		return nil, errors.CorruptArchive(e.name, "bad local header signature")
	}
	nameLen := int64(binary.LittleEndian.Uint16(h[26:]))
	extraLen := int64(binary.LittleEndian.Uint16(h[28:]))

	nameEnd := off + localHeaderSize + nameLen
	if nameEnd > int64(len(z.data)) {
		return nil, errors.CorruptArchive(e.name, "local header truncated")
	}
	if string(z.data[off+localHeaderSize:nameEnd]) != e.name {
		return nil, errors.CorruptArchive(e.name, "local header name disagrees with central directory")
	}

	dataOff := nameEnd + extraLen
	dataEnd := dataOff + int64(e.compSize)
	if dataEnd > int64(len(z.data)) {
		return nil, errors.CorruptArchive(e.name, "entry data truncated")
	}
	return z.data[dataOff:dataEnd], nil
}

func (z *Zip) parseCentralDirectory() error {
	cdOff, cdSize, count, err := findEndOfCentral(z.data)
	if err != nil {
		return err
	}
	end := int64(cdOff) + int64(cdSize)
	if end > int64(len(z.data)) {
		return errors.CorruptArchive("", "central directory extends past end of archive")
	}
	cd := z.data[cdOff:end]

	z.entries = make(map[string]*zipEntry, count)
	z.order = make([]string, 0, count)
	pos := 0
	for i := 0; i < count; i++ {
		if len(cd)-pos < centralDirSize {
			return errors.CorruptArchive("", fmt.Sprintf("central directory holds %d of %d declared entries", i, count))
		}
		block := cd[pos : pos+centralDirSize]
		if binary.LittleEndian.Uint32(block) != sigCentralDir {
			return errors.CorruptArchive("", fmt.Sprintf("bad signature for central directory entry %d", i))
		}
		e := &zipEntry{
			flags:     binary.LittleEndian.Uint16(block[8:]),
			method:    binary.LittleEndian.Uint16(block[10:]),
			crc:       binary.LittleEndian.Uint32(block[16:]),
			compSize:  binary.LittleEndian.Uint32(block[20:]),
			rawSize:   binary.LittleEndian.Uint32(block[24:]),
			headerOff: binary.LittleEndian.Uint32(block[42:]),
		}
		nameLen := int(binary.LittleEndian.Uint16(block[28:]))
		extraLen := int(binary.LittleEndian.Uint16(block[30:]))
		commentLen := int(binary.LittleEndian.Uint16(block[32:]))
		diskStart := binary.LittleEndian.Uint16(block[34:])

		if e.compSize == zip64Marker || e.rawSize == zip64Marker || e.headerOff == zip64Marker {
			return errors.Unsupported(errors.PhaseArchive, "zip64 archive")
		}
		if diskStart != 0 {
			return errors.Unsupported(errors.PhaseArchive, "multi-disk archive")
		}

		next := pos + centralDirSize + nameLen + extraLen + commentLen
		if next > len(cd) {
			return errors.CorruptArchive("", fmt.Sprintf("central directory entry %d truncated", i))
		}
		e.name = string(cd[pos+centralDirSize : pos+centralDirSize+nameLen])
		if _, dup := z.entries[e.name]; dup {
			return errors.CorruptArchive(e.name, "duplicate entry name")
		}
		z.entries[e.name] = e
		z.order = append(z.order, e.name)
		pos = next
	}
	return nil
}

// findEndOfCentral scans backward over the trailing comment region for
// the end-of-central-directory record. A candidate signature only counts
// when its comment length reaches exactly to the end of the archive,
// which rejects signature bytes that happen to appear in entry data.
func findEndOfCentral(data []byte) (cdOff, cdSize uint32, count int, err error) {
	if len(data) < endOfCentralSize {
		return 0, 0, 0, errors.CorruptArchive("", "too small to hold an end-of-central-directory record")
	}
	window := data
	if len(data) > endOfCentralSize+maxCommentSize {
		window = data[len(data)-endOfCentralSize-maxCommentSize:]
	}
	base := len(data) - len(window)

	for at := bytes.LastIndex(window, endOfCentralSig); at >= 0; at = bytes.LastIndex(window[:at], endOfCentralSig) {
		off := base + at
		if len(data)-off < endOfCentralSize {
			continue
		}
		rec := data[off:]
		commentLen := int(binary.LittleEndian.Uint16(rec[20:]))
		if off+endOfCentralSize+commentLen != len(data) {
			continue
		}

		diskNum := binary.LittleEndian.Uint16(rec[4:])
		cdDisk := binary.LittleEndian.Uint16(rec[6:])
		diskCount := int(binary.LittleEndian.Uint16(rec[8:]))
		total := int(binary.LittleEndian.Uint16(rec[10:]))
		cdSize = binary.LittleEndian.Uint32(rec[12:])
		cdOff = binary.LittleEndian.Uint32(rec[16:])

		if diskNum != 0 || cdDisk != 0 || diskCount != total {
			return 0, 0, 0, errors.Unsupported(errors.PhaseArchive, "multi-disk archive")
		}
		if total == 0xFFFF || cdSize == zip64Marker || cdOff == zip64Marker {
			return 0, 0, 0, errors.Unsupported(errors.PhaseArchive, "zip64 archive")
		}
		return cdOff, cdSize, total, nil
	}
	return 0, 0, 0, errors.CorruptArchive("", "end-of-central-directory record not found")
}

func (z *Zip) deriveRecords() error {
	records, err := DeriveLayout(z.order)
	if err != nil {
		return err
	}
	z.records = records
	return nil
}

// DeriveLayout builds module records from slash-separated entry paths
// per the layout rules in the package documentation. Code entries and
// metadata name their records directly; everything else becomes a
// resource of the nearest enclosing package, which requires all packages
// to be known first, hence the two passes. Derived payloads reference
// entries by name; callers resolve them against whatever holds the
// entry bytes.
func DeriveLayout(entries []string) ([]*respack.Record, error) {
	byName := make(map[string]*respack.Record)
	fromPackageDir := make(map[string]bool)
	consumed := make(map[string]bool)

	ensure := func(name string, packageDir bool) (*respack.Record, error) {
		rec, ok := byName[name]
		if !ok {
			rec = &respack.Record{Name: name}
			byName[name] = rec
			fromPackageDir[name] = packageDir
			return rec, nil
		}
		if fromPackageDir[name] != packageDir {
			return nil, errors.InvalidData(errors.PhaseArchive, name,
				"defined as both a module file and a package directory")
		}
		return rec, nil
	}

	for _, entry := range entries {
		if strings.HasSuffix(entry, "/") {
			continue
		}
		dir, file := splitEntry(entry)
		pkg, ok := dottedName(dir)
		if !ok {
			continue
		}

		attach := func(name string, packageDir bool, set func(*respack.Record)) error {
			rec, err := ensure(name, packageDir)
			if err != nil {
				return err
			}
			set(rec)
			consumed[entry] = true
			return nil
		}

		var err error
		switch {
		case file == "__init__.star" && pkg != "":
			err = attach(pkg, true, func(r *respack.Record) {
				r.IsPackage, r.IsModule = true, true
				r.Source = respack.EntryBlob(entry)
			})
		case file == "__init__.starc" && pkg != "":
			err = attach(pkg, true, func(r *respack.Record) {
				r.IsPackage, r.IsModule = true, true
				r.Bytecode = respack.EntryBlob(entry)
			})
		case file == "METADATA" && pkg != "":
			err = attach(pkg, true, func(r *respack.Record) {
				r.IsPackage = true
				r.DistMetadata = respack.EntryBlob(entry)
			})
		case strings.HasSuffix(file, ".star"):
			if stem := strings.TrimSuffix(file, ".star"); validSegment(stem) {
				err = attach(joinName(pkg, stem), false, func(r *respack.Record) {
					r.IsModule = true
					r.Source = respack.EntryBlob(entry)
				})
			}
		case strings.HasSuffix(file, ".starc"):
			if stem := strings.TrimSuffix(file, ".starc"); validSegment(stem) {
				err = attach(joinName(pkg, stem), false, func(r *respack.Record) {
					r.IsModule = true
					r.Bytecode = respack.EntryBlob(entry)
				})
			}
		case strings.HasSuffix(file, ".wasm"):
			if stem := strings.TrimSuffix(file, ".wasm"); validSegment(stem) {
				err = attach(joinName(pkg, stem), false, func(r *respack.Record) {
					r.IsModule = true
					r.Extension = respack.EntryBlob(entry)
				})
			}
		}
		if err != nil {
			return nil, err
		}
	}

	// Second pass: remaining entries become resources of the deepest
	// enclosing package. Entries outside any package are not reachable
	// through records and stay raw zip entries.
	for _, entry := range entries {
		if consumed[entry] || strings.HasSuffix(entry, "/") {
			continue
		}
		dir, _ := splitEntry(entry)
		for i := len(dir); i > 0; i-- {
			owner, ok := dottedName(dir[:i])
			if !ok || owner == "" {
				continue
			}
			rec, exists := byName[owner]
			if !exists || !fromPackageDir[owner] {
				continue
			}
			if rec.Resources == nil {
				rec.Resources = make(map[string]*respack.Blob)
			}
			relative := entry[len(strings.Join(dir[:i], "/"))+1:]
			rec.Resources[relative] = respack.EntryBlob(entry)
			break
		}
	}

	records := make([]*respack.Record, 0, len(byName))
	for _, rec := range byName {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

// splitEntry splits a zip path into its directory segments and file name.
func splitEntry(entry string) (dir []string, file string) {
	parts := strings.Split(entry, "/")
	return parts[:len(parts)-1], parts[len(parts)-1]
}

// dottedName converts directory segments into a dotted record name.
// Segments that are empty or contain a dot cannot appear in a record
// name, so paths using them derive nothing.
func dottedName(dir []string) (string, bool) {
	for _, seg := range dir {
		if !validSegment(seg) {
			return "", false
		}
	}
	return strings.Join(dir, "."), true
}

func validSegment(seg string) bool {
	return seg != "" && !strings.Contains(seg, ".")
}

func joinName(pkg, stem string) string {
	if pkg == "" {
		return stem
	}
	return pkg + "." + stem
}
