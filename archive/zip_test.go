package archive

import (
	stdzip "archive/zip"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starpack/starpack/errors"
	"github.com/starpack/starpack/respack"
)

const mainSource = "load(\"app\", \"NAME\")\nprint(NAME)\n"

// testEntries is the canonical fixture tree: a package with source,
// metadata, and a nested resource, a compiled subpackage, an extension
// module, a top-level module, and two entries no record can claim.
func testEntries() map[string][]byte {
	tagged := make([]byte, 8, 8+len("sub bytecode"))
	binary.LittleEndian.PutUint64(tagged, 99)
	tagged = append(tagged, "sub bytecode"...)

	return map[string][]byte{
		"app/__init__.star":      []byte("NAME = \"app\"\n"),
		"app/main.star":          []byte(strings.Repeat(mainSource, 40)),
		"app/data/config.json":   []byte(`{"debug": true}`),
		"app/METADATA":           []byte("Name: app\nVersion: 2.1\n"),
		"app/sub/__init__.starc": tagged,
		"app/native.wasm":        {0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
		"top.star":               []byte("X = 1\n"),
		"README.txt":             []byte("not part of any package\n"),
	}
}

func buildTestArchive(t *testing.T) []byte {
	t.Helper()
	zw := NewZipWriter()
	entries := testEntries()
	// Deterministic entry order keeps the derived records stable.
	for _, name := range []string{
		"app/__init__.star", "app/main.star", "app/data/config.json",
		"app/METADATA", "app/sub/__init__.starc", "app/native.wasm",
		"top.star", "README.txt",
	} {
		if err := zw.Add(name, entries[name]); err != nil {
			t.Fatalf("Add(%q) failed: %v", name, err)
		}
	}
	data, err := zw.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	return data
}

func TestZipRecordDerivation(t *testing.T) {
	z, err := OpenZip(buildTestArchive(t))
	if err != nil {
		t.Fatalf("OpenZip failed: %v", err)
	}
	defer z.Close()

	records := z.Records()
	var names []string
	byName := make(map[string]*respack.Record)
	for _, rec := range records {
		names = append(names, rec.Name)
		byName[rec.Name] = rec
	}
	want := []string{"app", "app.main", "app.native", "app.sub", "top"}
	if strings.Join(names, " ") != strings.Join(want, " ") {
		t.Fatalf("derived records %v, want %v", names, want)
	}

	app := byName["app"]
	if !app.IsPackage || !app.IsModule {
		t.Error("app should be a package module")
	}
	if app.Source == nil || app.Source.Entry != "app/__init__.star" {
		t.Errorf("app source blob = %+v", app.Source)
	}
	if app.DistMetadata == nil {
		t.Error("app should carry metadata")
	}
	if blob := app.Resources["data/config.json"]; blob == nil || blob.Entry != "app/data/config.json" {
		t.Errorf("app resources = %v", app.Resources)
	}

	sub := byName["app.sub"]
	if !sub.IsPackage || sub.Bytecode == nil || sub.Bytecode.Entry != "app/sub/__init__.starc" {
		t.Errorf("app.sub = %+v", sub)
	}
	if native := byName["app.native"]; native.Extension == nil || native.IsPackage {
		t.Errorf("app.native = %+v", native)
	}
	if top := byName["top"]; !top.IsModule || top.Source == nil {
		t.Errorf("top = %+v", top)
	}
}

func TestZipFetch(t *testing.T) {
	z, err := OpenZip(buildTestArchive(t))
	if err != nil {
		t.Fatalf("OpenZip failed: %v", err)
	}
	defer z.Close()

	byName := make(map[string]*respack.Record)
	for _, rec := range z.Records() {
		byName[rec.Name] = rec
	}
	entries := testEntries()

	src, err := z.Source(byName["app.main"])
	if err != nil {
		t.Fatalf("Source failed: %v", err)
	}
	if !bytes.Equal(src, entries["app/main.star"]) {
		t.Error("deflated source did not round-trip")
	}

	res, err := z.Resource(byName["app"], "data/config.json")
	if err != nil {
		t.Fatalf("Resource failed: %v", err)
	}
	if string(res) != `{"debug": true}` {
		t.Errorf("unexpected resource %q", res)
	}

	bc, err := z.Bytecode(byName["app.sub"])
	if err != nil {
		t.Fatalf("Bytecode failed: %v", err)
	}
	if len(bc) < 8 || binary.LittleEndian.Uint64(bc) != 99 {
		t.Errorf("bytecode payload should start with the compiler tag, got %x", bc)
	}
	if string(bc[8:]) != "sub bytecode" {
		t.Errorf("bytecode body = %q", bc[8:])
	}

	if _, err := z.Bytecode(byName["top"]); !errors.IsNotFound(err) {
		t.Errorf("Bytecode on source-only record: got %v, want not_found", err)
	}
	if _, err := z.Resource(byName["app"], "nope"); !errors.IsNotFound(err) {
		t.Errorf("unknown resource: got %v, want not_found", err)
	}
}

func TestZipFetchCaching(t *testing.T) {
	z, err := OpenZip(buildTestArchive(t))
	if err != nil {
		t.Fatalf("OpenZip failed: %v", err)
	}
	defer z.Close()

	first, err := z.fetch("app/main.star")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	second, err := z.fetch("app/main.star")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if &first[0] != &second[0] {
		t.Error("second fetch reinflated instead of hitting the cache")
	}
}

func TestZipEntries(t *testing.T) {
	z, err := OpenZip(buildTestArchive(t))
	if err != nil {
		t.Fatalf("OpenZip failed: %v", err)
	}
	defer z.Close()

	got := z.Entries()
	if len(got) != 8 {
		t.Fatalf("got %d entries, want 8", len(got))
	}
	if got[0] != "app/__init__.star" || got[7] != "README.txt" {
		t.Errorf("entries not in central directory order: %v", got)
	}
}

// The archives ZipWriter produces must be readable by a standard zip
// implementation, entry for entry.
func TestZipWriterAgainstReferenceReader(t *testing.T) {
	data := buildTestArchive(t)
	r, err := stdzip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("reference reader rejected the archive: %v", err)
	}
	entries := testEntries()
	if len(r.File) != len(entries) {
		t.Fatalf("reference reader sees %d entries, want %d", len(r.File), len(entries))
	}
	for _, f := range r.File {
		want, ok := entries[f.Name]
		if !ok {
			t.Errorf("unexpected entry %q", f.Name)
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Errorf("open %q: %v", f.Name, err)
			continue
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Errorf("read %q: %v", f.Name, err)
			continue
		}
		if !bytes.Equal(got, want) {
			t.Errorf("entry %q content disagrees with what was written", f.Name)
		}
	}
}

// Archives produced by a standard zip implementation must open and fetch
// cleanly, including entries written with trailing data descriptors.
func TestZipReaderAgainstReferenceWriter(t *testing.T) {
	var buf bytes.Buffer
	w := stdzip.NewWriter(&buf)
	for _, name := range []string{"pkg/__init__.star", "pkg/helper.star", "pkg/notes.txt"} {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatalf("Create(%q) failed: %v", name, err)
		}
		if _, err := fw.Write([]byte("content of " + name)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	z, err := OpenZip(buf.Bytes())
	if err != nil {
		t.Fatalf("OpenZip failed: %v", err)
	}
	defer z.Close()

	byName := make(map[string]*respack.Record)
	for _, rec := range z.Records() {
		byName[rec.Name] = rec
	}
	helper := byName["pkg.helper"]
	if helper == nil {
		t.Fatal("record pkg.helper not derived")
	}
	src, err := z.Source(helper)
	if err != nil {
		t.Fatalf("Source failed: %v", err)
	}
	if string(src) != "content of pkg/helper.star" {
		t.Errorf("unexpected source %q", src)
	}
	res, err := z.Resource(byName["pkg"], "notes.txt")
	if err != nil {
		t.Fatalf("Resource failed: %v", err)
	}
	if string(res) != "content of pkg/notes.txt" {
		t.Errorf("unexpected resource %q", res)
	}
}

func TestZipCorruptEntryData(t *testing.T) {
	data := buildTestArchive(t)

	// The local header name is the first occurrence of the path; entry
	// data starts right after it (the writer emits no extra field).
	at := bytes.Index(data, []byte("app/main.star"))
	if at < 0 {
		t.Fatal("local header not found")
	}
	data[at+len("app/main.star")] ^= 0xFF

	z, err := OpenZip(data)
	if err != nil {
		t.Fatalf("OpenZip failed: %v", err)
	}
	defer z.Close()

	var rec *respack.Record
	for _, r := range z.Records() {
		if r.Name == "app.main" {
			rec = r
		}
	}
	_, err = z.Source(rec)
	if !errors.IsKind(err, errors.KindCorruptArchive) {
		t.Errorf("got %v, want corrupt_archive", err)
	}
}

func TestZipStructuralErrors(t *testing.T) {
	valid := buildTestArchive(t)

	t.Run("too small", func(t *testing.T) {
		_, err := OpenZip(valid[:10])
		if !errors.IsKind(err, errors.KindCorruptArchive) {
			t.Errorf("got %v, want corrupt_archive", err)
		}
	})

	t.Run("truncated tail", func(t *testing.T) {
		_, err := OpenZip(valid[:len(valid)-3])
		if !errors.IsKind(err, errors.KindCorruptArchive) {
			t.Errorf("got %v, want corrupt_archive", err)
		}
	})

	t.Run("zip64 escape values", func(t *testing.T) {
		eocd := []byte{
			'P', 'K', 0x05, 0x06,
			0, 0, 0, 0,
			0xFF, 0xFF, 0xFF, 0xFF, // entry counts: zip64 escape
			0, 0, 0, 0,
			0, 0, 0, 0,
			0, 0,
		}
		_, err := OpenZip(eocd)
		if !errors.IsKind(err, errors.KindUnsupported) {
			t.Errorf("got %v, want unsupported", err)
		}
	})

	t.Run("multi-disk", func(t *testing.T) {
		eocd := []byte{
			'P', 'K', 0x05, 0x06,
			1, 0, // archive spans disks
			0, 0,
			0, 0, 0, 0,
			0, 0, 0, 0,
			0, 0, 0, 0,
			0, 0,
		}
		_, err := OpenZip(eocd)
		if !errors.IsKind(err, errors.KindUnsupported) {
			t.Errorf("got %v, want unsupported", err)
		}
	})
}

func TestZipUnsupportedEntry(t *testing.T) {
	z := &Zip{}

	_, err := z.extract(&zipEntry{name: "x", method: 14})
	if !errors.IsKind(err, errors.KindUnsupportedCompression) {
		t.Errorf("bzip2 method: got %v, want unsupported_compression", err)
	}

	_, err = z.extract(&zipEntry{name: "x", flags: flagEncrypted})
	if !errors.IsKind(err, errors.KindUnsupported) {
		t.Errorf("encrypted entry: got %v, want unsupported", err)
	}
}

func TestZipModulePackageConflict(t *testing.T) {
	zw := NewZipWriter()
	if err := zw.Add("a.star", []byte("X = 1\n")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := zw.Add("a/__init__.star", []byte("Y = 2\n")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	data, err := zw.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	_, err = OpenZip(data)
	if !errors.IsKind(err, errors.KindInvalidData) {
		t.Errorf("got %v, want invalid_data", err)
	}
}

func TestZipDuplicateEntry(t *testing.T) {
	var buf bytes.Buffer
	w := stdzip.NewWriter(&buf)
	for i := 0; i < 2; i++ {
		fw, err := w.Create("twice.star")
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		fw.Write([]byte("X = 1\n"))
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, err := OpenZip(buf.Bytes())
	if !errors.IsKind(err, errors.KindCorruptArchive) {
		t.Errorf("got %v, want corrupt_archive", err)
	}
}

func TestZipSkipsUnderivableEntries(t *testing.T) {
	zw := NewZipWriter()
	for _, name := range []string{"we.ird/notes.star", "__init__.star", "loose.txt"} {
		if err := zw.Add(name, []byte("data")); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	data, err := zw.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	z, err := OpenZip(data)
	if err != nil {
		t.Fatalf("OpenZip failed: %v", err)
	}
	defer z.Close()
	if got := z.Records(); len(got) != 0 {
		t.Errorf("derived %d records from underivable entries", len(got))
	}
	if got := z.Entries(); len(got) != 3 {
		t.Errorf("raw entries should still be listed, got %d", len(got))
	}
}

func TestZipWriterMethodSelection(t *testing.T) {
	zw := NewZipWriter()
	if err := zw.Add("text.star", []byte(strings.Repeat("compressible\n", 50))); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := zw.Add("tiny.bin", []byte{0xDE, 0xAD, 0xBE, 0xEF}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if got := zw.entries[0].method; got != methodDeflate {
		t.Errorf("repetitive text stored with method %d, want deflate", got)
	}
	if got := zw.entries[1].method; got != methodStore {
		t.Errorf("incompressible data stored with method %d, want store", got)
	}
}

func TestZipWriterRejects(t *testing.T) {
	zw := NewZipWriter()
	if err := zw.Add("", []byte("x")); err == nil {
		t.Error("empty name accepted")
	}
	if err := zw.Add("a.star", []byte("x")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := zw.Add("a.star", []byte("y")); !errors.IsKind(err, errors.KindInvalidData) {
		t.Errorf("duplicate name: got %v, want invalid_data", err)
	}
}

func TestZipRecordTreeRoundTrip(t *testing.T) {
	records := []*respack.Record{
		{
			Name:         "app",
			IsPackage:    true,
			IsModule:     true,
			Source:       respack.InlineBlob([]byte("NAME = \"app\"\n")),
			DistMetadata: respack.InlineBlob([]byte("Name: app\n")),
			Resources: map[string]*respack.Blob{
				"data/config.json": respack.InlineBlob([]byte(`{}`)),
			},
		},
		{
			Name:        "app.util",
			IsModule:    true,
			Bytecode:    respack.InlineBlob([]byte("program bytes")),
			BytecodeTag: 42,
		},
		{
			Name:      "app.native",
			IsModule:  true,
			Extension: respack.InlineBlob([]byte{0x00, 0x61, 0x73, 0x6d}),
		},
	}

	zw := NewZipWriter()
	if err := zw.AddRecordTree(records); err != nil {
		t.Fatalf("AddRecordTree failed: %v", err)
	}
	data, err := zw.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	z, err := OpenZip(data)
	if err != nil {
		t.Fatalf("OpenZip failed: %v", err)
	}
	defer z.Close()

	byName := make(map[string]*respack.Record)
	for _, rec := range z.Records() {
		byName[rec.Name] = rec
	}
	if len(byName) != 3 {
		t.Fatalf("derived %d records, want 3", len(byName))
	}

	src, err := z.Source(byName["app"])
	if err != nil || string(src) != "NAME = \"app\"\n" {
		t.Errorf("app source = %q, %v", src, err)
	}
	res, err := z.Resource(byName["app"], "data/config.json")
	if err != nil || string(res) != "{}" {
		t.Errorf("app resource = %q, %v", res, err)
	}

	bc, err := z.Bytecode(byName["app.util"])
	if err != nil {
		t.Fatalf("Bytecode failed: %v", err)
	}
	if binary.LittleEndian.Uint64(bc) != 42 || string(bc[8:]) != "program bytes" {
		t.Errorf("bytecode payload = %x", bc)
	}

	ext, err := z.Extension(byName["app.native"])
	if err != nil || !bytes.Equal(ext, []byte{0x00, 0x61, 0x73, 0x6d}) {
		t.Errorf("extension payload = %x, %v", ext, err)
	}
}

func TestZipRecordTreeUnrepresentable(t *testing.T) {
	cases := []struct {
		name string
		rec  *respack.Record
	}{
		{"builtin", &respack.Record{Name: "sys", Builtin: true}},
		{"module resources", &respack.Record{
			Name:      "a.b",
			IsModule:  true,
			Source:    respack.InlineBlob([]byte("X = 1\n")),
			Resources: map[string]*respack.Blob{"x": respack.InlineBlob([]byte("y"))},
		}},
		{"module metadata", &respack.Record{
			Name:         "a.b",
			IsModule:     true,
			DistMetadata: respack.InlineBlob([]byte("Name: b\n")),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			zw := NewZipWriter()
			err := zw.AddRecordTree([]*respack.Record{tc.rec})
			if !errors.IsKind(err, errors.KindInvalidData) {
				t.Errorf("got %v, want invalid_data", err)
			}
		})
	}
}

func TestOpenZipFile(t *testing.T) {
	data := buildTestArchive(t)
	path := filepath.Join(t.TempDir(), "app.zip")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	z, err := OpenZipFile(path)
	if err != nil {
		t.Fatalf("OpenZipFile failed: %v", err)
	}
	defer z.Close()

	byName := make(map[string]*respack.Record)
	for _, rec := range z.Records() {
		byName[rec.Name] = rec
	}
	src, err := z.Source(byName["app.main"])
	if err != nil {
		t.Fatalf("Source failed: %v", err)
	}
	if !bytes.Equal(src, testEntries()["app/main.star"]) {
		t.Error("mapped archive served different bytes")
	}
}
