package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/starpack/starpack/errors"
	"github.com/starpack/starpack/respack"
)

func testBundle(t *testing.T) (*respack.Bundle, []byte) {
	t.Helper()
	records := []*respack.Record{
		{
			Name:         "app",
			IsPackage:    true,
			IsModule:     true,
			Source:       respack.InlineBlob([]byte("NAME = \"app\"\n")),
			DistMetadata: respack.InlineBlob([]byte("Name: app\nVersion: 1.0\n")),
			Resources: map[string]*respack.Blob{
				"config.json": respack.InlineBlob([]byte(`{"debug": false}`)),
			},
		},
		{
			Name:      "app.native",
			IsModule:  true,
			Extension: respack.InlineBlob([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}),
		},
		{
			Name:        "app.util",
			IsModule:    true,
			Bytecode:    respack.InlineBlob([]byte("compiled program bytes")),
			BytecodeTag: 7,
		},
	}
	data, err := respack.Encode(records)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	bundle, err := respack.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return bundle, data
}

func recordNamed(t *testing.T, bundle *respack.Bundle, name string) *respack.Record {
	t.Helper()
	for _, rec := range bundle.Records {
		if rec.Name == name {
			return rec
		}
	}
	t.Fatalf("bundle has no record %q", name)
	return nil
}

func TestPackedFetch(t *testing.T) {
	bundle, _ := testBundle(t)
	p := NewPacked(bundle)

	app := recordNamed(t, bundle, "app")
	src, err := p.Source(app)
	if err != nil {
		t.Fatalf("Source failed: %v", err)
	}
	if string(src) != "NAME = \"app\"\n" {
		t.Errorf("unexpected source %q", src)
	}

	meta, err := p.Metadata(app)
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if !bytes.Contains(meta, []byte("Version: 1.0")) {
		t.Errorf("unexpected metadata %q", meta)
	}

	res, err := p.Resource(app, "config.json")
	if err != nil {
		t.Fatalf("Resource failed: %v", err)
	}
	if string(res) != `{"debug": false}` {
		t.Errorf("unexpected resource %q", res)
	}

	ext, err := p.Extension(recordNamed(t, bundle, "app.native"))
	if err != nil {
		t.Fatalf("Extension failed: %v", err)
	}
	if !bytes.HasPrefix(ext, []byte{0x00, 0x61, 0x73, 0x6d}) {
		t.Errorf("unexpected extension payload %x", ext)
	}

	bc, err := p.Bytecode(recordNamed(t, bundle, "app.util"))
	if err != nil {
		t.Fatalf("Bytecode failed: %v", err)
	}
	if string(bc) != "compiled program bytes" {
		t.Errorf("unexpected bytecode %q", bc)
	}
}

func TestPackedFetchZeroCopy(t *testing.T) {
	bundle, _ := testBundle(t)
	p := NewPacked(bundle)

	app := recordNamed(t, bundle, "app")
	src, err := p.Source(app)
	if err != nil {
		t.Fatalf("Source failed: %v", err)
	}

	// The fetched slice must share storage with the heap, not copy it.
	at := bytes.Index(bundle.Heap, src)
	if at < 0 {
		t.Fatal("source payload not found in heap")
	}
	bundle.Heap[at] ^= 0xFF
	defer func() { bundle.Heap[at] ^= 0xFF }()
	again, err := p.Source(app)
	if err != nil {
		t.Fatalf("Source failed: %v", err)
	}
	if again[0] == 'N' {
		t.Error("fetch copied the payload instead of aliasing the heap")
	}
}

func TestPackedNotFound(t *testing.T) {
	bundle, _ := testBundle(t)
	p := NewPacked(bundle)

	app := recordNamed(t, bundle, "app")
	util := recordNamed(t, bundle, "app.util")

	if _, err := p.Bytecode(app); !errors.IsNotFound(err) {
		t.Errorf("Bytecode on source-only record: got %v, want not_found", err)
	}
	if _, err := p.Resource(app, "missing.txt"); !errors.IsNotFound(err) {
		t.Errorf("unknown resource: got %v, want not_found", err)
	}
	if _, err := p.Metadata(util); !errors.IsNotFound(err) {
		t.Errorf("Metadata on plain module: got %v, want not_found", err)
	}
	if _, err := p.Extension(util); !errors.IsNotFound(err) {
		t.Errorf("Extension on plain module: got %v, want not_found", err)
	}
}

func TestPackedOutOfBounds(t *testing.T) {
	bundle, _ := testBundle(t)
	p := NewPacked(bundle)

	rec := &respack.Record{
		Name:   "evil",
		Source: &respack.Blob{Offset: 1 << 30, Length: 64},
	}
	_, err := p.Source(rec)
	if !errors.IsKind(err, errors.KindOutOfBounds) {
		t.Errorf("got %v, want out_of_bounds", err)
	}
}

func TestPackedRejectsZipBlobs(t *testing.T) {
	bundle, _ := testBundle(t)
	p := NewPacked(bundle)

	rec := &respack.Record{Name: "stray", Source: respack.EntryBlob("stray.star")}
	_, err := p.Source(rec)
	if !errors.IsKind(err, errors.KindInvalidData) {
		t.Errorf("got %v, want invalid_data", err)
	}
}

func TestOpenPackedFile(t *testing.T) {
	bundle, data := testBundle(t)
	mem := NewPacked(bundle)

	path := filepath.Join(t.TempDir(), "app.starpak")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	fileBundle, fileBackend, err := OpenPackedFile(path)
	if err != nil {
		t.Fatalf("OpenPackedFile failed: %v", err)
	}
	defer fileBackend.Close()

	if len(fileBundle.Records) != len(bundle.Records) {
		t.Fatalf("got %d records, want %d", len(fileBundle.Records), len(bundle.Records))
	}

	// A mapped archive must serve exactly the bytes the in-memory one does.
	for i, rec := range fileBundle.Records {
		memRec := bundle.Records[i]
		if src, err := fileBackend.Source(rec); err == nil {
			memSrc, memErr := mem.Source(memRec)
			if memErr != nil || !bytes.Equal(src, memSrc) {
				t.Errorf("record %q: mapped source disagrees with in-memory source", rec.Name)
			}
		}
		if bc, err := fileBackend.Bytecode(rec); err == nil {
			memBC, memErr := mem.Bytecode(memRec)
			if memErr != nil || !bytes.Equal(bc, memBC) {
				t.Errorf("record %q: mapped bytecode disagrees with in-memory bytecode", rec.Name)
			}
		}
	}
}

func TestOpenPackedFileErrors(t *testing.T) {
	dir := t.TempDir()

	if _, _, err := OpenPackedFile(filepath.Join(dir, "absent.starpak")); err == nil {
		t.Error("expected error for missing file")
	}

	garbage := filepath.Join(dir, "garbage.starpak")
	if err := os.WriteFile(garbage, []byte("not a packed archive at all"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	_, _, err := OpenPackedFile(garbage)
	if !errors.IsKind(err, errors.KindBadMagic) {
		t.Errorf("got %v, want bad_magic", err)
	}
}

func TestPackedCloseTwice(t *testing.T) {
	bundle, _ := testBundle(t)
	p := NewPacked(bundle)
	if err := p.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
