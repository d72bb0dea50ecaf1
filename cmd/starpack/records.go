package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/starpack/starpack/archive"
	"github.com/starpack/starpack/importer"
	"github.com/starpack/starpack/respack"
)

// manifest describes an archive's contents in YAML. Payload paths are
// relative to the manifest file, so a manifest can live next to the
// sources it packs.
type manifest struct {
	Modules []manifestModule `yaml:"modules"`
}

type manifestModule struct {
	Name      string            `yaml:"name"`
	Package   bool              `yaml:"package"`
	Builtin   bool              `yaml:"builtin"`
	Frozen    bool              `yaml:"frozen"`
	Source    string            `yaml:"source"`
	Bytecode  string            `yaml:"bytecode"`
	Extension string            `yaml:"extension"`
	Metadata  string            `yaml:"metadata"`
	Resources map[string]string `yaml:"resources"`
}

// collectRecords builds resident records from whichever input was given.
func collectRecords(manifestPath, dir string) ([]*respack.Record, error) {
	switch {
	case manifestPath != "" && dir != "":
		return nil, fmt.Errorf("-manifest and -dir are mutually exclusive")
	case manifestPath != "":
		return manifestRecords(manifestPath)
	case dir != "":
		return dirRecords(dir)
	default:
		return nil, fmt.Errorf("one of -manifest or -dir is required")
	}
}

func manifestRecords(path string) ([]*respack.Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(m.Modules) == 0 {
		return nil, fmt.Errorf("%s: manifest lists no modules", path)
	}

	base := filepath.Dir(path)
	records := make([]*respack.Record, 0, len(m.Modules))
	for i, mod := range m.Modules {
		if mod.Name == "" {
			return nil, fmt.Errorf("%s: module %d has no name", path, i)
		}
		rec, err := mod.record(base)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", path, mod.Name, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (mod *manifestModule) record(base string) (*respack.Record, error) {
	rec := &respack.Record{
		Name:      mod.Name,
		IsPackage: mod.Package,
		Builtin:   mod.Builtin,
		Frozen:    mod.Frozen,
	}
	read := func(rel string) ([]byte, error) {
		return os.ReadFile(filepath.Join(base, filepath.FromSlash(rel)))
	}

	if mod.Source != "" {
		data, err := read(mod.Source)
		if err != nil {
			return nil, err
		}
		rec.Source = respack.InlineBlob(data)
	}
	if mod.Bytecode != "" {
		data, err := read(mod.Bytecode)
		if err != nil {
			return nil, err
		}
		tag, code, err := splitTagged(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", mod.Bytecode, err)
		}
		rec.BytecodeTag = tag
		rec.Bytecode = respack.InlineBlob(code)
	}
	if mod.Extension != "" {
		data, err := read(mod.Extension)
		if err != nil {
			return nil, err
		}
		rec.Extension = respack.InlineBlob(data)
	}
	if mod.Metadata != "" {
		data, err := read(mod.Metadata)
		if err != nil {
			return nil, err
		}
		rec.DistMetadata = respack.InlineBlob(data)
	}
	for name, rel := range mod.Resources {
		data, err := read(rel)
		if err != nil {
			return nil, err
		}
		if rec.Resources == nil {
			rec.Resources = make(map[string]*respack.Blob)
		}
		rec.Resources[name] = respack.InlineBlob(data)
	}

	rec.IsModule = rec.HasCode()
	return rec, nil
}

// dirRecords derives records from a source tree using the zip layout
// rules, then reads every referenced file into the record.
func dirRecords(dir string) ([]*respack.Record, error) {
	var entries []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		entries = append(entries, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)

	records, err := archive.DeriveLayout(entries)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: no module files found", dir)
	}
	for _, rec := range records {
		if err := residentRecord(dir, rec); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// residentRecord replaces entry references with the file bytes they
// name. Bytecode files carry the 8-byte compiler tag on disk; packed
// records carry it as a field, so the prefix is split off here.
func residentRecord(dir string, rec *respack.Record) error {
	load := func(b *respack.Blob) error {
		if b == nil || b.Entry == "" {
			return nil
		}
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(b.Entry)))
		if err != nil {
			return err
		}
		b.Data = data
		b.Entry = ""
		return nil
	}

	for _, b := range []*respack.Blob{rec.Source, rec.Extension, rec.DistMetadata} {
		if err := load(b); err != nil {
			return err
		}
	}
	if b := rec.Bytecode; b != nil {
		entry := b.Entry
		if err := load(b); err != nil {
			return err
		}
		tag, code, err := splitTagged(b.Data)
		if err != nil {
			return fmt.Errorf("%s: %w", entry, err)
		}
		rec.BytecodeTag = tag
		b.Data = code
	}
	for _, b := range rec.Resources {
		if err := load(b); err != nil {
			return err
		}
	}
	return nil
}

// splitTagged splits a stored bytecode file into its compiler tag and
// the serialized program that follows it.
func splitTagged(data []byte) (uint64, []byte, error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("bytecode file shorter than its 8-byte compiler tag")
	}
	return binary.LittleEndian.Uint64(data[:8]), data[8:], nil
}

// compileRecords fills in bytecode for every record that has source but
// no compiled form yet.
func compileRecords(records []*respack.Record) error {
	engine := importer.NewEngine()
	for _, rec := range records {
		if rec.Source == nil || rec.Bytecode != nil {
			continue
		}
		code, err := engine.Compile(rec.Name, rec.Source.Data)
		if err != nil {
			return fmt.Errorf("compile %s: %w", rec.Name, err)
		}
		rec.Bytecode = respack.InlineBlob(code)
		rec.BytecodeTag = engine.BytecodeTag()
	}
	return nil
}

// zipSignature reports whether the file starts with a zip local header.
// Anything else is treated as the packed format, whose own magic check
// produces the error for files that are neither.
func zipSignature(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	head := make([]byte, 2)
	if _, err := io.ReadFull(f, head); err != nil {
		return false, fmt.Errorf("%s: %w", path, err)
	}
	return head[0] == 'P' && head[1] == 'K', nil
}

// openArchive opens a packed or zip archive, deciding by file
// signature, and returns its records with the backend serving them.
func openArchive(path string) ([]*respack.Record, archive.Backend, string, error) {
	isZip, err := zipSignature(path)
	if err != nil {
		return nil, nil, "", err
	}
	if isZip {
		z, err := archive.OpenZipFile(path)
		if err != nil {
			return nil, nil, "", err
		}
		return z.Records(), z, "zip", nil
	}
	bundle, backend, err := archive.OpenPackedFile(path)
	if err != nil {
		return nil, nil, "", err
	}
	return bundle.Records, backend, "packed", nil
}
