// Package index provides the name-keyed lookup over decoded resource
// records that module finding runs against.
//
// An Index is built once and never mutated, so any number of interpreter
// instances may share one by reference and look names up concurrently
// without locking. Build is O(n log n) in the number of records; Lookup
// is a single map access.
package index

import (
	"sort"
	"strings"

	"github.com/starpack/starpack/errors"
	"github.com/starpack/starpack/respack"
)

// Index maps dotted names to records and knows the parent/child structure
// of the namespace. Immutable after Build.
type Index struct {
	records     map[string]*respack.Record
	children    map[string][]string
	synthesized map[string]bool
	names       []string
}

// Build constructs an Index from records. Names must be unique, non-empty
// dotted identifiers. Ancestors that have no explicit record are
// synthesized as namespace packages, so every prefix of a stored name
// resolves.
func Build(records []*respack.Record) (*Index, error) {
	ix := &Index{
		records:     make(map[string]*respack.Record, len(records)),
		children:    make(map[string][]string),
		synthesized: make(map[string]bool),
	}

	for _, rec := range records {
		if err := validateName(rec.Name); err != nil {
			return nil, err
		}
		if _, dup := ix.records[rec.Name]; dup {
			return nil, errors.DuplicateName(rec.Name)
		}
		ix.records[rec.Name] = rec
	}

	// Synthesize missing ancestors. A record named a.b.c guarantees that
	// a and a.b resolve as namespace packages.
	for _, rec := range records {
		name := rec.Name
		for {
			dot := strings.LastIndexByte(name, '.')
			if dot < 0 {
				break
			}
			name = name[:dot]
			if _, ok := ix.records[name]; ok {
				break
			}
			ix.records[name] = &respack.Record{Name: name, IsPackage: true}
			ix.synthesized[name] = true
		}
	}

	ix.names = make([]string, 0, len(ix.records))
	for name := range ix.records {
		ix.names = append(ix.names, name)
	}
	sort.Strings(ix.names)

	for _, name := range ix.names {
		dot := strings.LastIndexByte(name, '.')
		if dot < 0 {
			continue
		}
		parent, segment := name[:dot], name[dot+1:]
		ix.children[parent] = append(ix.children[parent], segment)
	}
	// Children inherit sort order from the sorted name walk.

	return ix, nil
}

func validateName(name string) error {
	if name == "" {
		return errors.InvalidName(name, "empty name")
	}
	for _, segment := range strings.Split(name, ".") {
		if segment == "" {
			return errors.InvalidName(name, "empty segment in dotted name")
		}
	}
	return nil
}

// Lookup returns the record for an exact dotted name.
func (ix *Index) Lookup(name string) (*respack.Record, bool) {
	rec, ok := ix.records[name]
	return rec, ok
}

// Children returns the immediate child segment names of a package, sorted.
// Nil when the name is unknown or has no children.
func (ix *Index) Children(name string) []string {
	kids := ix.children[name]
	if kids == nil {
		return nil
	}
	out := make([]string, len(kids))
	copy(out, kids)
	return out
}

// Names returns every resolvable name, sorted. Includes synthesized
// namespace packages.
func (ix *Index) Names() []string {
	out := make([]string, len(ix.names))
	copy(out, ix.names)
	return out
}

// Len returns the number of resolvable names.
func (ix *Index) Len() int {
	return len(ix.names)
}

// Synthesized reports whether name resolves only because a descendant
// record implies it.
func (ix *Index) Synthesized(name string) bool {
	return ix.synthesized[name]
}
