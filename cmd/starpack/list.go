package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/starpack/starpack/archive"
	"github.com/starpack/starpack/respack"
)

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	long := fs.Bool("l", false, "fetch every payload and print its size")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: starpack list [-l] <archive>")
	}
	path := fs.Arg(0)

	records, backend, format, err := openArchive(path)
	if err != nil {
		return err
	}
	defer backend.Close()

	fmt.Printf("%s: %s, %d records\n", path, format, len(records))
	tw := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", rec.Name, recordKind(rec), strings.Join(payloadTokens(rec), " "))
		if *long {
			if err := listPayloads(tw, backend, rec); err != nil {
				tw.Flush()
				return err
			}
		}
	}
	return tw.Flush()
}

func recordKind(rec *respack.Record) string {
	switch {
	case rec.IsPackage:
		return "package"
	case rec.IsModule:
		return "module"
	default:
		return "data"
	}
}

// payloadTokens summarizes what a record declares, one token per payload.
func payloadTokens(rec *respack.Record) []string {
	var tokens []string
	if rec.Builtin {
		tokens = append(tokens, "builtin")
	}
	if rec.Frozen {
		tokens = append(tokens, "frozen")
	}
	if rec.Source != nil {
		tokens = append(tokens, "source")
	}
	if rec.Bytecode != nil {
		if rec.BytecodeTag != 0 {
			tokens = append(tokens, fmt.Sprintf("bytecode(tag=%d)", rec.BytecodeTag))
		} else {
			tokens = append(tokens, "bytecode")
		}
	}
	if rec.Extension != nil {
		tokens = append(tokens, "extension")
	}
	if rec.DistMetadata != nil {
		tokens = append(tokens, "metadata")
	}
	if n := len(rec.Resources); n > 0 {
		tokens = append(tokens, fmt.Sprintf("resources=%d", n))
	}
	if rec.SharedLibrary != "" {
		tokens = append(tokens, "shared-library="+rec.SharedLibrary)
	}
	if len(tokens) == 0 {
		tokens = append(tokens, "-")
	}
	return tokens
}

// listPayloads fetches each payload so the sizes printed reflect what
// the archive actually serves, checksums and all.
func listPayloads(tw *tabwriter.Writer, backend archive.Backend, rec *respack.Record) error {
	print := func(label string, data []byte, err error) error {
		if err != nil {
			return fmt.Errorf("%s %s: %w", rec.Name, label, err)
		}
		fmt.Fprintf(tw, "\t%s\t%d bytes\n", label, len(data))
		return nil
	}

	if rec.Source != nil {
		data, err := backend.Source(rec)
		if err := print("source", data, err); err != nil {
			return err
		}
	}
	if rec.Bytecode != nil {
		data, err := backend.Bytecode(rec)
		if err := print("bytecode", data, err); err != nil {
			return err
		}
	}
	if rec.Extension != nil {
		data, err := backend.Extension(rec)
		if err := print("extension", data, err); err != nil {
			return err
		}
	}
	if rec.DistMetadata != nil {
		data, err := backend.Metadata(rec)
		if err := print("metadata", data, err); err != nil {
			return err
		}
	}
	names := make([]string, 0, len(rec.Resources))
	for name := range rec.Resources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := backend.Resource(rec, name)
		if err := print(name, data, err); err != nil {
			return err
		}
	}
	return nil
}
