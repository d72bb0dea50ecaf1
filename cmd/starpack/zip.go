package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/starpack/starpack/archive"
)

func cmdZip(args []string) error {
	fs := flag.NewFlagSet("zip", flag.ExitOnError)
	manifestPath := fs.String("manifest", "", "YAML manifest naming the modules to pack")
	dir := fs.String("dir", "", "source tree to pack using the standard layout")
	out := fs.String("o", "", "output archive path")
	compile := fs.Bool("compile", false, "compile module sources to bytecode")
	fs.Parse(args)

	if *out == "" {
		return fmt.Errorf("zip: -o is required")
	}
	records, err := collectRecords(*manifestPath, *dir)
	if err != nil {
		return err
	}
	if *compile {
		if err := compileRecords(records); err != nil {
			return err
		}
	}

	zw := archive.NewZipWriter()
	if err := zw.AddRecordTree(records); err != nil {
		return err
	}
	data, err := zw.Finish()
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("zipped %d records into %s (%d bytes)\n", len(records), *out, len(data))
	return nil
}
