// Command starpack builds, inspects, and runs Starlark module archives.
//
// Usage:
//
//	starpack pack -manifest app.yaml -o app.starpak
//	starpack pack -dir src -compile -o app.starpak
//	starpack zip -dir src -o app.zip
//	starpack list -l app.starpak
//	starpack run -archive app.starpak -call main app.cli
//	starpack browse app.starpak
//
// Archives built with pack use the packed format; zip builds the
// equivalent file tree as a zip archive. list and browse work on either
// format, sniffing the file signature.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "pack":
		err = cmdPack(os.Args[2:])
	case "zip":
		err = cmdZip(os.Args[2:])
	case "list":
		err = cmdList(os.Args[2:])
	case "run":
		err = cmdRun(os.Args[2:])
	case "browse":
		err = cmdBrowse(os.Args[2:])
	case "help", "-h", "-help", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: starpack <command> [flags] [args]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  pack    Build a packed archive from a manifest or a source tree")
	fmt.Fprintln(os.Stderr, "  zip     Build a zip archive from a manifest or a source tree")
	fmt.Fprintln(os.Stderr, "  list    Print the records of an archive")
	fmt.Fprintln(os.Stderr, "  run     Import a module from an archive and print its globals")
	fmt.Fprintln(os.Stderr, "  browse  Explore an archive in an interactive terminal session")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Run 'starpack <command> -h' for the flags of a command.")
}
