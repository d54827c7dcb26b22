package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/zombor/invoice-scanner/internal/docgen"
)

func main() {
	fs := ff.NewFlagSet("docgen")
	var (
		dir    = fs.StringLong("dir", "scripts", "Directory of scripts to document")
		output = fs.StringLong("output", "README.md", "Markdown file to write")
		suffix = fs.StringLong("suffix", docgen.DefaultSuffix, "Suffix removed from script names")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("DOCGEN"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := docgen.Generate(*dir, *output, *suffix); err != nil {
		slog.Error("Failed to generate documentation", "error", err)
		os.Exit(1)
	}
}
