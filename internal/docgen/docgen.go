// Package docgen renders a directory of shell scripts into a markdown document.
package docgen

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultSuffix is stripped from script filenames to form section names
const DefaultSuffix = ".bash"

// Script is one file from the scripts directory
type Script struct {
	Name    string
	Content string
}

// ReadScripts reads every entry of dir in name order. The first occurrence of
// suffix is removed from each filename.
func ReadScripts(dir, suffix string) ([]Script, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading scripts directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	scripts := make([]Script, 0, len(entries))
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading script %s: %w", entry.Name(), err)
		}
		scripts = append(scripts, Script{
			Name:    strings.Replace(entry.Name(), suffix, "", 1),
			Content: string(data),
		})
	}
	return scripts, nil
}

// Render builds the markdown document. Script content is embedded verbatim,
// so a script without a trailing newline closes its fence on the same line.
func Render(scripts []Script) string {
	blocks := make([]string, len(scripts))
	for i, s := range scripts {
		blocks[i] = "## " + s.Name + "\n\n```bash\n" + s.Content + "```"
	}
	return "# Bash\n\n" + strings.Join(blocks, "\n\n") + "\n"
}

// Generate renders dir into output, replacing any existing file
func Generate(dir, output, suffix string) error {
	scripts, err := ReadScripts(dir, suffix)
	if err != nil {
		return err
	}

	if err := os.WriteFile(output, []byte(Render(scripts)), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", output, err)
	}

	slog.Info("Generated script documentation", "scripts", len(scripts), "output", output)
	return nil
}
