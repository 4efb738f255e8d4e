package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/parley/internal/defaults"
)

// runInit initializes a parley working directory with the bundled
// example config and persona. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing parley in %s\n", dir)

	for _, sub := range []string{"data", "workspace"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	files := []struct {
		name    string
		content []byte
		perm    os.FileMode
	}{
		// The config may hold broker credentials.
		{"config.yaml", defaults.ConfigYAML, 0o600},
		{"persona.md", defaults.PersonaMD, 0o644},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		created, err := writeIfMissing(path, f.content, f.perm)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(w, "  ✓ %s\n", path)
		} else {
			fmt.Fprintf(w, "  - %s (exists, kept)\n", path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and persona.md, then run parley from this directory.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, reporting whether it wrote.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close %s: %w", path, err)
	}
	return true, nil
}
