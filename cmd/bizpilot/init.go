package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bizpilot/bizpilot/internal/defaults"
)

// runInit initializes a BizPilot working directory: the data directory
// for databases and uploads, and an example config. Existing files are
// never overwritten, so re-running init on a live installation is safe.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing BizPilot workspace in %s\n", dir)

	for _, sub := range []string{"data", filepath.Join("data", "files")} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// The config holds credentials (JWT secret, API keys), so it is
	// written owner-only.
	configPath := filepath.Join(dir, "bizpilot.yaml")
	if err := writeIfMissing(w, configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit bizpilot.yaml, then run: bizpilot serve")
	return nil
}

// writeIfMissing creates path with the given content and mode, unless
// it already exists. User customizations are never overwritten. The
// outcome is reported to w either way.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			fmt.Fprintf(w, "  - %s exists, skipping\n", path)
			return nil
		}
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(content); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
