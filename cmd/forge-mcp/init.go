package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/corey-rosamond/Code-Forge-sub000/internal/defaults"
)

// runInit initializes a forge-mcp working directory. It creates the
// directory and writes a starter config. Existing files are never
// overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing forge-mcp workspace in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "forge-mcp.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit forge-mcp.yaml to add your MCP servers, then run:")
	fmt.Fprintln(w, "  forge-mcp tools")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist. This ensures init never overwrites user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, 0o644)
}
