package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrUnknownTarget is returned when a start request names no known script.
var ErrUnknownTarget = errors.New("unknown target")

// scriptTargets maps target names to toolkit scripts, relative to the root.
var scriptTargets = map[string]string{
	"setup":    "setup.py",
	"bot":      "Discord_scrape/bot.py",
	"validate": "Discord_scrape/validate.py",
	"importer": "Stoat_migration/importer.py",
}

// ResolveTarget turns a target name into the command to run. The interpreter
// gets -u so prompts reach the panel without buffering. Fails with
// ErrUnknownTarget for unlisted names and os.ErrNotExist when the script
// file is missing on disk.
func (s *Store) ResolveTarget(name string) ([]string, error) {
	rel, ok := scriptTargets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}

	script := filepath.Join(s.root, filepath.FromSlash(rel))
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("script not found: %s: %w", script, os.ErrNotExist)
	}

	return []string{s.python, "-u", script}, nil
}

// Root returns the toolkit root directory, the working directory for all
// launched scripts.
func (s *Store) Root() string {
	return s.root
}
