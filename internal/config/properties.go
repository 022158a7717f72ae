package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// UpsertProperty updates a single key in a flat key=value properties file.
// An existing `key=` line is replaced in place, keeping every other line and
// their order untouched; otherwise a new line is appended. When the file
// already holds the exact key=value pair the write is skipped entirely, so
// repeated calls are byte-level no-ops.
func UpsertProperty(path, key, value string) error {
	b, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read properties %s: %w", path, err)
	}

	target := key + "=" + value
	lines := []string{}
	if len(b) > 0 {
		lines = strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	}

	replaced := false
	for i, line := range lines {
		if strings.HasPrefix(line, key+"=") {
			if line == target {
				return nil
			}
			lines[i] = target
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, target)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create properties dir: %w", err)
	}
	content := strings.Join(lines, "\n") + "\n"
	if err := renameio.WriteFile(path, []byte(content), 0o640); err != nil {
		return fmt.Errorf("write properties %s: %w", path, err)
	}
	return nil
}

// ReadProperty returns the value for key, or "" when the key is absent.
func ReadProperty(path, key string) (string, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read properties %s: %w", path, err)
	}
	for _, line := range strings.Split(string(b), "\n") {
		if strings.HasPrefix(line, key+"=") {
			return strings.TrimPrefix(line, key+"="), true, nil
		}
	}
	return "", false, nil
}
