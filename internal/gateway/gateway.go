package gateway

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrOutsideRoot is returned when a requested path would resolve outside the
// sandbox root.
var ErrOutsideRoot = errors.New("gateway: path escapes sandbox root")

// Gateway confines all content-management file operations to a sandbox root.
// Every relative path is resolved against the root and rejected if the
// result escapes it.
type Gateway struct {
	root string
}

// New creates a gateway rooted at dir. The directory is created if absent.
func New(dir string) (*Gateway, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("gateway: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("gateway: create root: %w", err)
	}
	return &Gateway{root: abs}, nil
}

// Root returns the absolute sandbox root.
func (g *Gateway) Root() string { return g.root }

// Resolve maps a relative path to an absolute path inside the root, or
// fails with ErrOutsideRoot.
func (g *Gateway) Resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", ErrOutsideRoot
	}
	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return filepath.Join(g.root, cleaned), nil
}

// Entry describes one file or directory inside the sandbox.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"` // root-relative
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// List returns the entries of a directory, sorted by name.
func (g *Gateway) List(rel string) ([]Entry, error) {
	dir, err := g.Resolve(rel)
	if err != nil {
		return nil, err
	}
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("gateway: list %s: %w", rel, err)
	}
	out := make([]Entry, 0, len(des))
	for _, de := range des {
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:    de.Name(),
			Path:    filepath.Join(rel, de.Name()),
			Size:    info.Size(),
			IsDir:   de.IsDir(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Open returns a reader for a file inside the sandbox.
func (g *Gateway) Open(rel string) (io.ReadCloser, error) {
	p, err := g.Resolve(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p) // #nosec G304 -- resolved and confined above
	if err != nil {
		return nil, fmt.Errorf("gateway: open %s: %w", rel, err)
	}
	return f, nil
}

// Write streams r to a file inside the sandbox, creating parent directories
// as needed.
func (g *Gateway) Write(rel string, r io.Reader) error {
	p, err := g.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("gateway: create dir for %s: %w", rel, err)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) // #nosec G304
	if err != nil {
		return fmt.Errorf("gateway: create %s: %w", rel, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("gateway: write %s: %w", rel, err)
	}
	return f.Close()
}

// Delete removes a file or empty directory inside the sandbox. The root
// itself cannot be deleted.
func (g *Gateway) Delete(rel string) error {
	p, err := g.Resolve(rel)
	if err != nil {
		return err
	}
	if p == g.root {
		return ErrOutsideRoot
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("gateway: delete %s: %w", rel, err)
	}
	return nil
}
