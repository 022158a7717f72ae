package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"

	"github.com/tessara/warden/internal/metrics"
)

// ErrInstallInProgress is returned when Install is called while another
// install is still running. Installs against the same destination are never
// run concurrently.
var ErrInstallInProgress = errors.New("artifact: install in progress")

// ResolveError wraps a failed version lookup.
type ResolveError struct {
	Version string
	Err     error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("artifact: resolve version %q: %v", e.Version, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// DownloadError wraps a failed or incomplete artifact download.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("artifact: download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Installer streams versioned builds to a fixed destination path. The file
// at Dest is only ever replaced atomically after a complete download; a
// partial stream never reaches the final path. The installer performs no
// retries; retry policy belongs to the caller.
type Installer struct {
	resolver Resolver
	dest     string
	client   *http.Client
	inflight atomic.Bool
}

func NewInstaller(resolver Resolver, dest string) *Installer {
	return &Installer{
		resolver: resolver,
		dest:     dest,
		client:   &http.Client{Timeout: 15 * time.Minute},
	}
}

// Dest returns the fixed destination path of the artifact.
func (i *Installer) Dest() string { return i.dest }

// Exists reports whether an installed artifact is present.
func (i *Installer) Exists() bool {
	st, err := os.Stat(i.dest)
	return err == nil && !st.IsDir()
}

// Remove deletes the installed artifact. Missing files are not an error.
func (i *Installer) Remove() error {
	if err := os.Remove(i.dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifact: remove %s: %w", i.dest, err)
	}
	return nil
}

// Install resolves version to a build and downloads it to the destination.
// A second call while one is running fails with ErrInstallInProgress.
func (i *Installer) Install(ctx context.Context, version string) error {
	if !i.inflight.CompareAndSwap(false, true) {
		return ErrInstallInProgress
	}
	defer i.inflight.Store(false)

	began := time.Now()
	err := i.install(ctx, version)
	if err != nil {
		metrics.IncInstall("failure")
		return err
	}
	metrics.IncInstall("success")
	metrics.ObserveInstallDuration(time.Since(began).Seconds())
	return nil
}

func (i *Installer) install(ctx context.Context, version string) error {
	build, err := i.resolver.Resolve(ctx, version)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, build.URL, nil)
	if err != nil {
		return &DownloadError{URL: build.URL, Err: err}
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return &DownloadError{URL: build.URL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &DownloadError{URL: build.URL, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	if err := os.MkdirAll(filepath.Dir(i.dest), 0o750); err != nil {
		return &DownloadError{URL: build.URL, Err: err}
	}
	pending, err := renameio.NewPendingFile(i.dest, renameio.WithPermissions(0o755))
	if err != nil {
		return &DownloadError{URL: build.URL, Err: err}
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := io.Copy(pending, resp.Body); err != nil {
		return &DownloadError{URL: build.URL, Err: err}
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return &DownloadError{URL: build.URL, Err: err}
	}
	return nil
}
