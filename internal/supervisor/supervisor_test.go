package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tessara/warden/internal/artifact"
	"github.com/tessara/warden/internal/config"
	"github.com/tessara/warden/internal/console"
)

// workerScript emulates a game server: it prints a readiness marker, echoes
// forwarded commands and exits cleanly on "stop".
const workerScript = `echo "booting worker"
echo "Done (0.1s)! ready for connections"
while IFS= read -r line; do
  if [ "$line" = "stop" ]; then
    echo "stopping worker"
    exit 0
  fi
  echo "cmd:$line"
done
`

type fakeResolver struct {
	url string
	err error
}

func (r fakeResolver) Resolve(_ context.Context, version string) (artifact.Build, error) {
	if r.err != nil {
		return artifact.Build{}, r.err
	}
	return artifact.Build{Version: version, ID: 1, URL: r.url, Filename: "server.jar"}, nil
}

type fixture struct {
	sup       *Supervisor
	store     *config.Store
	hub       *console.Hub
	installer *artifact.Installer
	dir       string
}

func newFixture(t *testing.T, resolver artifact.Resolver, preinstall bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	dest := filepath.Join(dir, "server.jar")
	if preinstall {
		if err := os.WriteFile(dest, []byte("jar"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	store := config.NewStore(filepath.Join(dir, "config.json"))
	v := "1.0.0"
	if _, err := store.Set(config.Update{TargetVersion: &v}); err != nil {
		t.Fatal(err)
	}
	hub := console.NewHub(500)
	installer := artifact.NewInstaller(resolver, dest)

	sup := New(Options{
		WorkDir:        dir,
		PropertiesPath: filepath.Join(dir, "server.properties"),
		ServerPort:     25565,
		ReadyMarker:    "Done (",
		StopCommand:    "stop",
		RestartGrace:   200 * time.Millisecond,
		StopWait:       3 * time.Second,
		BuildCommand: func(_ config.Config, _ string) *exec.Cmd {
			return exec.Command("/bin/sh", "-c", workerScript)
		},
	}, store, installer, hub, nil)
	t.Cleanup(func() { _ = sup.Shutdown() })
	return &fixture{sup: sup, store: store, hub: hub, installer: installer, dir: dir}
}

func waitForState(t *testing.T, sup *Supervisor, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sup.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state %s not reached within %s (now %s)", want, timeout, sup.State())
}

func waitForLine(t *testing.T, hub *console.Hub, substr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, l := range hub.History() {
			if strings.Contains(l, substr) {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("console never showed %q; history: %v", substr, hub.History())
}

func TestStartReachesOnline(t *testing.T) {
	f := newFixture(t, fakeResolver{}, true)

	if err := f.sup.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForState(t, f.sup, StateOnline, 5*time.Second)

	st := f.sup.Status()
	if st.PID == 0 {
		t.Fatal("online worker must report a PID")
	}
	if st.RunningVersion != "1.0.0" {
		t.Fatalf("running version %q", st.RunningVersion)
	}
	waitForLine(t, f.hub, "booting worker", time.Second)
}

func TestSecondStartIsNoOp(t *testing.T) {
	f := newFixture(t, fakeResolver{}, true)
	if err := f.sup.Start(); err != nil {
		t.Fatal(err)
	}
	waitForState(t, f.sup, StateOnline, 5*time.Second)
	pid := f.sup.Status().PID

	// Never two processes: repeated starts keep the same worker.
	if err := f.sup.Start(); err != nil {
		t.Fatalf("duplicate start returned %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := f.sup.Status().PID; got != pid {
		t.Fatalf("duplicate start spawned a new process: pid %d -> %d", pid, got)
	}
}

func TestStopWhileOfflineIsNoOp(t *testing.T) {
	f := newFixture(t, fakeResolver{}, true)
	if err := f.sup.Stop(); err != nil {
		t.Fatalf("stop while offline: %v", err)
	}
	if f.sup.State() != StateOffline {
		t.Fatalf("state %s, want offline", f.sup.State())
	}
}

func TestGracefulStopViaStdin(t *testing.T) {
	f := newFixture(t, fakeResolver{}, true)
	if err := f.sup.Start(); err != nil {
		t.Fatal(err)
	}
	waitForState(t, f.sup, StateOnline, 5*time.Second)

	if err := f.sup.Stop(); err != nil {
		t.Fatal(err)
	}
	waitForState(t, f.sup, StateOffline, 5*time.Second)
	waitForLine(t, f.hub, "stopping worker", time.Second)
	waitForLine(t, f.hub, "process exited cleanly", time.Second)
	if f.sup.Status().PID != 0 {
		t.Fatal("PID must clear after exit")
	}
}

func TestForwardedCommandReachesStdin(t *testing.T) {
	f := newFixture(t, fakeResolver{}, true)
	if err := f.sup.Start(); err != nil {
		t.Fatal(err)
	}
	waitForState(t, f.sup, StateOnline, 5*time.Second)

	if err := f.sup.Handle("say hello"); err != nil {
		t.Fatal(err)
	}
	waitForLine(t, f.hub, "cmd:say hello", 2*time.Second)

	// Non-reserved lines keep their original spacing on the way through.
	if err := f.sup.Handle("  say spaced"); err != nil {
		t.Fatal(err)
	}
	waitForLine(t, f.hub, "cmd:  say spaced", 2*time.Second)
}

func TestHandleReservedTokens(t *testing.T) {
	f := newFixture(t, fakeResolver{}, true)

	// Forwarding while offline is a silent no-op.
	if err := f.sup.Handle("say ghost"); err != nil {
		t.Fatalf("offline forward: %v", err)
	}
	if err := f.sup.Handle("  start  "); err != nil {
		t.Fatal(err)
	}
	waitForState(t, f.sup, StateOnline, 5*time.Second)

	// A line merely beginning with a reserved word is forwarded, not
	// intercepted.
	if err := f.sup.Handle("stop the presses"); err != nil {
		t.Fatal(err)
	}
	waitForLine(t, f.hub, "cmd:stop the presses", 2*time.Second)
	if f.sup.State() != StateOnline {
		t.Fatalf("worker stopped by a non-reserved line; state %s", f.sup.State())
	}

	if err := f.sup.Handle("stop"); err != nil {
		t.Fatal(err)
	}
	waitForState(t, f.sup, StateOffline, 5*time.Second)
}

func TestRestartCyclesProcess(t *testing.T) {
	f := newFixture(t, fakeResolver{}, true)
	if err := f.sup.Start(); err != nil {
		t.Fatal(err)
	}
	waitForState(t, f.sup, StateOnline, 5*time.Second)
	pid := f.sup.Status().PID

	if err := f.sup.Restart(); err != nil {
		t.Fatal(err)
	}
	waitForState(t, f.sup, StateOffline, 5*time.Second)
	waitForState(t, f.sup, StateOnline, 5*time.Second)
	if got := f.sup.Status().PID; got == pid || got == 0 {
		t.Fatalf("restart did not produce a fresh process: pid %d -> %d", pid, got)
	}
}

func TestStartInstallsMissingArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("jar-bytes"))
	}))
	defer srv.Close()

	f := newFixture(t, fakeResolver{url: srv.URL}, false)
	if err := f.sup.Start(); err != nil {
		t.Fatal(err)
	}
	waitForLine(t, f.hub, `installing version "1.0.0"`, 2*time.Second)
	waitForState(t, f.sup, StateOnline, 10*time.Second)
	if !f.installer.Exists() {
		t.Fatal("artifact missing after install-then-start")
	}
}

func TestStartInstallFailureStaysOffline(t *testing.T) {
	f := newFixture(t, fakeResolver{err: errors.New("resolver down")}, false)
	if err := f.sup.Start(); err != nil {
		t.Fatal(err)
	}
	waitForLine(t, f.hub, "install of \"1.0.0\" failed", 2*time.Second)
	time.Sleep(200 * time.Millisecond)
	if f.sup.State() != StateOffline {
		t.Fatalf("state %s after failed install, want offline", f.sup.State())
	}
}

func TestApplyConfigSameVersionSkipsReinstall(t *testing.T) {
	var downloads atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		downloads.Add(1)
		_, _ = w.Write([]byte("jar"))
	}))
	defer srv.Close()

	f := newFixture(t, fakeResolver{url: srv.URL}, true)
	if err := f.sup.Start(); err != nil {
		t.Fatal(err)
	}
	waitForState(t, f.sup, StateOnline, 5*time.Second)
	pid := f.sup.Status().PID

	v := "1.0.0"
	if err := f.sup.ApplyConfig(config.Update{TargetVersion: &v}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if f.sup.State() != StateOnline || f.sup.Status().PID != pid {
		t.Fatal("same-version update must not disturb the running worker")
	}
	if downloads.Load() != 0 {
		t.Fatalf("same-version update triggered %d downloads", downloads.Load())
	}
}

func TestApplyConfigVersionChangeReinstallsAndRestarts(t *testing.T) {
	var downloads atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		downloads.Add(1)
		_, _ = w.Write([]byte("jar-v2")) // nolint
	}))
	defer srv.Close()

	f := newFixture(t, fakeResolver{url: srv.URL}, true)
	if err := f.sup.Start(); err != nil {
		t.Fatal(err)
	}
	waitForState(t, f.sup, StateOnline, 5*time.Second)
	pid := f.sup.Status().PID

	v := "2.0.0"
	if err := f.sup.ApplyConfig(config.Update{TargetVersion: &v}); err != nil {
		t.Fatal(err)
	}
	waitForState(t, f.sup, StateOnline, 10*time.Second)
	deadline := time.Now().Add(5 * time.Second)
	for f.sup.Status().PID == pid && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if got := f.sup.Status().PID; got == pid || got == 0 {
		t.Fatalf("reinstall did not restart the worker: pid %d -> %d", pid, got)
	}
	if downloads.Load() == 0 {
		t.Fatal("version change never downloaded the new artifact")
	}
	if got := f.store.Get().TargetVersion; got != "2.0.0" {
		t.Fatalf("persisted version %q, want 2.0.0", got)
	}
	if b, err := os.ReadFile(f.installer.Dest()); err != nil || string(b) != "jar-v2" {
		t.Fatalf("artifact not replaced: %q err=%v", b, err)
	}
}

func TestApplyConfigFailedReinstallLeavesOffline(t *testing.T) {
	f := newFixture(t, fakeResolver{err: errors.New("mirror unreachable")}, true)
	if err := f.sup.Start(); err != nil {
		t.Fatal(err)
	}
	waitForState(t, f.sup, StateOnline, 5*time.Second)

	v := "2.0.0"
	if err := f.sup.ApplyConfig(config.Update{TargetVersion: &v}); err != nil {
		t.Fatal(err)
	}
	waitForState(t, f.sup, StateOffline, 10*time.Second)
	waitForLine(t, f.hub, "failed", 2*time.Second)
	time.Sleep(300 * time.Millisecond)
	if f.sup.State() != StateOffline {
		t.Fatalf("state %s after failed reinstall, want offline", f.sup.State())
	}
	// The new version is already persisted; a later install retries it.
	if got := f.store.Get().TargetVersion; got != "2.0.0" {
		t.Fatalf("persisted version %q, want 2.0.0", got)
	}
}

func TestPropertiesForcedOnStart(t *testing.T) {
	f := newFixture(t, fakeResolver{}, true)
	if _, err := f.store.Set(config.Update{Overrides: map[string]string{
		"motd":        "welcome",
		"server-port": "9999", // must lose against the forced binding
	}}); err != nil {
		t.Fatal(err)
	}

	if err := f.sup.Start(); err != nil {
		t.Fatal(err)
	}
	waitForState(t, f.sup, StateOnline, 5*time.Second)

	props := filepath.Join(f.dir, "server.properties")
	port, ok, err := config.ReadProperty(props, "server-port")
	if err != nil || !ok {
		t.Fatalf("read port: ok=%v err=%v", ok, err)
	}
	if port != "25565" {
		t.Fatalf("server-port %q, want forced 25565", port)
	}
	motd, ok, _ := config.ReadProperty(props, "motd")
	if !ok || motd != "welcome" {
		t.Fatalf("motd override lost: %q", motd)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "eula.txt")); err != nil {
		t.Fatalf("eula not written: %v", err)
	}
}

func TestStateStringTotality(t *testing.T) {
	for st, want := range map[State]string{
		StateOffline:  "offline",
		StateStarting: "starting",
		StateOnline:   "online",
		StateStopping: "stopping",
		State(99):     "unknown",
	} {
		if got := st.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", st, got, want)
		}
	}
}
