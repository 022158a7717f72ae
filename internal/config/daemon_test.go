package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDaemonDefaults(t *testing.T) {
	d, err := LoadDaemon("")
	if err != nil {
		t.Fatal(err)
	}
	if d.Listen != ":6767" || d.BufferSize != 500 || d.StopCommand != "stop" {
		t.Fatalf("unexpected defaults %+v", d)
	}
	if d.RestartGrace != 5*time.Second {
		t.Fatalf("restart grace %s", d.RestartGrace)
	}
}

func TestLoadDaemonFromTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.toml")
	content := `
listen = ":7070"
data_dir = "/srv/worker"
buffer_size = 1000
ready_marker = "Server started"
restart_grace = "10s"
history_dsn = "sqlite:///tmp/h.db"

[log]
dir = "/var/log/warden"
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}
	d, err := LoadDaemon(path)
	if err != nil {
		t.Fatal(err)
	}
	if d.Listen != ":7070" || d.BufferSize != 1000 {
		t.Fatalf("parsed %+v", d)
	}
	if d.ReadyMarker != "Server started" {
		t.Fatalf("ready marker %q", d.ReadyMarker)
	}
	if d.RestartGrace != 10*time.Second {
		t.Fatalf("restart grace %s", d.RestartGrace)
	}
	if d.Log.Dir != "/var/log/warden" || d.Log.Level != "debug" {
		t.Fatalf("log config %+v", d.Log)
	}
	// Unset fields keep defaults.
	if d.StopCommand != "stop" || d.ArtifactName != "server.jar" {
		t.Fatalf("defaults lost: %+v", d)
	}
}

func TestLoadDaemonMissingFile(t *testing.T) {
	if _, err := LoadDaemon(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("missing explicit config file must fail")
	}
}

func TestDaemonPaths(t *testing.T) {
	d := DefaultDaemon()
	d.DataDir = "/srv/worker"
	if d.ArtifactPath() != "/srv/worker/server.jar" {
		t.Fatalf("artifact path %q", d.ArtifactPath())
	}
	if d.PropertiesPath() != "/srv/worker/server.properties" {
		t.Fatalf("properties path %q", d.PropertiesPath())
	}
	if d.RecordPath() != "/srv/worker/config.json" {
		t.Fatalf("record path %q", d.RecordPath())
	}
}
