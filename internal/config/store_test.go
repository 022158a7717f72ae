package config

import (
	"os"
	"path/filepath"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestStoreDefaultsWhenMissing(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "config.json"))
	got := s.Get()
	want := DefaultConfig()
	if got.MinMemory != want.MinMemory || got.MaxMemory != want.MaxMemory || got.JavaPath != want.JavaPath {
		t.Fatalf("expected defaults, got %+v", got)
	}
	if got.TargetVersion != "" {
		t.Fatalf("expected empty target version, got %q", got.TargetVersion)
	}
}

func TestStoreDefaultsWhenCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o640); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path)
	got := s.Get()
	if got.MinMemory != DefaultConfig().MinMemory {
		t.Fatalf("corrupt record should fall back to defaults, got %+v", got)
	}
}

func TestStoreSetMergesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s := NewStore(path)

	cfg, err := s.Set(Update{TargetVersion: strPtr("1.21.4")})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.TargetVersion != "1.21.4" {
		t.Fatalf("version not applied: %+v", cfg)
	}
	if cfg.MinMemory != "1G" {
		t.Fatalf("unset fields must keep defaults: %+v", cfg)
	}

	// Second update touching a different field keeps the first.
	cfg, err = s.Set(Update{MaxMemory: strPtr("4G")})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.TargetVersion != "1.21.4" || cfg.MaxMemory != "4G" {
		t.Fatalf("merge lost fields: %+v", cfg)
	}

	// A fresh store against the same path sees the persisted record.
	reopened := NewStore(path)
	got := reopened.Get()
	if got.TargetVersion != "1.21.4" || got.MaxMemory != "4G" {
		t.Fatalf("persisted record mismatch: %+v", got)
	}
}

func TestStoreOverridesMergeKeyByKey(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "config.json"))

	if _, err := s.Set(Update{Overrides: map[string]string{"motd": "hello", "pvp": "true"}}); err != nil {
		t.Fatal(err)
	}
	cfg, err := s.Set(Update{Overrides: map[string]string{"motd": "welcome"}})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Overrides["motd"] != "welcome" {
		t.Fatalf("override not replaced: %+v", cfg.Overrides)
	}
	if cfg.Overrides["pvp"] != "true" {
		t.Fatalf("unrelated override lost: %+v", cfg.Overrides)
	}
}

func TestStoreGetReturnsCopy(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "config.json"))
	if _, err := s.Set(Update{Overrides: map[string]string{"motd": "hello"}}); err != nil {
		t.Fatal(err)
	}
	got := s.Get()
	got.Overrides["motd"] = "mutated"
	if s.Get().Overrides["motd"] != "hello" {
		t.Fatal("Get must return an isolated copy of Overrides")
	}
}
