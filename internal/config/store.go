package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
)

// Config is the operator-editable worker record. It is mutated only through
// Store.Set and read via copy (the Overrides map is cloned on every read).
type Config struct {
	MinMemory     string            `json:"min_memory"`
	MaxMemory     string            `json:"max_memory"`
	TargetVersion string            `json:"target_version"`
	JavaPath      string            `json:"java_path"`
	Overrides     map[string]string `json:"overrides,omitempty"`
}

// Update carries a partial Config for merge-then-persist. Nil fields are
// left unchanged; Overrides entries are merged key by key.
type Update struct {
	MinMemory     *string           `json:"min_memory,omitempty"`
	MaxMemory     *string           `json:"max_memory,omitempty"`
	TargetVersion *string           `json:"target_version,omitempty"`
	JavaPath      *string           `json:"java_path,omitempty"`
	Overrides     map[string]string `json:"overrides,omitempty"`
}

// DefaultConfig is the record used when nothing has been persisted yet, or
// when the persisted file is missing or corrupt.
func DefaultConfig() Config {
	return Config{
		MinMemory: "1G",
		MaxMemory: "2G",
		JavaPath:  "java",
	}
}

// Store persists the worker Config as a single JSON file. A corrupt or
// missing file is treated as "no record" and falls back to defaults.
type Store struct {
	path string
	mu   sync.Mutex
	cur  *Config // nil until first load
}

func NewStore(path string) *Store { return &Store{path: path} }

// Get returns the last persisted record, or defaults when none exists.
func (s *Store) Get() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked().clone()
}

// Set merges the given fields into the current record and persists the
// result atomically before returning it.
func (s *Store) Set(u Update) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.loadLocked().clone()
	if u.MinMemory != nil {
		cfg.MinMemory = *u.MinMemory
	}
	if u.MaxMemory != nil {
		cfg.MaxMemory = *u.MaxMemory
	}
	if u.TargetVersion != nil {
		cfg.TargetVersion = *u.TargetVersion
	}
	if u.JavaPath != nil {
		cfg.JavaPath = *u.JavaPath
	}
	if len(u.Overrides) > 0 {
		if cfg.Overrides == nil {
			cfg.Overrides = make(map[string]string, len(u.Overrides))
		}
		for k, v := range u.Overrides {
			cfg.Overrides[k] = v
		}
	}

	if err := s.persistLocked(cfg); err != nil {
		return Config{}, err
	}
	s.cur = &cfg
	return cfg.clone(), nil
}

func (s *Store) loadLocked() Config {
	if s.cur != nil {
		return *s.cur
	}
	cfg := DefaultConfig()
	if b, err := os.ReadFile(s.path); err == nil {
		var loaded Config
		if json.Unmarshal(b, &loaded) == nil {
			cfg = loaded
		}
		// Unreadable or malformed records fall back to defaults; the
		// operator's next Set rewrites the file.
	}
	s.cur = &cfg
	return cfg
}

func (s *Store) persistLocked(cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := renameio.WriteFile(s.path, append(b, '\n'), 0o640); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	if c.Overrides != nil {
		out.Overrides = make(map[string]string, len(c.Overrides))
		for k, v := range c.Overrides {
			out.Overrides[k] = v
		}
	}
	return out
}
