package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/tessara/warden/internal/logger"
)

// Daemon is the top-level TOML structure for the panel daemon itself.
// It is distinct from the operator-editable worker Config record, which
// lives in Store.
type Daemon struct {
	Listen         string        `toml:"listen" mapstructure:"listen"`
	DataDir        string        `toml:"data_dir" mapstructure:"data_dir"`
	HistoryDSN     string        `toml:"history_dsn" mapstructure:"history_dsn"`
	BufferSize     int           `toml:"buffer_size" mapstructure:"buffer_size"`
	ReadyMarker    string        `toml:"ready_marker" mapstructure:"ready_marker"`
	StopCommand    string        `toml:"stop_command" mapstructure:"stop_command"`
	RestartGrace   time.Duration `toml:"restart_grace" mapstructure:"restart_grace"`
	StopWait       time.Duration `toml:"stop_wait" mapstructure:"stop_wait"`
	ResolverURL    string        `toml:"resolver_url" mapstructure:"resolver_url"`
	ResolverProj   string        `toml:"resolver_project" mapstructure:"resolver_project"`
	Log            logger.Config `toml:"log" mapstructure:"log"`
	ServerPort     int           `toml:"server_port" mapstructure:"server_port"`
	ArtifactName   string        `toml:"artifact_name" mapstructure:"artifact_name"`
	PropertiesName string        `toml:"properties_name" mapstructure:"properties_name"`
}

// DefaultDaemon returns the daemon configuration used when no file is given.
func DefaultDaemon() Daemon {
	return Daemon{
		Listen:         ":6767",
		DataDir:        "data",
		BufferSize:     500,
		ReadyMarker:    `Done (`,
		StopCommand:    "stop",
		RestartGrace:   5 * time.Second,
		StopWait:       10 * time.Second,
		ServerPort:     25565,
		ArtifactName:   "server.jar",
		PropertiesName: "server.properties",
	}
}

// LoadDaemon parses a TOML config file, applying defaults for unset fields.
func LoadDaemon(path string) (Daemon, error) {
	d := DefaultDaemon()
	if path == "" {
		return d, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return d, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&d); err != nil {
		return d, fmt.Errorf("parse config %s: %w", path, err)
	}
	if d.BufferSize <= 0 {
		d.BufferSize = 500
	}
	if d.RestartGrace <= 0 {
		d.RestartGrace = 5 * time.Second
	}
	if d.StopWait <= 0 {
		d.StopWait = 10 * time.Second
	}
	return d, nil
}

// ArtifactPath returns the fixed on-disk location of the worker binary.
func (d Daemon) ArtifactPath() string { return filepath.Join(d.DataDir, d.ArtifactName) }

// PropertiesPath returns the fixed on-disk location of the worker properties file.
func (d Daemon) PropertiesPath() string { return filepath.Join(d.DataDir, d.PropertiesName) }

// RecordPath returns the location of the persisted worker Config record.
func (d Daemon) RecordPath() string { return filepath.Join(d.DataDir, "config.json") }
