// Package config loads fmaxsweep's layered configuration: defaults, an
// optional config file, FMAXSWEEP_* environment variables and runtime
// overrides, in increasing precedence.
package config

import "time"

// AppName names the application in paths and environment variables.
const AppName = "fmaxsweep"

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "FMAXSWEEP"

// Config is the application configuration.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

// EngineConfig tunes job execution.
type EngineConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	LaunchRate     float64       `mapstructure:"launch_rate"`
	WorkDir        string        `mapstructure:"work_dir"`
	LogTail        int           `mapstructure:"log_tail"`

	// OpenCommand is run with the job directory appended when an operator
	// sends the open command. Empty logs the directory instead.
	OpenCommand string `mapstructure:"open_command"`
}

// LoggingConfig selects level and encoder.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// ServerConfig configures the control-plane HTTP API.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ArchiveConfig configures publishing of finished job results.
type ArchiveConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Provider string `mapstructure:"provider"`
	Path     string `mapstructure:"path"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Profile  string `mapstructure:"profile"`

	ForcePathStyle bool `mapstructure:"force_path_style"`
}
