package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// ConfigFileEnv names the variable that points at an explicit config file.
const ConfigFileEnv = EnvPrefix + "_CONFIG"

var (
	mu      sync.RWMutex
	current *Config
)

// EnvSpec maps one environment variable onto a config key.
type EnvSpec struct {
	Name string
	Key  string
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("engine.max_concurrency", 4)
	v.SetDefault("engine.poll_interval", "5s")
	v.SetDefault("engine.launch_rate", 0)
	v.SetDefault("engine.work_dir", "work")
	v.SetDefault("engine.log_tail", 20)
	v.SetDefault("engine.open_command", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8089)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.provider", "file")
	v.SetDefault("archive.path", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.force_path_style", false)
}

// getEnvSpecs lists the short environment aliases. Every key is also
// reachable through its full name, e.g. FMAXSWEEP_ENGINE_WORK_DIR.
func getEnvSpecs() []EnvSpec {
	return []EnvSpec{
		{Name: EnvPrefix + "_LOG_LEVEL", Key: "logging.level"},
		{Name: EnvPrefix + "_LOG_PROFILE", Key: "logging.profile"},
		{Name: EnvPrefix + "_HOST", Key: "server.host"},
		{Name: EnvPrefix + "_PORT", Key: "server.port"},
		{Name: EnvPrefix + "_READ_TIMEOUT", Key: "server.read_timeout"},
		{Name: EnvPrefix + "_WRITE_TIMEOUT", Key: "server.write_timeout"},
		{Name: EnvPrefix + "_MAX_CONCURRENCY", Key: "engine.max_concurrency"},
		{Name: EnvPrefix + "_POLL_INTERVAL", Key: "engine.poll_interval"},
		{Name: EnvPrefix + "_WORK_DIR", Key: "engine.work_dir"},
		{Name: EnvPrefix + "_ARCHIVE_BUCKET", Key: "archive.bucket"},
	}
}

// Load builds the configuration and makes it available through GetConfig.
// Each override is a nested map applied with the highest precedence.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Key, spec.Name, EnvPrefix+"_"+envKey(spec.Key)); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	current = &cfg
	mu.Unlock()
	return &cfg, nil
}

// GetConfig returns the configuration of the last successful Load, or nil.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// DataDir is the per-user directory for runtime state such as the address
// of a running control server.
func DataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("engine.max_concurrency must be >= 1, got %d", c.Engine.MaxConcurrency))
	}
	if c.Engine.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("engine.poll_interval must be positive, got %s", c.Engine.PollInterval))
	}
	if c.Engine.LaunchRate < 0 {
		errs = append(errs, fmt.Errorf("engine.launch_rate must not be negative"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Archive.Enabled {
		switch c.Archive.Provider {
		case "file":
			if c.Archive.Path == "" {
				errs = append(errs, errors.New("archive.path is required for the file provider"))
			}
		case "s3":
			if c.Archive.Bucket == "" {
				errs = append(errs, errors.New("archive.bucket is required for the s3 provider"))
			}
		default:
			errs = append(errs, fmt.Errorf("archive.provider must be file or s3, got %q", c.Archive.Provider))
		}
	}
	return errors.Join(errs...)
}

// readConfigFile merges the first config file found: $FMAXSWEEP_CONFIG,
// ./fmaxsweep.yaml, then config.yaml in the data directory.
func readConfigFile(v *viper.Viper) error {
	if path := os.Getenv(ConfigFileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	for _, path := range []string{AppName + ".yaml", filepath.Join(DataDir(), "config.yaml")} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	return nil
}

func envKey(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
