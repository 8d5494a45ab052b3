package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, 4, cfg.Engine.MaxConcurrency)
		assert.Equal(t, 5*time.Second, cfg.Engine.PollInterval)
		assert.Equal(t, 0.0, cfg.Engine.LaunchRate)
		assert.Equal(t, "work", cfg.Engine.WorkDir)
		assert.Equal(t, 20, cfg.Engine.LogTail)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)

		assert.False(t, cfg.Server.Enabled)
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8089, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.False(t, cfg.Archive.Enabled)
		assert.Equal(t, "file", cfg.Archive.Provider)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		cfg, err := Load(ctx, map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"engine": map[string]any{
				"max_concurrency": 12,
			},
		})
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, 12, cfg.Engine.MaxConcurrency)
		assert.Equal(t, "structured", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("FMAXSWEEP_PORT", "3000")
		t.Setenv("FMAXSWEEP_LOG_LEVEL", "warn")
		t.Setenv("FMAXSWEEP_MAX_CONCURRENCY", "2")
		t.Setenv("FMAXSWEEP_ENGINE_WORK_DIR", "/scratch/work")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, 2, cfg.Engine.MaxConcurrency)
		assert.Equal(t, "/scratch/work", cfg.Engine.WorkDir)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("FMAXSWEEP_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{"server": map[string]any{"port": 5000}})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sweep.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`engine:
  max_concurrency: 8
  poll_interval: 250ms
archive:
  enabled: true
  provider: s3
  bucket: synth-reports
`), 0644))
		t.Setenv(ConfigFileEnv, path)
		t.Setenv("FMAXSWEEP_MAX_CONCURRENCY", "3")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Engine.MaxConcurrency, "env beats file")
		assert.Equal(t, 250*time.Millisecond, cfg.Engine.PollInterval)
		assert.True(t, cfg.Archive.Enabled)
		assert.Equal(t, "synth-reports", cfg.Archive.Bucket)
	})

	t.Run("MissingConfigFile", func(t *testing.T) {
		t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := Load(ctx)
		require.Error(t, err)
	})

	t.Run("Cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Load(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestGetConfig(t *testing.T) {
	cfg, err := Load(context.Background(), map[string]any{"engine": map[string]any{"log_tail": 7}})
	require.NoError(t, err)

	got := GetConfig()
	require.NotNil(t, got)
	assert.Equal(t, cfg.Engine.LogTail, got.Engine.LogTail)
}

func TestEnvSpecs(t *testing.T) {
	names := make(map[string]string)
	for _, spec := range getEnvSpecs() {
		names[spec.Name] = spec.Key
	}
	assert.Equal(t, "logging.level", names["FMAXSWEEP_LOG_LEVEL"])
	assert.Equal(t, "server.port", names["FMAXSWEEP_PORT"])
	assert.Equal(t, "server.host", names["FMAXSWEEP_HOST"])
	assert.Equal(t, "engine.max_concurrency", names["FMAXSWEEP_MAX_CONCURRENCY"])
}

func TestDurationParsing(t *testing.T) {
	t.Setenv("FMAXSWEEP_READ_TIMEOUT", "45s")
	t.Setenv("FMAXSWEEP_POLL_INTERVAL", "1m")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, time.Minute, cfg.Engine.PollInterval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		wantErr   string
	}{
		{"zero concurrency", map[string]any{"engine": map[string]any{"max_concurrency": 0}}, "max_concurrency"},
		{"bad port", map[string]any{"server": map[string]any{"port": 70000}}, "server.port"},
		{"file archive without path", map[string]any{"archive": map[string]any{"enabled": true}}, "archive.path"},
		{"s3 archive without bucket", map[string]any{"archive": map[string]any{"enabled": true, "provider": "s3"}}, "archive.bucket"},
		{"unknown provider", map[string]any{"archive": map[string]any{"enabled": true, "provider": "gcs"}}, "archive.provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	assert.Equal(t, "localhost", v.GetString("server.host"))
	assert.Equal(t, 8089, v.GetInt("server.port"))
	assert.Equal(t, "5s", v.GetString("engine.poll_interval"))
	assert.Equal(t, "structured", v.GetString("logging.profile"))
	assert.Equal(t, 4, v.GetInt("engine.max_concurrency"))
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"a": 1,
		"b": map[string]any{"c": "x", "d": map[string]any{"e": true}},
	})
	assert.Equal(t, map[string]any{"a": 1, "b.c": "x", "b.d.e": true}, got)
}
