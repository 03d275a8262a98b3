package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
global:
  log_level: debug
  host: runner-1
  workspace_root: /tmp/runboor
database:
  driver: sqlite
  sqlite:
    path: /tmp/runboor.db
container:
  runtime: podman
  memory: 4g
scheduler:
  poll_interval: 5s
  max_running: 3
gc:
  root_days: 10
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	path := writeConfig(t, testConfig)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
				assert.Equal(t, "runner-1", cfg.Global.Host)
				assert.Equal(t, "podman", cfg.Container.Runtime)
				assert.Equal(t, 5*time.Second, cfg.Scheduler.PollInterval)
				assert.Equal(t, 10, cfg.GC.RootDays)
			},
		},
		{
			name:    "string override",
			envVars: map[string]string{"RUNBOOR_GLOBAL_HOST": "runner-2"},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "runner-2", cfg.Global.Host)
			},
		},
		{
			name:    "duration override",
			envVars: map[string]string{"RUNBOOR_SCHEDULER_POLL_INTERVAL": "1m"},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, time.Minute, cfg.Scheduler.PollInterval)
			},
		},
		{
			name:    "int override of key missing from file",
			envVars: map[string]string{"RUNBOOR_GC_CHILD_DAYS": "3"},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 3, cfg.GC.ChildDays)
			},
		},
		{
			name:    "nested bool override",
			envVars: map[string]string{"RUNBOOR_ARCHIVE_S3_ENABLED": "true"},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Archive.S3.Enabled)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(path)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.NotEmpty(t, cfg.Global.Host)
	assert.Equal(t, 10000*time.Second, cfg.Scheduler.Timeout)
	assert.Equal(t, 2000, cfg.Scheduler.StartingPort)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.ContainerGrace)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.ContainerDeadline)
	assert.Equal(t, 60*time.Second, cfg.Batch.Quiescence)
	assert.Equal(t, DefaultCategory, cfg.Batch.DefaultCategory)
	assert.Equal(t, 30, cfg.GC.RootDays)
	assert.Equal(t, 15, cfg.GC.ChildDays)
	assert.Equal(t, 365, cfg.GC.FullDays)
	assert.Equal(t, DefaultReposRoot, cfg.Global.ReposRoot)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9090", cfg.Metrics.Listen)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "unknown driver",
			mutate:  func(cfg *Config) { cfg.Database.Driver = "mysql" },
			wantErr: "unsupported database driver",
		},
		{
			name:    "unknown runtime",
			mutate:  func(cfg *Config) { cfg.Container.Runtime = "lxc" },
			wantErr: "unsupported container runtime",
		},
		{
			name:    "bad memory",
			mutate:  func(cfg *Config) { cfg.Container.Memory = "lots" },
			wantErr: "parsing memory limit",
		},
		{
			name: "grace beyond deadline",
			mutate: func(cfg *Config) {
				cfg.Scheduler.ContainerGrace = 2 * time.Minute
			},
			wantErr: "container_grace",
		},
		{
			name:    "archive without bucket",
			mutate:  func(cfg *Config) { cfg.Archive.S3.Enabled = true },
			wantErr: "archive.s3.bucket",
		},
		{
			name: "metrics without listen address",
			mutate: func(cfg *Config) {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Listen = ""
			},
			wantErr: "metrics.listen",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)

			cfg.Global.WorkspaceRoot = t.TempDir()
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestContainerConfig_MemoryBytes(t *testing.T) {
	c := ContainerConfig{Memory: "4g"}

	n, err := c.MemoryBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(4*1024*1024*1024), n)

	c.Memory = ""
	n, err = c.MemoryBytes()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRender_MasksSecrets(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Status.Token = "ghp_secret"

	out, err := cfg.Render()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "ghp_secret")
	assert.Contains(t, string(out), "workspace_root")
}
