package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultPermissionTTL, cfg.PermissionTTL)
	assert.Equal(t, DefaultWorkerPollInterval, cfg.WorkerPollInterval)
	assert.Equal(t, DefaultWorkerCount, cfg.WorkerCount)
	assert.Equal(t, uint64(DefaultLowDiskBytes), cfg.LowDiskBytes)
	assert.True(t, cfg.LogJSON)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("BAZAAR_SCHEDULER_ADDR", "http://nomad:4646")
	t.Setenv("BAZAAR_PERMISSION_TTL", "90s")
	t.Setenv("BAZAAR_WORKER_COUNT", "8")
	t.Setenv("BAZAAR_LOG_JSON", "false")
	t.Setenv("BAZAAR_JOB_ENV", "AWS_ACCESS_KEY_ID=abc, HTTPS_PROXY=http://proxy:3128")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "http://nomad:4646", cfg.SchedulerAddr)
	assert.Equal(t, 90*time.Second, cfg.PermissionTTL)
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.False(t, cfg.LogJSON)
	assert.Equal(t, []string{"AWS_ACCESS_KEY_ID=abc", "HTTPS_PROXY=http://proxy:3128"}, cfg.ExtraJobEnv)
}

func TestFromEnvInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad duration", "BAZAAR_PERMISSION_TTL", "soon"},
		{"bad int", "BAZAAR_WORKER_COUNT", "many"},
		{"bad bool", "BAZAAR_LOG_JSON", "yep"},
		{"bad job env", "BAZAAR_JOB_ENV", "NOEQUALS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestLoadFileOverlay(t *testing.T) {
	t.Setenv("BAZAAR_SCHEDULER_ADDR", "http://from-env:4646")

	path := filepath.Join(t.TempDir(), "bazaar.yaml")
	data := []byte("scheduler_addr: http://from-file:4646\nworker_count: 3\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.NoError(t, cfg.LoadFile(path))

	assert.Equal(t, "http://from-file:4646", cfg.SchedulerAddr)
	assert.Equal(t, 3, cfg.WorkerCount)
	// Untouched fields keep their environment values.
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
}

func TestLoadFileMissing(t *testing.T) {
	cfg := &Config{}
	err := cfg.LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateServer(t *testing.T) {
	cfg := &Config{
		DatabaseURL:     "postgres://localhost/bazaar",
		SchedulerAddr:   "http://nomad:4646",
		BazaarDir:       "/share/bazaar",
		JWTSecret:       "secret",
		TaskRunnerToken: "token",
		LicensePath:     "/etc/bazaar/license.json",
	}
	assert.NoError(t, cfg.ValidateServer())

	cfg.DatabaseURL = ""
	err := cfg.ValidateServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BAZAAR_DATABASE_URL")
}

func TestValidateWorker(t *testing.T) {
	cfg := &Config{PrivateBaseURL: "http://bazaar:8080", TaskRunnerToken: "token"}
	assert.NoError(t, cfg.ValidateWorker())

	cfg.TaskRunnerToken = ""
	assert.Error(t, cfg.ValidateWorker())
}
