package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, dir string, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Success(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, `{
		"fuzzing": {
			"task_id_prefix": "mtc",
			"workers": 4,
			"seed_dir": "seeds",
			"max_iterations": 1000,
			"energy_function": "aflfast",
			"target": "optee"
		},
		"qemu_params": {
			"binary": "qemu-system-aarch64",
			"memory": "512M",
			"gdb_port": 1234
		},
		"ssh_params": {
			"host": "127.0.0.1",
			"port": 2222,
			"user": "root",
			"password": "${TEST_SSH_PASSWORD}"
		},
		"address_filters": {
			"kernel": [{"lower": "0x1000", "upper": "0x1fff", "name": "text"}],
			"firmware": [{"lower": "0x2000", "upper": "0x2fff"}]
		}
	}`)

	os.Setenv("TEST_SSH_PASSWORD", "s3cret")
	defer os.Unsetenv("TEST_SSH_PASSWORD")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mtc", cfg.Fuzzing.TaskIDPrefix)
	assert.Equal(t, 4, cfg.Fuzzing.Workers)
	assert.Equal(t, "optee", cfg.Fuzzing.Target)
	assert.False(t, cfg.Fuzzing.Debug)
	assert.Equal(t, 1234, cfg.QEMUParams.GDBPort)
	assert.Equal(t, "s3cret", cfg.SSHParams.Password)
	assert.Len(t, cfg.AddressFilters.Kernel, 1)
	assert.Equal(t, "0x1000", cfg.AddressFilters.Kernel[0].Lower)
	assert.Equal(t, "0x1fff", cfg.AddressFilters.Kernel[0].Upper)
	assert.Len(t, cfg.AddressFilters.Firmware, 1)

	assert.Equal(t, "aflfast", cfg.Fuzzing.EnergyFunction)
	assert.Equal(t, float64(100), cfg.Fuzzing.EnergyM)
	assert.Equal(t, float64(1), cfg.Fuzzing.EnergyBeta)
}

func TestLoad_EnvInterpolationLeavesUnsetPlaceholder(t *testing.T) {
	dir := t.TempDir()
	os.Unsetenv("TEST_SSH_PASSWORD_UNSET")
	path := writeTestConfig(t, dir, `{
		"fuzzing": {"seed_dir": "seeds"},
		"ssh_params": {"password": "${TEST_SSH_PASSWORD_UNSET}"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "${TEST_SSH_PASSWORD_UNSET}", cfg.SSHParams.Password)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	assert.Error(t, err)
}

func TestLoad_MalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, `{not valid json`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, `{"fuzzing": {"seed_dir": "seeds"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Fuzzing.Workers)
	assert.Equal(t, 3, cfg.Fuzzing.MaxRetries)
	assert.Equal(t, 2, cfg.Fuzzing.CommandTimeoutSec)
	assert.Equal(t, 15, cfg.Fuzzing.FileTimeoutSec)
}
