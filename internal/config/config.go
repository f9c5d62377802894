// Package config loads the fuzzer's JSON configuration document
// (fuzzing.*, qemu_params.*, ssh_params.*, address_filters.*) using
// viper. ${VAR} / $VAR placeholders in string values are resolved
// against the process environment so secrets (SSH passwords, API
// tokens) can be kept out of the checked-in config file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// AddressRange is a {lower, upper} closed interval, expressed as "0x…" hex strings on disk.
type AddressRange struct {
	Lower string `mapstructure:"lower"`
	Upper string `mapstructure:"upper"`
	Name  string `mapstructure:"name"`
}

// AddressFilters holds the kernel/firmware region definitions.
type AddressFilters struct {
	Kernel   []AddressRange `mapstructure:"kernel"`
	Firmware []AddressRange `mapstructure:"firmware"`
}

// FuzzingConfig holds top-level fuzzing.* parameters.
type FuzzingConfig struct {
	TaskIDPrefix       string  `mapstructure:"task_id_prefix"`
	Workers            int     `mapstructure:"workers"`
	SeedDir            string  `mapstructure:"seed_dir"`
	WorkDir            string  `mapstructure:"work_dir"`
	CrashDir           string  `mapstructure:"crash_dir"`
	MaxIterations      int     `mapstructure:"max_iterations"`
	EnergyFunction     string  `mapstructure:"energy_function"` // "simple" | "aflfast"
	EnergyM            float64 `mapstructure:"energy_m"`
	EnergyBeta         float64 `mapstructure:"energy_beta"`
	IgnoreKernelCov    bool    `mapstructure:"ignore_kernel_cov"`
	IgnoreFirmwareCov  bool    `mapstructure:"ignore_firmware_cov"`
	Target             string  `mapstructure:"target"` // registered FuzzerTarget name
	CommandTimeoutSec  int     `mapstructure:"command_timeout_sec"`
	FileTimeoutSec     int     `mapstructure:"file_timeout_sec"`
	MaxRetries         int     `mapstructure:"max_retries"`
	VMReadyTimeoutSec  float64 `mapstructure:"vm_ready_timeout_sec"`
	// Debug declares the "debug" key explicitly (default false); the
	// original tool read config["debug"] without documenting it. No
	// component in this module reads it yet.
	Debug bool `mapstructure:"debug"`
}

// QEMUParams holds qemu_params.* — flags used to construct the emulator command line.
type QEMUParams struct {
	Binary        string   `mapstructure:"binary"`
	KernelPath    string   `mapstructure:"kernel_path"`
	InitrdPath    string   `mapstructure:"initrd_path"`
	DiskImage     string   `mapstructure:"disk_image"`
	OverlaySizeGB int      `mapstructure:"overlay_size_gb"`
	Memory        string   `mapstructure:"memory"`
	CPU           string   `mapstructure:"cpu"`
	Machine       string   `mapstructure:"machine"`
	ExtraArgs     []string `mapstructure:"extra_args"`
	// GDBPort, when non-zero, attaches a GDB server ("-s -gdb tcp::port").
	GDBPort int `mapstructure:"gdb_port"`
	// NetHostForwardPort is the host TCP port NAT-forwarded to the guest's harness port.
	NetHostForwardPort int      `mapstructure:"net_hostfwd_port"`
	SerialSockets       []string `mapstructure:"serial_sockets"`
	ControlSocket       string   `mapstructure:"control_socket"`
	SnapshotMarkerPath  string   `mapstructure:"snapshot_marker_path"`
}

// SSHParams holds ssh_params.* — the authenticated byte channel used by RemoteHarness.
type SSHParams struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	KeyPath            string `mapstructure:"key_path"`
	ConnectTimeoutSec  int    `mapstructure:"connect_timeout_sec"`
}

// Config is the top-level configuration document.
type Config struct {
	Fuzzing        FuzzingConfig  `mapstructure:"fuzzing"`
	QEMUParams     QEMUParams     `mapstructure:"qemu_params"`
	SSHParams      SSHParams      `mapstructure:"ssh_params"`
	AddressFilters AddressFilters `mapstructure:"address_filters"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// resolveEnvVars replaces ${VAR} / $VAR placeholders with the corresponding
// environment variable; unset variables are left untouched.
func resolveEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match
		switch {
		case strings.HasPrefix(match, "${") && strings.HasSuffix(match, "}"):
			name = match[2 : len(match)-1]
		case strings.HasPrefix(match, "$"):
			name = match[1:]
		}
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

func resolveInMap(m map[string]interface{}) {
	for k, v := range m {
		switch val := v.(type) {
		case string:
			m[k] = resolveEnvVars(val)
		case map[string]interface{}:
			resolveInMap(val)
		case []interface{}:
			resolveInSlice(val)
		}
	}
}

func resolveInSlice(s []interface{}) {
	for i, v := range s {
		switch val := v.(type) {
		case string:
			s[i] = resolveEnvVars(val)
		case map[string]interface{}:
			resolveInMap(val)
		}
	}
}

// Load reads the JSON configuration document at path and applies
// environment-variable interpolation before unmarshaling into a Config.
// A missing seed directory or unregistered target name is not caught
// here — those are configuration errors reported by the caller at
// startup, once the target registry has been consulted.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// AllSettings returns a fresh copy, so the resolved values are loaded
	// into a second viper instance that the Config is decoded from.
	settings := v.AllSettings()
	resolveInMap(settings)
	resolved := viper.New()
	if err := resolved.MergeConfigMap(settings); err != nil {
		return nil, fmt.Errorf("failed to apply resolved config: %w", err)
	}

	var cfg Config
	if err := resolved.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Fuzzing.EnergyFunction == "" {
		cfg.Fuzzing.EnergyFunction = "aflfast"
	}
	if cfg.Fuzzing.EnergyM == 0 {
		cfg.Fuzzing.EnergyM = 100
	}
	if cfg.Fuzzing.EnergyBeta == 0 {
		cfg.Fuzzing.EnergyBeta = 1
	}
	if cfg.Fuzzing.Workers == 0 {
		cfg.Fuzzing.Workers = 1
	}
	if cfg.Fuzzing.CommandTimeoutSec == 0 {
		cfg.Fuzzing.CommandTimeoutSec = 2
	}
	if cfg.Fuzzing.FileTimeoutSec == 0 {
		cfg.Fuzzing.FileTimeoutSec = 15
	}
	if cfg.Fuzzing.MaxRetries == 0 {
		cfg.Fuzzing.MaxRetries = 3
	}
	if cfg.Fuzzing.VMReadyTimeoutSec == 0 {
		cfg.Fuzzing.VMReadyTimeoutSec = 5
	}
}
