package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/covertrace/vmfuzz/internal/config"
	"github.com/covertrace/vmfuzz/internal/coverage"
	"github.com/covertrace/vmfuzz/internal/crash"
	"github.com/covertrace/vmfuzz/internal/exec"
	"github.com/covertrace/vmfuzz/internal/fuzz"
	"github.com/covertrace/vmfuzz/internal/harness"
	"github.com/covertrace/vmfuzz/internal/logger"
	"github.com/covertrace/vmfuzz/internal/power"
	"github.com/covertrace/vmfuzz/internal/region"
	"github.com/covertrace/vmfuzz/internal/seed"
	"github.com/covertrace/vmfuzz/internal/state"
	"github.com/covertrace/vmfuzz/internal/target"
	"github.com/covertrace/vmfuzz/internal/vm"
)

// NewFuzzCommand builds the `vmfuzz fuzz` subcommand, matching the
// teacher's cmd/defuzz/app layout. Its only flags are the config file
// path and the log level; every other setting comes from the config.
func NewFuzzCommand() *cobra.Command {
	var configPath string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "fuzz",
		Short: "Run the fuzzing engine against the configured target.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Init(logLevel)
			return runFuzz(configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "config.json", "path to the JSON configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}

func runFuzz(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("configuration error: %v", err)
		return err
	}

	tgt, err := target.New(cfg.Fuzzing.Target, nil)
	if err != nil {
		logger.Fatal("configuration error: %v", err)
		return err
	}

	if err := os.MkdirAll(cfg.Fuzzing.WorkDir, 0755); err != nil {
		logger.Fatal("failed to create work directory: %v", err)
		return err
	}
	if err := os.MkdirAll(cfg.Fuzzing.CrashDir, 0755); err != nil {
		logger.Fatal("failed to create crash directory: %v", err)
		return err
	}

	crashes := crash.New()
	policy := power.Simple
	if cfg.Fuzzing.EnergyFunction == string(power.AFLFast) {
		policy = power.AFLFast
	}

	workers := make([]*fuzz.WorkerLoop, 0, cfg.Fuzzing.Workers)
	for i := 0; i < cfg.Fuzzing.Workers; i++ {
		w, err := buildWorker(cfg, i, policy, crashes, tgt)
		if err != nil {
			logger.Fatal("failed to build worker %d: %v", i, err)
			return err
		}
		workers = append(workers, w)
	}

	session := state.NewFileManager(cfg.Fuzzing.WorkDir, cfg.Fuzzing.TaskIDPrefix)
	if err := session.Load(); err != nil {
		logger.Warn("failed to load prior session state (starting fresh): %v", err)
	}

	engine := fuzz.NewEngine(workers, crashes, session)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	_, err = engine.Run(ctx)
	if err != nil {
		logger.Error("engine exited with error: %v", err)
		return err
	}
	return nil
}

func buildWorker(cfg *config.Config, index int, policy power.Policy, crashes *crash.Store, tgt target.Target) (*fuzz.WorkerLoop, error) {
	kernelRanges := toRanges(cfg.AddressFilters.Kernel)
	firmwareRanges := toRanges(cfg.AddressFilters.Firmware)

	cov := coverage.New(region.New(kernelRanges), region.New(firmwareRanges), cfg.Fuzzing.IgnoreKernelCov, cfg.Fuzzing.IgnoreFirmwareCov)
	covMgr := coverage.NewManager()
	sched := power.New(policy, cfg.Fuzzing.EnergyBeta, cfg.Fuzzing.EnergyM)

	createSeed := func(parent seed.Map, overlay seed.Map) seed.Map {
		out := parent.Clone()
		for k, v := range overlay {
			out[k] = v
		}
		return out
	}
	taskID := fmt.Sprintf("%s-%d", cfg.Fuzzing.TaskIDPrefix, index)
	corpus := seed.NewCorpus(taskID, createSeed)
	if err := corpus.LoadDir(cfg.Fuzzing.SeedDir); err != nil {
		return nil, fmt.Errorf("worker %d: %w", index, err)
	}

	netPort := cfg.QEMUParams.NetHostForwardPort + index
	gdbPort := 0
	if cfg.QEMUParams.GDBPort != 0 {
		gdbPort = cfg.QEMUParams.GDBPort + index
	}
	localDir := filepath.Join(cfg.Fuzzing.WorkDir, fmt.Sprintf("worker-%d", index))

	params := vm.Params{
		Binary:             cfg.QEMUParams.Binary,
		KernelPath:         cfg.QEMUParams.KernelPath,
		InitrdPath:         cfg.QEMUParams.InitrdPath,
		BaseDiskImage:      cfg.QEMUParams.DiskImage,
		OverlayPath:        filepath.Join(localDir, "overlay.qcow2"),
		OverlaySizeGB:      cfg.QEMUParams.OverlaySizeGB,
		Memory:             cfg.QEMUParams.Memory,
		CPU:                cfg.QEMUParams.CPU,
		Machine:            cfg.QEMUParams.Machine,
		ControlSocket:      filepath.Join(localDir, "control.sock"),
		SerialSockets:      cfg.QEMUParams.SerialSockets,
		NetHostFwdPort:     netPort,
		GDBPort:            gdbPort,
		SnapshotMarkerPath: filepath.Join(localDir, "snapshot.marker"),
		ExtraArgs:          append(append([]string{}, cfg.QEMUParams.ExtraArgs...), tgt.ExtraVMParams()...),
	}

	vmc := vm.NewController(params, exec.NewProcessSpawner())

	rh := harness.New(
		harness.DialSSH(harness.SSHConfig{
			Host:           cfg.SSHParams.Host,
			Port:           cfg.SSHParams.Port + index,
			User:           cfg.SSHParams.User,
			Password:       cfg.SSHParams.Password,
			KeyPath:        cfg.SSHParams.KeyPath,
			ConnectTimeout: time.Duration(cfg.SSHParams.ConnectTimeoutSec) * time.Second,
		}),
		cfg.Fuzzing.MaxRetries,
		time.Duration(cfg.Fuzzing.CommandTimeoutSec)*time.Second,
	)

	workerCfg := fuzz.WorkerConfig{
		TaskID:            taskID,
		Index:             index,
		LocalWorkDir:      localDir,
		RemoteWorkDir:     "/tmp/vmfuzz",
		MaxIterations:     cfg.Fuzzing.MaxIterations,
		SerialSocketPaths: cfg.QEMUParams.SerialSockets,
		VMReadyTimeout:    time.Duration(cfg.Fuzzing.VMReadyTimeoutSec * float64(time.Second)),
	}

	return fuzz.NewWorkerLoop(workerCfg, vmc, rh, tgt, exec.NewCommandExecutor(), corpus, cov, covMgr, sched, crashes), nil
}

func toRanges(ranges []config.AddressRange) []region.Range {
	out := make([]region.Range, 0, len(ranges))
	for _, r := range ranges {
		lower, err := parseHexUint(r.Lower)
		if err != nil {
			logger.Warn("skipping malformed address range lower=%q: %v", r.Lower, err)
			continue
		}
		upper, err := parseHexUint(r.Upper)
		if err != nil {
			logger.Warn("skipping malformed address range upper=%q: %v", r.Upper, err)
			continue
		}
		out = append(out, region.Range{Lower: lower, Upper: upper, Name: r.Name})
	}
	return out
}

func parseHexUint(raw string) (uint64, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}
