// Package fuzz implements WorkerLoop (C11) and Engine (C12): the
// per-worker orchestration of seed selection, mutation, VM snapshot
// save/restore, trace collection, coverage analysis, and crash
// handling, plus the top-level fan-out across N workers.
package fuzz

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/covertrace/vmfuzz/internal/coverage"
	"github.com/covertrace/vmfuzz/internal/crash"
	"github.com/covertrace/vmfuzz/internal/exec"
	"github.com/covertrace/vmfuzz/internal/harness"
	"github.com/covertrace/vmfuzz/internal/logger"
	"github.com/covertrace/vmfuzz/internal/power"
	"github.com/covertrace/vmfuzz/internal/seed"
	"github.com/covertrace/vmfuzz/internal/target"
	"github.com/covertrace/vmfuzz/internal/vm"
)

var tracePCPattern = regexp.MustCompile(`^0x[0-9a-f]+$`)

// WorkerConfig is the per-worker static configuration.
type WorkerConfig struct {
	TaskID            string
	Index             int
	LocalWorkDir      string
	RemoteWorkDir     string
	MaxIterations     int
	SerialSocketPaths []string
	VMReadyTimeout    time.Duration
}

// WorkerLoop orchestrates C2-C10 for one VM worker. Within
// one worker the code is strictly sequential; no suspension point
// holds a shared mutex except the CrashStore's append.
type WorkerLoop struct {
	cfg WorkerConfig

	vmc      *vm.Controller
	rh       *harness.RemoteHarness
	tgt      target.Target
	exec     exec.Executor
	corpus   *seed.Corpus
	cov      *coverage.Coverage
	covMgr   *coverage.Manager
	sched    *power.Scheduler
	crashes  *crash.Store
	log      *logger.Logger

	snapshotCreated  bool
	totalTestedCount int
	totalElapsedUS   int64
	avgExecUS        float64
}

// NewWorkerLoop wires together one worker's components.
func NewWorkerLoop(
	cfg WorkerConfig,
	vmc *vm.Controller,
	rh *harness.RemoteHarness,
	tgt target.Target,
	executor exec.Executor,
	corpus *seed.Corpus,
	cov *coverage.Coverage,
	covMgr *coverage.Manager,
	sched *power.Scheduler,
	crashes *crash.Store,
) *WorkerLoop {
	return &WorkerLoop{
		cfg: cfg, vmc: vmc, rh: rh, tgt: tgt, exec: executor,
		corpus: corpus, cov: cov, covMgr: covMgr, sched: sched, crashes: crashes,
		log: logger.Worker(cfg.Index),
	}
}

// Bootstrap brings the worker's VM up from nothing: stages target
// files, creates the snapshot overlay disk, starts the emulator, waits
// for it to boot (WaitReady), and prepares the guest-side harness. It
// must run once before Run's outer loop begins.
func (w *WorkerLoop) Bootstrap() error {
	if err := w.tgt.CopyFiles(); err != nil {
		return fmt.Errorf("fuzz: copy_files failed: %w", err)
	}
	if _, err := w.vmc.CreateSnapshotStorage(w.exec); err != nil {
		return fmt.Errorf("fuzz: failed to create snapshot storage: %w", err)
	}
	if err := w.vmc.Start(); err != nil {
		return fmt.Errorf("fuzz: failed to start VM: %w", err)
	}
	w.vmc.WaitReady(w.cfg.VMReadyTimeout)

	ok, err := w.tgt.PrepareHarness(w.rh)
	if err != nil || !ok {
		return fmt.Errorf("fuzz: prepare_harness failed: %w", err)
	}

	if err := w.tgt.ExtraSetup(w.cov); err != nil {
		w.log.Warn("extra_setup failed, forgoing its coverage region: %v", err)
	}
	return nil
}

// Run executes the outer loop until max_iterations or ctx cancellation.
// Bootstrap must have already been called.
func (w *WorkerLoop) Run(ctx context.Context) error {
	for iteration := 0; iteration < w.cfg.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return nil
		}

		s := w.corpus.GetRandom()
		if s == nil {
			return fmt.Errorf("fuzz: worker has an empty seed corpus")
		}

		energy := w.sched.AssignEnergy(power.Seed{
			TotalTestedCount:           s.TotalTestedCount,
			TotalSameCoverageSeedCount: s.TotalSameCoverageSeedCount,
		}, float64(s.ElapsedUS), w.avgExecUS)

		for i := 0; i < energy; i++ {
			if ctx.Err() != nil {
				return nil
			}
			if err := w.runIteration(ctx, s); err != nil {
				w.log.Error("iteration failed: %v", err)
				return err
			}
		}
	}
	return nil
}

// runIteration executes exactly one test against s.
func (w *WorkerLoop) runIteration(ctx context.Context, s *seed.Seed) error {
	testDirName := fmt.Sprintf("%s-%s-%s", w.cfg.TaskID, time.Now().UTC().Format("20060102150405"), uuid.NewString())
	localDir := filepath.Join(w.cfg.LocalWorkDir, testDirName)
	remoteDir := filepath.Join(w.cfg.RemoteWorkDir, testDirName)

	if err := os.MkdirAll(localDir, 0755); err != nil {
		return fmt.Errorf("fuzz: failed to create local test dir: %w", err)
	}
	if _, err := w.rh.Exec(ctx, fmt.Sprintf("mkdir -p %s", remoteDir), 0, 0); err != nil {
		return fmt.Errorf("fuzz: failed to create remote test dir: %w", err)
	}

	if !w.snapshotCreated {
		if err := w.vmc.SaveSnapshot(); err != nil {
			return fmt.Errorf("fuzz: save_snapshot failed, aborting worker: %w", err)
		}
		w.snapshotCreated = true
	}

	fuzzParams, err := w.tgt.GenerateInput(s.Seed, nil)
	if err != nil {
		return fmt.Errorf("fuzz: generate_input failed: %w", err)
	}

	tracePath := filepath.Join(remoteDir, "trace.log")

	maybeCrashed := false
	needRestart := false
	traceOn := false

	if err := w.vmc.TraceOn(tracePath); err != nil {
		w.log.Warn("trace_on failed (continuing): %v", err)
	} else {
		traceOn = true
	}

	start := time.Now()
	runResult, runErr := w.tgt.RunTest(w.rh, fuzzParams)
	elapsedUS := time.Since(start).Microseconds()

	if runErr != nil {
		maybeCrashed = true
		needRestart = true
	} else {
		if err := w.vmc.TraceOff(); err != nil {
			w.log.Warn("trace_off failed (continuing): %v", err)
		} else {
			traceOn = false
		}
	}

	var consoleLogs map[string][]byte
	if !maybeCrashed {
		consoleLogs, err = vm.DrainAll(w.cfg.SerialSocketPaths)
		if err != nil {
			w.log.Warn("serial drain failed: %v", err)
		}
		w.writeConsoleLogs(localDir, consoleLogs)
	}

	w.totalTestedCount++
	if runErr == nil {
		w.totalElapsedUS += elapsedUS
		w.avgExecUS = float64(w.totalElapsedUS) / float64(w.totalTestedCount)
		_ = os.WriteFile(filepath.Join(localDir, "stdout.txt"), []byte(runResult.Stdout), 0644)
		_ = os.WriteFile(filepath.Join(localDir, "stderr.txt"), []byte(runResult.Stderr), 0644)
	}

	isCrash := maybeCrashed || vm.ContainsPanic(consoleLogs)

	defer func() {
		if traceOn {
			if err := w.vmc.TraceOff(); err != nil {
				w.log.Warn("trace_off during cleanup failed: %v", err)
			}
		}
		if needRestart || isCrash || !w.vmc.IsAlive() {
			w.hardRestart()
			return
		}
		if err := w.vmc.LoadSnapshot(); err != nil {
			w.log.Error("load_snapshot failed, forcing restart: %v", err)
			w.hardRestart()
		}
	}()

	if isCrash {
		w.crashes.Add(crash.Input{SeedID: s.ID, TaskID: w.cfg.TaskID, TestDir: testDirName})
		if err := w.crashes.Persist(localDir, crash.Input{SeedID: s.ID, TaskID: w.cfg.TaskID, TestDir: testDirName}); err != nil {
			w.log.Error("failed to persist crash: %v", err)
		}
		return nil
	}

	if _, err := w.exec.Run("dmesg", "-c"); err != nil {
		w.log.Warn("dmesg -c failed: %v", err)
	}

	traceLines, err := w.readTrace(tracePath)
	if err != nil {
		w.log.Warn("failed to read trace file, skipping analysis: %v", err)
		return nil
	}

	result, err := w.cov.Analyze(traceLines)
	if err != nil {
		w.log.Warn("coverage analysis parse error, skipping: %v", err)
		return nil
	}

	maps := w.cov.GetMaps()
	if result.NewKernel || result.NewFirmware {
		if _, err := w.corpus.Add(s.ID, fuzzParams, elapsedUS, seed.Coverages{Kernel: maps.Kernel, Firmware: maps.Firmware}); err != nil {
			return fmt.Errorf("fuzz: failed to add new seed: %w", err)
		}
	} else {
		w.corpus.Update(s.ID, elapsedUS)
	}

	w.covMgr.Merge(maps)
	w.covMgr.RecordHash(s.ID, result.Fingerprint)
	others := w.covMgr.CountOthers(result.Fingerprint, s.ID)
	w.corpus.UpdateHash(s.ID, result.Fingerprint, others)

	return nil
}

func (w *WorkerLoop) hardRestart() {
	if err := w.vmc.Stop(); err != nil {
		w.log.Error("failed to stop VM during restart: %v", err)
	}
	if err := w.vmc.Start(); err != nil {
		w.log.Error("failed to start VM during restart: %v", err)
		return
	}
	w.vmc.WaitReady(w.cfg.VMReadyTimeout)
	if ok, err := w.tgt.PrepareHarness(w.rh); err != nil || !ok {
		w.log.Error("failed to re-prepare harness after restart: %v", err)
	}
	w.snapshotCreated = false
}

func (w *WorkerLoop) writeConsoleLogs(localDir string, logs map[string][]byte) {
	for i, content := range logs {
		_ = os.WriteFile(filepath.Join(localDir, fmt.Sprintf("serial-%v.log", i)), content, 0644)
	}
}

// readTrace reads the trace file and discards any line that does not
// match the "0x[0-9a-f]+" trace format; Coverage.Analyze itself treats a
// malformed PC as a hard parse error for callers that feed it raw,
// unfiltered input.
func (w *WorkerLoop) readTrace(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range bytes.Split(data, []byte("\n")) {
		s := string(bytes.TrimSpace(line))
		if !tracePCPattern.MatchString(s) {
			continue
		}
		lines = append(lines, s)
	}
	return lines, nil
}
