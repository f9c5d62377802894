package state

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileManager(t *testing.T) {
	t.Run("should initialize with default state", func(t *testing.T) {
		tmpDir := t.TempDir()
		manager := NewFileManager(tmpDir, "task1")

		if err := manager.Load(); err != nil {
			t.Fatalf("failed to load: %v", err)
		}

		state := manager.GetState()
		if state.CrashCount != 0 {
			t.Errorf("expected CrashCount 0, got %d", state.CrashCount)
		}
		if len(state.Workers) != 0 {
			t.Errorf("expected no workers, got %d", len(state.Workers))
		}
	})

	t.Run("should save and load state", func(t *testing.T) {
		tmpDir := t.TempDir()
		manager := NewFileManager(tmpDir, "task1")
		_ = manager.Load()

		manager.RecordWorker(0, 42, 12345)
		manager.RecordCoverage(10, 20)
		manager.RecordCrash()
		manager.RecordCrash()

		if err := manager.Save(); err != nil {
			t.Fatalf("failed to save: %v", err)
		}

		statePath := filepath.Join(tmpDir, FileName)
		if _, err := os.Stat(statePath); os.IsNotExist(err) {
			t.Error("state file should exist")
		}

		manager2 := NewFileManager(tmpDir, "task1")
		if err := manager2.Load(); err != nil {
			t.Fatalf("failed to load: %v", err)
		}

		state := manager2.GetState()
		if state.CrashCount != 2 {
			t.Errorf("expected CrashCount 2, got %d", state.CrashCount)
		}
		if state.KernelCov != 10 || state.FirmwareCov != 20 {
			t.Errorf("expected coverage 10/20, got %d/%d", state.KernelCov, state.FirmwareCov)
		}
		ws, ok := state.Workers[0]
		if !ok || ws.TotalTestedCount != 42 || ws.TotalElapsedUS != 12345 {
			t.Errorf("unexpected worker 0 stats: %+v", ws)
		}
	})

	t.Run("should tolerate a missing state file", func(t *testing.T) {
		tmpDir := t.TempDir()
		manager := NewFileManager(tmpDir, "task1")

		if err := manager.Load(); err != nil {
			t.Fatalf("expected no error for a fresh directory, got %v", err)
		}
	})
}
