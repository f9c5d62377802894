package crash

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestAdd_ConcurrentSafe(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Add(Input{SeedID: "seed", TestDir: "dir"})
		}(i)
	}
	wg.Wait()
	if s.Len() != 100 {
		t.Errorf("Len() = %d, want 100", s.Len())
	}
}

func TestPersist_WritesExpectedFiles(t *testing.T) {
	s := New()
	dir := t.TempDir()
	input := Input{SeedID: "seed-1", TaskID: "task-1", TestDir: "/var/fuzz/task-1-20260101120000-abc123"}

	if err := s.Persist(dir, input); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seedJSON, err := os.ReadFile(filepath.Join(dir, "saved_seed.json"))
	if err != nil {
		t.Fatalf("unexpected error reading saved_seed.json: %v", err)
	}
	if len(seedJSON) == 0 {
		t.Errorf("expected non-empty saved_seed.json")
	}

	marker, err := os.ReadFile(filepath.Join(dir, "crashed.txt"))
	if err != nil {
		t.Fatalf("unexpected error reading crashed.txt: %v", err)
	}
	if string(marker) != "task-1-20260101120000-abc123" {
		t.Errorf("crashed.txt = %q, want basename of test dir", marker)
	}
}
