package fuzz

import (
	"testing"

	"github.com/covertrace/vmfuzz/internal/seed"
)

// TestScenario6_NoCrashNoNewCoverage exercises the counter-update path
// WorkerLoop.runIteration drives: GetRandom (+1), then two no-crash,
// no-new-coverage updates (+1 each) on a 1-seed corpus, matching the
// "parent's initial + 3" invariant. This tests the
// corpus bookkeeping in isolation, since runIteration itself needs a
// live VM/harness/target to exercise end-to-end.
func TestScenario6_NoCrashNoNewCoverage(t *testing.T) {
	create := func(parent seed.Map, overlay seed.Map) seed.Map {
		out := parent.Clone()
		for k, v := range overlay {
			out[k] = v
		}
		return out
	}
	corpus := seed.NewCorpus("task1", create)

	m := seed.Map{"a": {Order: 0, Fixed: true, Value: "0x1"}}
	if s := corpus.GetRandom(); s != nil {
		t.Fatalf("expected nil from empty corpus")
	}

	// Seed the corpus the way LoadDir would.
	if err := corpus.InsertInitial(m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := corpus.GetRandom()
	if s == nil {
		t.Fatalf("expected a seed")
	}
	initial := s.TotalTestedCount // already +1 from GetRandom

	corpus.Update(s.ID, 100)
	corpus.Update(s.ID, 100)

	got := corpus.Get(s.ID).TotalTestedCount
	if got != initial+2 {
		t.Errorf("TotalTestedCount = %d, want %d", got, initial+2)
	}
}
