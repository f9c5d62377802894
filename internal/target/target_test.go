package target

import (
	"context"
	"testing"
	"time"

	"github.com/covertrace/vmfuzz/internal/harness"
	"github.com/covertrace/vmfuzz/internal/seed"
)

// capturingChannel records the last command it was asked to exec, so
// RunTest's argument-ordering contract can be checked without a live
// SSH session.
type capturingChannel struct {
	lastCmd string
}

func (c *capturingChannel) Exec(ctx context.Context, cmd string) (*harness.Result, error) {
	c.lastCmd = cmd
	return &harness.Result{ReturnCode: 0}, nil
}
func (c *capturingChannel) SendFile(ctx context.Context, local, remote string) error { return nil }
func (c *capturingChannel) CopyBack(ctx context.Context, remote, local string) error { return nil }

func TestRegistry_UnknownNameIsConfigError(t *testing.T) {
	if _, err := New("does-not-exist", nil); err == nil {
		t.Fatalf("expected an error for an unregistered target name")
	}
}

func TestRegistry_KnownTargets(t *testing.T) {
	for _, name := range []string{"optee", "sbi"} {
		if _, err := New(name, nil); err != nil {
			t.Errorf("New(%q) returned unexpected error: %v", name, err)
		}
	}
}

func TestGenerateInput_FixedFieldPassesThroughUnchanged(t *testing.T) {
	tgt, err := New("sbi", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := seed.Map{
		"a0": {Order: 0, Fixed: true, Value: "0x42"},
		"a7": {Order: 1, Fixed: true, Value: "0x10"},
	}
	out, err := tgt.GenerateInput(s, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["a0"].Value != "0x42" {
		t.Errorf("fixed field a0 = %s, want unchanged 0x42", out["a0"].Value)
	}
}

// constantMutator.Mutate always returns the configured value, letting
// tests drive rerollA7's bounded-retry/fallback path deterministically
// instead of depending on math/rand's output.
type constantMutator struct {
	value string
}

func (m constantMutator) Mutate(string) (string, error) { return m.value, nil }
func (m constantMutator) MutateString(int, int) string  { return m.value }

func TestSBI_GenerateInput_RerollsForbiddenA7ThenFallsBack(t *testing.T) {
	tgt := &sbiTarget{mut: constantMutator{value: "0x53525354"}, rejectForbiddenA7: true}

	s := seed.Map{
		"a7": {Order: 0, Fixed: false, Type: seed.TypeHex, Value: "0x53525354"},
	}
	out, err := tgt.GenerateInput(s, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := parseHexValue(out["a7"].Value)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if got != safeA7Fallback {
		t.Errorf("a7 = %#x, want the bounded-reroll fallback %#x since every reroll is forced forbidden", got, safeA7Fallback)
	}
}

// sequenceMutator.Mutate returns its values in order, repeating the last
// one once they run out.
type sequenceMutator struct {
	values []string
	next   int
}

func (m *sequenceMutator) Mutate(string) (string, error) {
	v := m.values[m.next]
	if m.next < len(m.values)-1 {
		m.next++
	}
	return v, nil
}
func (m *sequenceMutator) MutateString(int, int) string { return m.values[0] }

func TestSBI_GenerateInput_RerollsUntilNonForbidden(t *testing.T) {
	// The first mutation lands on the forbidden 0x8, so rerollA7 must
	// reroll once to reach 0x9.
	tgt := &sbiTarget{mut: &sequenceMutator{values: []string{"0x8", "0x9"}}, rejectForbiddenA7: true}

	s := seed.Map{
		"a7": {Order: 0, Fixed: false, Type: seed.TypeHex, Value: "0x8"},
	}
	out, err := tgt.GenerateInput(s, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := parseHexValue(out["a7"].Value)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if got != 0x9 {
		t.Errorf("a7 = %#x, want 0x9 (the first non-forbidden reroll)", got)
	}
}

func TestSBI_GenerateInput_LeavesOtherRegistersAlone(t *testing.T) {
	// a0 isn't subject to the forbidden-value check at all, even when
	// the mutator always produces what would be a forbidden a7 value.
	tgt := &sbiTarget{mut: constantMutator{value: "0x53525354"}, rejectForbiddenA7: true}

	s := seed.Map{
		"a0": {Order: 0, Fixed: false, Type: seed.TypeHex, Value: "0x1"},
	}
	out, err := tgt.GenerateInput(s, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["a0"].Value != "0x53525354" {
		t.Errorf("a0 = %s, want the mutated value unchanged by a7-only reroll logic", out["a0"].Value)
	}
}

func TestSBI_RunTest_BuildsFlagsInOriginalOrder(t *testing.T) {
	tgt := &sbiTarget{remoteHarnessPath: "/tmp/vmfuzz/sbi_harness", remoteTestDir: "/tmp/vmfuzz/out"}

	ch := &capturingChannel{}
	rh := harness.New(func(ctx context.Context) (harness.Channel, error) { return ch, nil }, 1, 2*time.Second)

	input := seed.Map{
		"a0": {Value: "0x1"}, "a1": {Value: "0x2"}, "a2": {Value: "0x3"},
		"a3": {Value: "0x4"}, "a4": {Value: "0x5"}, "a5": {Value: "0x6"},
		"a6": {Value: "0x7"}, "a7": {Value: "0x8"},
	}

	if _, err := tgt.RunTest(rh, input); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "/tmp/vmfuzz/sbi_harness -eid 0x8 -fid 0x7 -a0 0x1 -a1 0x2 -a2 0x3 -a3 0x4 -a4 0x5 -a5 0x6 -o /tmp/vmfuzz/out"
	if ch.lastCmd != want {
		t.Errorf("RunTest command = %q, want %q", ch.lastCmd, want)
	}
}

func TestSBI_RunTest_MissingRegisterIsError(t *testing.T) {
	tgt := &sbiTarget{remoteHarnessPath: "/tmp/vmfuzz/sbi_harness", remoteTestDir: "/tmp/vmfuzz/out"}
	ch := &capturingChannel{}
	rh := harness.New(func(ctx context.Context) (harness.Channel, error) { return ch, nil }, 1, 2*time.Second)

	if _, err := tgt.RunTest(rh, seed.Map{}); err == nil {
		t.Fatalf("expected an error for a seed missing required registers")
	}
}
