package target

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/covertrace/vmfuzz/internal/coverage"
	"github.com/covertrace/vmfuzz/internal/harness"
	"github.com/covertrace/vmfuzz/internal/logger"
	"github.com/covertrace/vmfuzz/internal/mutator"
	"github.com/covertrace/vmfuzz/internal/seed"
)

// forbiddenA7SRST and forbiddenA7Shutdown are the a7 (SBI extension
// id) values the original tool's sbi_eid_fuzzer.py rejects after
// mutation because they shut down the VM mid-run (SBI SRST and legacy
// shutdown EIDs).
const (
	forbiddenA7SRST     = 0x53525354
	forbiddenA7Shutdown = 0x8
	// maxA7Rerolls bounds the re-roll loop: an unbounded retry can spin
	// forever if the seed's current value itself is forbidden. This
	// re-rolls a bounded number of times, then falls back to
	// safeA7Fallback.
	maxA7Rerolls   = 8
	safeA7Fallback = 0x10
)

// sbiTarget implements Target for the bare-metal SBI (Supervisor
// Binary Interface) harness: eight general registers a0-a7 passed as
// CLI flags to a kernel-module-backed harness binary on the guest,
// grounded on fuzzer/lib/sbi/sbi_fuzzer.py and sbi_eid_fuzzer.py in
// original_source.
type sbiTarget struct {
	mut fieldMutator

	remoteModulePath  string
	remoteHarnessPath string
	remoteWorkDir     string
	remoteTestDir     string

	rejectForbiddenA7 bool
}

func newSBITarget(options map[string]interface{}) (Target, error) {
	return &sbiTarget{
		mut:               mutator.New(),
		remoteModulePath:  stringOption(options, "remote_module_path", "/tmp/vmfuzz/sbi_harness.ko"),
		remoteHarnessPath: stringOption(options, "remote_harness_path", "/tmp/vmfuzz/sbi_harness"),
		remoteWorkDir:     stringOption(options, "remote_work_dir", "/tmp/vmfuzz"),
		remoteTestDir:     stringOption(options, "remote_test_dir", "/tmp/vmfuzz/out"),
		rejectForbiddenA7: true,
	}, nil
}

// ExtraVMParams: the SBI harness needs no extra emulator device beyond
// the common command line, matching extra_qemu_params() -> [].
func (t *sbiTarget) ExtraVMParams() []string { return nil }

// CopyFiles: the SBI harness ships its kernel module and binary as
// part of the configured artifact tree; nothing to stage locally ahead
// of VM start beyond what qemu_params.initrd/rootfs already provide.
func (t *sbiTarget) CopyFiles() error { return nil }

// PrepareHarness inserts the kernel module on the guest, matching
// prepare_harness()'s mkdir + insmod sequence.
func (t *sbiTarget) PrepareHarness(rh *harness.RemoteHarness) (bool, error) {
	ctx := context.Background()

	if _, err := rh.Exec(ctx, fmt.Sprintf("mkdir -p %s", t.remoteWorkDir), 0, 0); err != nil {
		return false, fmt.Errorf("target/sbi: failed to create remote work dir: %w", err)
	}

	res, err := rh.Exec(ctx, fmt.Sprintf("insmod %s", t.remoteModulePath), 0, 0)
	if err != nil {
		return false, fmt.Errorf("target/sbi: failed to insert module %s: %w", t.remoteModulePath, err)
	}
	if res.ReturnCode != 0 {
		return false, fmt.Errorf("target/sbi: insmod %s exited %d: %s", t.remoteModulePath, res.ReturnCode, res.Stderr)
	}
	return true, nil
}

// ExtraSetup: the SBI harness runs against firmware at a statically
// known load address already covered by configuration; there is no
// dynamically-relocated region to discover from the console log.
func (t *sbiTarget) ExtraSetup(cov *coverage.Coverage) error { return nil }

// GenerateInput mutates each of a0-a7 independently, matching
// SBIEIDFuzzer.generate_input; a7 (the SBI extension id) is re-rolled
// away from the two values that would shut the VM down instead of
// exercising the call.
func (t *sbiTarget) GenerateInput(s seed.Map, kwargs map[string]interface{}) (seed.Map, error) {
	out, err := generateInput(t.mut, s, nil)
	if err != nil {
		return nil, err
	}

	if t.rejectForbiddenA7 {
		if f, ok := out["a7"]; ok && !f.Fixed {
			value, rerollErr := t.rerollA7(f)
			if rerollErr != nil {
				return nil, rerollErr
			}
			f.Value = value
			out["a7"] = f
		}
	}

	return out, nil
}

func (t *sbiTarget) rerollA7(f seed.Field) (string, error) {
	v, err := parseHexValue(f.Value)
	if err != nil {
		return "", fmt.Errorf("target/sbi: invalid a7 value %q: %w", f.Value, err)
	}
	if v != forbiddenA7SRST && v != forbiddenA7Shutdown {
		return f.Value, nil
	}

	current := f
	for attempt := 0; attempt < maxA7Rerolls; attempt++ {
		rerolled, err := t.mut.Mutate(current.Value)
		if err != nil {
			return "", err
		}
		rv, err := parseHexValue(rerolled)
		if err != nil {
			return "", err
		}
		if rv != forbiddenA7SRST && rv != forbiddenA7Shutdown {
			return rerolled, nil
		}
		current.Value = rerolled
	}

	logger.Warn("target/sbi: a7 re-roll exhausted %d attempts on forbidden values, falling back to %#x", maxA7Rerolls, safeA7Fallback)
	return fmt.Sprintf("0x%x", safeA7Fallback), nil
}

func parseHexValue(value string) (uint64, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}

// RunTest invokes the harness binary with one CLI flag per register,
// matching sbi_fuzzer.py's run_test argument layout.
func (t *sbiTarget) RunTest(rh *harness.RemoteHarness, input seed.Map) (*harness.Result, error) {
	// Flag order matches sbi_fuzzer.py's run_test exactly: eid, fid,
	// then a0-a5, then the output directory.
	ordered := []struct {
		reg, flag string
	}{
		{"a7", "-eid"}, {"a6", "-fid"},
		{"a0", "-a0"}, {"a1", "-a1"}, {"a2", "-a2"},
		{"a3", "-a3"}, {"a4", "-a4"}, {"a5", "-a5"},
	}

	parts := []string{t.remoteHarnessPath}
	for _, reg := range ordered {
		value, ok := fixedOrMutatedValue(input, reg.reg)
		if !ok {
			return nil, fmt.Errorf("target/sbi: missing register %q in seed", reg.reg)
		}
		parts = append(parts, fmt.Sprintf("%s %s", reg.flag, value))
	}
	parts = append(parts, fmt.Sprintf("-o %s", t.remoteTestDir))

	return rh.Exec(context.Background(), strings.Join(parts, " "), 0, 0)
}
