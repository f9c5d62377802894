package target

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/covertrace/vmfuzz/internal/coverage"
	"github.com/covertrace/vmfuzz/internal/harness"
	"github.com/covertrace/vmfuzz/internal/mutator"
	"github.com/covertrace/vmfuzz/internal/seed"
)

// optee9pTag is the virtio-9p mount tag shared between host and guest,
// matching OpteeFuzzer's "hostshare" tag in optee_fuzzer.py.
const optee9pTag = "hostshare"

// opteeTarget implements Target for OP-TEE's xtest-driven fuzz harness
// (the fTPM/xtest-1001 family): fields are staged as a comma-joined
// text file on a 9p host-guest share, then an `xtest -t fuzz <n>`
// invocation on the guest exercises the TA under test. Grounded on
// fuzzer/lib/optee/optee_fuzzer.py and optee_xtest_1001_fuzzer.py in
// original_source.
type opteeTarget struct {
	mut fieldMutator

	hostshareDir       string
	remoteHostshareDir string
	fuzzInputFile      string
	artifactDir        string
	artifactWorkDir    string
	xtestNumber        string
	tag9p              string
}

func newOPTEETarget(options map[string]interface{}) (Target, error) {
	hostshareDir := stringOption(options, "hostshare_dir", "/tmp/vmfuzz/hostshare")
	return &opteeTarget{
		mut:                mutator.New(),
		hostshareDir:       hostshareDir,
		remoteHostshareDir: stringOption(options, "remote_hostshare_dir", "/mnt/hostshare"),
		fuzzInputFile:      filepath.Join(hostshareDir, "fuzz_input.txt"),
		artifactDir:        stringOption(options, "optee_artifact_dir", ""),
		artifactWorkDir:    stringOption(options, "work_dir", "/tmp/vmfuzz/bin"),
		xtestNumber:        stringOption(options, "xtest_number", "1001"),
		tag9p:              stringOption(options, "tag_9p", optee9pTag),
	}, nil
}

// ExtraVMParams adds the 9p file-share device used to pass fuzzed
// input into the guest without going through the SSH channel,
// matching extra_qemu_params().
func (t *opteeTarget) ExtraVMParams() []string {
	return []string{
		"-fsdev", fmt.Sprintf("local,id=fsdev0,path=%s,security_model=none", t.hostshareDir),
		"-device", fmt.Sprintf("virtio-9p-device,fsdev=fsdev0,mount_tag=%s", t.tag9p),
	}
}

// CopyFiles stages the 9p share directory and, if configured, copies
// the OP-TEE artifact tree into the worker's local bin directory,
// matching copy_files()'s shutil.copytree.
func (t *opteeTarget) CopyFiles() error {
	if err := os.MkdirAll(t.hostshareDir, 0755); err != nil {
		return fmt.Errorf("target/optee: failed to create hostshare dir %s: %w", t.hostshareDir, err)
	}
	if t.artifactDir == "" {
		return nil
	}
	return copyTree(t.artifactDir, t.artifactWorkDir)
}

func copyTree(from, to string) error {
	return filepath.Walk(from, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(from, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(to, rel)
		if info.IsDir() {
			return os.MkdirAll(dst, 0755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, data, info.Mode())
	})
}

// PrepareHarness mounts the 9p share on the guest, matching
// prepare_harness()'s mkdir + mount sequence.
func (t *opteeTarget) PrepareHarness(rh *harness.RemoteHarness) (bool, error) {
	ctx := context.Background()

	if _, err := rh.Exec(ctx, fmt.Sprintf("mkdir -p %s", t.remoteHostshareDir), 1, 0); err != nil {
		return false, fmt.Errorf("target/optee: failed to create remote hostshare dir: %w", err)
	}

	mount := fmt.Sprintf("mount -t 9p -o trans=virtio %s %s", t.tag9p, t.remoteHostshareDir)
	if _, err := rh.Exec(ctx, mount, 1, 0); err != nil {
		return false, fmt.Errorf("target/optee: failed to mount 9p share: %w", err)
	}
	return true, nil
}

// ExtraSetup: OP-TEE's trusted applications load at addresses fixed by
// the TA image layout; there is no dynamic relocation to discover from
// the console log for this target family.
func (t *opteeTarget) ExtraSetup(cov *coverage.Coverage) error { return nil }

// GenerateInput mutates every non-fixed field generically; concrete
// xtest variants (e.g. xtest-1001's input_len/buffer_len pair) only
// differ in which fields their seed templates declare.
func (t *opteeTarget) GenerateInput(s seed.Map, kwargs map[string]interface{}) (seed.Map, error) {
	return generateInput(t.mut, s, nil)
}

// RunTest writes the mutated fields as a comma-joined text file onto
// the 9p share, then runs `xtest -t fuzz <n>` on the guest, matching
// write_xtest_parameters + run_test in optee_fuzzer.py.
func (t *opteeTarget) RunTest(rh *harness.RemoteHarness, input seed.Map) (*harness.Result, error) {
	if err := t.writeFuzzInput(input); err != nil {
		return nil, err
	}
	cmd := fmt.Sprintf("xtest -t fuzz %s", t.xtestNumber)
	return rh.Exec(context.Background(), cmd, 1, 0)
}

func (t *opteeTarget) writeFuzzInput(input seed.Map) error {
	names := make([]string, 0, len(input))
	for name := range input {
		if name == "xtest_number" {
			continue
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return input[names[i]].Order < input[names[j]].Order
	})

	values := make([]string, 0, len(names))
	for _, name := range names {
		values = append(values, input[name].Value)
	}

	if err := os.MkdirAll(t.hostshareDir, 0755); err != nil {
		return fmt.Errorf("target/optee: failed to create hostshare dir %s: %w", t.hostshareDir, err)
	}
	return os.WriteFile(t.fuzzInputFile, []byte(strings.Join(values, ",")), 0644)
}
