// Package target implements the variation points a concrete harness
// (OP-TEE, fTPM, SBI, ...) supplies to the otherwise target-agnostic
// WorkerLoop. Targets are selected by name through a small
// Register/New registry rather than wiring every concrete harness into
// a compile-time switch.
package target

import (
	"fmt"

	"github.com/covertrace/vmfuzz/internal/coverage"
	"github.com/covertrace/vmfuzz/internal/harness"
	"github.com/covertrace/vmfuzz/internal/seed"
)

// Target is the capability set a concrete harness implements.
type Target interface {
	// ExtraVMParams returns target-specific emulator flags appended to
	// the common command line (e.g. a file-share device for a
	// host-guest folder).
	ExtraVMParams() []string

	// CopyFiles stages files into the worker's local working directory
	// (initrd/rootfs copies, artifact trees) before the VM is started.
	CopyFiles() error

	// PrepareHarness sets up the guest over rh: inserting a kernel
	// module, mounting a share, waiting for a device node, copying
	// harness binaries and setup scripts, and running any one-shot
	// setup command. It reports whether setup succeeded.
	PrepareHarness(rh *harness.RemoteHarness) (bool, error)

	// ExtraSetup optionally parses the boot console log to locate a
	// dynamically-loaded code region and appends a firmware range to
	// cov. A parse failure is non-fatal: the region is simply forgone.
	ExtraSetup(cov *coverage.Coverage) error

	// GenerateInput builds one test's fuzz parameters from a seed's
	// field map, mutating every non-fixed field.
	GenerateInput(s seed.Map, kwargs map[string]interface{}) (seed.Map, error)

	// RunTest serializes input per the target's ABI and invokes the
	// harness binary on the guest over rh.
	RunTest(rh *harness.RemoteHarness, input seed.Map) (*harness.Result, error)
}

// Factory builds a Target from its JSON configuration options.
type Factory func(options map[string]interface{}) (Target, error)

var registry = make(map[string]Factory)

// Register adds a target factory to the registry under name. The
// built-in targets are registered from this package's init().
func Register(name string, factory Factory) {
	registry[name] = factory
}

// New builds a registered target by name. An unrecognized name is a
// configuration error: fatal at startup, not recoverable mid-run.
func New(name string, options map[string]interface{}) (Target, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("target: unknown target %q", name)
	}
	return factory(options)
}

func init() {
	Register("optee", newOPTEETarget)
	Register("sbi", newSBITarget)
}

func stringOption(options map[string]interface{}, key, def string) string {
	if options == nil {
		return def
	}
	if v, ok := options[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}
