// Package coverage classifies per-test program-counter traces into
// kernel/firmware/other regions and fingerprints them, then merges the
// per-test counts into global bookkeeping shared across seed
// selections, using an interval index over PC ranges rather than
// parsing compiler source-coverage output against a CFG.
package coverage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/covertrace/vmfuzz/internal/region"
)

// ErrParsePC is returned when a PC string cannot be parsed as hexadecimal.
type ErrParsePC struct {
	Raw string
	Err error
}

func (e *ErrParsePC) Error() string {
	return fmt.Sprintf("failed to parse pc %q: %v", e.Raw, e.Err)
}

func (e *ErrParsePC) Unwrap() error { return e.Err }

// Maps bundles the three per-test PC->count maps.
type Maps struct {
	Kernel   map[uint64]int
	Firmware map[uint64]int
	Other    map[uint64]int
}

// Result is the outcome of one Analyze call.
type Result struct {
	NewKernel   bool
	NewFirmware bool
	Fingerprint string
}

// Coverage holds two RegionIndexes and the per-test hit counts accumulated
// across every Analyze call made against this instance.
type Coverage struct {
	Kernel   *region.Index
	Firmware *region.Index

	IgnoreKernel   bool
	IgnoreFirmware bool

	kernelCov   map[uint64]int
	firmwareCov map[uint64]int
	other       map[uint64]int
}

// New constructs a Coverage analyzer over the given region indexes.
func New(kernel, firmware *region.Index, ignoreKernel, ignoreFirmware bool) *Coverage {
	return &Coverage{
		Kernel:         kernel,
		Firmware:       firmware,
		IgnoreKernel:   ignoreKernel,
		IgnoreFirmware: ignoreFirmware,
		kernelCov:      make(map[uint64]int),
		firmwareCov:    make(map[uint64]int),
		other:          make(map[uint64]int),
	}
}

// Analyze classifies an ordered list of hex PC strings.
func (c *Coverage) Analyze(pcStrings []string) (Result, error) {
	classified := make([]uint64, 0, len(pcStrings))
	newKernel := false
	newFirmware := false

	for _, raw := range pcStrings {
		pc, err := parsePC(raw)
		if err != nil {
			return Result{}, &ErrParsePC{Raw: raw, Err: err}
		}

		if _, ok := c.kernelCov[pc]; ok {
			c.kernelCov[pc]++
			classified = append(classified, pc)
			continue
		}
		if _, ok := c.firmwareCov[pc]; ok {
			c.firmwareCov[pc]++
			classified = append(classified, pc)
			continue
		}

		if c.Kernel != nil && c.Kernel.Contains(pc) {
			c.kernelCov[pc] = 1
			newKernel = true
			classified = append(classified, pc)
			continue
		}
		if c.Firmware != nil && c.Firmware.Contains(pc) {
			c.firmwareCov[pc] = 1
			newFirmware = true
			classified = append(classified, pc)
			continue
		}

		c.other[pc]++
	}

	fingerprint := fingerprintOf(classified)

	if c.IgnoreKernel {
		newKernel = false
	}
	if c.IgnoreFirmware {
		newFirmware = false
	}

	return Result{NewKernel: newKernel, NewFirmware: newFirmware, Fingerprint: fingerprint}, nil
}

func parsePC(raw string) (uint64, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	return strconv.ParseUint(s, 16, 64)
}

func fingerprintOf(classified []uint64) string {
	parts := make([]string, len(classified))
	for i, pc := range classified {
		parts[i] = fmt.Sprintf("%#x", pc)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, " ")))
	return hex.EncodeToString(sum[:])
}

// GetMaps returns copies of the three per-test accumulation maps, for
// merging into a CoverageManager.
func (c *Coverage) GetMaps() Maps {
	return Maps{
		Kernel:   copyMap(c.kernelCov),
		Firmware: copyMap(c.firmwareCov),
		Other:    copyMap(c.other),
	}
}

func copyMap(m map[uint64]int) map[uint64]int {
	out := make(map[uint64]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
