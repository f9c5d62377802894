// Package power implements the AFLFast-style energy scheduler: given a
// seed's test/coverage history, it returns an upper bound on the
// number of inner-loop iterations to spend on that seed next.
package power

import "math"

const maxSi = 256

// Policy selects between the two energy-assignment strategies.
type Policy string

const (
	Simple   Policy = "simple"
	AFLFast  Policy = "aflfast"
)

// Scheduler assigns energy per seed selection.
type Scheduler struct {
	Policy Policy
	Beta   float64
	M      float64
}

// New constructs a Scheduler. M is the constant returned by the simple
// policy and the clamp ceiling for aflfast.
func New(policy Policy, beta, m float64) *Scheduler {
	return &Scheduler{Policy: policy, Beta: beta, M: m}
}

// Seed is the minimal view of a corpus record the scheduler needs.
type Seed struct {
	TotalTestedCount           int
	TotalSameCoverageSeedCount int
}

// AssignEnergy returns the integer upper bound of the inner loop's
// iteration count for the given seed and execution-time sample.
func (s *Scheduler) AssignEnergy(seed Seed, execUS, avgExecUS float64) int {
	if s.Policy == Simple {
		return int(s.M)
	}
	return s.assignAFLFast(seed, execUS, avgExecUS)
}

func (s *Scheduler) assignAFLFast(seed Seed, execUS, avgExecUS float64) int {
	si := seed.TotalTestedCount
	if si < 1 {
		si = 1
	}
	if si > maxSi {
		si = maxSi
	}
	fi := seed.TotalSameCoverageSeedCount
	if fi < 1 {
		fi = 1
	}

	alpha := calculateAlpha(execUS, avgExecUS)

	logE := math.Log(alpha) - math.Log(s.Beta) + float64(si)*math.Log(2) - math.Log(float64(fi))
	logM := math.Log(s.M)
	if logE >= logM {
		return int(s.M)
	}
	return int(math.Exp(logE))
}

// calculateAlpha computes the classic AFL perf_score bands from the
// execution-time ratio r = exec_us / avg_exec_us (both denominators
// guarded against zero). A slow seed (large r) is throttled toward 10;
// a fast seed (small r) is favored up to 300.
func calculateAlpha(execUS, avgExecUS float64) float64 {
	if avgExecUS <= 0 {
		avgExecUS = 1
	}
	if execUS <= 0 {
		execUS = 1
	}
	r := execUS / avgExecUS

	switch {
	case r > 10:
		return 10
	case r > 5:
		return 25
	case r > 2:
		return 50
	case r > 1.333333333333:
		return 75
	case r < 0.25:
		return 300
	case r < 0.333333333333:
		return 200
	case r < 0.5:
		return 150
	default:
		return 100
	}
}
