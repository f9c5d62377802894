package seed

// Seed is one corpus record.
type Seed struct {
	ID   string
	Seed Map

	ElapsedUS int64

	TracedPCsA map[uint64]int
	TracedPCsB map[uint64]int

	TotalTraceLength            int
	TotalTestedCount            int
	TotalSameCoverageSeedCount  int
	CoverageHash                string
}
