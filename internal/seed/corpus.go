package seed

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Coverages bundles the per-category PC maps captured for one test,
// used both as Seed.TracedPCsA/B and as the input/output of Add's
// re-test comparison.
type Coverages struct {
	Kernel   map[uint64]int
	Firmware map[uint64]int
}

func coveragesEqual(a, b map[uint64]int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Creator builds a new seed's field map from a parent and a set of
// mutated field overlays, target-specific.
type Creator func(parent Map, newParams Map) Map

// Corpus is the per-worker structured seed store.
type Corpus struct {
	mu sync.Mutex

	taskID  string
	create  Creator
	seeds   map[string]*Seed
	order   []string // insertion order, for deterministic iteration in tests
	parents map[string]string
}

// NewCorpus constructs an empty corpus for taskID, using create to
// build new seed field maps from a parent plus mutated overlays.
func NewCorpus(taskID string, create Creator) *Corpus {
	return &Corpus{
		taskID:  taskID,
		create:  create,
		seeds:   make(map[string]*Seed),
		parents: make(map[string]string),
	}
}

// CreateSeedID computes task_id + "-" + SHA256(canonical_json(seed)).
func (c *Corpus) CreateSeedID(m Map) (string, error) {
	canon, err := m.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return fmt.Sprintf("%s-%s", c.taskID, hex.EncodeToString(sum[:])), nil
}

// LoadDir loads every *.json file in dir as a seed template, in file
// name order. Fields keep their "order" key as loaded and are not
// reordered here; hashing always uses CanonicalJSON's lexicographic key
// order.
func (c *Corpus) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("seed: failed to read seed directory %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)

	if len(files) == 0 {
		return fmt.Errorf("seed: no seed templates found in %s", dir)
	}

	for _, name := range files {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("seed: failed to read %s: %w", path, err)
		}
		var m Map
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("seed: failed to parse %s: %w", path, err)
		}
		if err := c.InsertInitial(m); err != nil {
			return fmt.Errorf("seed: failed to insert template %s: %w", path, err)
		}
	}
	return nil
}

// InsertInitial inserts a seed template loaded at startup (exported so
// callers that build templates programmatically, e.g. tests, don't
// need to round-trip through LoadDir's filesystem scan).
func (c *Corpus) InsertInitial(m Map) error {
	id, err := c.CreateSeedID(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.seeds[id]; exists {
		return nil
	}
	c.seeds[id] = &Seed{ID: id, Seed: m.Clone(), TotalTestedCount: 0}
	c.order = append(c.order, id)
	return nil
}

// GetRandom picks a seed uniformly and increments its tested count; nil if empty.
func (c *Corpus) GetRandom() *Seed {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return nil
	}
	id := c.order[rand.Intn(len(c.order))]
	s := c.seeds[id]
	s.TotalTestedCount++
	return s
}

// Get returns the seed with the given id, if present.
func (c *Corpus) Get(id string) *Seed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seeds[id]
}

// Len returns the number of seeds currently in the corpus.
func (c *Corpus) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Add records a freshly tested variant derived from parentID:
// if the freshly constructed seed equals the parent's field map and the
// passed coverages equal the parent's stored traced PCs, it is treated
// as a re-test (Update on the parent); otherwise a new record is inserted.
func (c *Corpus) Add(parentID string, newParams Map, elapsedUS int64, cov Coverages) (*Seed, error) {
	c.mu.Lock()
	parent, ok := c.seeds[parentID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("seed: unknown parent id %s", parentID)
	}

	built := c.create(parent.Seed, newParams)

	sameFields := built.Equal(parent.Seed)
	sameCoverage := coveragesEqual(cov.Kernel, parent.TracedPCsA) && coveragesEqual(cov.Firmware, parent.TracedPCsB)

	if sameFields && sameCoverage {
		c.Update(parent.ID, elapsedUS)
		return parent, nil
	}

	id, err := c.CreateSeedID(built)
	if err != nil {
		return nil, err
	}

	if elapsedUS < 1 {
		elapsedUS = 1
	}

	newSeed := &Seed{
		ID:                id,
		Seed:              built,
		ElapsedUS:         elapsedUS,
		TracedPCsA:        cov.Kernel,
		TracedPCsB:        cov.Firmware,
		TotalTraceLength:  len(cov.Kernel) + len(cov.Firmware),
		TotalTestedCount:  1,
	}

	c.mu.Lock()
	if existing, already := c.seeds[id]; already {
		c.mu.Unlock()
		c.Update(existing.ID, elapsedUS)
		return existing, nil
	}
	c.seeds[id] = newSeed
	c.order = append(c.order, id)
	c.parents[id] = parentID
	c.mu.Unlock()

	return newSeed, nil
}

// Update increments total_tested_count and sets elapsed_us if unset.
func (c *Corpus) Update(id string, elapsedUS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.seeds[id]
	if !ok {
		return
	}
	if s.ElapsedUS == 0 {
		s.ElapsedUS = elapsedUS
	}
	s.TotalTestedCount++
}

// UpdateHash sets coverage_hash and total_same_coverage_seed_count on the given seed.
func (c *Corpus) UpdateHash(id, fingerprint string, others int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.seeds[id]
	if !ok {
		return
	}
	s.CoverageHash = fingerprint
	s.TotalSameCoverageSeedCount = others
}
