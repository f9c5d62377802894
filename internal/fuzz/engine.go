package fuzz

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/covertrace/vmfuzz/internal/crash"
	"github.com/covertrace/vmfuzz/internal/logger"
	"github.com/covertrace/vmfuzz/internal/state"
)

// WorkerSummary is logged per worker on clean shutdown (supplemented
// from the original tool's main.py, which prints an aggregate
// tested-count/elapsed-time summary per worker at the end of a run).
type WorkerSummary struct {
	Index            int
	TotalTestedCount int
	TotalElapsedUS   int64
}

// Engine spawns N concurrent WorkerLoops, a shared CrashStore, and
// handles cancellation/shutdown.
type Engine struct {
	workers []*WorkerLoop
	crashes *crash.Store
	session state.Manager
}

// NewEngine constructs an Engine over an already-wired set of workers
// sharing crashes. session may be nil, in which case no cross-run
// progress is persisted.
func NewEngine(workers []*WorkerLoop, crashes *crash.Store, session state.Manager) *Engine {
	return &Engine{workers: workers, crashes: crashes, session: session}
}

// Run awaits all workers, returning the first worker error (if any).
// On ctx cancellation, every worker observes ctx.Done() at its next
// iteration boundary and exits cleanly.
func (e *Engine) Run(ctx context.Context) ([]WorkerSummary, error) {
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	for _, w := range e.workers {
		w := w
		g.Go(func() error {
			if err := w.Bootstrap(); err != nil {
				return fmt.Errorf("worker %d: %w", w.cfg.Index, err)
			}
			if err := w.Run(gctx); err != nil {
				return fmt.Errorf("worker %d: %w", w.cfg.Index, err)
			}
			return nil
		})
	}

	err := g.Wait()

	summaries := make([]WorkerSummary, len(e.workers))
	for i, w := range e.workers {
		summaries[i] = WorkerSummary{
			Index:            w.cfg.Index,
			TotalTestedCount: w.totalTestedCount,
			TotalElapsedUS:   w.totalElapsedUS,
		}
	}

	logger.Info("engine: run finished in %s, %d crashes recorded", time.Since(start), e.crashes.Len())
	for _, s := range summaries {
		logger.Info("engine: worker %d tested %d inputs, %dus total exec time", s.Index, s.TotalTestedCount, s.TotalElapsedUS)
	}

	if e.session != nil {
		for _, s := range summaries {
			prior := e.session.GetState().Workers[s.Index]
			e.session.RecordWorker(s.Index, prior.TotalTestedCount+s.TotalTestedCount, prior.TotalElapsedUS+s.TotalElapsedUS)
		}
		for i := 0; i < e.crashes.Len(); i++ {
			e.session.RecordCrash()
		}
		if saveErr := e.session.Save(); saveErr != nil {
			logger.Error("engine: failed to save session state: %v", saveErr)
		}
	}

	return summaries, err
}
