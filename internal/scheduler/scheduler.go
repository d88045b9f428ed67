// Package scheduler implements wave-based task dispatch over the Task Graph
// (spec.md §4.8): repeatedly computing the ready set, running it under a
// parallelism cap with priority ordering, and propagating failures through
// the graph's failure cone.
//
// Grounded on please's src/core/pool.go (Pool, a channel-backed worker
// pool), generalized from please's single indiscriminate task queue into
// bitzel's wave-based dispatch with priority ordering and failure-cone
// propagation, which please's pool has no notion of (please relies on its
// build graph's own active/pending state machine, spread across
// core/state.go, rather than a scheduler package). Wave fan-out itself uses
// golang.org/x/sync/errgroup, matching the concurrency-helper choice
// SPEC_FULL.md's ambient stack calls for.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/bitzel-build/bitzel/internal/digest"
	"github.com/bitzel-build/bitzel/internal/executor"
	"github.com/bitzel-build/bitzel/internal/graph"
	"github.com/bitzel-build/bitzel/internal/logging"
	"github.com/bitzel-build/bitzel/internal/sysroot"
)

var log = logging.Log

// Config holds the scheduler's tunables (spec.md §4.8 "max_parallel").
type Config struct {
	MaxParallel int
}

// Inputs supplies the scheduler with everything it needs to run a task that
// the executor itself doesn't own: its declared dependency layers and a
// scratch work directory. Both are computed per-task since they depend on
// the task's position in the graph, not on the executor.
type Inputs struct {
	// DepLayers returns the sysroot layers for id's direct dependencies, in
	// dependency-declaration order.
	DepLayers func(id graph.TaskID) []sysroot.Layer
	// WorkRoot returns a fresh scratch directory for id's sandbox root.
	WorkRoot func(id graph.TaskID) string
}

// TaskRunner is the subset of *executor.Executor the scheduler depends on.
// Defined as an interface so tests can substitute a fake runner instead of
// exercising internal/sandbox's namespace requirements.
type TaskRunner interface {
	Execute(ctx context.Context, n *graph.Node, sig digest.Digest, depLayers []sysroot.Layer, workRoot string) (*executor.TaskResult, error)
}

// Scheduler dispatches tasks from a Graph through a TaskRunner.
type Scheduler struct {
	g      *graph.Graph
	exec   TaskRunner
	sigs   map[graph.TaskID]digest.Digest
	cfg    Config
	inputs Inputs
}

// New returns a Scheduler. sigs must contain a signature for every task in
// g (see internal/signature.SignAll).
func New(g *graph.Graph, exec TaskRunner, sigs map[graph.TaskID]digest.Digest, cfg Config, inputs Inputs) *Scheduler {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	return &Scheduler{g: g, exec: exec, sigs: sigs, cfg: cfg, inputs: inputs}
}

// Result is the outcome of a full scheduler run.
type Result struct {
	Results map[graph.TaskID]*executor.TaskResult
	Skipped []graph.TaskID
}

// Run dispatches g's tasks wave by wave until every task is done, failed, or
// skipped, or ctx is cancelled (spec.md §4.8 "cancellation semantics": an
// in-flight wave is allowed to finish, but no further waves are started).
func (s *Scheduler) Run(ctx context.Context) (*Result, error) {
	var mu sync.Mutex
	completed := map[graph.TaskID]bool{}
	failed := map[graph.TaskID]bool{}
	results := map[graph.TaskID]*executor.TaskResult{}

	// waveErrs aggregates the infrastructure-level errors each wave
	// tolerates (a failing task is recorded in failed/results and does not
	// by itself stop the build; only an executor-level error reaching here
	// indicates something the scheduler couldn't attribute to one task).
	// Aggregated the way please's build_step.go collects per-source fetch
	// errors with multierror.Append, rather than logging and discarding
	// each wave's failure independently.
	var waveErrs *multierror.Error

	for {
		if ctx.Err() != nil {
			break
		}
		mu.Lock()
		ready := s.g.Ready(completed, failed)
		mu.Unlock()
		if len(ready) == 0 {
			break
		}
		s.prioritize(ready)
		log.Debug("scheduler: dispatching wave of %d task(s), fingerprint=%x", len(ready), waveFingerprint(ready))

		sem := make(chan struct{}, s.cfg.MaxParallel)
		grp, grpCtx := errgroup.WithContext(ctx)
		for _, id := range ready {
			id := id
			sem <- struct{}{}
			grp.Go(func() error {
				defer func() { <-sem }()
				return s.runOne(grpCtx, id, &mu, completed, failed, results)
			})
		}
		if err := grp.Wait(); err != nil {
			waveErrs = multierror.Append(waveErrs, err)
			log.Warning("scheduler: wave failed: %s", err)
		}
	}

	mu.Lock()
	skipped := s.g.Skipped(failed)
	mu.Unlock()
	return &Result{Results: results, Skipped: skipped}, waveErrs.ErrorOrNil()
}

// waveFingerprint computes a cheap, non-cryptographic fingerprint of a
// wave's (already-prioritized) task order for debug correlation, using
// xxhash rather than the CAS's SHA-256 since nothing here is addressing
// content - it only needs to be fast and stable (SPEC_FULL.md's ambient
// stack, "scheduler priority/ordering keys").
func waveFingerprint(ready []graph.TaskID) uint64 {
	h := xxhash.New()
	for _, id := range ready {
		_, _ = h.WriteString(id.String())
	}
	return h.Sum64()
}

// runOne executes a single task and records its outcome. It never returns
// an error for a task-level failure (that's recorded in failed/results);
// it only returns an error for an infrastructure problem (e.g. the
// executor itself erroring), which cancels the rest of the wave via
// errgroup's context.
func (s *Scheduler) runOne(ctx context.Context, id graph.TaskID, mu *sync.Mutex, completed, failed map[graph.TaskID]bool, results map[graph.TaskID]*executor.TaskResult) error {
	n := s.g.Node(id)
	sig, ok := s.sigs[id]
	if !ok {
		return fmt.Errorf("scheduler: no signature computed for %s", id)
	}

	var layers []sysroot.Layer
	var workRoot string
	if s.inputs.DepLayers != nil {
		layers = s.inputs.DepLayers(id)
	}
	if s.inputs.WorkRoot != nil {
		workRoot = s.inputs.WorkRoot(id)
	}

	r, err := s.exec.Execute(ctx, n, sig, layers, workRoot)
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		failed[id] = true
		return err
	}
	results[id] = r
	if r.State == executor.Done || r.State == executor.Hit {
		completed[id] = true
	} else {
		failed[id] = true
	}
	return nil
}

// prioritize orders ready tasks by critical path (longest first), then by
// dependent count (most first), then by task-id for determinism (spec.md
// §4.8 "priority sort").
func (s *Scheduler) prioritize(ready []graph.TaskID) {
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if cpA, cpB := s.g.CriticalPath(a), s.g.CriticalPath(b); cpA != cpB {
			return cpA > cpB
		}
		if da, db := len(s.g.Dependents(a)), len(s.g.Dependents(b)); da != db {
			return da > db
		}
		return a.Less(b)
	})
}
