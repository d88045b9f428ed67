// Package executor implements the Task Executor (spec.md §4.7): the
// per-task state machine that takes a signed task from Pending through a
// cache probe, sysroot staging, sandboxed execution, and output capture.
//
// Grounded on please's src/build/build_step.go (buildTarget): the overall
// shape — check cache, prepare directories/sources, run the command, move
// outputs, store to cache — is the same sequence please follows, adapted
// from please's single in-process build function into bitzel's explicit
// named states (spec.md §4.7 requires the state machine be inspectable by
// the scheduler, which please's implementation does not expose: please
// tracks state as an enum on the target itself, inline in the same
// function that drives it).
package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bitzel-build/bitzel/internal/actioncache"
	"github.com/bitzel-build/bitzel/internal/cas"
	"github.com/bitzel-build/bitzel/internal/digest"
	"github.com/bitzel-build/bitzel/internal/graph"
	"github.com/bitzel-build/bitzel/internal/logging"
	"github.com/bitzel-build/bitzel/internal/manifest"
	"github.com/bitzel-build/bitzel/internal/sandbox"
	"github.com/bitzel-build/bitzel/internal/sysroot"
)

var log = logging.Log

// State is one step of the per-task state machine (spec.md §4.7).
type State int

const (
	Pending State = iota
	Probing
	Hit
	Staging
	Running
	Capturing
	Done
	Failed
	Skipped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Probing:
		return "probing"
	case Hit:
		return "hit"
	case Staging:
		return "staging"
	case Running:
		return "running"
	case Capturing:
		return "capturing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// RetryPolicy governs whether a failed task is retried (spec.md §9 open
// question on retry-policy semantics; see DESIGN.md for the recorded
// decision: retries apply only to external tasks with non-isolated network
// access).
type RetryPolicy struct {
	Enabled      bool
	InitialDelay time.Duration
	Multiplier   float64
	MaxAttempts  int
}

// retryable reports whether n is eligible for retry under this policy.
// Hermetic (isolated-network) tasks are never retried: a deterministic
// failure will reproduce identically, so retrying only wastes time.
func (p RetryPolicy) retryable(n *graph.Node) bool {
	return p.Enabled && n.Body.Kind == graph.ExternalBody && n.Network != graph.Isolated
}

// TaskResult is what Execute returns once a task reaches a terminal state.
type TaskResult struct {
	State          State
	ExitCode       int
	Manifest       *manifest.Manifest
	ManifestDigest digest.Digest
	Stdout, Stderr []byte
	Duration       time.Duration
	CacheHit       bool
	Attempts       int
}

// Stats accumulates counters across every Execute call, surfaced by the
// scheduler/CLI for progress reporting (spec.md §4.7 "stats").
type Stats struct {
	total, hits, misses, failed int64
}

func (s *Stats) Snapshot() (total, hits, misses, failed int64) {
	return atomic.LoadInt64(&s.total), atomic.LoadInt64(&s.hits), atomic.LoadInt64(&s.misses), atomic.LoadInt64(&s.failed)
}

// Executor runs tasks against a CAS, an action cache, and a sysroot
// assembler. cache is taken as actioncache.Sink rather than the concrete
// *actioncache.Cache so a caller can hand it either the local cache alone
// or an actioncache.Multiplexer layering a remote cache behind it
// (internal/remotecache) - the executor itself never needs to know which.
type Executor struct {
	store      *cas.Store
	cache      actioncache.Sink
	assembler  *sysroot.Assembler
	retry      RetryPolicy
	stats      Stats
	outputRoot func(*graph.Node) string
}

// Option configures optional Executor behaviour.
type Option func(*Executor)

// WithOutputRoot registers a callback giving the final, persistent
// directory a task's outputs should be promoted into once it reaches Hit
// or Done, in addition to the ephemeral sandbox root the task body itself
// wrote to. Without this option, outputs live only in the CAS and the
// (torn-down) sandbox, which is sufficient for downstream tasks consuming
// a manifest via the Sysroot Assembler but leaves nothing on disk for a
// build goal to inspect directly - spec.md §4.7's "Hit" state explicitly
// calls for materializing into "the final output area for this task".
func WithOutputRoot(f func(*graph.Node) string) Option {
	return func(e *Executor) { e.outputRoot = f }
}

// New returns an Executor. assembler may be nil for tasks that need no
// dependency layering (e.g. a fetch task with no build-time deps).
func New(store *cas.Store, cache actioncache.Sink, assembler *sysroot.Assembler, retry RetryPolicy, opts ...Option) *Executor {
	e := &Executor{store: store, cache: cache, assembler: assembler, retry: retry}
	for _, o := range opts {
		o(e)
	}
	return e
}

// promoteOutputs materializes m into the task's final output area, if one
// is configured. Failure to promote is logged, not fatal: the manifest and
// its blobs are already durably recorded in the CAS/action cache, so a
// promotion failure only affects on-disk inspectability, not correctness.
func (e *Executor) promoteOutputs(n *graph.Node, m *manifest.Manifest) {
	if e.outputRoot == nil || m == nil {
		return
	}
	root := e.outputRoot(n)
	if root == "" {
		return
	}
	if err := manifest.Restore(root, m, e.store); err != nil {
		log.Warning("executor: promoting outputs for %s to %s: %s", n.ID, root, err)
	}
}

// Stats returns the executor's running counters.
func (e *Executor) Stats() *Stats { return &e.stats }

// Execute drives one task through the full state machine and returns its
// terminal result. depLayers supplies each dependency's output manifest, in
// dependency order, for sysroot assembly.
func (e *Executor) Execute(ctx context.Context, n *graph.Node, sig digest.Digest, depLayers []sysroot.Layer, workRoot string) (*TaskResult, error) {
	atomic.AddInt64(&e.stats.total, 1)

	// Probing.
	result, hit, err := e.cache.Lookup(sig)
	if err != nil {
		return nil, fmt.Errorf("executor: probing cache for %s: %w", n.ID, err)
	}
	if hit {
		atomic.AddInt64(&e.stats.hits, 1)
		m, err := e.loadManifest(result.OutputManifestDigest)
		if err != nil {
			log.Warning("executor: cache hit for %s but manifest unreadable, rebuilding: %s", n.ID, err)
		} else {
			e.promoteOutputs(n, m)
			return &TaskResult{
				State:          Hit,
				ExitCode:       result.ExitCode,
				Manifest:       m,
				ManifestDigest: result.OutputManifestDigest,
				Duration:       time.Duration(result.DurationMs) * time.Millisecond,
				CacheHit:       true,
			}, nil
		}
	}
	atomic.AddInt64(&e.stats.misses, 1)

	var last *TaskResult
	attempts := 0
	maxAttempts := 1
	if e.retry.retryable(n) {
		maxAttempts = e.retry.MaxAttempts
		if maxAttempts < 1 {
			maxAttempts = 1
		}
	}
	delay := e.retry.InitialDelay

	for attempts < maxAttempts {
		attempts++
		r, err := e.attempt(ctx, n, sig, depLayers, workRoot)
		if err != nil {
			return nil, err
		}
		r.Attempts = attempts
		last = r
		if r.State == Done {
			return r, nil
		}
		if attempts < maxAttempts {
			log.Warning("executor: %s failed (attempt %d/%d), retrying", n.ID, attempts, maxAttempts)
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					atomic.AddInt64(&e.stats.failed, 1)
					return last, ctx.Err()
				}
				delay = time.Duration(float64(delay) * e.retry.Multiplier)
			}
		}
	}
	atomic.AddInt64(&e.stats.failed, 1)
	return last, nil
}

// attempt runs the Staging -> Running -> Capturing sequence once.
func (e *Executor) attempt(ctx context.Context, n *graph.Node, sig digest.Digest, depLayers []sysroot.Layer, workRoot string) (*TaskResult, error) {
	// Staging.
	root := workRoot
	if e.assembler != nil && len(depLayers) > 0 {
		if err := e.assembler.Assemble(root, depLayers, sysroot.StrategyOverlay); err != nil {
			return nil, fmt.Errorf("executor: staging sysroot for %s: %w", n.ID, err)
		}
		defer func() {
			if err := e.assembler.Teardown(root); err != nil {
				log.Warning("executor: tearing down sysroot for %s: %s", n.ID, err)
			}
		}()
	}

	// Running.
	spec := sandbox.Spec{
		Name:    n.ID.String(),
		Root:    root,
		Dir:     ".",
		Argv:    argvFor(n),
		Env:     envFor(n),
		Network: n.Network,
		Limits:  n.Limits,
	}
	sandboxResult, err := sandbox.Launch(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("executor: running %s: %w", n.ID, err)
	}
	if sandboxResult.ExitCode != 0 {
		return &TaskResult{
			State:    Failed,
			ExitCode: sandboxResult.ExitCode,
			Stdout:   sandboxResult.Stdout,
			Stderr:   sandboxResult.Stderr,
			Duration: sandboxResult.Duration,
		}, nil
	}

	// Capturing.
	m, err := manifest.CaptureOutputs(root, n.Outputs, e.store)
	if err != nil {
		return nil, fmt.Errorf("executor: capturing outputs for %s: %w", n.ID, err)
	}
	// Store the gob-marshalled (retrievable) form, not the canonical
	// Encode() form: Encode() exists purely to be hashed (spec.md §3), it
	// has no symbol table to decode a Manifest back out of. The digest we
	// record here is therefore a CAS content key for the gob blob, distinct
	// from m.Digest() (the canonical form's hash), which the signature
	// engine is free to use independently wherever it needs manifest
	// identity rather than manifest retrieval.
	gobBytes, err := m.Marshal()
	if err != nil {
		return nil, fmt.Errorf("executor: marshalling manifest for %s: %w", n.ID, err)
	}
	manifestDigest, err := e.store.Put(gobBytes)
	if err != nil {
		return nil, fmt.Errorf("executor: storing manifest for %s: %w", n.ID, err)
	}

	// stdout/stderr are stored in the CAS too, so the Action Result can
	// reference them by digest (spec.md §3 "Action Result") rather than
	// inlining potentially large log bytes into the cache entry itself.
	stdoutDigest, err := e.store.Put(sandboxResult.Stdout)
	if err != nil {
		return nil, fmt.Errorf("executor: storing stdout for %s: %w", n.ID, err)
	}
	stderrDigest, err := e.store.Put(sandboxResult.Stderr)
	if err != nil {
		return nil, fmt.Errorf("executor: storing stderr for %s: %w", n.ID, err)
	}

	completedAt := time.Now()
	if err := e.cache.Insert(sig, actioncache.Result{
		SchemaVersion:        actioncache.CurrentSchemaVersion,
		Signature:            sig,
		OutputManifestDigest: manifestDigest,
		ExitCode:             0,
		StdoutDigest:         stdoutDigest,
		StderrDigest:         stderrDigest,
		DurationMs:           sandboxResult.Duration.Milliseconds(),
		CompletedAtEpoch:     completedAt.Unix(),
	}); err != nil {
		log.Warning("executor: failed to insert action-cache entry for %s: %s", n.ID, err)
	}

	e.promoteOutputs(n, m)
	return &TaskResult{
		State:          Done,
		ExitCode:       0,
		Manifest:       m,
		ManifestDigest: manifestDigest,
		Stdout:         sandboxResult.Stdout,
		Stderr:         sandboxResult.Stderr,
		Duration:       sandboxResult.Duration,
	}, nil
}

func (e *Executor) loadManifest(d digest.Digest) (*manifest.Manifest, error) {
	b, err := e.store.Get(d)
	if err != nil {
		return nil, err
	}
	return manifest.Unmarshal(b)
}

func argvFor(n *graph.Node) []string {
	if n.Body.Kind == graph.ExternalBody {
		return append([]string{n.Body.Program}, n.Body.Args...)
	}
	return []string{"/bin/sh", "-c", n.Body.Script}
}

func envFor(n *graph.Node) []string {
	env := make([]string, 0, len(n.Env))
	for k, v := range n.Env {
		env = append(env, k+"="+v)
	}
	return env
}
