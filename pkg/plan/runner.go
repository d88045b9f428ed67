package plan

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/bitzel-build/bitzel/internal/digest"
	"github.com/bitzel-build/bitzel/internal/executor"
	"github.com/bitzel-build/bitzel/internal/graph"
	"github.com/bitzel-build/bitzel/internal/manifest"
	"github.com/bitzel-build/bitzel/internal/sysroot"
)

// TrackingRunner adapts a *executor.Executor to scheduler.TaskRunner while
// recording each completed task's output manifest, so a later task's
// dependency layers (spec.md §4.5 "given a task and its dependencies'
// output manifests") can be looked up purely from its TaskID. The
// Scheduler itself holds no notion of "this task's dependency's manifest"
// (spec.md §4.4's Graph is deliberately output-agnostic), so the control
// plane is where that bridge belongs.
type TrackingRunner struct {
	exec *executor.Executor

	mu        sync.Mutex
	manifests map[graph.TaskID]*manifest.Manifest
}

// NewTrackingRunner wraps exec.
func NewTrackingRunner(exec *executor.Executor) *TrackingRunner {
	return &TrackingRunner{exec: exec, manifests: map[graph.TaskID]*manifest.Manifest{}}
}

// Execute runs n through the wrapped executor and records its manifest on
// success, so DepLayers can serve it to n's dependents.
func (t *TrackingRunner) Execute(ctx context.Context, n *graph.Node, sig digest.Digest, depLayers []sysroot.Layer, workRoot string) (*executor.TaskResult, error) {
	r, err := t.exec.Execute(ctx, n, sig, depLayers, workRoot)
	if err == nil && r != nil && r.Manifest != nil && (r.State == executor.Done || r.State == executor.Hit) {
		t.mu.Lock()
		t.manifests[n.ID] = r.Manifest
		t.mu.Unlock()
	}
	return r, err
}

// DepLayers returns a scheduler.Inputs.DepLayers closure over g and t: for
// a task id, it assembles the sysroot.Layer list from id's direct
// dependencies' already-recorded manifests, in dependency-declaration
// order (spec.md §4.5 "ordered by priority ... later dependencies win").
func (t *TrackingRunner) DepLayers(g *graph.Graph) func(graph.TaskID) []sysroot.Layer {
	return func(id graph.TaskID) []sysroot.Layer {
		n := g.Node(id)
		if n == nil {
			return nil
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		layers := make([]sysroot.Layer, 0, len(n.Deps))
		for _, dep := range n.Deps {
			m, ok := t.manifests[dep]
			if !ok {
				continue
			}
			layers = append(layers, sysroot.Layer{Label: dep.String(), Manifest: m})
		}
		return layers
	}
}

// WorkRoot returns a scheduler.Inputs.WorkRoot closure that allocates a
// fresh sandbox scratch directory per task under
// "<buildRoot>/sandboxes/<task-uuid>/" (spec.md §6 filesystem layout),
// naming it with a random UUID the way please's sandbox tool and spec.md §6
// both do, rather than the task-id itself (task-ids repeat across plan
// re-runs). The closure is called once per scheduled task; the executor's
// own retries of that task reuse the same directory.
func WorkRoot(buildRoot string) func(graph.TaskID) string {
	return func(graph.TaskID) string {
		dir := filepath.Join(buildRoot, "sandboxes", uuid.New().String())
		if err := os.MkdirAll(dir, 0775); err != nil {
			log.Error("plan: failed to create sandbox scratch dir %s: %s", dir, err)
		}
		return dir
	}
}

// sanitizeTaskID turns a TaskID's "layer/name-version-revision:task" string
// form into a filesystem-safe relative path, since ":" is not portable in a
// path component and the recipe id's own "/" should become a real directory
// separator rather than be escaped away.
func sanitizeTaskID(id graph.TaskID) string {
	return filepath.Join(id.Recipe.String(), strings.ReplaceAll(id.Name, "/", "_"))
}

// OutputRoot returns an executor.WithOutputRoot callback that promotes a
// task's captured outputs into "<buildRoot>/outputs/<task-id>/" once it
// reaches Hit or Done (spec.md §4.7 "Hit" state, §6 filesystem layout),
// giving a build's goals a persistent, directly-inspectable location on
// disk distinct from the torn-down sandbox and the content-addressed blobs
// in the CAS.
func OutputRoot(buildRoot string) func(*graph.Node) string {
	return func(n *graph.Node) string {
		return filepath.Join(buildRoot, "outputs", sanitizeTaskID(n.ID))
	}
}
