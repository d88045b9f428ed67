package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitzel-build/bitzel/internal/digest"
	"github.com/bitzel-build/bitzel/internal/executor"
	"github.com/bitzel-build/bitzel/internal/graph"
	"github.com/bitzel-build/bitzel/internal/sysroot"
)

// fakeRunner lets tests drive the scheduler's wave logic without touching
// internal/sandbox's namespace requirements.
type fakeRunner struct {
	mu        sync.Mutex
	failIDs   map[graph.TaskID]bool
	order     []graph.TaskID
	concurMax int
	concurNow int
}

func newFakeRunner(fail ...graph.TaskID) *fakeRunner {
	m := map[graph.TaskID]bool{}
	for _, f := range fail {
		m[f] = true
	}
	return &fakeRunner{failIDs: m}
}

func (f *fakeRunner) Execute(ctx context.Context, n *graph.Node, sig digest.Digest, depLayers []sysroot.Layer, workRoot string) (*executor.TaskResult, error) {
	f.mu.Lock()
	f.order = append(f.order, n.ID)
	f.concurNow++
	if f.concurNow > f.concurMax {
		f.concurMax = f.concurNow
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.concurNow--
		f.mu.Unlock()
	}()

	if f.failIDs[n.ID] {
		return &executor.TaskResult{State: executor.Failed, ExitCode: 1}, nil
	}
	return &executor.TaskResult{State: executor.Done}, nil
}

func id(recipe, task string) graph.TaskID {
	return graph.TaskID{Recipe: graph.RecipeID{Layer: "meta", Name: recipe, Version: "1", Revision: "r0"}, Name: task}
}

func buildSigs(g *graph.Graph) map[graph.TaskID]digest.Digest {
	sigs := map[graph.TaskID]digest.Digest{}
	for _, tid := range g.AllTasks() {
		sigs[tid] = digest.Sum([]byte(tid.String()))
	}
	return sigs
}

func TestRunExecutesAllTasksInDependencyOrder(t *testing.T) {
	g := graph.New()
	fetch, compile := id("a", "fetch"), id("a", "compile")
	require.NoError(t, g.AddTask(&graph.Node{ID: fetch}))
	require.NoError(t, g.AddTask(&graph.Node{ID: compile, Deps: []graph.TaskID{fetch}}))

	runner := newFakeRunner()
	sched := New(g, runner, buildSigs(g), Config{MaxParallel: 2}, Inputs{})

	result, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Results, 2)
	assert.Equal(t, executor.Done, result.Results[fetch].State)
	assert.Equal(t, executor.Done, result.Results[compile].State)
	assert.Empty(t, result.Skipped)
}

func TestRunRespectsParallelismCap(t *testing.T) {
	g := graph.New()
	var ids []graph.TaskID
	for i := 0; i < 10; i++ {
		tid := id("a", string(rune('a'+i)))
		ids = append(ids, tid)
		require.NoError(t, g.AddTask(&graph.Node{ID: tid}))
	}

	runner := newFakeRunner()
	sched := New(g, runner, buildSigs(g), Config{MaxParallel: 3}, Inputs{})

	_, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, runner.concurMax, 3)
}

func TestRunPropagatesFailureCone(t *testing.T) {
	g := graph.New()
	a, b, c, d := id("x", "a"), id("x", "b"), id("x", "c"), id("x", "d")
	require.NoError(t, g.AddTask(&graph.Node{ID: a}))
	require.NoError(t, g.AddTask(&graph.Node{ID: b, Deps: []graph.TaskID{a}}))
	require.NoError(t, g.AddTask(&graph.Node{ID: c, Deps: []graph.TaskID{b}}))
	require.NoError(t, g.AddTask(&graph.Node{ID: d, Deps: []graph.TaskID{a}}))

	runner := newFakeRunner(b)
	sched := New(g, runner, buildSigs(g), Config{MaxParallel: 4}, Inputs{})

	result, err := sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, executor.Failed, result.Results[b].State)
	assert.Equal(t, executor.Done, result.Results[d].State)
	assert.Equal(t, []graph.TaskID{c}, result.Skipped)
	_, cRan := result.Results[c]
	assert.False(t, cRan, "c must never be attempted once b fails")
}
