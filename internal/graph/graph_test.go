package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func id(recipe, task string) TaskID {
	return TaskID{Recipe: RecipeID{Layer: "meta", Name: recipe, Version: "1.0", Revision: "r0"}, Name: task}
}

func TestTopologicalOrderLinearChain(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(&Node{ID: id("a", "fetch")}))
	require.NoError(t, g.AddTask(&Node{ID: id("a", "unpack"), Deps: []TaskID{id("a", "fetch")}}))
	require.NoError(t, g.AddTask(&Node{ID: id("a", "compile"), Deps: []TaskID{id("a", "unpack")}}))

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, 3)
	assert.Equal(t, id("a", "fetch"), order[0])
	assert.Equal(t, id("a", "unpack"), order[1])
	assert.Equal(t, id("a", "compile"), order[2])
}

func TestTopologicalOrderDeterministicTiebreak(t *testing.T) {
	g := New()
	// Two independent roots; order must be lexicographic on task-id.
	require.NoError(t, g.AddTask(&Node{ID: id("b", "fetch")}))
	require.NoError(t, g.AddTask(&Node{ID: id("a", "fetch")}))

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.True(t, order[0].Less(order[1]))
}

func TestCycleDetected(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(&Node{ID: id("a", "x"), Deps: []TaskID{id("a", "y")}}))
	require.NoError(t, g.AddTask(&Node{ID: id("a", "y"), Deps: []TaskID{id("a", "x")}}))

	_, err := g.TopologicalOrder()
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
}

func TestReadyRespectsDependencies(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(&Node{ID: id("a", "fetch")}))
	require.NoError(t, g.AddTask(&Node{ID: id("a", "unpack"), Deps: []TaskID{id("a", "fetch")}}))

	ready := g.Ready(map[TaskID]bool{}, map[TaskID]bool{})
	require.Len(t, ready, 1)
	assert.Equal(t, id("a", "fetch"), ready[0])

	ready = g.Ready(map[TaskID]bool{id("a", "fetch"): true}, map[TaskID]bool{})
	require.Len(t, ready, 1)
	assert.Equal(t, id("a", "unpack"), ready[0])
}

// TestFailureConfinement mirrors spec.md §8 scenario 3: A -> B -> C and
// A -> D; B fails; A and D should remain runnable/ready, C should be
// reported skipped, never attempted.
func TestFailureConfinement(t *testing.T) {
	g := New()
	a, b, c, d := id("x", "a"), id("x", "b"), id("x", "c"), id("x", "d")
	require.NoError(t, g.AddTask(&Node{ID: a}))
	require.NoError(t, g.AddTask(&Node{ID: b, Deps: []TaskID{a}}))
	require.NoError(t, g.AddTask(&Node{ID: c, Deps: []TaskID{b}}))
	require.NoError(t, g.AddTask(&Node{ID: d, Deps: []TaskID{a}}))

	completed := map[TaskID]bool{a: true}
	failed := map[TaskID]bool{b: true}

	skipped := g.Skipped(failed)
	assert.Equal(t, []TaskID{c}, skipped)

	ready := g.Ready(completed, failed)
	assert.Equal(t, []TaskID{d}, ready)
}

func TestDependents(t *testing.T) {
	g := New()
	a, b, c := id("x", "a"), id("x", "b"), id("x", "c")
	require.NoError(t, g.AddTask(&Node{ID: a}))
	require.NoError(t, g.AddTask(&Node{ID: b, Deps: []TaskID{a}}))
	require.NoError(t, g.AddTask(&Node{ID: c, Deps: []TaskID{a}}))

	deps := g.Dependents(a)
	assert.ElementsMatch(t, []TaskID{b, c}, deps)
}

func TestCriticalPathPrefersLongerChain(t *testing.T) {
	g := New()
	a, b, c, d := id("x", "a"), id("x", "b"), id("x", "c"), id("x", "d")
	// a -> b -> c (chain of 3), a -> d (chain of 2)
	require.NoError(t, g.AddTask(&Node{ID: a}))
	require.NoError(t, g.AddTask(&Node{ID: b, Deps: []TaskID{a}}))
	require.NoError(t, g.AddTask(&Node{ID: c, Deps: []TaskID{b}}))
	require.NoError(t, g.AddTask(&Node{ID: d, Deps: []TaskID{a}}))

	assert.Greater(t, g.CriticalPath(a), g.CriticalPath(d))
	assert.Equal(t, 1, g.CriticalPath(c))
}

func TestAddTaskDuplicateRejected(t *testing.T) {
	g := New()
	require.NoError(t, g.AddTask(&Node{ID: id("a", "fetch")}))
	err := g.AddTask(&Node{ID: id("a", "fetch")})
	assert.Error(t, err)
}
