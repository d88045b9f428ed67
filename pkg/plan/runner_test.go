package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitzel-build/bitzel/internal/graph"
	"github.com/bitzel-build/bitzel/internal/manifest"
)

// newTrackingRunnerWithManifests builds a TrackingRunner with a
// pre-populated manifest table, bypassing Execute (which needs a fully
// wired executor.Executor) since DepLayers only reads that table.
func newTrackingRunnerWithManifests(manifests map[graph.TaskID]*manifest.Manifest) *TrackingRunner {
	return &TrackingRunner{manifests: manifests}
}

func TestTrackingRunnerDepLayersOrdersByDeclaredDeps(t *testing.T) {
	g := graph.New()
	fetchM := &manifest.Manifest{}
	compileM := &manifest.Manifest{}
	require.NoError(t, g.AddTask(&graph.Node{ID: taskID("liba", "fetch")}))
	require.NoError(t, g.AddTask(&graph.Node{ID: taskID("liba", "compile"), Deps: []graph.TaskID{taskID("liba", "fetch")}}))
	require.NoError(t, g.AddTask(&graph.Node{
		ID:   taskID("liba", "populate_sysroot"),
		Deps: []graph.TaskID{taskID("liba", "fetch"), taskID("liba", "compile")},
	}))

	r := newTrackingRunnerWithManifests(map[graph.TaskID]*manifest.Manifest{
		taskID("liba", "fetch"):   fetchM,
		taskID("liba", "compile"): compileM,
	})

	layers := r.DepLayers(g)(taskID("liba", "populate_sysroot"))
	require.Len(t, layers, 2)
	assert.Equal(t, taskID("liba", "fetch").String(), layers[0].Label)
	assert.Same(t, fetchM, layers[0].Manifest)
	assert.Equal(t, taskID("liba", "compile").String(), layers[1].Label)
	assert.Same(t, compileM, layers[1].Manifest)
}

func TestTrackingRunnerDepLayersSkipsUnrecordedDeps(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddTask(&graph.Node{ID: taskID("liba", "fetch")}))
	require.NoError(t, g.AddTask(&graph.Node{ID: taskID("liba", "compile"), Deps: []graph.TaskID{taskID("liba", "fetch")}}))

	// No manifest recorded for "fetch" (e.g. it hasn't completed yet): its
	// layer must simply be omitted rather than producing a nil entry.
	r := newTrackingRunnerWithManifests(map[graph.TaskID]*manifest.Manifest{})
	layers := r.DepLayers(g)(taskID("liba", "compile"))
	assert.Empty(t, layers)
}

func TestTrackingRunnerDepLayersUnknownTaskReturnsNil(t *testing.T) {
	g := graph.New()
	r := newTrackingRunnerWithManifests(map[graph.TaskID]*manifest.Manifest{})
	assert.Nil(t, r.DepLayers(g)(taskID("liba", "missing")))
}

func TestWorkRootCreatesDistinctDirectoriesPerCall(t *testing.T) {
	base := t.TempDir()
	fn := WorkRoot(base)
	a := fn(taskID("liba", "compile"))
	b := fn(taskID("liba", "compile"))
	assert.NotEqual(t, a, b, "each call should allocate a fresh scratch directory")
	assert.DirExists(t, a)
	assert.DirExists(t, b)
}
