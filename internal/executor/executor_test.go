package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitzel-build/bitzel/internal/actioncache"
	"github.com/bitzel-build/bitzel/internal/cas"
	"github.com/bitzel-build/bitzel/internal/digest"
	"github.com/bitzel-build/bitzel/internal/graph"
	"github.com/bitzel-build/bitzel/internal/manifest"
)

// Most of Execute's Staging/Running/Capturing path needs real Linux
// namespaces (internal/sandbox.Launch), which test environments generally
// can't provide unprivileged - the teacher repo makes the same call for its
// own src/sandbox package (no _test.go there either). These tests cover the
// parts that don't require a privileged sandbox: the cache-hit short
// circuit, and the pure helper functions.

func newTestExecutor(t *testing.T) (*Executor, *cas.Store, *actioncache.Cache) {
	t.Helper()
	store, err := cas.New(t.TempDir())
	require.NoError(t, err)
	cache, err := actioncache.New(t.TempDir())
	require.NoError(t, err)
	return New(store, cache, nil, RetryPolicy{}), store, cache
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "hit", Hit.String())
	assert.Equal(t, "done", Done.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestRetryPolicyRetryableOnlyForNetworkedExternalTasks(t *testing.T) {
	p := RetryPolicy{Enabled: true, MaxAttempts: 3}
	external := &graph.Node{Body: graph.TaskBody{Kind: graph.ExternalBody}, Network: graph.Host}
	shell := &graph.Node{Body: graph.TaskBody{Kind: graph.ShellBody}, Network: graph.Host}
	isolated := &graph.Node{Body: graph.TaskBody{Kind: graph.ExternalBody}, Network: graph.Isolated}

	assert.True(t, p.retryable(external))
	assert.False(t, p.retryable(shell))
	assert.False(t, p.retryable(isolated))
	assert.False(t, RetryPolicy{Enabled: false}.retryable(external))
}

func TestExecuteReturnsCachedResultOnHit(t *testing.T) {
	ex, store, cache := newTestExecutor(t)

	m := manifest.Empty()
	d, err := store.Put([]byte("file-contents"))
	require.NoError(t, err)
	m.Add(manifest.Entry{Path: "out/bin", Kind: manifest.KindFile, Mode: 0755, Digest: d})

	gobBytes, err := m.Marshal()
	require.NoError(t, err)
	manifestDigest, err := store.Put(gobBytes)
	require.NoError(t, err)

	sig := digest.Sum([]byte("some-signature"))
	require.NoError(t, cache.Insert(sig, actioncache.Result{
		SchemaVersion:        actioncache.CurrentSchemaVersion,
		Signature:            sig,
		OutputManifestDigest: manifestDigest,
		ExitCode:             0,
		DurationMs:           123,
	}))

	n := &graph.Node{
		ID:      graph.TaskID{Recipe: graph.RecipeID{Layer: "meta", Name: "x", Version: "1", Revision: "r0"}, Name: "build"},
		Body:    graph.TaskBody{Kind: graph.ShellBody, Script: "true"},
		Outputs: []string{"out/bin"},
	}

	result, err := ex.Execute(context.Background(), n, sig, nil, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Hit, result.State)
	assert.True(t, result.CacheHit)
	assert.Equal(t, 0, result.ExitCode)
	require.NotNil(t, result.Manifest)
	assert.Len(t, result.Manifest.Entries, 1)
	assert.Equal(t, time.Duration(123)*time.Millisecond, result.Duration)

	total, hits, misses, _ := ex.Stats().Snapshot()
	assert.Equal(t, int64(1), total)
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(0), misses)
}

func TestExecuteOnHitPromotesOutputsToConfiguredRoot(t *testing.T) {
	store, err := cas.New(t.TempDir())
	require.NoError(t, err)
	cache, err := actioncache.New(t.TempDir())
	require.NoError(t, err)

	m := manifest.Empty()
	d, err := store.Put([]byte("file-contents"))
	require.NoError(t, err)
	m.Add(manifest.Entry{Path: "out/bin", Kind: manifest.KindFile, Mode: 0644, Digest: d})

	gobBytes, err := m.Marshal()
	require.NoError(t, err)
	manifestDigest, err := store.Put(gobBytes)
	require.NoError(t, err)

	sig := digest.Sum([]byte("some-signature"))
	require.NoError(t, cache.Insert(sig, actioncache.Result{
		SchemaVersion:        actioncache.CurrentSchemaVersion,
		Signature:            sig,
		OutputManifestDigest: manifestDigest,
	}))

	promoted := t.TempDir()
	ex := New(store, cache, nil, RetryPolicy{}, WithOutputRoot(func(*graph.Node) string { return promoted }))

	n := &graph.Node{
		ID:      graph.TaskID{Recipe: graph.RecipeID{Layer: "meta", Name: "x", Version: "1", Revision: "r0"}, Name: "build"},
		Outputs: []string{"out/bin"},
	}
	result, err := ex.Execute(context.Background(), n, sig, nil, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Hit, result.State)

	content, err := os.ReadFile(filepath.Join(promoted, "out", "bin"))
	require.NoError(t, err)
	assert.Equal(t, "file-contents", string(content))
}

func TestArgvForShellBody(t *testing.T) {
	n := &graph.Node{Body: graph.TaskBody{Kind: graph.ShellBody, Script: "echo hi"}}
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi"}, argvFor(n))
}

func TestArgvForExternalBody(t *testing.T) {
	n := &graph.Node{Body: graph.TaskBody{Kind: graph.ExternalBody, Program: "curl", Args: []string{"-o", "out"}}}
	assert.Equal(t, []string{"curl", "-o", "out"}, argvFor(n))
}

func TestEnvFor(t *testing.T) {
	n := &graph.Node{Env: map[string]string{"A": "1"}}
	assert.Equal(t, []string{"A=1"}, envFor(n))
}
