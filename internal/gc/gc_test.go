package gc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitzel-build/bitzel/internal/actioncache"
	"github.com/bitzel-build/bitzel/internal/cas"
	"github.com/bitzel-build/bitzel/internal/digest"
	"github.com/bitzel-build/bitzel/internal/manifest"
)

func newTestCollector(t *testing.T, cfg Config) (*Collector, *cas.Store, *actioncache.Cache) {
	t.Helper()
	store, err := cas.New(t.TempDir())
	require.NoError(t, err)
	cache, err := actioncache.New(t.TempDir())
	require.NoError(t, err)
	return New(store, cache, cfg, nil), store, cache
}

// insertLiveResult stores a manifest referencing one file blob, inserts it
// into the action cache under a signature derived from label, and returns
// the file and manifest digests.
func insertLiveResult(t *testing.T, store *cas.Store, cache *actioncache.Cache, label string) (file, manifestD digest.Digest) {
	t.Helper()
	fd, err := store.Put([]byte("contents-for-" + label))
	require.NoError(t, err)

	m := manifest.Empty()
	m.Add(manifest.Entry{Path: "out", Kind: manifest.KindFile, Mode: 0644, Digest: fd})
	gobBytes, err := m.Marshal()
	require.NoError(t, err)
	md, err := store.Put(gobBytes)
	require.NoError(t, err)

	sig := digest.Sum([]byte("sig-" + label))
	require.NoError(t, cache.Insert(sig, actioncache.Result{
		SchemaVersion:        actioncache.CurrentSchemaVersion,
		Signature:            sig,
		OutputManifestDigest: md,
	}))
	return fd, md
}

func TestRunRemovesUnreferencedBlobs(t *testing.T) {
	c, store, cache := newTestCollector(t, Config{})

	insertLiveResult(t, store, cache, "alive")
	orphan, err := store.Put([]byte("nobody points at me"))
	require.NoError(t, err)

	rep, err := c.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, rep.UnreferencedGC)
	assert.False(t, store.Contains(orphan))
}

func TestRunKeepsReferencedBlobs(t *testing.T) {
	c, store, cache := newTestCollector(t, Config{})
	fd, md := insertLiveResult(t, store, cache, "alive")

	rep, err := c.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, rep.UnreferencedGC)
	assert.True(t, store.Contains(fd))
	assert.True(t, store.Contains(md))
}

func TestRunKeepsReferencedStdoutAndStderrBlobs(t *testing.T) {
	c, store, cache := newTestCollector(t, Config{})

	m := manifest.Empty()
	gobBytes, err := m.Marshal()
	require.NoError(t, err)
	md, err := store.Put(gobBytes)
	require.NoError(t, err)

	stdout, err := store.Put([]byte("build output"))
	require.NoError(t, err)
	stderr, err := store.Put([]byte("a warning"))
	require.NoError(t, err)

	sig := digest.Sum([]byte("sig-with-logs"))
	require.NoError(t, cache.Insert(sig, actioncache.Result{
		SchemaVersion:        actioncache.CurrentSchemaVersion,
		Signature:            sig,
		OutputManifestDigest: md,
		StdoutDigest:         stdout,
		StderrDigest:         stderr,
	}))

	rep, err := c.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, rep.UnreferencedGC)
	assert.True(t, store.Contains(stdout))
	assert.True(t, store.Contains(stderr))
}

func TestRunProtectsYoungUnreferencedBlobs(t *testing.T) {
	c, store, _ := newTestCollector(t, Config{MinAge: time.Hour})
	orphan, err := store.Put([]byte("freshly written, no referrer yet"))
	require.NoError(t, err)

	rep, err := c.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, rep.UnreferencedGC)
	assert.True(t, store.Contains(orphan))
}

func TestRunEvictsDownToLowWaterMarkWhenOverHighWaterMark(t *testing.T) {
	c, store, cache := newTestCollector(t, Config{HighWaterMark: 10, LowWaterMark: 5})
	insertLiveResult(t, store, cache, "a")
	insertLiveResult(t, store, cache, "b")
	insertLiveResult(t, store, cache, "c")

	rep, err := c.Run()
	require.NoError(t, err)
	assert.Greater(t, rep.EvictedGC, 0)
	assert.LessOrEqual(t, rep.SizeAfter, int64(5))
}

func TestReportString(t *testing.T) {
	r := Report{LiveBlobs: 3, UnreferencedGC: 1, EvictedGC: 2, BytesFreed: 1024, SizeBefore: 4096, SizeAfter: 3072}
	s := r.String()
	assert.Contains(t, s, "3 live blobs")
	assert.Contains(t, s, "1 unreferenced removed")
	assert.Contains(t, s, "2 evicted")
}

func TestTrackerRecordsAndReturnsRecency(t *testing.T) {
	tr, err := NewTracker(16)
	require.NoError(t, err)
	d := digest.Sum([]byte("some-blob"))

	_, ok := tr.Recent(d)
	assert.False(t, ok)

	tr.Touch(d)
	got, ok := tr.Recent(d)
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now(), got, time.Second)
}
