// Package gc implements garbage collection over the Content-Addressable
// Store and the Action Cache (spec.md §4.9): a mark phase that computes the
// live set by walking every action-cache entry's output manifest, a sweep
// phase that deletes unreferenced blobs outside a minimum-age grace window,
// and an LRU eviction phase that additionally trims the live set down to a
// low-water mark when the store has grown past a high-water mark.
//
// Grounded on please's tools/cache_cleaner/cache_cleaner.go: the
// high-water-mark/low-water-mark sweep, the access-time-with-grace-period
// sort, and the humanize-formatted size reporting are all carried over
// directly from that tool, generalized from its tarball-per-target cache
// directory layout to bitzel's flat digest-addressed CAS and signature-
// keyed action cache. The mark phase itself is new surface area: please's
// cleaner has no reachability concept to mark from, since it only ever
// evicts by age within a single flat directory.
package gc

import (
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"github.com/bitzel-build/bitzel/internal/actioncache"
	"github.com/bitzel-build/bitzel/internal/cas"
	"github.com/bitzel-build/bitzel/internal/digest"
	"github.com/bitzel-build/bitzel/internal/logging"
	"github.com/bitzel-build/bitzel/internal/manifest"
)

var log = logging.Log

// accessTimeGracePeriod mirrors please's cache_cleaner: blobs accessed
// within this long of each other are treated as equally recent and tie-
// broken by size, so a handful of large files that all happen to have been
// touched moments apart don't dominate the eviction order. Matches the
// teacher's own 600-second constant.
const accessTimeGracePeriod = 600 * time.Second

// Config holds the collector's tunables (spec.md §4.9 "GC policy").
type Config struct {
	// MinAge protects blobs and action-cache entries younger than this from
	// both the mark-miss sweep and the LRU eviction pass, so an in-flight
	// write from a concurrently-running build is never collected out from
	// under it.
	MinAge time.Duration
	// HighWaterMark is the total CAS size, in bytes, above which the LRU
	// eviction pass runs at all. Zero disables eviction (mark-sweep still
	// runs).
	HighWaterMark int64
	// LowWaterMark is the target size the eviction pass sweeps down to.
	LowWaterMark int64
}

// Report summarises one collection run (spec.md §4.9 "GC report").
type Report struct {
	LiveBlobs       int
	UnreferencedGC  int
	EvictedGC       int
	BytesFreed      int64
	SizeBefore      int64
	SizeAfter       int64
}

// String renders the report the way please's cache_cleaner logs its own
// sweep summary: human-readable sizes via go-humanize rather than raw byte
// counts.
func (r Report) String() string {
	return fmt.Sprintf(
		"gc: %d live blobs, %d unreferenced removed, %d evicted, %s freed (%s -> %s)",
		r.LiveBlobs, r.UnreferencedGC, r.EvictedGC, humanize.Bytes(uint64(r.BytesFreed)),
		humanize.Bytes(uint64(r.SizeBefore)), humanize.Bytes(uint64(r.SizeAfter)),
	)
}

// Collector runs mark-and-sweep plus LRU eviction over a Store and Cache.
type Collector struct {
	store   *cas.Store
	cache   *actioncache.Cache
	cfg     Config
	tracker *Tracker
}

// New returns a Collector. tracker may be nil, in which case eviction orders
// entries by each action-cache entry's own ModTime; on-disk atime is not
// consulted for eviction.
func New(store *cas.Store, cache *actioncache.Cache, cfg Config, tracker *Tracker) *Collector {
	return &Collector{store: store, cache: cache, cfg: cfg, tracker: tracker}
}

// Run performs one full collection pass: mark, sweep, then (if the store is
// still over HighWaterMark) LRU eviction. A per-blob or per-entry removal
// failure is tolerated (the rest of the sweep/eviction still runs) but is
// aggregated via multierror.Append and returned alongside the report,
// rather than only logged and discarded - the same way please's
// build_step.go accumulates per-source fetch failures instead of dropping
// all but the last one.
func (c *Collector) Run() (Report, error) {
	now := time.Now()
	live, err := c.mark()
	if err != nil {
		return Report{}, fmt.Errorf("gc: mark phase: %w", err)
	}

	blobs, sizeBefore, err := c.listBlobs()
	if err != nil {
		return Report{}, fmt.Errorf("gc: listing blobs: %w", err)
	}

	var tolerated *multierror.Error
	var rep Report
	rep.SizeBefore = sizeBefore
	survivors, unreferencedGC, bytesFreed, sweepErr := c.sweepLocked(blobs, live, now)
	tolerated = multierror.Append(tolerated, sweepErr)
	rep.UnreferencedGC = unreferencedGC
	rep.BytesFreed = bytesFreed
	rep.LiveBlobs = len(survivors)

	total := sizeOf(survivors)
	if c.cfg.HighWaterMark > 0 && total > c.cfg.HighWaterMark {
		blobSizes := make(map[digest.Digest]int64, len(survivors))
		for _, e := range survivors {
			blobSizes[e.Digest] = e.Size
		}
		// Evict whole action-cache entries, oldest-accessed first, then
		// re-mark and re-sweep: this is what keeps the invariant that a
		// blob is only ever removed once nothing live references it,
		// even when a blob is shared across more than one entry's
		// manifest (spec.md §4.9 phase 3, §8 property 7 "GC safety").
		evictedEntries, evictErr := c.evictEntries(now, total, blobSizes)
		tolerated = multierror.Append(tolerated, evictErr)
		if evictedEntries > 0 {
			live2, err := c.mark()
			if err != nil {
				return Report{}, fmt.Errorf("gc: re-mark after eviction: %w", err)
			}
			blobs2, _, err := c.listBlobs()
			if err != nil {
				return Report{}, fmt.Errorf("gc: re-listing blobs after eviction: %w", err)
			}
			survivors2, unreferenced2, freed2, sweepErr2 := c.sweepLocked(blobs2, live2, now)
			tolerated = multierror.Append(tolerated, sweepErr2)
			rep.EvictedGC = evictedEntries
			rep.UnreferencedGC += unreferenced2
			rep.BytesFreed += freed2
			rep.LiveBlobs = len(survivors2)
		}
	}
	rep.SizeAfter = rep.SizeBefore - rep.BytesFreed
	log.Info(rep.String())
	return rep, tolerated.ErrorOrNil()
}

// sweepLocked removes every blob in blobs that is not in live and older than
// MinAge, returning the survivors plus counters for the report. Removal
// failures are tolerated (the blob survives to the next run) but are
// aggregated into the returned error rather than only logged.
func (c *Collector) sweepLocked(blobs []cas.Entry, live map[digest.Digest]bool, now time.Time) (survivors []cas.Entry, unreferencedGC int, bytesFreed int64, err error) {
	var merr *multierror.Error
	for _, e := range blobs {
		if live[e.Digest] {
			survivors = append(survivors, e)
			continue
		}
		if now.Sub(e.LastAccess) < c.cfg.MinAge {
			survivors = append(survivors, e) // too young to collect, even if unreferenced
			continue
		}
		if rmErr := c.store.Remove(e.Digest); rmErr != nil {
			merr = multierror.Append(merr, fmt.Errorf("removing unreferenced blob %s: %w", e.Digest, rmErr))
			log.Warning("gc: failed to remove unreferenced blob %s: %s", e.Digest, rmErr)
			survivors = append(survivors, e)
			continue
		}
		unreferencedGC++
		bytesFreed += e.Size
	}
	return survivors, unreferencedGC, bytesFreed, merr.ErrorOrNil()
}

// mark computes the set of digests reachable from every action-cache entry:
// the entry's own output-manifest blob, plus every file digest the decoded
// manifest references. Action-cache entries themselves are never swept by
// this collector (spec.md §4.9 scopes action-cache eviction to its own
// MinAge-gated pass below, not to reachability), so every manifest it can
// still decode contributes to the live set.
func (c *Collector) mark() (map[digest.Digest]bool, error) {
	live := map[digest.Digest]bool{}
	err := c.cache.Iter(func(e actioncache.Entry) error {
		// stdout/stderr are part of the Action Result's referenced digests
		// (spec.md §3, §4.9 phase 1 "output manifests and their transitive
		// file contents, stdout, stderr") just as much as the manifest
		// itself, so they must survive the sweep below even though the
		// manifest decode loop has no way to discover them on its own.
		if !e.Result.StdoutDigest.IsZero() {
			live[e.Result.StdoutDigest] = true
		}
		if !e.Result.StderrDigest.IsZero() {
			live[e.Result.StderrDigest] = true
		}

		d := e.Result.OutputManifestDigest
		if d.IsZero() {
			return nil
		}
		live[d] = true
		b, err := c.store.Get(d)
		if err != nil {
			log.Warning("gc: mark phase could not load manifest %s referenced by %s: %s", d, e.Signature, err)
			return nil
		}
		m, err := manifest.Unmarshal(b)
		if err != nil {
			log.Warning("gc: mark phase could not decode manifest %s: %s", d, err)
			return nil
		}
		for _, ent := range m.Entries {
			if ent.Kind == manifest.KindFile && !ent.Digest.IsZero() {
				live[ent.Digest] = true
			}
		}
		return nil
	})
	return live, err
}

func (c *Collector) listBlobs() ([]cas.Entry, int64, error) {
	var entries []cas.Entry
	var total int64
	err := c.store.Iter(func(e cas.Entry) error {
		entries = append(entries, e)
		total += e.Size
		return nil
	})
	return entries, total, err
}

func sizeOf(entries []cas.Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total
}

// entryAccess pairs an action-cache entry with the access time bitzel uses
// to order eviction: the latest of the entry's own ModTime and the tracker's
// recorded touches of its manifest, stdout and stderr digests.
type entryAccess struct {
	entry      actioncache.Entry
	lastAccess time.Time
}

// evictEntries removes whole action-cache entries (spec.md §4.9 phase 3:
// "remove action-cache entries (and their referenced blobs) by ascending
// last-access time"), oldest-accessed-first, until the estimated live total
// drops to LowWaterMark or every eligible entry has been considered. It
// removes only the action-cache entry; the blobs it referenced are reclaimed
// by the caller's subsequent re-mark/re-sweep pass, so a blob shared with a
// surviving entry is never deleted out from under it. The sort mirrors
// please's CacheEntries: access time first, with a grace-period tie-break by
// size so near-simultaneous accesses don't starve large entries from ever
// being considered for eviction.
func (c *Collector) evictEntries(now time.Time, total int64, blobSizes map[digest.Digest]int64) (evicted int, err error) {
	var candidates []entryAccess
	err = c.cache.Iter(func(e actioncache.Entry) error {
		candidates = append(candidates, entryAccess{entry: e, lastAccess: c.entryLastAccess(e)})
		return nil
	})
	if err != nil {
		return 0, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := candidates[i].lastAccess, candidates[j].lastAccess
		if ai.Sub(aj).Abs() < accessTimeGracePeriod {
			return c.entryFootprint(candidates[i].entry, blobSizes) > c.entryFootprint(candidates[j].entry, blobSizes)
		}
		return ai.Before(aj)
	})

	var merr *multierror.Error
	remaining := total
	for _, ca := range candidates {
		if remaining <= c.cfg.LowWaterMark {
			break
		}
		if now.Sub(ca.lastAccess) < c.cfg.MinAge {
			continue
		}
		if rmErr := c.cache.Remove(ca.entry.Signature); rmErr != nil {
			merr = multierror.Append(merr, fmt.Errorf("evicting action-cache entry %s: %w", ca.entry.Signature, rmErr))
			log.Warning("gc: eviction failed for action-cache entry %s: %s", ca.entry.Signature, rmErr)
			continue
		}
		// The entry's manifest/file blobs aren't necessarily freed by this
		// one removal (they may be shared with a surviving entry), so this
		// is an estimate of how much the pending re-sweep will actually
		// recover; it only governs when evictEntries stops asking for more,
		// the re-sweep pass is what actually enforces GC safety.
		remaining -= c.entryFootprint(ca.entry, blobSizes)
		evicted++
	}
	return evicted, merr.ErrorOrNil()
}

// entryFootprint estimates the total CAS bytes an action-cache entry
// references: its output manifest blob plus every file the manifest lists,
// looked up in blobSizes (built from the CAS listing the caller already
// walked, so this does no extra IO).
func (c *Collector) entryFootprint(e actioncache.Entry, blobSizes map[digest.Digest]int64) int64 {
	var total int64
	total += blobSizes[e.Result.OutputManifestDigest]
	total += blobSizes[e.Result.StdoutDigest]
	total += blobSizes[e.Result.StderrDigest]
	if b, err := c.store.Get(e.Result.OutputManifestDigest); err == nil {
		if m, err := manifest.Unmarshal(b); err == nil {
			for _, ent := range m.Entries {
				if ent.Kind == manifest.KindFile {
					total += blobSizes[ent.Digest]
				}
			}
		}
	}
	return total
}

// entryLastAccess returns the latest of an action-cache entry's own ModTime
// and the in-memory tracker's recorded access times for its non-zero
// manifest, stdout and stderr digests. On-disk atime is not read here.
func (c *Collector) entryLastAccess(e actioncache.Entry) time.Time {
	best := e.ModTime
	consider := func(d digest.Digest) {
		if d.IsZero() {
			return
		}
		if c.tracker != nil {
			if t, ok := c.tracker.Recent(d); ok && t.After(best) {
				best = t
			}
		}
	}
	consider(e.Result.OutputManifestDigest)
	consider(e.Result.StdoutDigest)
	consider(e.Result.StderrDigest)
	return best
}

