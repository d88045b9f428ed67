package plan

import (
	"github.com/bitzel-build/bitzel/internal/actioncache"
	"github.com/bitzel-build/bitzel/internal/cas"
	"github.com/bitzel-build/bitzel/internal/gc"
)

// Cache is the administrative cache surface the control plane exposes to an
// outer CLI (spec.md §4.10 "Cache::info() / Cache::gc() / Cache::verify()").
// It does not expose Lookup/Insert directly: those belong to
// internal/executor, which is the only component that should be deciding
// cache hits during a build. Cache is for out-of-build administration only.
type Cache struct {
	store *cas.Store
	ac    *actioncache.Cache
	gc    *gc.Collector
}

// NewCache wraps the CAS, action cache and a GC collector as one
// administrative surface.
func NewCache(store *cas.Store, ac *actioncache.Cache, collector *gc.Collector) *Cache {
	return &Cache{store: store, ac: ac, gc: collector}
}

// Info summarizes cache occupancy (spec.md §4.10 "Cache::info()").
type Info struct {
	BlobCount          int
	TotalBytes         int64
	ActionCacheEntries int
}

// Info walks the CAS and action cache to report current occupancy. This is
// an O(n) scan, matching please's own `plz gc --info`-style reporting,
// which likewise never keeps a running counter and instead counts on
// demand.
func (c *Cache) Info() (Info, error) {
	var info Info
	if err := c.store.Iter(func(e cas.Entry) error {
		info.BlobCount++
		info.TotalBytes += e.Size
		return nil
	}); err != nil {
		return info, err
	}
	if err := c.ac.Iter(func(actioncache.Entry) error {
		info.ActionCacheEntries++
		return nil
	}); err != nil {
		return info, err
	}
	return info, nil
}

// GC runs one full mark-sweep-evict pass (spec.md §4.9, §4.10 "Cache::gc()").
func (c *Cache) GC() (gc.Report, error) {
	return c.gc.Run()
}

// VerifyReport tallies Verify outcomes across every blob in the store.
type VerifyReport struct {
	Valid, Corrupted, Missing int
}

// Verify re-hashes every blob in the CAS (spec.md §4.10 "Cache::verify()",
// §4.1 "verify always re-hashes"). A Corrupted blob is removed as a side
// effect of cas.Store.Verify, matching spec.md §4.1's "a detected
// corruption unlinks the corrupted blob".
func (c *Cache) Verify() (VerifyReport, error) {
	var rep VerifyReport
	err := c.store.Iter(func(e cas.Entry) error {
		status, err := c.store.Verify(e.Digest)
		if err != nil {
			return err
		}
		switch status {
		case cas.Valid:
			rep.Valid++
		case cas.Corrupted:
			rep.Corrupted++
		default:
			rep.Missing++
		}
		return nil
	})
	return rep, err
}
