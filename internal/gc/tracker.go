package gc

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bitzel-build/bitzel/internal/digest"
)

// Tracker is an in-process AccessTracker (internal/cas.AccessTracker) that
// records recent touches in a bounded LRU cache. It supplements the CAS's
// on-disk atime (internal/cas/atime.go): many production deployments mount
// the CAS filesystem `noatime` for performance, which makes atime
// permanently stale, so GC's eviction pass needs an access signal that
// doesn't depend on the filesystem's mount options.
//
// Grounded on the GC/eviction shape of please's tools/cache_cleaner (which
// has no such in-memory layer, since please's dir_cache has no noatime
// concern it can't already solve by just calling atime.Get): this is new
// surface area, backed by the pack's golang-lru/v2 dependency (sourced from
// mattcburns-shoal-provision's go.mod) for exactly the bounded-recency-map
// role it's designed for.
type Tracker struct {
	cache *lru.Cache[string, time.Time]
}

// NewTracker returns a Tracker retaining recency for up to capacity distinct
// digests.
func NewTracker(capacity int) (*Tracker, error) {
	c, err := lru.New[string, time.Time](capacity)
	if err != nil {
		return nil, err
	}
	return &Tracker{cache: c}, nil
}

// Touch implements cas.AccessTracker.
func (t *Tracker) Touch(d digest.Digest) {
	t.cache.Add(d.String(), time.Now())
}

// Recent returns the tracker's recorded access time for d, if any.
func (t *Tracker) Recent(d digest.Digest) (time.Time, bool) {
	return t.cache.Get(d.String())
}
