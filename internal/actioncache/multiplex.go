package actioncache

import "github.com/bitzel-build/bitzel/internal/digest"

// Multiplexer layers a remote Sink behind a local Cache, the way please's
// cache.cacheMultiplexer layers its dir/rpc/http caches: Lookup tries the
// local cache first and only consults remote on a local miss, populating
// the local cache from whatever it finds remotely so the next lookup for
// the same signature is local; Insert writes through to both, unless the
// remote was configured read-only (spec.md §4.10 Design Notes "Remote-cache
// protocol" calls the remote tier optional and the local tier authoritative
// for a single machine's in-flight build).
type Multiplexer struct {
	local    *Cache
	remote   Sink
	readOnly bool
}

// NewMultiplexer wraps local with remote. remote may be nil, in which case
// the Multiplexer behaves exactly like local alone.
func NewMultiplexer(local *Cache, remote Sink, readOnly bool) *Multiplexer {
	return &Multiplexer{local: local, remote: remote, readOnly: readOnly}
}

// Lookup implements Sink.
func (m *Multiplexer) Lookup(sig digest.Digest) (Result, bool, error) {
	if r, ok, err := m.local.Lookup(sig); err == nil && ok {
		return r, true, nil
	}
	if m.remote == nil {
		return Result{}, false, nil
	}
	r, ok, err := m.remote.Lookup(sig)
	if err != nil || !ok {
		return Result{}, false, err
	}
	if err := m.local.Insert(sig, r); err != nil {
		log.Warning("actioncache: failed to populate local cache from remote hit for %s: %s", sig, err)
	}
	return r, true, nil
}

// Insert implements Sink.
func (m *Multiplexer) Insert(sig digest.Digest, r Result) error {
	if err := m.local.Insert(sig, r); err != nil {
		return err
	}
	if m.remote != nil && !m.readOnly {
		if err := m.remote.Insert(sig, r); err != nil {
			log.Warning("actioncache: failed to write through to remote cache for %s: %s", sig, err)
		}
	}
	return nil
}
