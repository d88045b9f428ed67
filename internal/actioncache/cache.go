// Package actioncache implements the Action Cache (spec.md §4.2): a keyed
// store mapping task signatures to Action Results, with the same
// durability discipline as the CAS.
//
// Grounded on please's cache/dir_cache.go for the on-disk write protocol
// and core/cache.go for the lookup/insert surface, generalized from a
// per-target rule cache into a flat signature->result map the way bitzel's
// CAS generalizes please's directory cache into a flat digest->bytes map.
package actioncache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/karrick/godirwalk"

	"github.com/bitzel-build/bitzel/internal/digest"
	"github.com/bitzel-build/bitzel/internal/logging"
)

var log = logging.Log

// Result records the outcome of a task's execution (spec.md §3 "Action
// Result"), keyed in the cache by its task signature.
type Result struct {
	SchemaVersion       int
	Signature           digest.Digest
	OutputManifestDigest digest.Digest
	ExitCode             int
	StdoutDigest         digest.Digest
	StderrDigest         digest.Digest
	DurationMs           int64
	CompletedAtEpoch     int64
}

// CurrentSchemaVersion is bumped whenever the Result wire format changes in
// an incompatible way.
const CurrentSchemaVersion = 1

// Sink is the minimal lookup/insert surface a remote cache must implement
// to act as a pluggable backing store (spec.md §4.10, Design Notes
// "Remote-cache protocol"). The local Cache itself satisfies this
// interface, which is what lets internal/remotecache layer a remote sink
// underneath or alongside it transparently.
type Sink interface {
	Lookup(sig digest.Digest) (Result, bool, error)
	Insert(sig digest.Digest, r Result) error
}

// Cache is a filesystem-backed action cache.
type Cache struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Cache rooted at dir.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("creating action-cache root %s: %w", dir, err)
	}
	return &Cache{root: dir, locks: map[string]*sync.Mutex{}}, nil
}

func (c *Cache) path(sig digest.Digest) string {
	aa, bb, full := sig.ShardPath()
	return filepath.Join(c.root, aa, bb, full)
}

func (c *Cache) lockFor(sig digest.Digest) *sync.Mutex {
	key := sig.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.locks[key]
	if !ok {
		m = &sync.Mutex{}
		c.locks[key] = m
	}
	return m
}

// Lookup returns the cached Result for sig, if any. A lookup error
// surfaces as a miss, never fails the build (spec.md §4.2 "Failure
// semantics").
func (c *Cache) Lookup(sig digest.Digest) (Result, bool, error) {
	b, err := os.ReadFile(c.path(sig))
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, false, nil
		}
		log.Warning("action-cache lookup error for %s: %s", sig, err)
		return Result{}, false, nil
	}
	var r Result
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r); err != nil {
		log.Warning("action-cache entry for %s unreadable: %s", sig, err)
		return Result{}, false, nil
	}
	return r, true, nil
}

// Insert persists r under sig, using the same temp-file + fsync + rename +
// parent-fsync discipline as the CAS. Idempotent: inserting the same
// (signature, result) pair twice leaves the cache in the same state as
// inserting once (spec.md §8 round-trip laws).
func (c *Cache) Insert(sig digest.Digest, r Result) error {
	mu := c.lockFor(sig)
	mu.Lock()
	defer mu.Unlock()

	final := c.path(sig)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return fmt.Errorf("creating shard dir: %w", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return fmt.Errorf("encoding action result: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+sig.String())
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing action result: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	committed = true
	if f, err := os.Open(dir); err == nil {
		f.Sync()
		f.Close()
	}
	return nil
}

// Remove deletes the entry for sig. Only the garbage collector calls this.
func (c *Cache) Remove(sig digest.Digest) error {
	err := os.Remove(c.path(sig))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Entry pairs a signature with its cached Result, for GC's mark phase
// (spec.md §4.2 "iter", §4.9 phase 1).
type Entry struct {
	Signature digest.Digest
	Result    Result
	Size      int64
	ModTime   time.Time
}

// Iter walks every entry in the action cache.
func (c *Cache) Iter(fn func(Entry) error) error {
	return godirwalk.Walk(c.root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			name := filepath.Base(path)
			if len(name) != 64 {
				return nil
			}
			sig, err := digest.Parse(name, 0)
			if err != nil {
				return nil
			}
			b, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			var r Result
			if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r); err != nil {
				log.Warning("skipping unreadable action-cache entry %s: %s", path, err)
				return nil
			}
			info, err := os.Lstat(path)
			if err != nil {
				return nil
			}
			return fn(Entry{Signature: sig, Result: r, Size: int64(len(b)), ModTime: info.ModTime()})
		},
		Unsorted: true,
	})
}
