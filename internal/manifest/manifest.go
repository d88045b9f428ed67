// Package manifest implements the Output Manifest (spec.md §3, §6): a
// sorted listing of a task's output files, symlinks and empty directories,
// serialized deterministically so that hashing it is reproducible.
package manifest

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/pkg/xattr"

	"github.com/bitzel-build/bitzel/internal/cas"
	"github.com/bitzel-build/bitzel/internal/digest"
	"github.com/bitzel-build/bitzel/internal/logging"
)

var log = logging.Log

// EntryKind distinguishes the three record shapes spec.md §6 calls out.
type EntryKind uint8

const (
	// KindFile is a regular file, recorded with its mode and content digest.
	KindFile EntryKind = iota
	// KindSymlink is a symbolic link, recorded with its target.
	KindSymlink
	// KindEmptyDir is a directory that contains no files of its own,
	// recorded with a sentinel so it round-trips through capture/restore.
	KindEmptyDir
)

// Entry is one row of an Output Manifest.
type Entry struct {
	Path         string      // relative to the task's declared output root
	Kind         EntryKind
	Mode         os.FileMode // only meaningful for KindFile
	Digest       digest.Digest // only meaningful for KindFile
	SymlinkTarget string      // only meaningful for KindSymlink
	// Xattrs holds the file's extended attributes (capabilities, selinux
	// labels), keyed by attribute name, only meaningful for KindFile.
	// Captured and restored the way please's fs package preserves
	// executable-bit and xattr state across cache round-trips, so a
	// capability like security.capability survives a CAS materialize even
	// though the CAS itself only stores raw bytes.
	Xattrs map[string][]byte
}

// xattrSkipPrefixes excludes namespaces the kernel manages itself (ACLs,
// immutable-bit style system attributes) and that routinely fail to
// restore on a plain file copy across users/filesystems.
var xattrSkipPrefixes = []string{"system."}

// captureXattrs reads path's extended attributes for inclusion in its
// manifest entry. Missing xattr support (ENOTSUP, common on tmpfs/overlay
// upper layers) is silently treated as "no xattrs", not an error.
func captureXattrs(path string) map[string][]byte {
	names, err := xattr.LList(path)
	if err != nil || len(names) == 0 {
		return nil
	}
	out := map[string][]byte{}
	for _, name := range names {
		skip := false
		for _, p := range xattrSkipPrefixes {
			if strings.HasPrefix(name, p) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		v, err := xattr.LGet(path, name)
		if err != nil {
			log.Debug("manifest: reading xattr %s on %s: %s", name, path, err)
			continue
		}
		out[name] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// RestoreXattrs re-applies e's captured extended attributes to path. Used
// by the Sysroot Assembler's copy-fallback path (internal/sysroot), since a
// hardlink already shares the source inode's xattrs but a copy does not.
func RestoreXattrs(path string, e Entry) {
	for name, v := range e.Xattrs {
		if err := xattr.LSet(path, name, v); err != nil {
			log.Debug("manifest: restoring xattr %s on %s: %s", name, path, err)
		}
	}
}

// Manifest is a mapping from output path to content identity, sorted by
// path for deterministic hashing (spec.md §3 "Output Manifest", §6).
type Manifest struct {
	Entries []Entry
}

// Empty returns the canonical empty manifest. Its digest is the
// well-known stable value referenced in spec.md §8 "Boundary behaviours".
func Empty() *Manifest { return &Manifest{} }

// Add appends an entry and keeps the manifest sorted.
func (m *Manifest) Add(e Entry) {
	i := sort.Search(len(m.Entries), func(i int) bool { return m.Entries[i].Path >= e.Path })
	m.Entries = append(m.Entries, Entry{})
	copy(m.Entries[i+1:], m.Entries[i:])
	m.Entries[i] = e
}

// Lookup finds an entry by path, if present.
func (m *Manifest) Lookup(path string) (Entry, bool) {
	i := sort.Search(len(m.Entries), func(i int) bool { return m.Entries[i].Path >= path })
	if i < len(m.Entries) && m.Entries[i].Path == path {
		return m.Entries[i], true
	}
	return Entry{}, false
}

// Encode produces the canonical byte encoding of the manifest, suitable for
// digesting. It cannot be decoded back into a Manifest; the blob stored in
// the CAS is the Marshal form.
func (m *Manifest) Encode() []byte {
	e := digest.NewEncoder()
	e.Uint64(uint64(len(m.Entries)))
	for _, ent := range m.Entries {
		e.String(ent.Path)
		e.Uint64(uint64(ent.Kind))
		switch ent.Kind {
		case KindFile:
			e.Uint64(uint64(ent.Mode))
			e.Digest(ent.Digest)
		case KindSymlink:
			e.String(ent.SymlinkTarget)
		case KindEmptyDir:
			// sentinel only; no further fields.
		}
	}
	return e.Finish()
}

// Digest returns the digest of the manifest's canonical encoding. The action
// cache does not record this value: the executor records the CAS digest of
// the Marshal form.
func (m *Manifest) Digest() digest.Digest {
	return digest.Sum(m.Encode())
}

// gobEntry mirrors Entry for gob (de)serialization; godirwalk/digest types
// don't need gob tags since they're simple value types, but we keep an
// explicit shadow struct so the wire format doesn't silently change if
// Entry gains fields with different gob semantics later.
type gobManifest struct {
	Entries []gobEntry
}

type gobEntry struct {
	Path          string
	Kind          EntryKind
	Mode          uint32
	DigestHex     string
	DigestSize    int64
	SymlinkTarget string
	Xattrs        map[string][]byte
}

// Marshal serializes the manifest for storage as a CAS blob. This is
// distinct from Encode: Encode produces the canonical hashed form, Marshal
// produces the stored, retrievable form. The two happen to need the same
// information but are kept as separate functions because spec.md treats
// "digest of the manifest" and "the manifest's storage format" as separate
// concerns (§3).
func (m *Manifest) Marshal() ([]byte, error) {
	gm := gobManifest{Entries: make([]gobEntry, len(m.Entries))}
	for i, ent := range m.Entries {
		gm.Entries[i] = gobEntry{
			Path:          ent.Path,
			Kind:          ent.Kind,
			Mode:          uint32(ent.Mode),
			DigestHex:     ent.Digest.String(),
			DigestSize:    ent.Digest.Size(),
			SymlinkTarget: ent.SymlinkTarget,
			Xattrs:        ent.Xattrs,
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gm); err != nil {
		return nil, fmt.Errorf("marshalling manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal reverses Marshal.
func Unmarshal(b []byte) (*Manifest, error) {
	var gm gobManifest
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&gm); err != nil {
		return nil, fmt.Errorf("unmarshalling manifest: %w", err)
	}
	m := &Manifest{Entries: make([]Entry, len(gm.Entries))}
	for i, ge := range gm.Entries {
		var d digest.Digest
		if ge.DigestHex != "" {
			var err error
			d, err = digest.Parse(ge.DigestHex, ge.DigestSize)
			if err != nil {
				return nil, err
			}
		}
		m.Entries[i] = Entry{
			Path:          ge.Path,
			Kind:          ge.Kind,
			Mode:          os.FileMode(ge.Mode),
			Digest:        d,
			SymlinkTarget: ge.SymlinkTarget,
			Xattrs:        ge.Xattrs,
		}
	}
	return m, nil
}

// Putter is the subset of the CAS the capture walk needs: store file
// contents and learn their digest.
type Putter interface {
	PutFile(path string) (digest.Digest, error)
}

// CaptureOutputs walks the declared output paths under root and builds an
// Output Manifest, storing each file's content into the CAS along the way
// (spec.md §4.7 state "Capturing": "walk declared output paths, hash each
// file, store in CAS; construct output manifest").
//
// Directory walking uses godirwalk for speed on large dependency trees
// (grounded on the teacher's own preference for it over filepath.Walk).
func CaptureOutputs(root string, declaredOutputs []string, put Putter) (*Manifest, error) {
	m := &Manifest{}
	for _, rel := range declaredOutputs {
		full := filepath.Join(root, rel)
		info, err := os.Lstat(full)
		if err != nil {
			return nil, fmt.Errorf("declared output %s missing: %w", rel, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(full)
			if err != nil {
				return nil, err
			}
			m.Add(Entry{Path: rel, Kind: KindSymlink, SymlinkTarget: target})
			continue
		}
		if !info.IsDir() {
			d, err := put.PutFile(full)
			if err != nil {
				return nil, err
			}
			m.Add(Entry{Path: rel, Kind: KindFile, Mode: info.Mode(), Digest: d, Xattrs: captureXattrs(full)})
			continue
		}
		empty := true
		err = godirwalk.Walk(full, &godirwalk.Options{
			Callback: func(path string, de *godirwalk.Dirent) error {
				if path == full {
					return nil
				}
				relPath := filepath.Join(rel, path[len(full)+1:])
				if de.IsSymlink() {
					target, err := os.Readlink(path)
					if err != nil {
						return err
					}
					m.Add(Entry{Path: relPath, Kind: KindSymlink, SymlinkTarget: target})
					empty = false
					return nil
				}
				if de.IsDir() {
					return nil
				}
				fi, err := os.Lstat(path)
				if err != nil {
					return err
				}
				d, err := put.PutFile(path)
				if err != nil {
					return err
				}
				m.Add(Entry{Path: relPath, Kind: KindFile, Mode: fi.Mode(), Digest: d, Xattrs: captureXattrs(path)})
				empty = false
				return nil
			},
			Unsorted: true,
		})
		if err != nil {
			return nil, err
		}
		if empty {
			m.Add(Entry{Path: rel, Kind: KindEmptyDir})
		}
	}
	return m, nil
}

// Restore writes every entry of m under root from store, the mirror image
// of CaptureOutputs: files are materialized (hardlink-with-copy-fallback),
// symlinks and empty directories are recreated directly. This is the
// "materialize outputs from CAS into the final output area" step spec.md
// §4.7 requires on a cache Hit, and is also how a completed task's outputs
// are promoted out of its ephemeral sandbox once it reaches Done, the same
// logic the Sysroot Assembler's hardlink-tree strategy uses to place a
// dependency's manifest into a consumer's root (internal/sysroot).
func Restore(root string, m *Manifest, store *cas.Store) error {
	for _, e := range m.Entries {
		dest := filepath.Join(root, e.Path)
		switch e.Kind {
		case KindEmptyDir:
			if err := os.MkdirAll(dest, 0775); err != nil {
				return err
			}
		case KindSymlink:
			if err := os.MkdirAll(filepath.Dir(dest), 0775); err != nil {
				return err
			}
			os.Remove(dest)
			if err := os.Symlink(e.SymlinkTarget, dest); err != nil {
				return err
			}
		default:
			if err := os.MkdirAll(filepath.Dir(dest), 0775); err != nil {
				return err
			}
			if err := store.Materialize(e.Digest, dest); err != nil {
				return fmt.Errorf("restoring %s: %w", e.Path, err)
			}
			if e.Mode != 0 {
				if err := os.Chmod(dest, e.Mode); err != nil {
					return err
				}
			}
			RestoreXattrs(dest, e)
		}
	}
	return nil
}
