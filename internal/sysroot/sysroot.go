// Package sysroot implements the Sysroot Assembler (spec.md §4.5): it builds
// the per-task filesystem view a sandbox executes against, by layering the
// output manifests of a task's dependencies onto a base root.
//
// Grounded on please's src/fs/copy.go (RecursiveLink/CopyOrLinkFile), whose
// hardlink-with-copy-fallback discipline bitzel reuses for the fallback
// strategy; the overlay-filesystem primary strategy is new surface area
// this spec requires that please itself does not implement (please always
// materializes build inputs by copy or hardlink into the target's build
// directory; it has no overlay-mount step).
package sysroot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/bitzel-build/bitzel/internal/cas"
	"github.com/bitzel-build/bitzel/internal/logging"
	"github.com/bitzel-build/bitzel/internal/manifest"
)

var log = logging.Log

// DirPermissions mirrors please's src/fs/fs.go default directory mode.
const DirPermissions = os.ModeDir | 0775

// Layer is one dependency's contribution to a sysroot: its output manifest
// plus a human-readable label used in conflict reports.
type Layer struct {
	Label    string
	Manifest *manifest.Manifest
}

// ConflictError reports two layers declaring the same path with different
// content, outside of the configured whitelist (spec.md §4.5 "Conflict
// detection").
type ConflictError struct {
	Path      string
	Providers []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sysroot: conflicting providers for %s: %v", e.Path, e.Providers)
}

// Strategy selects how files are placed into the assembled root.
type Strategy int

const (
	// StrategyOverlay unions each layer as a read-only lowerdir in a Linux
	// overlay mount, the default per spec.md §4.5 item 1.
	StrategyOverlay Strategy = iota
	// StrategyHardlinkTree materializes every layer into a single
	// directory with hardlinks (falling back to copies across devices),
	// used when overlayfs is unavailable (e.g. no CAP_SYS_ADMIN, or a
	// kernel/filesystem that doesn't support it).
	StrategyHardlinkTree
)

// Assembler builds sysroots from a CAS (the source of file content for every
// manifest entry) and a configurable path whitelist for conflict tolerance.
type Assembler struct {
	store     *cas.Store
	whitelist map[string]bool
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithWhitelist declares paths that are allowed to be provided by more than
// one layer without raising a ConflictError; the last layer (in the order
// passed to Assemble) wins for that path (spec.md §4.5 "configurable
// whitelist").
func WithWhitelist(paths ...string) Option {
	return func(a *Assembler) {
		for _, p := range paths {
			a.whitelist[filepath.Clean(p)] = true
		}
	}
}

// New returns an Assembler reading file content from store.
func New(store *cas.Store, opts ...Option) *Assembler {
	a := &Assembler{store: store, whitelist: map[string]bool{}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// detectConflicts walks layers in order and returns the first disallowed
// conflict, or nil if none. It also returns, per path, the index of the
// layer that should win (the last contributor, matching overlayfs upper-wins
// semantics).
func (a *Assembler) detectConflicts(layers []Layer) (map[string]int, error) {
	winner := map[string]int{}
	providers := map[string][]string{}
	for i, l := range layers {
		for _, e := range l.Manifest.Entries {
			providers[e.Path] = append(providers[e.Path], l.Label)
			winner[e.Path] = i
		}
	}
	for path, provs := range providers {
		if len(provs) <= 1 {
			continue
		}
		if a.whitelist[filepath.Clean(path)] {
			continue
		}
		// Entries contributed by distinct layers but with identical
		// content are not conflicts; only genuinely divergent content is.
		digests := map[string]bool{}
		for _, l := range layers {
			if e, ok := l.Manifest.Lookup(path); ok {
				digests[e.Digest.String()] = true
			}
		}
		if len(digests) > 1 {
			sort.Strings(provs)
			return nil, &ConflictError{Path: path, Providers: provs}
		}
	}
	return winner, nil
}

// Assemble builds a sysroot at root from layers in dependency order (the
// last layer takes precedence for any whitelisted overlapping path). It
// attempts strategy first; if strategy is StrategyOverlay and the mount
// fails (e.g. unprivileged sandbox with no overlay support), it falls back
// to StrategyHardlinkTree, per spec.md §4.5 item 1's "falls back to a
// hard-link tree" language.
func (a *Assembler) Assemble(root string, layers []Layer, strategy Strategy) error {
	if _, err := a.detectConflicts(layers); err != nil {
		return err
	}
	if strategy == StrategyOverlay {
		if err := a.assembleOverlay(root, layers); err == nil {
			return nil
		} else {
			log.Warning("sysroot: overlay mount failed, falling back to hardlink tree: %s", err)
		}
	}
	return a.assembleHardlinkTree(root, layers)
}

// assembleOverlay materializes each layer into its own read-only lowerdir
// (since overlayfs lowerdirs must exist as real directories of real files,
// not be synthesized on the fly) and then overlay-mounts them onto root.
func (a *Assembler) assembleOverlay(root string, layers []Layer) error {
	work := root + ".work"
	upper := root + ".upper"
	if err := os.MkdirAll(work, DirPermissions); err != nil {
		return err
	}
	if err := os.MkdirAll(upper, DirPermissions); err != nil {
		return err
	}
	if err := os.MkdirAll(root, DirPermissions); err != nil {
		return err
	}

	lowerDirs := make([]string, 0, len(layers))
	for i, l := range layers {
		lower := fmt.Sprintf("%s.lower%d", root, i)
		if err := a.materializeManifest(lower, l.Manifest); err != nil {
			return fmt.Errorf("sysroot: materializing layer %s: %w", l.Label, err)
		}
		lowerDirs = append(lowerDirs, lower)
	}
	// overlayfs takes lowerdirs highest-priority first; bitzel's layer order
	// is lowest-priority first, so reverse it.
	for i, j := 0, len(lowerDirs)-1; i < j; i, j = i+1, j-1 {
		lowerDirs[i], lowerDirs[j] = lowerDirs[j], lowerDirs[i]
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", joinColon(lowerDirs), upper, work)
	return unix.Mount("overlay", root, "overlay", 0, opts)
}

func joinColon(ss []string) string {
	out := ss[0]
	for _, s := range ss[1:] {
		out += ":" + s
	}
	return out
}

// assembleHardlinkTree materializes every layer directly into root,
// overwriting in layer order so later layers win on whitelisted paths.
func (a *Assembler) assembleHardlinkTree(root string, layers []Layer) error {
	if err := os.MkdirAll(root, DirPermissions); err != nil {
		return err
	}
	for _, l := range layers {
		if err := a.materializeManifest(root, l.Manifest); err != nil {
			return fmt.Errorf("sysroot: materializing layer %s: %w", l.Label, err)
		}
	}
	return nil
}

// materializeManifest writes every entry of m under root, using the store's
// hardlink-with-copy-fallback Materialize. Delegates to manifest.Restore,
// the same routine the Task Executor uses to promote a completed task's
// outputs out of its ephemeral sandbox (spec.md §4.7 "Hit" state).
func (a *Assembler) materializeManifest(root string, m *manifest.Manifest) error {
	if err := os.MkdirAll(root, DirPermissions); err != nil {
		return err
	}
	return manifest.Restore(root, m, a.store)
}

// Teardown reverses Assemble: unmounts the overlay (if mounted) and removes
// every scratch directory it created. Safe to call even if only the
// hardlink-tree strategy ran.
func (a *Assembler) Teardown(root string) error {
	_ = unix.Unmount(root, 0)
	for _, suffix := range []string{".work", ".upper"} {
		if err := os.RemoveAll(root + suffix); err != nil {
			return err
		}
	}
	matches, err := filepath.Glob(root + ".lower*")
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			return err
		}
	}
	return nil
}
