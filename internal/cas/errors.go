package cas

import "errors"

// Error kinds from spec.md §4.1 and §7.
var (
	// ErrNotFound is returned when a digest has no corresponding blob.
	ErrNotFound = errors.New("cas: not found")
	// ErrCorrupted is returned when stored bytes don't re-hash to the
	// digest under which they were found; the entry is removed before
	// this error is returned to the caller.
	ErrCorrupted = errors.New("cas: corrupted")
)
