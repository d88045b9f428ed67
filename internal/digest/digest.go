// Package digest implements the content-addressing primitive that every
// other bitzel package builds on: a fixed-width SHA-256 digest of a byte
// sequence, rendered as lowercase hex (spec.md §3 "Digest").
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/zeebo/blake3"
)

// Size is the width, in bytes, of a Digest's raw hash.
const Size = sha256.Size

// Digest is a cryptographic content identifier. Equality of digests implies
// equality of content (spec.md §3).
type Digest struct {
	hash [Size]byte
	size int64
}

// Empty is the digest of the zero-length byte sequence. Note this is a
// different value from manifest.Empty().Digest() (spec.md §8 "Boundary
// behaviours" well-known empty-manifest digest): that one hashes the
// canonical encoding of an empty sorted entry list, not zero bytes.
var Empty = Sum(nil)

// Sum computes the Digest of b.
func Sum(b []byte) Digest {
	h := sha256.Sum256(b)
	return Digest{hash: h, size: int64(len(b))}
}

// NewWriter returns a Writer whose Digest method yields the Digest once all
// bytes have been written. Used by callers
// streaming content (e.g. CAS.PutFile) rather than buffering it first.
func NewWriter() *Writer {
	return &Writer{h: sha256.New()}
}

// Writer accumulates bytes and yields a Digest of everything written.
type Writer struct {
	h    interface {
		io.Writer
		Sum([]byte) []byte
		Reset()
	}
	size int64
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.h.Write(p)
	w.size += int64(n)
	return n, err
}

// Digest returns the Digest of everything written so far.
func (w *Writer) Digest() Digest {
	var d Digest
	copy(d.hash[:], w.h.Sum(nil))
	d.size = w.size
	return d
}

// String renders the digest as lowercase hex, the canonical textual form
// used for filenames and logs.
func (d Digest) String() string {
	return hex.EncodeToString(d.hash[:])
}

// Size returns the byte length of the content this digest was computed
// over, when known (zero for digests parsed back from hex alone).
func (d Digest) Size() int64 { return d.size }

// IsZero reports whether d is the zero value (never produced by Sum, useful
// as a "no digest" sentinel in optional fields).
func (d Digest) IsZero() bool { return d == Digest{} }

// GobEncode implements gob.GobEncoder. Digest has no exported fields, so
// without this gob silently encodes it as empty and every Digest embedded in
// a gob-encoded struct (actioncache.Result's Signature/OutputManifestDigest/
// StdoutDigest/StderrDigest) would decode back as the zero value. Encodes the
// hash and size the same way manifest.go's gobEntry does it by hand via
// DigestHex/DigestSize, just without needing every caller to remember to.
func (d Digest) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(d.hash); err != nil {
		return nil, err
	}
	if err := enc.Encode(d.size); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder, the mirror of GobEncode.
func (d *Digest) GobDecode(b []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&d.hash); err != nil {
		return err
	}
	return dec.Decode(&d.size)
}

// Bytes returns the raw hash bytes.
func (d Digest) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, d.hash[:])
	return b
}

// ShardPath returns the two shard path components bitzel uses to lay out
// the CAS on disk (spec.md §4.1 "On-disk layout": <root>/<aa>/<bb>/<full>).
func (d Digest) ShardPath() (aa, bb, full string) {
	s := d.String()
	return s[0:2], s[2:4], s
}

// Parse parses a lowercase-hex digest string with an explicit size, as
// recorded in a manifest or action-cache entry.
func Parse(hexDigest string, size int64) (Digest, error) {
	b, err := hex.DecodeString(hexDigest)
	if err != nil {
		return Digest{}, fmt.Errorf("invalid digest %q: %w", hexDigest, err)
	}
	if len(b) != Size {
		return Digest{}, fmt.Errorf("invalid digest %q: want %d bytes, got %d", hexDigest, Size, len(b))
	}
	var d Digest
	copy(d.hash[:], b)
	d.size = size
	return d, nil
}

// QuickDigest computes a fast, non-addressing integrity digest using
// BLAKE3. It is never used as a CAS key (SHA-256 remains the sole
// addressing digest per spec.md §3). The CAS does not call it: both the
// always-verify check in Get and Verify re-hash blobs with SHA-256.
func QuickDigest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Encoder builds the canonical, length-prefixed byte encoding that the
// Signature Engine (spec.md §4.3) and the Output Manifest serialization
// (spec.md §6) both rely on: every field is prefixed with its length so
// that no two distinct inputs ever produce the same bytes by accident of
// concatenation.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Uint64 appends a fixed-width 8-byte big-endian integer; used for schema
// versions and counts where a length prefix would be redundant.
func (e *Encoder) Uint64(v uint64) *Encoder {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	e.buf = append(e.buf, b[:]...)
	return e
}

// Bytes appends a length-prefixed byte string.
func (e *Encoder) Bytes(b []byte) *Encoder {
	e.Uint64(uint64(len(b)))
	e.buf = append(e.buf, b...)
	return e
}

// String appends a length-prefixed string.
func (e *Encoder) String(s string) *Encoder {
	return e.Bytes([]byte(s))
}

// StringSlice appends a length-prefixed, sorted sequence of strings. It
// sorts its input so callers never have to remember to do so themselves;
// signature stability depends on deterministic ordering (spec.md §4.3 item 5).
func (e *Encoder) StringSlice(ss []string) *Encoder {
	sorted := append([]string(nil), ss...)
	sort.Strings(sorted)
	e.Uint64(uint64(len(sorted)))
	for _, s := range sorted {
		e.String(s)
	}
	return e
}

// Digest appends a length-prefixed digest (its hex string).
func (e *Encoder) Digest(d Digest) *Encoder {
	return e.String(d.String())
}

// DigestSlice appends a length-prefixed, sorted sequence of digests (used
// to encode sorted dependency signatures, spec.md §4.3 item 6).
func (e *Encoder) DigestSlice(ds []Digest) *Encoder {
	strs := make([]string, len(ds))
	for i, d := range ds {
		strs[i] = d.String()
	}
	return e.StringSlice(strs)
}

// Bool appends a single byte distinguishing true from false.
func (e *Encoder) Bool(b bool) *Encoder {
	if b {
		e.buf = append(e.buf, 2)
	} else {
		e.buf = append(e.buf, 1)
	}
	return e
}

// Finish returns the accumulated canonical encoding.
func (e *Encoder) Finish() []byte {
	return e.buf
}

// Sum is a convenience that encodes and digests in one step.
func (e *Encoder) Sum() Digest {
	return Sum(e.buf)
}
