// Package pkgsecurity implements the streaming integrity and signature
// checks a firmware/software package download goes through: suspend/resume
// SHA-1 and SHA-256 digests, RSA-PSS signature verification against
// built-in public keys, and an incremental zlib-compatible CRC32 — the
// set of primitives spec §4.6 groups under "Package-Download Security".
//
// crypto/sha1 and crypto/sha256's hash.Hash implementations satisfy
// encoding.BinaryMarshaler, which is what makes copyContext/restoreContext
// possible without a third-party streaming-hash library: the pack carries
// no such dependency (see DESIGN.md), so this is one of the module's few
// deliberately stdlib-only corners.
package pkgsecurity

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"fmt"

	"github.com/protei/lwm2mclient/internal/registry"
)

// Kind selects which digest algorithm a Digest instance runs.
type Kind int

const (
	SHA1 Kind = iota
	SHA256
)

// binHash is the subset of hash.Hash this package needs, plus the
// marshal/unmarshal pair crypto/sha1 and crypto/sha256 expose.
type binHash interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Digest is a suspend/resumable streaming hash, matching the
// start/process/end state machine spec §4.6 describes for both SHA-1 and
// SHA-256. The zero value is not usable; construct with NewDigest or
// RestoreContext.
type Digest struct {
	kind  Kind
	state []byte // nil until the first Process call
}

// NewDigest starts a fresh streaming digest of the given kind.
func NewDigest(kind Kind) *Digest {
	return &Digest{kind: kind}
}

func (d *Digest) newHash() binHash {
	if d.kind == SHA1 {
		return sha1.New().(binHash)
	}
	return sha256.New().(binHash)
}

// hasher rebuilds a live hash.Hash from the persisted marshalled state, or
// a fresh one if nothing has been processed yet. A corrupted persisted
// state is treated the same as "no context": the digest restarts from
// empty rather than panicking on a Parameter Store read gone bad.
func (d *Digest) hasher() binHash {
	h := d.newHash()
	if d.state != nil {
		if err := h.UnmarshalBinary(d.state); err != nil {
			return d.newHash()
		}
	}
	return h
}

// Process feeds bytes into the digest, persisting the resulting hash state
// so the next call (possibly after a RestoreContext round trip) continues
// correctly.
func (d *Digest) Process(p []byte) error {
	h := d.hasher()
	if _, err := h.Write(p); err != nil {
		return fmt.Errorf("pkgsecurity: digest write: %w", err)
	}
	raw, err := h.MarshalBinary()
	if err != nil {
		return fmt.Errorf("pkgsecurity: digest marshal: %w", err)
	}
	d.state = raw
	return nil
}

// Sum returns the digest of everything processed so far, without
// finalising — further Process calls remain valid.
func (d *Digest) Sum() []byte {
	return d.hasher().Sum(nil)
}

// CopyContext snapshots the digest's progress into an opaque blob suitable
// for persisting via the Parameter Store across a reboot.
func (d *Digest) CopyContext() []byte {
	return append([]byte(nil), d.state...)
}

// RestoreContext resumes a digest from a blob previously produced by
// CopyContext, continuing exactly where the original left off.
func RestoreContext(kind Kind, ctx []byte) *Digest {
	d := &Digest{kind: kind}
	if len(ctx) > 0 {
		d.state = append([]byte(nil), ctx...)
	}
	return d
}

// EndAndCheckSHA256 finalises a SHA-256 digest and compares it
// byte-for-byte against expectedHex (case-insensitive), implementing spec
// §4.6's endAndCheckSha256.
func EndAndCheckSHA256(d *Digest, expectedHex string) registry.Status {
	want, err := hex.DecodeString(expectedHex)
	if err != nil {
		return registry.InvalidArg
	}
	got := d.Sum()
	if len(got) != len(want) {
		return registry.ShaDigestMismatch
	}
	for i := range got {
		if got[i] != want[i] {
			return registry.ShaDigestMismatch
		}
	}
	return registry.CompletedOK
}
