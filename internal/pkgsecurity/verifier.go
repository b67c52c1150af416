package pkgsecurity

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/protei/lwm2mclient/internal/paramstore"
	"github.com/protei/lwm2mclient/internal/registry"
)

// paramFirmwareDigestContext and paramSoftwareDigestContext are the
// Parameter Store keys a Verifier's suspended SHA-256 digest state is
// persisted under (one per package kind), per spec §4.6's "copyContext/
// restoreContext ... persist/resume progress across reboots via the
// Parameter Store". internal/session reserves its own per-server resume
// cursor ids starting at 100 (see resumeParamBase); pkgsecurity's two
// fixed ids live below that, matching the "small enum" spec §2/§4.2
// describe for the whole store.
const (
	paramFirmwareDigestContext paramstore.ParamID = 1
	paramSoftwareDigestContext paramstore.ParamID = 2
)

func paramIDFor(kind PackageKind) paramstore.ParamID {
	if kind == Software {
		return paramSoftwareDigestContext
	}
	return paramFirmwareDigestContext
}

// Verifier streams a package download through a resumable SHA-256 digest,
// persisting its context to the Parameter Store after every chunk so a
// reboot mid-download resumes instead of restarting the transfer, and
// performs the final SHA-256 integrity check plus RSA-PSS/SHA-1 signature
// check spec §4.6 describes. It is the non-test caller that exercises
// Digest/CopyContext/RestoreContext/EndAndCheckSHA256/VerifySignature —
// registered against the LwM2M Firmware object by internal/session.
type Verifier struct {
	mu    sync.Mutex
	store *paramstore.Store
	kind  PackageKind

	sha256 *Digest
	sha1   *Digest
	crc    *CRC32
}

// NewVerifier builds a Verifier for a package of the given kind, resuming
// an in-progress digest from store if one was persisted before a restart.
func NewVerifier(store *paramstore.Store, kind PackageKind) *Verifier {
	v := &Verifier{store: store, kind: kind, crc: NewCRC32()}
	v.sha256 = v.restoreOrFresh()
	v.sha1 = NewDigest(SHA1)
	return v
}

func (v *Verifier) restoreOrFresh() *Digest {
	if v.store != nil {
		if ctx, written, err := v.store.Get(paramIDFor(v.kind)); err == nil && written && len(ctx) > 0 {
			return RestoreContext(SHA256, ctx)
		}
	}
	return NewDigest(SHA256)
}

// Feed processes one chunk of package data — a CoAP block-wise write
// against the Firmware object's Package resource, in practice — through
// both digests and the CRC, then persists the SHA-256 digest's resumable
// context so the transfer can pick up after an unexpected restart.
func (v *Verifier) Feed(chunk []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.sha256.Process(chunk); err != nil {
		return fmt.Errorf("pkgsecurity: verifier digest: %w", err)
	}
	if err := v.sha1.Process(chunk); err != nil {
		return fmt.Errorf("pkgsecurity: verifier digest: %w", err)
	}
	v.crc.Write(chunk)

	if v.store != nil {
		if err := v.store.Set(paramIDFor(v.kind), v.sha256.CopyContext()); err != nil {
			return fmt.Errorf("pkgsecurity: persist digest resume cursor: %w", err)
		}
	}
	return nil
}

// Finish finalises the transfer: checks the accumulated bytes against
// expectedSHA256Hex (spec §4.6's endAndCheckSha256) and, when sig is
// non-empty, against the RSA-PSS/SHA-1 signature (spec §4.6's signature
// check). It clears the persisted resume cursor either way, since the
// transfer this Verifier was tracking is now complete.
func (v *Verifier) Finish(expectedSHA256Hex string, sig []byte) registry.Status {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.store != nil {
		_ = v.store.Delete(paramIDFor(v.kind))
	}

	if status := EndAndCheckSHA256(v.sha256, expectedSHA256Hex); status != registry.CompletedOK {
		return status
	}
	if len(sig) == 0 {
		return registry.CompletedOK
	}
	return VerifySignature(v.kind, v.sha1, sig)
}

// CRC32 returns the running CRC32 of every chunk fed so far, the third
// integrity primitive spec §4.6 groups alongside the SHA digests.
func (v *Verifier) CRC32() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.crc.Sum32()
}

// execArgs is the wire format for the Firmware object's Update execute
// argument: "<sha256-hex>" optionally followed by "|<base64 signature>",
// the simplest encoding that lets a single CoAP Execute carry both checks
// this package-download security component performs.
func parseExecArgs(args []byte) (hashHex string, sig []byte, err error) {
	parts := bytes.SplitN(args, []byte("|"), 2)
	hashHex = string(parts[0])
	if len(parts) == 1 {
		return hashHex, nil, nil
	}
	sig, err = base64.StdEncoding.DecodeString(string(parts[1]))
	if err != nil {
		return "", nil, fmt.Errorf("pkgsecurity: decode signature argument: %w", err)
	}
	return hashHex, sig, nil
}

// FirmwareResource adapts a Verifier to the registry.Resource interface the
// LwM2M Firmware object (object 5) needs: Write appends a downloaded
// chunk (the Package resource), Execute finalises and verifies it (the
// Update resource), and Read reports the running CRC32 as a crude transfer
// progress indicator.
type FirmwareResource struct {
	v *Verifier
}

// NewFirmwareResource wraps v for registration against object 5.
func NewFirmwareResource(v *Verifier) *FirmwareResource { return &FirmwareResource{v: v} }

func (r *FirmwareResource) Read(_ registry.InstanceID) ([]byte, registry.Status) {
	return []byte(fmt.Sprintf("%08x", r.v.CRC32())), registry.CompletedOK
}

func (r *FirmwareResource) Write(_ registry.InstanceID, value []byte) registry.Status {
	if err := r.v.Feed(value); err != nil {
		return registry.GeneralError
	}
	return registry.CompletedOK
}

func (r *FirmwareResource) Execute(_ registry.InstanceID, args []byte) registry.Status {
	hashHex, sig, err := parseExecArgs(args)
	if err != nil {
		return registry.InvalidArg
	}
	return r.v.Finish(hashHex, sig)
}
