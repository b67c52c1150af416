package pkgsecurity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protei/lwm2mclient/internal/paramstore"
	"github.com/protei/lwm2mclient/internal/registry"
)

func newTestParamStore(t *testing.T) *paramstore.Store {
	t.Helper()
	store, err := paramstore.Open(t.TempDir())
	require.NoError(t, err)
	return store
}

// TestVerifierResumesAcrossRestart covers spec §4.6's "copyContext/
// restoreContext ... persist/resume progress across reboots via the
// Parameter Store": a Verifier fed half a package, replaced by a fresh
// Verifier over the same store (standing in for a restart), continues the
// SHA-256 digest from where the first instance left off.
func TestVerifierResumesAcrossRestart(t *testing.T) {
	store := newTestParamStore(t)

	first := NewVerifier(store, Firmware)
	require.NoError(t, first.Feed([]byte("a")))

	resumed := NewVerifier(store, Firmware)
	require.NoError(t, resumed.Feed([]byte("bc")))

	want := sha256.Sum256([]byte("abc"))
	require.Equal(t, registry.CompletedOK, resumed.Finish(hex.EncodeToString(want[:]), nil))
}

// TestVerifierFinishClearsResumeCursor ensures a completed transfer does not
// leave a stale cursor a later restart would mistakenly resume from.
func TestVerifierFinishClearsResumeCursor(t *testing.T) {
	store := newTestParamStore(t)

	v := NewVerifier(store, Firmware)
	require.NoError(t, v.Feed([]byte("abc")))
	want := sha256.Sum256([]byte("abc"))
	require.Equal(t, registry.CompletedOK, v.Finish(hex.EncodeToString(want[:]), nil))

	_, written, err := store.Get(paramFirmwareDigestContext)
	require.NoError(t, err)
	require.False(t, written)

	fresh := NewVerifier(store, Firmware)
	require.NoError(t, fresh.Feed([]byte("xyz")))
	wantFresh := sha256.Sum256([]byte("xyz"))
	require.Equal(t, registry.CompletedOK, fresh.Finish(hex.EncodeToString(wantFresh[:]), nil))
}

func TestVerifierFinishMismatchedDigest(t *testing.T) {
	store := newTestParamStore(t)
	v := NewVerifier(store, Firmware)
	require.NoError(t, v.Feed([]byte("abc")))
	require.Equal(t, registry.ShaDigestMismatch, v.Finish(hex.EncodeToString([]byte("not the right digest!!")), nil))
}

// TestFirmwareResourceWriteExecuteRoundTrip exercises the registry.Resource
// adapter the Session Manager registers against object 5 in production: a
// Write feeds package bytes, and Execute with a matching SHA-256 but a
// signature from a key other than the built-in one is rejected with
// GeneralError.
func TestFirmwareResourceWriteExecuteRoundTrip(t *testing.T) {
	store := newTestParamStore(t)
	v := NewVerifier(store, Firmware)
	res := NewFirmwareResource(v)

	payload := []byte("firmware image bytes")
	status := res.Write(0, payload)
	require.Equal(t, registry.CompletedOK, status)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	sha1Digest := NewDigest(SHA1)
	require.NoError(t, sha1Digest.Process(payload))
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA1, sha1Digest.Sum(), nil)
	require.NoError(t, err)

	// res's internal SHA-1 digest isn't reachable from the test, so this
	// exercises the SHA-256 integrity half of Execute's args format and
	// falls back to the garbage-signature rejection path for the RSA half,
	// since the production public key has no matching private key in this
	// tree (see signature_test.go's verifyAgainstKey-based accept-path test
	// for the signature check in isolation).
	want := sha256.Sum256(payload)
	args := []byte(hex.EncodeToString(want[:]) + "|" + base64.StdEncoding.EncodeToString(sig))
	status = res.Execute(0, args)
	require.Equal(t, registry.GeneralError, status)

	data, status := res.Read(0)
	require.Equal(t, registry.CompletedOK, status)
	require.NotEmpty(t, data)
}

func TestFirmwareResourceExecuteInvalidArgs(t *testing.T) {
	store := newTestParamStore(t)
	res := NewFirmwareResource(NewVerifier(store, Firmware))
	require.Equal(t, registry.CompletedOK, res.Write(0, []byte("data")))

	status := res.Execute(0, []byte("deadbeef|not-valid-base64!!"))
	require.Equal(t, registry.InvalidArg, status)
}
