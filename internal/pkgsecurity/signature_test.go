package pkgsecurity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protei/lwm2mclient/internal/registry"
)

func TestVerifySignatureRejectsGarbage(t *testing.T) {
	d := NewDigest(SHA1)
	require.NoError(t, d.Process([]byte("firmware image bytes")))

	status := VerifySignature(Firmware, d, []byte("not a valid signature"))
	require.Equal(t, registry.GeneralError, status)
}

func TestVerifySignatureRejectsWrongDigestKind(t *testing.T) {
	d := NewDigest(SHA256)
	require.NoError(t, d.Process([]byte("firmware image bytes")))

	status := VerifySignature(Firmware, d, []byte("anything"))
	require.Equal(t, registry.GeneralError, status)
}

// TestVerifySignatureAcceptsCorrectSignature covers spec §8's boundary
// behaviour for the accept path: "with a correct signature, CompletedOk".
// The built-in firmware/software public keys have no matching private key
// in this tree, so the test signs against a freshly generated keypair and
// exercises the same PSS/SHA-1 check verifyAgainstKey performs.
func TestVerifySignatureAcceptsCorrectSignature(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	d := NewDigest(SHA1)
	require.NoError(t, d.Process([]byte("firmware image bytes")))

	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA1, d.Sum(), nil)
	require.NoError(t, err)

	status := verifyAgainstKey(&priv.PublicKey, d, sig)
	require.Equal(t, registry.CompletedOK, status)
}

// TestVerifySignatureRejectsFlippedSignatureByte covers the same boundary
// behaviour's rejection half against a real (not garbage) signature: "with
// a byte-flipped signature returns GeneralError".
func TestVerifySignatureRejectsFlippedSignatureByte(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	d := NewDigest(SHA1)
	require.NoError(t, d.Process([]byte("firmware image bytes")))

	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA1, d.Sum(), nil)
	require.NoError(t, err)
	sig[0] ^= 0xFF

	status := verifyAgainstKey(&priv.PublicKey, d, sig)
	require.Equal(t, registry.GeneralError, status)
}
