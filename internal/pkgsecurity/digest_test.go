package pkgsecurity

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protei/lwm2mclient/internal/registry"
)

const abcSHA256Hex = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

func TestDigestOneShotVsSplit(t *testing.T) {
	oneShot := NewDigest(SHA256)
	require.NoError(t, oneShot.Process([]byte("abc")))

	split := NewDigest(SHA256)
	require.NoError(t, split.Process([]byte("a")))
	ctx := split.CopyContext()
	resumed := RestoreContext(SHA256, ctx)
	require.NoError(t, resumed.Process([]byte("bc")))

	require.Equal(t, hex.EncodeToString(oneShot.Sum()), hex.EncodeToString(resumed.Sum()))
}

func TestEndAndCheckSHA256(t *testing.T) {
	d := NewDigest(SHA256)
	require.NoError(t, d.Process([]byte("abc")))

	require.Equal(t, registry.CompletedOK, EndAndCheckSHA256(d, abcSHA256Hex))

	bad := NewDigest(SHA256)
	require.NoError(t, bad.Process([]byte("abc")))
	require.NoError(t, bad.Process([]byte("x")))
	require.Equal(t, registry.ShaDigestMismatch, EndAndCheckSHA256(bad, abcSHA256Hex))
}

func TestRestoreContextEmpty(t *testing.T) {
	d := RestoreContext(SHA1, nil)
	require.NoError(t, d.Process([]byte("hello")))
	require.NotEmpty(t, d.Sum())
}

func TestCRC32Incremental(t *testing.T) {
	whole := NewCRC32()
	whole.Write([]byte("hello world"))

	split := NewCRC32()
	split.Write([]byte("hello "))
	split.Write([]byte("world"))

	require.Equal(t, whole.Sum32(), split.Sum32())
}
