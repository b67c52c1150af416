package credstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "clientConfig.txt")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestColdBootstrapConfig(t *testing.T) {
	path := writeTempConfig(t, ""+
		"[GENERAL]\n"+
		"ENDPOINT = IMEI01\n"+
		"\n"+
		"[BOOTSTRAP SECURITY]\n"+
		"SERVER_URI = coaps://bs.example:5684\n"+
		"DEVICE_PKID = 6273\n"+
		"SECRET_KEY = 0102030405060708\n")

	store, err := Open(path)
	require.NoError(t, err)

	general := store.General()
	require.Equal(t, "IMEI01", general.Endpoint)

	bs, ok := store.Bootstrap()
	require.True(t, ok)
	require.Equal(t, "coaps://bs.example:5684", bs.ServerURI)
	require.Equal(t, []byte("bs"), bs.PSKIdentity)
	require.Equal(t, "0102030405060708", bs.PSKSecretHex)
	require.True(t, bs.IsBootstrap)
}

func TestWriteOneLocality(t *testing.T) {
	path := writeTempConfig(t, "[GENERAL]\nSN = 000\n")
	store, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, store.SetGeneral(GeneralConfig{SerialNumber: "999"}))

	reopened, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, "999", reopened.General().SerialNumber)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "[GENERAL]\nSN = 999\nENDPOINT = \n", string(data))
}

func TestWriteOneAppendsToExistingSection(t *testing.T) {
	path := writeTempConfig(t, "[GENERAL]\nENDPOINT = abc\n; a trailing comment\n")
	store, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, store.SetGeneral(GeneralConfig{Endpoint: "abc", SerialNumber: "123"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "[GENERAL]\nENDPOINT = abc\n; a trailing comment\nSN = 123\n", string(data))
}

func TestCredentialSelectionDMByID(t *testing.T) {
	path := writeTempConfig(t, ""+
		"[LWM2M SECURITY]\n"+
		"SERVER_URI 1 = coap://dm1.example:5683\n"+
		"DEVICE_PKID 1 = 616263\n"+
		"SECRET_KEY 1 = 0a0b0c0d\n"+
		"SERVER_URI 2 = coaps://dm2.example:5684\n"+
		"DEVICE_PKID 2 = 646566\n"+
		"SECRET_KEY 2 = 11223344\n")

	store, err := Open(path)
	require.NoError(t, err)

	rec, ok := store.DMByID(1)
	require.True(t, ok)
	require.Equal(t, uint16(1), rec.ServerID)
	require.Equal(t, "coap://dm1.example:5683", rec.ServerURI)

	_, ok = store.DMByID(99)
	require.False(t, ok)

	all := store.AllDM()
	require.Len(t, all, 2)
}

func TestRegistrationFailureDeletesDMCredentials(t *testing.T) {
	path := writeTempConfig(t, ""+
		"[LWM2M SECURITY]\n"+
		"SERVER_URI 1 = coap://dm1.example:5683\n"+
		"DEVICE_PKID 1 = 616263\n"+
		"SECRET_KEY 1 = zz\n") // invalid hex PSK, as in scenario 2

	store, err := Open(path)
	require.NoError(t, err)

	// An invalid stored PSK makes Check false even before deletion.
	require.False(t, store.Check(DMSecretKey, 1))

	require.NoError(t, store.DeleteAllDM(1))
	_, ok := store.DMByID(1)
	require.False(t, ok)
}

func TestWriteOneSemicolonTruncatesOnReread(t *testing.T) {
	path := writeTempConfig(t, "[GENERAL]\n")
	store, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, store.Set(FWKey, 0, []byte("keep this; drop this")))

	reopened, err := Open(path)
	require.NoError(t, err)
	value, ok, err := reopened.Get(FWKey, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "keep this", string(value))
}

func TestParseErrorOnMalformedLine(t *testing.T) {
	path := writeTempConfig(t, "[GENERAL]\nTHIS LINE HAS NO EQUALS SIGN\n")
	_, err := Open(path)
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, 2, perr.Line)
}

func TestParseErrorOnOverlongLine(t *testing.T) {
	long := make([]byte, maxLineLength+1)
	for i := range long {
		long[i] = 'a'
	}
	path := writeTempConfig(t, "[GENERAL]\nENDPOINT = "+string(long)+"\n")
	_, err := Open(path)
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestHexRoundTripOnPSKSecret(t *testing.T) {
	path := writeTempConfig(t, "")
	store, err := Open(path)
	require.NoError(t, err)

	secret := []byte{0x01, 0x02, 0xAB, 0xCD}
	require.NoError(t, store.Set(BSSecretKey, 0, secret))

	got, ok, err := store.Get(BSSecretKey, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, secret, got)
}

func TestPSKSecretOddLengthRejected(t *testing.T) {
	path := writeTempConfig(t, "")
	store, err := Open(path)
	require.NoError(t, err)

	// Odd number of hex digits is impossible to produce from hex.EncodeToString
	// of a []byte, so exercise the validator directly via Set on a string-valued
	// field path would not apply; instead verify the validator helper.
	require.Error(t, validatePSKSecretHex("abc"))
	require.NoError(t, validatePSKSecretHex("abcd"))
}

func TestServerURIValidation(t *testing.T) {
	require.NoError(t, validateServerURI("coap://host:5683"))
	require.NoError(t, validateServerURI("coaps://host"))
	require.Error(t, validateServerURI("http://host"))
	require.Error(t, validateServerURI("not a uri"))
}
