package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protei/lwm2mclient/internal/credstore"
	"github.com/protei/lwm2mclient/internal/registry"
)

func newTestCredStore(t *testing.T) *credstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clientConfig.txt")
	require.NoError(t, os.WriteFile(path, []byte("[GENERAL]\nENDPOINT=IMEI01\n"), 0o600))
	store, err := credstore.Open(path)
	require.NoError(t, err)
	return store
}

func TestSecurityObjectBootstrapWriteReachesCredStore(t *testing.T) {
	store := newTestCredStore(t)
	reg := registry.New()
	registerSecurityObject(reg, store)

	const instance registry.InstanceID = 1

	_, err := reg.Write(ObjectSecurity, ResourceIsBootstrap, instance, []byte{0})
	require.NoError(t, err)
	status, err := reg.Write(ObjectSecurity, ResourceShortServerID, instance, []byte("1"))
	require.NoError(t, err)
	require.Equal(t, registry.CompletedOK, status)

	status, err = reg.Write(ObjectSecurity, ResourcePSKSecret, instance, []byte{0x01, 0x02})
	require.NoError(t, err)
	require.Equal(t, registry.CompletedOK, status)

	secret, found, err := store.Get(credstore.DMSecretKey, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte{0x01, 0x02}, secret)
}

func TestSecurityObjectBootstrapInstanceUsesBootstrapCredentials(t *testing.T) {
	store := newTestCredStore(t)
	reg := registry.New()
	registerSecurityObject(reg, store)

	const instance registry.InstanceID = 0

	_, err := reg.Write(ObjectSecurity, ResourceIsBootstrap, instance, []byte{1})
	require.NoError(t, err)
	_, err = reg.Write(ObjectSecurity, ResourcePSKIdentity, instance, []byte("bs-identity"))
	require.NoError(t, err)

	identity, found, err := store.Get(credstore.BSPublicKey, 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("bs-identity"), identity)
}

func TestSecurityObjectShortServerIDRejectsGarbage(t *testing.T) {
	store := newTestCredStore(t)
	reg := registry.New()
	registerSecurityObject(reg, store)

	status, err := reg.Write(ObjectSecurity, ResourceShortServerID, 0, []byte("not-a-number"))
	require.NoError(t, err)
	require.Equal(t, registry.InvalidArg, status)
}
