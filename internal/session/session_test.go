package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protei/lwm2mclient/internal/paramstore"
)

func TestResolveServerURI(t *testing.T) {
	addr, err := resolveServerURI("coaps://127.0.0.1:5684")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", addr.IP.String())
	require.Equal(t, 5684, addr.Port)
}

func TestResolveServerURIRejectsGarbage(t *testing.T) {
	_, err := resolveServerURI("not a uri")
	require.Error(t, err)
}

func TestStateStringCoversEveryState(t *testing.T) {
	states := []State{
		StateInit, StateBootstrapping, StateBootstrapDone, StateRegisterRequired,
		StateRegistering, StateReady, StateUpdateRequired, StateDeregistering, StateClosed,
	}
	for _, s := range states {
		require.NotEqual(t, "UNKNOWN_STATE", s.String())
	}
	require.Equal(t, "UNKNOWN_STATE", State(99).String())
}

func TestManagerInitRegistersSecurityObject(t *testing.T) {
	store := newTestCredStore(t)
	mgr, err := Init(Config{CredStore: store, ListenAddr: "127.0.0.1:0"}, nil)
	require.NoError(t, err)
	require.Equal(t, StateInit, mgr.State())
	_, ok := mgr.cfg.Registry.Get(ObjectSecurity, ResourcePSKSecret)
	require.True(t, ok)
}

func TestPushFailsWithNoServers(t *testing.T) {
	store := newTestCredStore(t)
	mgr, err := Init(Config{CredStore: store, ListenAddr: "127.0.0.1:0"}, nil)
	require.NoError(t, err)

	result := mgr.Push(nil, 1, []byte("data")) //nolint:staticcheck // no network op is reached before the server lookup fails
	require.Equal(t, PushFailed, result)
}

// TestRegistrationResumeCursorRoundTrip covers spec §2/§4.2's "used by the
// core to persist observation state and resume cursors": a registration
// location saved for a server id is readable after a restart (a fresh
// Manager over the same Parameter Store directory) and vanishes once
// clearResumeLocation removes it.
func TestRegistrationResumeCursorRoundTrip(t *testing.T) {
	store := newTestCredStore(t)
	params, err := paramstore.Open(t.TempDir())
	require.NoError(t, err)

	mgr, err := Init(Config{CredStore: store, ParamStore: params, ListenAddr: "127.0.0.1:0"}, nil)
	require.NoError(t, err)

	_, ok := mgr.loadResumeLocation(7)
	require.False(t, ok)

	require.NoError(t, mgr.saveResumeLocation(7, "/rd/abc123"))

	location, ok := mgr.loadResumeLocation(7)
	require.True(t, ok)
	require.Equal(t, "/rd/abc123", location)

	// A second Manager over the same Parameter Store directory (standing in
	// for a process restart) observes the persisted cursor.
	mgr2, err := Init(Config{CredStore: store, ParamStore: params, ListenAddr: "127.0.0.1:0"}, nil)
	require.NoError(t, err)
	location, ok = mgr2.loadResumeLocation(7)
	require.True(t, ok)
	require.Equal(t, "/rd/abc123", location)

	require.NoError(t, mgr.clearResumeLocation(7))
	_, ok = mgr.loadResumeLocation(7)
	require.False(t, ok)
}

// TestRegistrationResumeCursorNilParamStore covers the Parameter Store
// being unconfigured: every helper is a no-op rather than a nil pointer
// panic, since Config.ParamStore is optional.
func TestRegistrationResumeCursorNilParamStore(t *testing.T) {
	store := newTestCredStore(t)
	mgr, err := Init(Config{CredStore: store, ListenAddr: "127.0.0.1:0"}, nil)
	require.NoError(t, err)

	_, ok := mgr.loadResumeLocation(1)
	require.False(t, ok)
	require.NoError(t, mgr.saveResumeLocation(1, "/rd/x"))
	require.NoError(t, mgr.clearResumeLocation(1))
}
