package oamctl

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protei/lwm2mclient/internal/credstore"
	"github.com/protei/lwm2mclient/internal/paramstore"
	"github.com/protei/lwm2mclient/internal/session"
)

func newTestManager(t *testing.T) *session.Manager {
	t.Helper()
	dir := t.TempDir()
	credPath := filepath.Join(dir, "clientConfig.txt")
	require.NoError(t, os.WriteFile(credPath, []byte("[GENERAL]\nENDPOINT=IMEI01\n"), 0o600))
	cred, err := credstore.Open(credPath)
	require.NoError(t, err)
	param, err := paramstore.Open(dir)
	require.NoError(t, err)

	mgr, err := session.Init(session.Config{
		CredStore:  cred,
		ParamStore: param,
		ListenAddr: "127.0.0.1:0",
	}, nil)
	require.NoError(t, err)
	return mgr
}

func TestRunQuitReturnsZeroWithoutStarting(t *testing.T) {
	mgr := newTestManager(t)
	ctrl := New(mgr, nil)

	code := ctrl.Run(context.Background(), strings.NewReader("quit\n"))
	require.Equal(t, 0, code)
}

func TestRunUnknownCommandIsIgnored(t *testing.T) {
	mgr := newTestManager(t)
	ctrl := New(mgr, nil)

	code := ctrl.Run(context.Background(), strings.NewReader("bogus\nquit\n"))
	require.Equal(t, 0, code)
}

func TestRunContextCancelExitsCleanly(t *testing.T) {
	mgr := newTestManager(t)
	ctrl := New(mgr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code := ctrl.Run(ctx, strings.NewReader(""))
	require.Equal(t, 0, code)
}
