package paramstore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

const paramObservationCursor ParamID = 7

func TestSetThenGetRoundTrips(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Set(paramObservationCursor, []byte("cursor-state")))

	data, written, err := store.Get(paramObservationCursor)
	require.NoError(t, err)
	require.True(t, written)
	require.Equal(t, "cursor-state", string(data))
}

func TestGetNeverWrittenReportsFalseNotError(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	data, written, err := store.Get(paramObservationCursor)
	require.NoError(t, err)
	require.False(t, written)
	require.Nil(t, data)
}

func TestGetFallsBackToBackupWhenPrimaryMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, store.Set(paramObservationCursor, []byte("original")))
	require.NoError(t, os.Remove(store.primaryPath(paramObservationCursor)))

	data, written, err := store.Get(paramObservationCursor)
	require.NoError(t, err)
	require.True(t, written)
	require.Equal(t, "original", string(data))
}

func TestGetFallsBackToBackupWhenPrimaryEmpty(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, store.Set(paramObservationCursor, []byte("original")))
	require.NoError(t, os.WriteFile(store.primaryPath(paramObservationCursor), []byte{}, 0600))

	data, written, err := store.Get(paramObservationCursor)
	require.NoError(t, err)
	require.True(t, written)
	require.Equal(t, "original", string(data))
}

func TestDeleteRemovesBothFiles(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Set(paramObservationCursor, []byte("x")))
	require.NoError(t, store.Delete(paramObservationCursor))

	_, written, err := store.Get(paramObservationCursor)
	require.NoError(t, err)
	require.False(t, written)

	_, statErr := os.Stat(store.primaryPath(paramObservationCursor))
	require.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(store.backupPath(paramObservationCursor))
	require.True(t, os.IsNotExist(statErr))
}

func TestDeleteOfNeverWrittenParamIsNotError(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Delete(paramObservationCursor))
}
