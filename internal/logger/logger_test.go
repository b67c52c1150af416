package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// TestSetComponentLevelLowersThreshold covers the -d CLI flag's contract
// (spec §6: "-d flag raises DTLS log level to debug"): a component whose
// override lowers the effective level below the logger's configured base
// level must actually emit at that level, not just pass event()'s gate and
// then get silently dropped by zerolog's own per-logger level.
func TestSetComponentLevelLowersThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := New(Config{Path: path, Level: "info", Format: "json"})
	require.NoError(t, err)
	// lumberjack creates the log file on its first write.
	l.Info("logger ready")

	dtls := l.WithComponent("dtls")

	dtls.Debug("should not appear before override")
	before, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(before), "should not appear before override")

	SetComponentLevel("dtls", zerolog.DebugLevel)
	t.Cleanup(func() { SetComponentLevel("dtls", zerolog.InfoLevel) })

	dtls.Debug("should appear after override")
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(after), "should appear after override")
}

// TestComponentOverrideDoesNotAffectOtherComponents ensures lowering one
// component's threshold leaves another component (and the unqualified
// logger) gated at the configured base level.
func TestComponentOverrideDoesNotAffectOtherComponents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := New(Config{Path: path, Level: "info", Format: "json"})
	require.NoError(t, err)
	// lumberjack creates the log file on its first write.
	l.Info("logger ready")

	SetComponentLevel("dtls", zerolog.DebugLevel)
	t.Cleanup(func() { SetComponentLevel("dtls", zerolog.InfoLevel) })

	session := l.WithComponent("session")
	session.Debug("session debug message")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "session debug message")
}

func TestBaseLevelGatesInfoByDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := New(Config{Path: path, Level: "warn", Format: "json"})
	require.NoError(t, err)

	l.Info("info message")
	l.Warn("warn message")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "info message")
	require.Contains(t, string(data), "warn message")
}
