package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":       zapcore.InfoLevel,
		"debug":  zapcore.DebugLevel,
		" WARN ": zapcore.WarnLevel,
		"error":  zapcore.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestInitConfiguresGlobalLogger(t *testing.T) {
	t.Cleanup(Replace(zap.NewNop()))

	require.NoError(t, Init("debug", ""))
	require.True(t, Logger().Core().Enabled(zap.DebugLevel))

	require.NoError(t, Init("warn", "console"))
	require.False(t, Logger().Core().Enabled(zap.InfoLevel))
}

func TestInitRejectsUnknownSettings(t *testing.T) {
	t.Cleanup(Replace(zap.NewNop()))

	require.Error(t, Init("verbose", "json"))
	require.Error(t, Init("info", "xml"))
}

func TestWithSessionAttachesFields(t *testing.T) {
	core, recorded := observer.New(zap.InfoLevel)
	t.Cleanup(Replace(zap.New(core)))

	WithModule("signaling").Info("hub started")
	WithSession("broker", "sess-1").Info("activated")

	entries := recorded.All()
	require.Len(t, entries, 2)
	require.Equal(t, "signaling", entries[0].ContextMap()["module"])
	require.Equal(t, map[string]any{"module": "broker", "session_id": "sess-1"}, entries[1].ContextMap())
}

func TestReplaceRestoresPrevious(t *testing.T) {
	before := Logger()
	restore := Replace(nil)
	require.NotSame(t, before, Logger())
	restore()
	require.Same(t, before, Logger())
}
