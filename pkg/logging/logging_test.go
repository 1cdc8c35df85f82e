package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) { // A
	t.Parallel()
	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewFiltersBelowLevel(t *testing.T) { // A
	t.Parallel()
	var buf bytes.Buffer
	log, err := New(&buf, Options{Level: "warn", NoColor: true})
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("shown", "tokenId", 7)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "tokenId=7")
	assert.NotContains(t, out, "\x1b[", "NoColor must not emit escape codes")
}

func TestNewAddsSource(t *testing.T) { // A
	t.Parallel()
	var buf bytes.Buffer
	log, err := New(&buf, Options{NoColor: true, AddSource: true})
	require.NoError(t, err)
	log.Info("with source")
	assert.Contains(t, buf.String(), "logging_test.go:")

	buf.Reset()
	log, err = New(&buf, Options{NoColor: true})
	require.NoError(t, err)
	log.Info("without source")
	assert.NotContains(t, buf.String(), "logging_test.go:")
}
