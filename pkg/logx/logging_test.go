package logx

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterLoggerCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "ledger"))
	log.Info("notification added", Int("size", 3), Bool("read", false))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	require.Equal(t, "ledger", m["comp"])
	require.Equal(t, "notification added", m["message"])
	require.EqualValues(t, 3, m["size"])
	require.Equal(t, false, m["read"])
	require.Contains(t, m["caller"], "logging_test.go")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("dropped")
	require.Zero(t, buf.Len())
	require.False(t, log.Enabled(LevelInfo))
	require.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	require.True(t, log.IsZero())
	log.Error("nobody listens")
	require.False(t, Nop().IsZero())
}

func TestValidLevel(t *testing.T) {
	require.True(t, ValidLevel("warning"))
	require.True(t, ValidLevel(""))
	require.False(t, ValidLevel("loud"))
}
