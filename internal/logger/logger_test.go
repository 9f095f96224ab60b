package logger_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/romshark/xskring/internal/logger"
)

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
	} {
		got, err := logger.ParseLevel(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}

	_, err := logger.ParseLevel("loud")
	require.Error(t, err)
	_, err = logger.ParseLevel("")
	require.Error(t, err)
}

func TestNewTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(&buf, "loopback", zerolog.InfoLevel, false)
	l.Debug().Msg("dropped")
	l.Info().Uint32("queue", 3).Msg("kept")

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	require.Equal(t, "loopback", m["component"])
	require.Equal(t, "kept", m["message"])
	require.EqualValues(t, 3, m["queue"])
}
