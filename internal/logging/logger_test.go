package logging

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curvetrack/backend/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		raw     string
		want    slog.Level
		wantErr bool
	}{
		{raw: "", want: slog.LevelInfo},
		{raw: "info", want: slog.LevelInfo},
		{raw: "DEBUG", want: slog.LevelDebug},
		{raw: " warn ", want: slog.LevelWarn},
		{raw: "warning", want: slog.LevelWarn},
		{raw: "error", want: slog.LevelError},
		{raw: "verbose", wantErr: true},
	}

	for _, tc := range cases {
		level, err := parseLevel(tc.raw)
		if tc.wantErr {
			assert.Error(t, err, "level %q", tc.raw)
			continue
		}
		require.NoError(t, err, "level %q", tc.raw)
		assert.Equal(t, tc.want, level, "level %q", tc.raw)
	}
}

func TestNewHandlerFormats(t *testing.T) {
	var buf bytes.Buffer

	handler, err := newHandler("json", &buf, slog.LevelInfo)
	require.NoError(t, err)
	slog.New(handler).Info("ready", "chains", 2)
	assert.Contains(t, buf.String(), `"msg":"ready"`)

	_, err = newHandler("", io.Discard, slog.LevelInfo)
	assert.NoError(t, err)

	_, err = newHandler("xml", io.Discard, slog.LevelInfo)
	assert.Error(t, err)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, _, err := New("ingestor", config.LogConfig{Level: "loud"})
	assert.Error(t, err)

	_, _, err = New("ingestor", config.LogConfig{Output: "syslog"})
	assert.Error(t, err)

	logger, closeLogs, err := New("ingestor", config.LogConfig{Format: "json"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NoError(t, closeLogs())
}
