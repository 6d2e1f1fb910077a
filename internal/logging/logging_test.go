package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" WARN ", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"info", LevelInfo},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNewLoggerWithFormat(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		wantErr bool
	}{
		{"tint", FormatTint, false},
		{"default", "", false},
		{"json", FormatJSON, false},
		{"text", FormatText, false},
		{"unknown", "xml", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := NewLoggerWithFormat(&buf, LevelInfo, tt.format)
			require.NotNil(t, logger)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			logger.Info("hello")
			assert.Contains(t, buf.String(), "hello")
		})
	}
}

func TestWriterSplitsLines(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLoggerWithFormat(&buf, LevelInfo, FormatJSON)
	require.NoError(t, err)

	w := NewWriter(logger, slog.LevelInfo, "stream", "stdout")
	_, _ = w.Write([]byte("first line\nsecond "))
	assert.Contains(t, buf.String(), `"line":"first line"`)
	assert.NotContains(t, buf.String(), "second")

	_, _ = w.Write([]byte("half\n\n"))
	assert.Contains(t, buf.String(), `"line":"second half"`)
	assert.Contains(t, buf.String(), `"stream":"stdout"`)

	_, _ = w.Write([]byte("tail"))
	w.Flush()
	assert.Contains(t, buf.String(), `"line":"tail"`)
}
