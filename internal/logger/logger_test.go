package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"verbose", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}

func TestValidLevel(t *testing.T) {
	assert.True(t, ValidLevel("debug"))
	assert.True(t, ValidLevel("Warn"))
	assert.False(t, ValidLevel(""))
	assert.False(t, ValidLevel("trace"))
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	InitWriter("debug", false, &buf)
	defer Init("info", false)

	WithComponent("registry").Info().Int("pid", 42).Msg("Session added")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "registry", entry["component"])
	assert.Equal(t, float64(42), entry["pid"])
	assert.Equal(t, "Session added", entry["message"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWriter("warn", false, &buf)
	defer Init("info", false)

	WithComponent("x").Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	SetLevel("debug")
	WithComponent("x").Debug().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
