package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "warn", Format: "json", Out: &buf})

	logger.Info().Msg("hidden")
	logger.Warn().Str(FieldHost, "web01").Msg("visible")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &event))
	assert.Equal(t, "warn", event["level"])
	assert.Equal(t, "web01", event["host"])
	assert.Equal(t, "visible", event["message"])
	assert.Contains(t, event, "time")
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Format: "console", Out: &buf})
	logger.Info().Str(FieldPhase, "prepare").Msg("starting")

	out := buf.String()
	assert.Contains(t, out, "starting")
	assert.Contains(t, out, "phase=prepare")
	assert.NotContains(t, out, "\x1b[", "no colors when not writing to a terminal")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("nonsense"))
	assert.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
}

func TestInit_SetsGlobal(t *testing.T) {
	saved := log.Logger
	defer func() { log.Logger = saved }()

	var buf bytes.Buffer
	Init(Options{Format: "json", Out: &buf})
	log.Info().Msg("global")
	assert.Contains(t, buf.String(), `"message":"global"`)
}
