package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairchat/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}

func TestJSONLoggerCarriesDeviceID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&config.Config{
		DeviceID:  "dev-1",
		LogLevel:  "warn",
		LogFormat: config.LogFormatJSON,
	}, &buf)

	logger.Info().Msg("dropped")
	logger.Warn().Str("component", "test").Msg("kept")

	var event map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &event))
	assert.Equal(t, "kept", event["message"])
	assert.Equal(t, "dev-1", event["device_id"])
	assert.Equal(t, "test", event["component"])
}
