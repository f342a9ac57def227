package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("info", "json", &buf)
	require.NoError(t, err)

	log.Debug().Msg("hidden")
	log.Info().Str("event_id", "E1").Msg("settled")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "settled", entry["message"])
	assert.Equal(t, "E1", entry["event_id"])
	assert.Equal(t, "info", entry["level"])
	assert.Contains(t, entry, "time")
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("DEBUG", "console", &buf)
	require.NoError(t, err)

	log.Debug().Msg("armed")
	assert.Contains(t, buf.String(), "armed")
	assert.NotContains(t, buf.String(), `"message"`)
}

func TestNew_Rejects(t *testing.T) {
	_, err := New("chatty", "json", &bytes.Buffer{})
	assert.Error(t, err)

	_, err = New("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}
