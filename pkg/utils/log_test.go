package utils

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogHandler(t *testing.T) {
	t.Run("json_respects_level", func(t *testing.T) {
		var out bytes.Buffer
		logger := slog.New(newLogHandler(&out, HandlerTypeJSON, LogLevelWarn))
		logger.Info("Dropped.")
		assert.Zero(t, out.Len(), "Info should be filtered at warn level")

		logger.Warn("Kept.", "key", "k1")
		record := make(map[string]any)
		require.NoError(t, json.Unmarshal(out.Bytes(), &record))
		assert.Equal(t, "Kept.", record["msg"])
		assert.Equal(t, "k1", record["key"])
	})
	t.Run("text", func(t *testing.T) {
		var out bytes.Buffer
		slog.New(newLogHandler(&out, HandlerTypeText, LogLevelDebug)).Debug("Hello.")
		assert.Contains(t, out.String(), "msg=Hello.")
	})
	t.Run("unknown_values_fall_back", func(t *testing.T) {
		before := InvariantCount("log", "unsupported_handler_type")
		var out bytes.Buffer
		slog.New(newLogHandler(&out, "xml", "verbose")).Info("Fallback.")
		assert.Equal(t, before+1, InvariantCount("log", "unsupported_handler_type"))
		assert.True(t, json.Valid(out.Bytes()), "Expected the json handler as fallback")
	})
}
