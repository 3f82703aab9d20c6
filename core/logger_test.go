package core

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(format, level string) (*ProductionLogger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := NewProductionLogger(LoggingConfig{Level: level, Format: format}, "test-service")
	logger.out = buf
	return logger, buf
}

func TestProductionLoggerJSONFormat(t *testing.T) {
	logger, buf := newTestLogger("json", "debug")

	logger.Info("agent registered", map[string]interface{}{
		"operation": "register",
		"agent_id":  "a1",
	})

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))

	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, "test-service", record["service"])
	assert.Equal(t, "agent registered", record["message"])
	assert.Equal(t, "register", record["operation"])
	assert.Equal(t, "a1", record["agent_id"])
}

func TestProductionLoggerTextFormat(t *testing.T) {
	logger, buf := newTestLogger("text", "debug")

	logger.Warn("load underflow", map[string]interface{}{"agent_id": "a2"})

	line := buf.String()
	assert.Contains(t, line, "[WARN]")
	assert.Contains(t, line, "load underflow")
	assert.Contains(t, line, "agent_id=a2")
}

func TestProductionLoggerLevelFiltering(t *testing.T) {
	logger, buf := newTestLogger("text", "warn")

	logger.Debug("ignored", nil)
	logger.Info("ignored", nil)
	assert.Empty(t, buf.String())

	logger.Error("kept", nil)
	assert.Equal(t, 1, strings.Count(buf.String(), "kept"))
}
