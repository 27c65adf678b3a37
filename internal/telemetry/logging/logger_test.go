package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_FiltersBelowConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: WarnLevel, Format: TextFormat, Output: &buf})

	l.Info("should not appear")
	l.Warn("should appear")

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "should appear")
}

func TestLogger_JSONFormatIncludesComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: DebugLevel, Format: JSONFormat, Output: &buf}).WithComponent("breaker")

	l.Error("dependency down", "name", "openai", "attempts", 3)

	line := strings.TrimSpace(buf.String())
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &decoded))
	assert.Equal(t, "breaker", decoded["component"])
	assert.Equal(t, "dependency down", decoded["message"])
	fields := decoded["fields"].(map[string]interface{})
	assert.Equal(t, "openai", fields["name"])
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, WarnLevel, lvl)

	_, err = ParseLevel("nonsense")
	assert.Error(t, err)
}
