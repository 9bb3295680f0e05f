package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSanitizeKVs_RedactsSensitiveKeys(t *testing.T) {
	out := sanitizeKVs([]interface{}{
		"api_key", "sk-live-123",
		"object", "companies",
		"values", map[string]interface{}{
			"email_addresses": "jane@acme.com",
			"name":            "Acme",
		},
	})

	require.Len(t, out, 6)
	assert.Equal(t, "[REDACTED]", out[1])
	assert.Equal(t, "companies", out[3])
	values := out[5].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", values["email_addresses"])
	assert.Equal(t, "Acme", values["name"])
}

func TestSanitizeKVs_OddLength(t *testing.T) {
	out := sanitizeKVs([]interface{}{"object", "deals", "dangling"})
	assert.Equal(t, []interface{}{"object", "deals", "dangling"}, out)
}

func TestLogger_WritesStructuredFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := &Logger{SugaredLogger: zap.New(core).Sugar()}

	l.With("component", "executor").Warn("reference dropped", "field", "associated_company", "authorization", "Bearer x")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "executor", fields["component"])
	assert.Equal(t, "associated_company", fields["field"])
	assert.Equal(t, "[REDACTED]", fields["authorization"])
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New("development", "loud")
	require.Error(t, err)
}
