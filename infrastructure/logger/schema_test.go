package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestValidateEvent(t *testing.T) {
	err := ValidateEvent("risk_change", map[string]interface{}{"from": "healthy", "to": "warning", "margin_ratio": "22.00%"})
	assert.NoError(t, err)

	err = ValidateEvent("sync_failed", map[string]interface{}{"reason": "timeout"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has_snapshot")

	assert.NoError(t, ValidateEvent("unknown_event", nil))
}

func TestKnownEventsSorted(t *testing.T) {
	assert.Equal(t, []string{"risk_change", "sync_failed", "sync_recovered"}, KnownEvents())
}

func TestLogSyncMarksSchemaError(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := Wrap(zap.New(core))

	l.LogSync("sync_failed", 3, map[string]interface{}{"reason": "upstream 500"})
	l.LogSync("sync_recovered", 3, map[string]interface{}{"margin_ratio": "30.00%"})

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Contains(t, entries[0].ContextMap()["_schema_error"], "has_snapshot")
	_, marked := entries[1].ContextMap()["_schema_error"]
	assert.False(t, marked)
}
