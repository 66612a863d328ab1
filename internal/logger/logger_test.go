package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSONAndConsole(t *testing.T) {
	for _, format := range []string{"json", "console", "text"} {
		log, err := NewLogger(LoggingConfig{Level: "debug", Format: format, OutputPath: "stdout"})
		require.NoError(t, err)
		require.NotNil(t, log)
		log.Info("hello")
	}
}

func TestWithFieldsIsImmutable(t *testing.T) {
	base, err := NewLogger(LoggingConfig{Level: "info", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	scoped := base.WithComponent("scheduler")
	assert.NotSame(t, base, scoped)
	assert.Len(t, scoped.fields, 1)
	assert.Empty(t, base.fields)
}

func TestWithJobIDAndAgentNameChain(t *testing.T) {
	base, err := NewLogger(LoggingConfig{Level: "info", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	scoped := base.WithJobID("job-2026-01-01-ab12").WithAgentName("release-notes")
	assert.Len(t, scoped.fields, 2)
}

func TestDefaultReturnsSingleton(t *testing.T) {
	first := Default()
	second := Default()
	assert.Same(t, first, second)
}
