package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitFallsBackToInfoOnUnknownLevel(t *testing.T) {
	require.NoError(t, Init("shouting", "production"))
	require.True(t, Logger().Core().Enabled(0))
	require.False(t, Logger().Core().Enabled(-1))
}

func TestWithModuleNeverNil(t *testing.T) {
	require.NotNil(t, WithModule("ice"))
}
