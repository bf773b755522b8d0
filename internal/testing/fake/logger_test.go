package fake

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogBuffer_Count(t *testing.T) {
	logger, buf := NewLogger()

	logger.Info().Msg("hello")
	logger.Warn().Int("n", 2).Msg("hello")
	logger.Debug().Msg("bye")

	require.Equal(t, 2, buf.Count("hello"))
	require.Equal(t, 1, buf.Count("bye"))
	require.Equal(t, 0, buf.Count("unknown"))
	require.Len(t, buf.Entries(), 3)
}

func TestCheckLog(t *testing.T) {
	logger, check := CheckLog("hello")

	logger.Info().Msg("hello")
	check(t)
}

func TestErr(t *testing.T) {
	require.EqualError(t, GetError(), "fake error")
	require.Equal(t, "oops: fake error", Err("oops"))
}
