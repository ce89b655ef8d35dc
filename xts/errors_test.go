package xts

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorsIsMatchesSentinelKind(t *testing.T) {
	err := errInvalidState("Process", "cipher has been disposed")
	require.True(t, errors.Is(err, InvalidState))
	require.False(t, errors.Is(err, InvalidArgument))
	require.False(t, errors.Is(err, OutOfRange))
}

func TestErrorsIsMatchesOtherErrorOfSameKind(t *testing.T) {
	a := errOutOfRange("reset", "start block exceeds blocks per sector")
	b := errOutOfRange("Encrypt", "offset exceeds buffer")
	require.True(t, errors.Is(a, b))
}

func TestErrorMessageNamesOpAndMsg(t *testing.T) {
	err := errInvalidArgument("New", "sector size must be at least 16 bytes")
	require.Equal(t, "xts: New: sector size must be at least 16 bytes", err.Error())
}
