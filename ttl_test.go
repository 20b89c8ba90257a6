package netrepeater

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTTLDuration(t *testing.T) {
	tests := []struct {
		ttl  TTL
		want time.Duration
	}{
		{TTL{10, "s"}, 10 * time.Second},
		{TTL{5, "m"}, 5 * time.Minute},
		{TTL{2, "h"}, 2 * time.Hour},
		{TTL{1, "d"}, 24 * time.Hour},
	}
	for _, tc := range tests {
		d, err := tc.ttl.Duration()
		require.NoError(t, err)
		require.Equal(t, tc.want, d, tc.ttl.String())
	}

	// One day normalizes to 86400 seconds.
	sec, err := TTL{1, "d"}.Seconds()
	require.NoError(t, err)
	require.Equal(t, int64(86400), sec)
}

func TestTTLInvalid(t *testing.T) {
	for _, ttl := range []TTL{
		{0, "s"},
		{-1, "m"},
		{10, "w"},
		{10, ""},
	} {
		_, err := ttl.Duration()
		require.Error(t, err, ttl.String())
	}
}
