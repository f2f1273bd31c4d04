package seqnum

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderWraps(t *testing.T) {
	require.True(t, Order(10, 11))
	require.False(t, Order(11, 10))
	require.True(t, Order(0xFFFF, 0))
	require.False(t, Order(0, 0xFFFF))
}

func TestOrderAntisymmetric(t *testing.T) {
	samples := []uint16{0, 1, 100, 0x7FFF, 0x8000, 0xFFFE, 0xFFFF}
	for _, a := range samples {
		for _, b := range samples {
			if a == b {
				continue
			}
			require.Equal(t, Order(a, b), !Order(b, a), "a=%d b=%d", a, b)
		}
	}
}

func TestNtpMsRoundTrip(t *testing.T) {
	for _, ms := range []int64{0, 1, 999, 1000, 123456, 4294967295} {
		got := NtpToMs(MsToNtp(ms))
		require.Equal(t, ms, got)
	}
}

func TestSignedNtpDiffToMsNegative(t *testing.T) {
	// A remote clock ahead of the projection means expected < remote in NTP domain;
	// the signed helper must preserve that sign through to milliseconds.
	expected := MsToNtp(5000)
	remote := MsToNtp(5040)
	delta := SignedNtpDiffToMs(int64(expected) - int64(remote))
	require.Less(t, delta, int64(0))
	require.InDelta(t, -40, delta, 1)
}

func TestSignedNtpDiffToMsPositive(t *testing.T) {
	expected := MsToNtp(5040)
	remote := MsToNtp(5000)
	delta := SignedNtpDiffToMs(int64(expected) - int64(remote))
	require.Greater(t, delta, int64(0))
	require.InDelta(t, 40, delta, 1)
}
