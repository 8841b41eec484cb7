package ipv4_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elvis-sim/elvis/internal/ipv4"
	"github.com/elvis-sim/elvis/internal/ipv4addr"
	"github.com/elvis-sim/elvis/internal/proto"
)

func TestIPv4_Header_BuildParse_RoundTrips(t *testing.T) {
	t.Parallel()

	src, err := ipv4addr.ParseAddress("10.0.0.1")
	require.NoError(t, err)
	dst, err := ipv4addr.ParseAddress("10.0.0.2")
	require.NoError(t, err)

	h := ipv4.Header{
		ToS:          1,
		Ident:        42,
		DontFragment: true,
		TTL:          64,
		Protocol:     ipv4.ProtocolUDP,
		Source:       src,
		Destination:  dst,
	}
	raw := ipv4.Build(h, 100)
	require.Len(t, raw, ipv4.HeaderLen)

	got, err := ipv4.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, h.ToS, got.ToS)
	assert.Equal(t, h.Ident, got.Ident)
	assert.True(t, got.DontFragment)
	assert.False(t, got.MoreFragments)
	assert.Equal(t, h.TTL, got.TTL)
	assert.Equal(t, h.Protocol, got.Protocol)
	assert.Equal(t, src, got.Source)
	assert.Equal(t, dst, got.Destination)
	assert.Equal(t, uint16(ipv4.HeaderLen+100), got.TotalLength)
}

func TestIPv4_Header_Parse_RejectsShortHeader(t *testing.T) {
	t.Parallel()

	_, err := ipv4.Parse(make([]byte, 10))
	require.ErrorIs(t, err, proto.ErrHeader)
}

func TestIPv4_Header_Parse_RejectsBadVersionIHLAndChecksum(t *testing.T) {
	t.Parallel()

	raw := ipv4.Build(ipv4.Header{TTL: 10, Protocol: ipv4.ProtocolTCP}, 0)

	t.Run("wrong version", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[0] = 0x50 // version 5, ihl 0
		_, err := ipv4.Parse(bad)
		require.ErrorIs(t, err, proto.ErrHeader)
	})

	t.Run("options present (ihl != 5)", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[0] = 0x46 // version 4, ihl 6
		_, err := ipv4.Parse(bad)
		require.ErrorIs(t, err, proto.ErrHeader)
	})

	t.Run("corrupted checksum", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[11] ^= 0xFF
		_, err := ipv4.Parse(bad)
		require.ErrorIs(t, err, proto.ErrHeader)
	})
}
