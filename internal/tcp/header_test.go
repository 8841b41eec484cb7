package tcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elvis-sim/elvis/internal/ipv4addr"
	"github.com/elvis-sim/elvis/internal/proto"
)

func TestTCP_Header_BuildParse_RoundTrips(t *testing.T) {
	t.Parallel()

	src, err := ipv4addr.ParseAddress("10.0.0.1")
	require.NoError(t, err)
	dst, err := ipv4addr.ParseAddress("10.0.0.2")
	require.NoError(t, err)

	h := Header{
		SourcePort:      1234,
		DestinationPort: 80,
		SeqNum:          100,
		AckNum:          0,
		Flags:           FlagSYN,
		Window:          65535,
	}
	raw := Build(src, dst, h, nil)
	require.Len(t, raw, HeaderLen)

	got, err := Parse(raw, src, dst, nil)
	require.NoError(t, err)
	assert.Equal(t, h.SourcePort, got.SourcePort)
	assert.Equal(t, h.DestinationPort, got.DestinationPort)
	assert.Equal(t, h.SeqNum, got.SeqNum)
	assert.Equal(t, h.AckNum, got.AckNum)
	assert.Equal(t, h.Flags, got.Flags)
	assert.True(t, got.Flags.Has(FlagSYN))
	assert.False(t, got.Flags.Has(FlagACK))
}

func TestTCP_Header_Parse_RejectsShortHeaderAndOptions(t *testing.T) {
	t.Parallel()

	src, _ := ipv4addr.ParseAddress("10.0.0.1")
	dst, _ := ipv4addr.ParseAddress("10.0.0.2")

	t.Run("too short", func(t *testing.T) {
		_, err := Parse(make([]byte, 10), src, dst, nil)
		require.ErrorIs(t, err, proto.ErrHeader)
	})

	t.Run("unsupported data offset", func(t *testing.T) {
		raw := Build(src, dst, Header{Flags: FlagACK}, nil)
		raw[12] = 6 << 4
		_, err := Parse(raw, src, dst, nil)
		require.ErrorIs(t, err, proto.ErrHeader)
	})

	t.Run("corrupted checksum", func(t *testing.T) {
		raw := Build(src, dst, Header{Flags: FlagACK}, nil)
		raw[17] ^= 0xFF
		_, err := Parse(raw, src, dst, nil)
		require.ErrorIs(t, err, proto.ErrHeader)
	})
}

func TestTCP_Flags_HasChecksIndividualBits(t *testing.T) {
	t.Parallel()

	f := FlagSYN | FlagACK
	assert.True(t, f.Has(FlagSYN))
	assert.True(t, f.Has(FlagACK))
	assert.False(t, f.Has(FlagFIN))
	assert.False(t, f.Has(FlagRST))
}
