package ipv4addr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elvis-sim/elvis/internal/ipv4addr"
)

func TestElvis_Ipv4addr_Table_Lookup_LongestPrefixWins(t *testing.T) {
	t.Parallel()

	table := ipv4addr.NewTable[string]()
	require.NoError(t, table.InsertCIDR("10.0.0.0/8", "default"))
	require.NoError(t, table.InsertCIDR("10.1.0.0/16", "mid"))
	require.NoError(t, table.InsertCIDR("10.1.2.0/24", "specific"))

	addr, err := ipv4addr.ParseAddress("10.1.2.5")
	require.NoError(t, err)

	v, ok := table.Lookup(addr)
	require.True(t, ok)
	assert.Equal(t, "specific", v)

	other, err := ipv4addr.ParseAddress("10.1.9.5")
	require.NoError(t, err)
	v, ok = table.Lookup(other)
	require.True(t, ok)
	assert.Equal(t, "mid", v)

	outside, err := ipv4addr.ParseAddress("10.9.9.9")
	require.NoError(t, err)
	v, ok = table.Lookup(outside)
	require.True(t, ok)
	assert.Equal(t, "default", v)
}

func TestElvis_Ipv4addr_Table_Lookup_NoRouteReturnsFalse(t *testing.T) {
	t.Parallel()

	table := ipv4addr.NewTable[string]()
	require.NoError(t, table.InsertCIDR("192.168.0.0/24", "lan"))

	addr, err := ipv4addr.ParseAddress("8.8.8.8")
	require.NoError(t, err)

	_, ok := table.Lookup(addr)
	assert.False(t, ok)
}

func TestElvis_Ipv4addr_Table_Remove_DropsRowOnlyWhenLastOfItsBitcount(t *testing.T) {
	t.Parallel()

	table := ipv4addr.NewTable[string]()
	require.NoError(t, table.InsertCIDR("10.0.0.0/24", "a"))
	require.NoError(t, table.InsertCIDR("10.1.0.0/24", "b"))
	assert.Equal(t, 2, table.Len())

	require.NoError(t, table.RemoveCIDR("10.0.0.0/24"))
	assert.Equal(t, 1, table.Len())

	addrA, err := ipv4addr.ParseAddress("10.0.0.1")
	require.NoError(t, err)
	_, ok := table.Lookup(addrA)
	assert.False(t, ok, "removed entry must no longer match")

	addrB, err := ipv4addr.ParseAddress("10.1.0.1")
	require.NoError(t, err)
	_, ok = table.Lookup(addrB)
	assert.True(t, ok, "surviving entry at the same bitcount must still match")

	require.NoError(t, table.RemoveCIDR("10.1.0.0/24"))
	assert.Equal(t, 0, table.Len())
}

func TestElvis_Ipv4addr_Table_Walk_VisitsEveryEntry(t *testing.T) {
	t.Parallel()

	table := ipv4addr.NewTable[int]()
	require.NoError(t, table.InsertCIDR("10.0.0.0/8", 1))
	require.NoError(t, table.InsertCIDR("10.1.0.0/16", 2))

	seen := map[string]int{}
	table.Walk(func(addr ipv4addr.Address, mask ipv4addr.Mask, v int) {
		seen[ipv4addr.Net{Address: addr, Mask: mask}.String()] = v
	})

	assert.Equal(t, map[string]int{
		"10.0.0.0/8":  1,
		"10.1.0.0/16": 2,
	}, seen)
}

func TestElvis_Ipv4addr_Table_InsertHost_MatchesOnlyExactAddress(t *testing.T) {
	t.Parallel()

	table := ipv4addr.NewTable[string]()
	host, err := ipv4addr.ParseAddress("10.0.0.5")
	require.NoError(t, err)
	table.InsertHost(host, "pinned")

	v, ok := table.Lookup(host)
	require.True(t, ok)
	assert.Equal(t, "pinned", v)

	neighbor, err := ipv4addr.ParseAddress("10.0.0.6")
	require.NoError(t, err)
	_, ok = table.Lookup(neighbor)
	assert.False(t, ok)
}
