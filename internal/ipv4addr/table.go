package ipv4addr

import "sort"

// Table is an ordered map from (network ID, mask) to a value, supporting
// longest-prefix-match lookup by a single address. It is grounded on
// original_source/sim/elvis-core/src/ip_table.rs: every stored key satisfies
// address == NetworkID(address, mask), and lookup tries masks from most to
// least specific (the greatest bitcount first).
//
// Table is not safe for concurrent use without external synchronization;
// callers that mutate it from multiple goroutines (the router core) hold
// their own mutex around it.
type Table[V any] struct {
	// rows maps a mask's bitcount to the rows sharing that specificity,
	// keyed by network ID. Grouping by bitcount keeps the "masks from most
	// specific to least" scan cheap and lets refcounts track per-mask use.
	rows     map[int]map[Address]V
	refcount map[int]int
}

// NewTable returns an empty Table.
func NewTable[V any]() *Table[V] {
	return &Table[V]{
		rows:     make(map[int]map[Address]V),
		refcount: make(map[int]int),
	}
}

// Insert adds or overwrites the entry for (addr masked by mask, mask).
func (t *Table[V]) Insert(addr Address, mask Mask, v V) {
	bc, err := mask.Bitcount()
	if err != nil {
		// An invalid mask has no bitcount; file the entry under 32, the
		// same fallback Remove uses, so Remove can still find it.
		bc = 32
	}
	id := NetworkID(addr, mask)
	if t.rows[bc] == nil {
		t.rows[bc] = make(map[Address]V)
	}
	if _, exists := t.rows[bc][id]; !exists {
		t.refcount[bc]++
	}
	t.rows[bc][id] = v
}

// InsertCIDR inserts v for the network named by the CIDR string s.
func (t *Table[V]) InsertCIDR(s string, v V) error {
	n, err := ParseCIDR(s)
	if err != nil {
		return err
	}
	t.Insert(n.Address, n.Mask, v)
	return nil
}

// InsertHost inserts v for addr as a single /32 host route.
func (t *Table[V]) InsertHost(addr Address, v V) {
	mask, _ := MaskFromBitcount(32)
	t.Insert(addr, mask, v)
}

// Remove deletes the entry for (addr masked by mask, mask), if present.
func (t *Table[V]) Remove(addr Address, mask Mask) {
	bc, err := mask.Bitcount()
	if err != nil {
		bc = 32
	}
	id := NetworkID(addr, mask)
	row := t.rows[bc]
	if row == nil {
		return
	}
	if _, ok := row[id]; !ok {
		return
	}
	delete(row, id)
	t.refcount[bc]--
	if t.refcount[bc] <= 0 {
		delete(t.rows, bc)
		delete(t.refcount, bc)
	}
}

// RemoveCIDR removes the entry named by the CIDR string s.
func (t *Table[V]) RemoveCIDR(s string) error {
	n, err := ParseCIDR(s)
	if err != nil {
		return err
	}
	t.Remove(n.Address, n.Mask)
	return nil
}

// Lookup returns the value whose key's mask has the most 1 bits among all
// keys k such that NetworkID(addr, k.Mask) == k.Address (spec.md §8
// invariant 4).
func (t *Table[V]) Lookup(addr Address) (V, bool) {
	bitcounts := make([]int, 0, len(t.rows))
	for bc := range t.rows {
		bitcounts = append(bitcounts, bc)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(bitcounts)))

	for _, bc := range bitcounts {
		mask, err := MaskFromBitcount(bc)
		if err != nil {
			continue
		}
		id := NetworkID(addr, mask)
		if v, ok := t.rows[bc][id]; ok {
			return v, true
		}
	}
	var zero V
	return zero, false
}

// Len returns the total number of entries across all masks.
func (t *Table[V]) Len() int {
	n := 0
	for _, row := range t.rows {
		n += len(row)
	}
	return n
}

// Walk calls fn once for every entry, in no particular order. fn must not
// mutate the Table.
func (t *Table[V]) Walk(fn func(addr Address, mask Mask, v V)) {
	for bc, row := range t.rows {
		mask, err := MaskFromBitcount(bc)
		if err != nil {
			continue
		}
		for addr, v := range row {
			fn(addr, mask, v)
		}
	}
}
