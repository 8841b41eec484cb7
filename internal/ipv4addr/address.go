// Package ipv4addr implements IPv4 address, mask, and network-prefix types,
// plus the longest-prefix-match IpTable used by ARP, IPv4, and the router
// core. It has no dependency on the rest of the stack so every other
// package can share one address representation.
package ipv4addr

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Address is a 32-bit IPv4 address in network order, compared and ordered
// as its plain numeric value.
type Address uint32

// NewAddress builds an Address from four octets, most significant first.
func NewAddress(a, b, c, d uint8) Address {
	return Address(uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d))
}

// ParseAddress parses a dotted-quad string into an Address.
func ParseAddress(s string) (Address, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("ipv4addr: invalid address %q", s)
	}
	var octets [4]uint8
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("ipv4addr: invalid address %q: %w", s, err)
		}
		octets[i] = uint8(v)
	}
	return NewAddress(octets[0], octets[1], octets[2], octets[3]), nil
}

// Octets returns the address's four octets, most significant first.
func (a Address) Octets() [4]uint8 {
	return [4]uint8{
		uint8(a >> 24), uint8(a >> 16), uint8(a >> 8), uint8(a),
	}
}

// String renders the address in dotted-quad form.
func (a Address) String() string {
	o := a.Octets()
	return fmt.Sprintf("%d.%d.%d.%d", o[0], o[1], o[2], o[3])
}

// Mask is a 32-bit, left-aligned run of 1 bits.
type Mask uint32

// MaskFromBitcount builds a Mask with the given number of leading 1 bits.
// bits must be in [0, 32].
func MaskFromBitcount(n int) (Mask, error) {
	if n < 0 || n > 32 {
		return 0, fmt.Errorf("ipv4addr: mask bitcount %d out of range [0,32]", n)
	}
	if n == 0 {
		return 0, nil
	}
	return Mask(^uint32(0) << (32 - n)), nil
}

// Bitcount returns the number of leading 1 bits, or an error if the mask has
// a 0 bit followed by a 1 bit (not left-aligned).
func (m Mask) Bitcount() (int, error) {
	n := bits.LeadingZeros32(^uint32(m))
	// A valid mask is either all-ones from the top (n ones) followed by
	// all-zeros. Reconstructing it and comparing catches "interior zero"
	// masks like 255.0.255.0.
	want, _ := MaskFromBitcount(n)
	if Mask(want) != m {
		return 0, fmt.Errorf("ipv4addr: mask %s has 1 bits after a 0 bit", m)
	}
	return n, nil
}

// String renders the mask in dotted-quad form.
func (m Mask) String() string {
	return Address(m).String()
}

// Net is an (address, mask) pair naming an IPv4 network (or a single host,
// when mask is /32).
type Net struct {
	Address Address
	Mask    Mask
}

// ID returns the network address: Address masked down to its network bits.
func (n Net) ID() Address {
	return n.Address & Address(n.Mask)
}

// Broadcast returns the network's broadcast address: the network ID with
// every host bit set to 1.
func (n Net) Broadcast() Address {
	return n.ID() | Address(^uint32(n.Mask))
}

// String renders the network in CIDR form.
func (n Net) String() string {
	bitcount, err := n.Mask.Bitcount()
	if err != nil {
		return fmt.Sprintf("%s/<invalid mask %s>", n.Address, n.Mask)
	}
	return fmt.Sprintf("%s/%d", n.Address, bitcount)
}

// ParseCIDR parses "a.b.c.d/n" into a Net. A prefix length n outside 0..32
// is rejected by MaskFromBitcount.
func ParseCIDR(s string) (Net, error) {
	addrPart, bitsPart, ok := strings.Cut(s, "/")
	if !ok {
		return Net{}, fmt.Errorf("ipv4addr: invalid CIDR %q: missing '/'", s)
	}
	addr, err := ParseAddress(addrPart)
	if err != nil {
		return Net{}, fmt.Errorf("ipv4addr: invalid CIDR %q: %w", s, err)
	}
	n, err := strconv.Atoi(bitsPart)
	if err != nil {
		return Net{}, fmt.Errorf("ipv4addr: invalid CIDR %q: %w", s, err)
	}
	mask, err := MaskFromBitcount(n)
	if err != nil {
		return Net{}, fmt.Errorf("ipv4addr: invalid CIDR %q: %w", s, err)
	}
	return Net{Address: addr, Mask: mask}, nil
}

// NetworkID computes the network address of addr under mask, independent of
// any stored Net. Exported for use by ARP subnetting (§4.4) which compares
// network_id(local, mask) against network_id(remote, mask) directly.
func NetworkID(addr Address, mask Mask) Address {
	return addr & Address(mask)
}
