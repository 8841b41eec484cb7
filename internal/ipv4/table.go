package ipv4

import "net"

// Recipient is the value an Ipv4's routing IpTable maps a destination
// network to: which PCI slot reaches it, and (if already known) the MAC to
// send to directly — leaving MAC nil defers to ARP resolution (spec.md
// §4.3 "open"). Grounded on ipv4addr.Table[V]'s generic longest-prefix
// lookup (internal/ipv4addr/table.go), instantiated here with this
// domain-specific value type.
type Recipient struct {
	Slot uint32
	MAC  net.HardwareAddr
}
