package protocol

import "fmt"

// AddressKind distinguishes the three mesh destination addressing modes.
type AddressKind int

const (
	AddressUnicast AddressKind = iota
	AddressGroup
	AddressBroadcast
)

const (
	unicastMin   = 0x0001
	unicastMax   = 0x7FFF
	groupMin     = 0xC000
	groupMax     = 0xFEFF
	broadcastAll = 0xFFFF
)

// Address identifies a mesh message destination: a single node, a set of subscribed nodes, or all
// nodes. The kind is fixed at construction; a value obtained from one of the constructors or from
// ValidateAddress never changes classification.
type Address struct {
	value uint16
	kind  AddressKind
}

// UnicastAddress constructs the address of a single node. The caller must pass a value in
// 0x0001-0x7FFF; out-of-range values are reported by ValidateAddress instead.
func UnicastAddress(v uint16) Address {
	return Address{value: v, kind: AddressUnicast}
}

// GroupAddress constructs a group (subscription) address.
func GroupAddress(v uint16) Address {
	return Address{value: v, kind: AddressGroup}
}

// BroadcastAddress addresses every node in the network.
func BroadcastAddress() Address {
	return Address{value: broadcastAll, kind: AddressBroadcast}
}

// ValidateAddress classifies a raw 16-bit value by range. Values in the reserved and unassigned
// ranges (0x0000, 0x8000-0xBFFF, 0xFF00-0xFFFE) fail with ErrInvalidAddress.
func ValidateAddress(raw uint16) (Address, error) {
	switch {
	case raw >= unicastMin && raw <= unicastMax:
		return UnicastAddress(raw), nil
	case raw >= groupMin && raw <= groupMax:
		return GroupAddress(raw), nil
	case raw == broadcastAll:
		return BroadcastAddress(), nil
	}
	return Address{}, ErrInvalidAddress
}

func (a Address) Value() uint16 {
	return a.value
}

func (a Address) Kind() AddressKind {
	return a.kind
}

func (a Address) IsUnicast() bool {
	return a.kind == AddressUnicast
}

func (a Address) String() string {
	switch a.kind {
	case AddressGroup:
		return fmt.Sprintf("group(%#04x)", a.value)
	case AddressBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("%#04x", a.value)
	}
}

// AddressSpace mints unicast addresses for newly provisioned nodes. It is the single authority for
// allocation within a network: addresses are handed out in strictly increasing order and never
// reissued for the lifetime of the network.
type AddressSpace struct {
	next uint16
}

// NewAddressSpace returns an allocator whose cursor starts at start. Passing the address after the
// provisioner's own primary element is typical.
func NewAddressSpace(start uint16) *AddressSpace {
	return &AddressSpace{next: start}
}

// AllocateUnicast returns the cursor value and advances it by elements (the number of addresses
// the node occupies, one per element). Fails with ErrAddressExhausted once the cursor would pass
// 0x7FFF.
func (s *AddressSpace) AllocateUnicast(elements uint16) (Address, error) {
	if elements == 0 {
		elements = 1
	}
	if s.next < unicastMin || uint32(s.next)+uint32(elements)-1 > unicastMax {
		return Address{}, ErrAddressExhausted
	}
	addr := UnicastAddress(s.next)
	s.next += elements
	return addr, nil
}

// Next reports the cursor without advancing it.
func (s *AddressSpace) Next() uint16 {
	return s.next
}
