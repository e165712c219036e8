package types

// Address is a byte slice cast as a string that represents the address of a
// network node. Or, when we support the case of unix endpoints, it may represent a path.
type Address string

// NicId is the identifier of a network interface card as registered with a
// Stack. It is opaque to protocol implementations.
type NicId uint32

// FullAddress represents a full transport-node address, as used by
// Bind/Connect and by accepted-endpoint lookups.
type FullAddress struct {
	// Nic is the Nic this address is bound to, or 0 for any.
	Nic NicId

	// Addr is the network-layer address.
	Addr Address

	// Port is the transport-layer port.
	Port uint16
}
