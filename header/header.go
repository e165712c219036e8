package header

import (
	"encoding/binary"

	"github.com/kvnetwork/ktcp/checksum"
	"github.com/kvnetwork/ktcp/types"
)

// PseudoHeaderChecksum computes the partial checksum of the IPv4
// pseudo-header (source address, destination address, a zero byte, the
// protocol number and the transport-layer length) used as the seed for the
// TCP and UDP checksums, per RFC 793 §3.1 / RFC 768
func PseudoHeaderChecksum(protocol types.TransportProtocolNumber, srcAddr, dstAddr types.Address, totalLen uint16) uint16 {
	var pseudo [12]byte
	copy(pseudo[0:4], srcAddr)
	copy(pseudo[4:8], dstAddr)
	pseudo[8] = 0
	pseudo[9] = byte(protocol)
	binary.BigEndian.PutUint16(pseudo[10:12], totalLen)
	return checksum.Checksum(pseudo[:], 0)
}
