package header

import (
	"encoding/binary"

	"github.com/kvnetwork/ktcp/checksum"
	"github.com/kvnetwork/ktcp/types"
)

const (
	udpSrcPort	= 0
	udpDstPort	= 2
	udpLength	= 4
	udpChecksum	= 6
)

// UDPFields contains the fields of a UDP packet. It is used to describe the
// fields of a packet that needs to be encoded
type UDPFields struct {
	// SrcPort is the "source port" field of a UDP packet
	SrcPort uint16

	// DstPort is the "destination port" field of a UDP packet
	DstPort uint16

	// Length is the "length" field of a UDP packet
	Length uint16

	// Checkum is the "checksum" field of a UDP packet
	Checkum uint16
}

const (
	// UDPMinimumSize is the minimum size of a valid UDP packet
	UDPMinimumSize = 8

	// UDPProtocolNumber is UDP's transport protocol number
	UDPProtocolNumber types.TransportProtocolNumber = 17
)

// UDP represents a UDP header stored in a byte array
type UDP []byte

// SourcePort returns the "source port" field  of the udp header
func (b UDP) SourcePort() uint16 {
	return binary.BigEndian.Uint16(b[udpSrcPort:])
}

// DestinationPort returns the "destination port" field of the udp header
func (b UDP) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(b[udpDstPort:])
}

// Length returns the "length" field of the udp header
func (b UDP) Length() uint16 {
	return binary.BigEndian.Uint16(b[udpLength:])
}

// Checksum returns the checksum field of the udp header
func (b UDP) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[udpChecksum:])
}

// SetSourcePort sets the "source port" field of the udp header
func (b UDP) SetSourcePort(v uint16) {
	binary.BigEndian.PutUint16(b[udpSrcPort:], v)
}

// SetDestinationPort sets the "destination port" field of the udp header
func (b UDP) SetDestinationPort(v uint16) {
	binary.BigEndian.PutUint16(b[udpDstPort:], v)
}

// SetLength sets the "length" field of the udp header
func (b UDP) SetLength(v uint16) {
	binary.BigEndian.PutUint16(b[udpLength:], v)
}

// SetChecksum sets the checksum field of the udp header
func (b UDP) SetChecksum(v uint16) {
	binary.BigEndian.PutUint16(b[udpChecksum:], v)
}

// Encode encodes all the fields of the udp header
func (b UDP) Encode(u *UDPFields) {
	b.SetSourcePort(u.SrcPort)
	b.SetDestinationPort(u.DstPort)
	b.SetLength(u.Length)
	b.SetChecksum(u.Checkum)
}

// CalculateChecksum folds the datagram (header plus payload) into the
// partial checksum of the pseudo-header and returns the value to place on
// the wire
func (b UDP) CalculateChecksum(pseudoHeaderSum uint16, payload []byte) uint16 {
	xsum := checksum.Checksum(b, pseudoHeaderSum)
	xsum = checksum.Checksum(payload, xsum)
	return checksum.Complement(xsum)
}
