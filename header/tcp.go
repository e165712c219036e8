package header

import (
	"encoding/binary"

	"github.com/kvnetwork/ktcp/checksum"
	"github.com/kvnetwork/ktcp/types"
)

const (
	srcPort		= 0
	dstPort		= 2
	seqNum		= 4
	ackNum		= 8
	dataOffset	= 12
	tcpFlags	= 13
	winSize		= 14
	tcpChecksum	= 16
	urgentPtr	= 18
)

// Flags that may be set in a TCP segment
const (
	TCPFlagFin	= 1	<< iota
	TCPFlagSyn
	TCPFlagRst
	TCPFlagPsh
	TCPFlagAck
	TCPFlagUrg
)

// TCP option kinds, per RFC 793 / RFC 1323
const (
	TCPOptionEND = 0
	TCPOptionNOP = 1
	TCPOptionMSS = 2
	TCPOptionWS  = 3
)

// TCPFields contains the fields of a TCP packet. It is used to describe the
// fields of a packet that needs to be encoded
type TCPFields struct {
	SrcPort 	uint16

	DstPort 	uint16

	SeqNum 		uint32

	AckNum 		uint32

	DataOffset 	uint8

	Flags 		uint8

	WindowSize	uint16

	Checksum 	uint16

	UrgentPointer uint16
}

// TCP represents a TCP header stored in a byte order
type TCP []byte

const (
	// TCPMinimumSize is the minimum size of a valid TCP packet
	TCPMinimumSize = 20

	// TCPProtocolNumber is TCP's transport protocol number
	TCPProtocolNumber types.TransportProtocolNumber	= 6

	// TCPDefaultMSS is used when the peer didn't provide an MSS option,
	// per RFC 879 section 1
	TCPDefaultMSS = 536
)

func (b TCP) SourcePort() uint16 {
	return binary.BigEndian.Uint16(b[srcPort:])
}

func (b TCP) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(b[dstPort:])
}

func (b TCP) SequenceNumber() uint32 {
	return binary.BigEndian.Uint32(b[seqNum:])
}

func (b TCP) AckNumber() uint32 {
	return binary.BigEndian.Uint32(b[ackNum:])
}

// DataOffset returns the size, in bytes, of the TCP header (fixed part plus
// options); the on-wire field is a count of 32-bit words, held in the upper
// nibble of byte 12
func (b TCP) DataOffset() uint8 {
	return (b[dataOffset] >> 4) * 4
}

func (b TCP) Payload() []byte {
	return b[b.DataOffset():]
}

func (b TCP) Flags() uint8 {
	return b[tcpFlags]
}

func (b TCP) WindowSize() uint16 {
	return binary.BigEndian.Uint16(b[winSize:])
}

// Checksum returns the checksum field of the tcp header
func (b TCP) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[tcpChecksum:])
}

// UrgentPointer returns the urgent pointer field; it is the offset from the
// sequence number to the first *non-urgent* byte
func (b TCP) UrgentPointer() uint16 {
	return binary.BigEndian.Uint16(b[urgentPtr:])
}

// Options returns a slice holding the unparsed TCP header options
func (b TCP) Options() []byte {
	return b[TCPMinimumSize:b.DataOffset()]
}

// SetSourcePort sets the "source port" field of the tcp header
func (b TCP) SetSourcePort(v uint16) {
	binary.BigEndian.PutUint16(b[srcPort:], v)
}

// SetDestinationPort sets the "destination port" field of the tcp header
func (b TCP) SetDestinationPort(v uint16) {
	binary.BigEndian.PutUint16(b[dstPort:], v)
}

// SetChecksum sets the checksum field of the tcp header
func (b TCP) SetChecksum(v uint16) {
	binary.BigEndian.PutUint16(b[tcpChecksum:], v)
}

// SetDataOffset sets the data offset field, given the total header length in
// bytes (fixed part plus options); the value is rounded to 32-bit words as
// the wire format requires
func (b TCP) SetDataOffset(v uint8) {
	b[dataOffset] = (v / 4) << 4
}

// SetSequenceNumber sets the sequence number field
func (b TCP) SetSequenceNumber(v uint32) {
	binary.BigEndian.PutUint32(b[seqNum:], v)
}

// SetAckNumber sets the ack number field
func (b TCP) SetAckNumber(v uint32) {
	binary.BigEndian.PutUint32(b[ackNum:], v)
}

// SetFlags sets the flags field
func (b TCP) SetFlags(v uint8) {
	b[tcpFlags] = v
}

// SetWindowSize sets the window size field
func (b TCP) SetWindowSize(v uint16) {
	binary.BigEndian.PutUint16(b[winSize:], v)
}

// SetUrgentPointer sets the urgent pointer field
func (b TCP) SetUrgentPointer(v uint16) {
	binary.BigEndian.PutUint16(b[urgentPtr:], v)
}

// Encode encodes all the fixed fields of the tcp header and copies in the
// caller-supplied, already-serialized options area. t.DataOffset must
// already account for len(opts)
func (b TCP) Encode(t *TCPFields, opts []byte) {
	b.SetSourcePort(t.SrcPort)
	b.SetDestinationPort(t.DstPort)
	b.SetSequenceNumber(t.SeqNum)
	b.SetAckNumber(t.AckNum)
	b.SetDataOffset(t.DataOffset)
	b.SetFlags(t.Flags)
	b.SetWindowSize(t.WindowSize)
	b.SetChecksum(t.Checksum)
	b.SetUrgentPointer(t.UrgentPointer)
	if len(opts) > 0 {
		copy(b[TCPMinimumSize:], opts)
	}
}

// CalculateChecksum folds the segment (header plus payload) into the partial
// checksum of the pseudo-header and returns the value to place on the wire
func (b TCP) CalculateChecksum(pseudoHeaderSum uint16, payload []byte) uint16 {
	xsum := checksum.Checksum(b, pseudoHeaderSum)
	xsum = checksum.Checksum(payload, xsum)
	return checksum.Complement(xsum)
}

// TCPSynOptions is a summary of the TCP options a peer reported on a SYN (or
// SYN+ACK) segment, used to set up the sender/receiver
type TCPSynOptions struct {
	// MSS is the maximum segment size provided by the peer in the SYN
	MSS uint16

	// WS is the window scale option provided by the peer, or -1 if none
	// was present (scaling is then disabled for the connection)
	WS int
}

// TCPOptions is the generic set of options parsed off any TCP segment
type TCPOptions struct {
	// MSS is the value of the MSS option, or 0 if absent
	MSS uint16

	// WS is the value of the window scale option, or -1 if absent
	WS int
}

// ParseTCPOptions parses the options area of a TCP segment. Unknown option
// kinds are skipped using their length byte, per §4.1
func ParseTCPOptions(b []byte) TCPOptions {
	opts := TCPOptions{WS: -1}
	for i := 0; i < len(b); {
		switch b[i] {
		case TCPOptionEND:
			return opts
		case TCPOptionNOP:
			i++
		case TCPOptionMSS:
			if i+4 > len(b) || b[i+1] != 4 {
				return opts
			}
			opts.MSS = binary.BigEndian.Uint16(b[i+2:])
			i += 4
		case TCPOptionWS:
			if i+3 > len(b) || b[i+1] != 3 {
				return opts
			}
			opts.WS = int(b[i+2])
			i += 3
		default:
			if i+2 > len(b) {
				return opts
			}
			l := int(b[i+1])
			if l < 2 {
				return opts
			}
			i += l
		}
	}
	return opts
}

// ParseSynOptions is a convenience wrapper over ParseTCPOptions returning the
// TCPSynOptions shape the handshake code consumes, substituting the default
// MSS when the peer didn't send one. rcvdAck indicates whether the segment
// being parsed carries the ACK flag: per RFC 1323, a window scale option is
// only honored if it was exchanged on both the SYN and the SYN-ACK, so a
// pure SYN's WS is always recorded but a SYN-ACK's WS is only meaningful once
// the active opener already sent its own
func ParseSynOptions(b []byte, rcvdAck bool) TCPSynOptions {
	o := ParseTCPOptions(b)
	mss := o.MSS
	if mss == 0 {
		mss = TCPDefaultMSS
	}
	return TCPSynOptions{MSS: mss, WS: o.WS}
}

// ParsedOptions parses and returns the options carried by this TCP segment
func (b TCP) ParsedOptions() TCPOptions {
	return ParseTCPOptions(b.Options())
}

// EncodeMSSOption writes an MSS option (kind 2, length 4) to b and returns
// the number of bytes written
func EncodeMSSOption(mss uint16, b []byte) int {
	b[0] = TCPOptionMSS
	b[1] = 4
	binary.BigEndian.PutUint16(b[2:], mss)
	return 4
}

// EncodeWSOption writes a window scale option (kind 3, length 3) to b and
// returns the number of bytes written
func EncodeWSOption(ws int, b []byte) int {
	b[0] = TCPOptionWS
	b[1] = 3
	b[2] = uint8(ws)
	return 3
}

// EncodeOptions serializes an MSS option (if mss != 0) and a window scale
// option (if ws >= 0) into b, padding the result to a multiple of four bytes
// with NOPs as the wire format requires, and returns the number of bytes
// written
func EncodeOptions(b []byte, mss uint16, ws int) int {
	off := 0
	if mss != 0 {
		off += EncodeMSSOption(mss, b[off:])
	}
	if ws >= 0 {
		// A single leading NOP lines the 3-byte WS option up the way
		// most stacks emit it.
		b[off] = TCPOptionNOP
		off++
		off += EncodeWSOption(ws, b[off:])
	}
	for off%4 != 0 {
		b[off] = TCPOptionNOP
		off++
	}
	return off
}

// OptionsSize reports the serialized size, in bytes, EncodeOptions would
// produce for the given MSS/WS combination
func OptionsSize(mss uint16, ws int) int {
	off := 0
	if mss != 0 {
		off += 4
	}
	if ws >= 0 {
		off += 1 + 3
	}
	for off%4 != 0 {
		off++
	}
	return off
}
