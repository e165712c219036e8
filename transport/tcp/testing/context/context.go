package context

import (
	"testing"
	"time"

	"github.com/kvnetwork/ktcp/buffer"
	"github.com/kvnetwork/ktcp/header"
	"github.com/kvnetwork/ktcp/link/channel"
	"github.com/kvnetwork/ktcp/link/sniffer"
	"github.com/kvnetwork/ktcp/network/ipv4"
	"github.com/kvnetwork/ktcp/seqnum"
	"github.com/kvnetwork/ktcp/stack"
	"github.com/kvnetwork/ktcp/transport/tcp"
	"github.com/kvnetwork/ktcp/types"
	"github.com/kvnetwork/ktcp/waiter"
)

const (
	// StackAddr is the IPv4 address assigned to the stack
	StackAddr = "\x0a\x00\x00\x01"

	// StackPort is used as the listening port in tests for passive connects
	StackPort = 1234

	// TestAddr is the source address for packets sent to the stack via the
	// link layer endpoint
	TestAddr = "\x0a\x00\x00\x02"

	// TestPort is the TCP port used for packets sent to the stack via the link layer
	// endpoint
	TestPort = 4096
)

// Headers describes the fields of a TCP segment a test wants to inject into
// the stack via SendPacket, plus enough IPv4 addressing to build the packet
type Headers struct {
	SrcPort uint16
	DstPort uint16
	SeqNum  seqnum.Value
	AckNum  seqnum.Value
	Flags   uint8
	RcvWnd  seqnum.Size
	TCPOpts []byte

	// UrgentPointer is only meaningful when Flags carries TCPFlagUrg; it's
	// the offset from SeqNum to the first non-urgent byte
	UrgentPointer uint16
}

// Context provides an initialized Network stack and a link layer endpoint
// for use in TCP tests
type Context struct {
	t      *testing.T
	linkEP *channel.Endpoint
	s      *stack.Stack

	// IRS is the initial sequence number of the peer simulated by this
	// context (the irs given to CreateConnected, or irsOffset given to
	// PassiveConnectWithOptions), tracked so tests can compute expected
	// seq/ack numbers
	IRS seqnum.Value

	// ISS is the initial sequence number the stack itself chose, captured
	// off the wire from its SYN (CreateConnected) or SYN-ACK
	// (PassiveConnectWithOptions) since it can't be predicted ahead of time
	ISS seqnum.Value

	// Port is the port the peer simulated by this context is communicating
	// with, i.e. the test endpoint's local port
	Port uint16

	// WQ is the waiter queue associated with EP
	WQ waiter.Queue

	// EP is the test endpoint in the stack owned by this context. This endpoint
	// is used in various tests to either initiate an active context or is used
	// as a passive listening endpoint to accept inbound connections
	EP types.Endpoint
}

// New allocations and initializes a test context containing a new
// stack and a link-layer endpoint
func New(t *testing.T, mtu uint32) *Context {
	s := stack.New([]string{ipv4.ProtocolName}, []string{tcp.ProtocolName})

	id, linkEP := channel.New(256, mtu)
	if testing.Verbose() {
		id = sniffer.New(id)
	}

	if err := s.CreateNic(1, id); err != nil {
		t.Fatalf("CreateNic failed: %v", err)
	}

	if err := s.AddAddress(1, ipv4.ProtocolNumber, StackAddr); err != nil {
		t.Fatalf("AddAddress failed: %v", err)
	}

	return &Context{
		t:      t,
		s:      s,
		linkEP: linkEP,
	}
}

// Stack returns a reference to the stack in the Context
func (c *Context) Stack() *stack.Stack {
	return c.s
}

// Cleanup closes the context endpoint if required
func (c *Context) Cleanup() {
	if c.EP != nil {
		c.EP.Close()
	}
}

// SendPacket builds a TCP segment (IPv4 + TCP headers, optional TCP options,
// and the given payload) from h and injects it into the stack through the
// link layer endpoint, as though it arrived over the wire from TestAddr
func (c *Context) SendPacket(payload []byte, h *Headers) {
	hdr := buffer.NewPrependable(header.TCPMinimumSize + len(h.TCPOpts) + header.IPv4MinimumSize)

	tcpHdr := header.TCP(hdr.Prepend(header.TCPMinimumSize + len(h.TCPOpts)))
	tcpHdr.Encode(&header.TCPFields{
		SrcPort:    h.SrcPort,
		DstPort:    h.DstPort,
		SeqNum:     uint32(h.SeqNum),
		AckNum:     uint32(h.AckNum),
		DataOffset:    uint8(header.TCPMinimumSize + len(h.TCPOpts)),
		Flags:         h.Flags,
		WindowSize:    uint16(h.RcvWnd),
		UrgentPointer: h.UrgentPointer,
	}, h.TCPOpts)

	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, TestAddr, StackAddr, uint16(len(tcpHdr)+len(payload)))
	tcpHdr.SetChecksum(tcpHdr.CalculateChecksum(xsum, payload))

	ip := header.IPv4(hdr.Prepend(header.IPv4MinimumSize))
	ip.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TotalLength: uint16(hdr.UsedLength() + len(payload)),
		TTL:         65,
		Protocol:    uint8(header.TCPProtocolNumber),
		SrcAddr:     TestAddr,
		DstAddr:     StackAddr,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	views := []buffer.View{hdr.View()}
	size := len(hdr.View())
	if payload != nil {
		views = append(views, buffer.NewViewFromBytes(payload))
		size += len(payload)
	}
	vv := buffer.NewVectorisedView(views, size)
	c.linkEP.Inject(ipv4.ProtocolNumber, &vv)
}

// GetPacket reads the next outbound packet the stack wrote to the link
// endpoint, as a single raw IPv4 datagram, failing the test if none arrives
// within a second
func (c *Context) GetPacket() []byte {
	select {
	case p := <-c.linkEP.C:
		b := make([]byte, 0, len(p.Header)+len(p.Payload))
		b = append(b, p.Header...)
		b = append(b, p.Payload...)
		return b
	case <-time.After(1 * time.Second):
		c.t.Fatalf("Timed out waiting for packet")
	}
	return nil
}

// CheckNoPacket verifies that the link endpoint hasn't queued an outbound
// packet within a short grace period, failing the test with msg otherwise
func (c *Context) CheckNoPacket(msg string) {
	select {
	case <-c.linkEP.C:
		c.t.Fatalf("%s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

// newEP creates a fresh test endpoint, binds it and sets any supplied option
func (c *Context) newEP(wnd types.ReceiveBufferSizeOption, opt *types.ReceiveBufferSizeOption) types.Endpoint {
	ep, err := c.s.NewEndpoint(tcp.ProtocolNumber, ipv4.ProtocolNumber, &c.WQ)
	if err != nil {
		c.t.Fatalf("NewEndpoint failed: %v", err)
	}

	o := wnd
	if opt != nil {
		o = *opt
	}
	if err := ep.SetSockOpt(o); err != nil {
		c.t.Fatalf("SetSockOpt failed: %v", err)
	}

	return ep
}

// CreateConnected creates a new endpoint, connects it (actively) and drives
// the handshake to completion via the link endpoint, leaving the connection
// established with peer window irs/rcvWnd
func (c *Context) CreateConnected(irs seqnum.Value, rcvWnd seqnum.Size, opt *types.ReceiveBufferSizeOption) {
	c.CreateConnectedWithRawOptions(irs, rcvWnd, opt, nil)
}

// CreateConnectedWithRawOptions is CreateConnected, additionally letting the
// caller supply a raw TCP options blob on the simulated peer's SYN-ACK
func (c *Context) CreateConnectedWithRawOptions(irs seqnum.Value, rcvWnd seqnum.Size, opt *types.ReceiveBufferSizeOption, options []byte) {
	c.EP = c.newEP(types.ReceiveBufferSizeOption(30000), opt)

	we, ch := waiter.NewChannelEntry(nil)
	c.WQ.EventRegister(&we, waiter.EventOut)
	defer c.WQ.EventUnregister(&we)

	err := c.EP.Connect(types.FullAddress{Addr: TestAddr, Port: TestPort})
	if err != types.ErrConnectStarted {
		c.t.Fatalf("Unexpected return value from Connect: %v", err)
	}

	// Receive the SYN the stack just sent and pull the local port/ISS out
	// of it
	b := c.GetPacket()
	checkerTCP := header.TCP(header.IPv4(b).Payload())
	c.Port = checkerTCP.SourcePort()
	iss := seqnum.Value(checkerTCP.SequenceNumber())
	c.ISS = iss

	c.IRS = irs

	// Reply with SYN-ACK
	c.SendPacket(nil, &Headers{
		SrcPort: TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagSyn | header.TCPFlagAck,
		SeqNum:  irs,
		AckNum:  seqnum.Value(iss + 1),
		RcvWnd:  rcvWnd,
		TCPOpts: options,
	})

	// Consume the final ACK that completes the handshake
	c.GetPacket()

	select {
	case <-ch:
	case <-time.After(1 * time.Second):
		c.t.Fatalf("Timed out waiting for connection to become established")
	}

	if err := c.EP.GetSockOpt(types.ErrorOption{}); err != nil {
		c.t.Fatalf("Connect failed: %v", err)
	}
}

// PassiveConnectWithOptions drives a SYN/SYN-ACK/ACK handshake against
// whatever endpoint is currently listening on StackPort, simulating a peer
// initiating the connection with the given SYN options
func (c *Context) PassiveConnectWithOptions(irsOffset, wndScale int, synOpts header.TCPSynOptions) {
	opts := []byte{}
	if synOpts.MSS != 0 {
		mssOpt := make([]byte, 4)
		mssOpt[0] = header.TCPOptionMSS
		mssOpt[1] = 4
		mssOpt[2] = byte(synOpts.MSS >> 8)
		mssOpt[3] = byte(synOpts.MSS)
		opts = append(opts, mssOpt...)
	}
	if wndScale >= 0 {
		opts = append(opts, header.TCPOptionWS, 3, byte(wndScale), header.TCPOptionNOP)
	}

	irs := seqnum.Value(irsOffset)
	c.IRS = irs

	c.SendPacket(nil, &Headers{
		SrcPort: TestPort,
		DstPort: StackPort,
		Flags:   header.TCPFlagSyn,
		SeqNum:  irs,
		RcvWnd:  30000,
		TCPOpts: opts,
	})

	b := c.GetPacket()
	tcpHdr := header.TCP(header.IPv4(b).Payload())
	if tcpHdr.Flags() != header.TCPFlagSyn|header.TCPFlagAck {
		c.t.Fatalf("Expected SYN-ACK, got flags %v", tcpHdr.Flags())
	}
	c.Port = tcpHdr.SourcePort()
	iss := seqnum.Value(tcpHdr.SequenceNumber())
	c.ISS = iss

	c.SendPacket(nil, &Headers{
		SrcPort: TestPort,
		DstPort: StackPort,
		Flags:   header.TCPFlagAck,
		SeqNum:  irs + 1,
		AckNum:  iss + 1,
		RcvWnd:  30000,
	})
}
