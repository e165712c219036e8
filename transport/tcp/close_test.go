package tcp_test

import (
	"testing"

	"github.com/kvnetwork/ktcp/checker"
	"github.com/kvnetwork/ktcp/header"
	"github.com/kvnetwork/ktcp/seqnum"
	"github.com/kvnetwork/ktcp/transport/tcp/testing/context"
	"github.com/kvnetwork/ktcp/types"
)

// TestLingerZeroResetsOnClose verifies that LingerOption{Enabled: true,
// Timeout: 0} makes Close abort the connection with an immediate RST
// instead of running the orderly FIN exchange
func TestLingerZeroResetsOnClose(t *testing.T) {
	c := context.New(t, defaultMTU)
	defer c.Cleanup()

	c.CreateConnected(789, 30000, nil)

	if err := c.EP.SetSockOpt(types.LingerOption{Enabled: true, Timeout: 0}); err != nil {
		t.Fatalf("SetSockOpt(LingerOption) failed: %v", err)
	}

	ep := c.EP
	c.EP = nil
	ep.Close()

	checker.IPv4(t, c.GetPacket(),
		checker.TCP(
			checker.DstPort(context.TestPort),
			checker.TCPFlagsMatch(header.TCPFlagRst, header.TCPFlagRst),
		),
	)
}

// TestTimeWaitIgnoresRetransmittedFin verifies that once a connection has
// moved into TimeWait, a retransmitted FIN from the peer (already accounted
// for) produces no further response
func TestTimeWaitIgnoresRetransmittedFin(t *testing.T) {
	c := context.New(t, defaultMTU)
	defer c.Cleanup()

	c.CreateConnected(789, 30000, nil)
	ep := c.EP
	c.EP = nil

	ep.Close()

	// Capture our own FIN to learn the sequence number the stack actually
	// chose, rather than assuming a value.
	finPkt := c.GetPacket()
	finTCP := header.TCP(header.IPv4(finPkt).Payload())
	if finTCP.Flags()&header.TCPFlagFin == 0 {
		t.Fatalf("Expected a FIN segment, got flags 0x%x", finTCP.Flags())
	}
	finSeq := seqnum.Value(finTCP.SequenceNumber())

	// Ack our FIN (FinWait1 -> FinWait2).
	c.SendPacket(nil, &context.Headers{
		SrcPort: context.TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagAck,
		SeqNum:  790,
		AckNum:  finSeq.Add(1),
		RcvWnd:  30000,
	})

	// Peer sends its own FIN (FinWait2 -> TimeWait).
	c.SendPacket(nil, &context.Headers{
		SrcPort: context.TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagAck | header.TCPFlagFin,
		SeqNum:  790,
		AckNum:  finSeq.Add(1),
		RcvWnd:  30000,
	})

	checker.IPv4(t, c.GetPacket(),
		checker.TCP(
			checker.DstPort(context.TestPort),
			checker.AckNum(791),
			checker.TCPFlagsMatch(header.TCPFlagAck, header.TCPFlagAck),
		),
	)

	// A retransmission of the same FIN must be silently ignored now that
	// the connection is in TimeWait.
	c.SendPacket(nil, &context.Headers{
		SrcPort: context.TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagAck | header.TCPFlagFin,
		SeqNum:  790,
		AckNum:  finSeq.Add(1),
		RcvWnd:  30000,
	})
	c.CheckNoPacket("Unexpected response to retransmitted FIN in TimeWait")
}
