package tcp_test

import (
	"bytes"
	"testing"

	"github.com/kvnetwork/ktcp/checker"
	"github.com/kvnetwork/ktcp/header"
	"github.com/kvnetwork/ktcp/transport/tcp/testing/context"
	"github.com/kvnetwork/ktcp/waiter"
)

// TestOutOfOrderReassembly verifies the insert-with-clip reassembly path:
// segments that arrive out of order are held pending (each eliciting an
// immediate duplicate ACK at the last contiguous byte, never advancing
// rcvNxt), and once the gap is filled every pending segment becomes
// contiguous and is delivered to the application in the correct order in
// one pass
func TestOutOfOrderReassembly(t *testing.T) {
	c := context.New(t, defaultMTU)
	defer c.Cleanup()

	c.CreateConnected(789, 30000, nil)

	we, ch := waiter.NewChannelEntry(nil)
	c.WQ.EventRegister(&we, waiter.EventIn)
	defer c.WQ.EventUnregister(&we)

	first := c.IRS.Add(1)

	// "CCCC" arrives third in sequence space but first on the wire: a gap
	// sits between rcvNxt (790) and its sequence number (798).
	c.SendPacket([]byte("CCCC"), &context.Headers{
		SrcPort: context.TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagAck,
		SeqNum:  first.Add(8),
		AckNum:  c.ISS.Add(1),
		RcvWnd:  30000,
	})
	checker.IPv4(t, c.GetPacket(),
		checker.TCP(
			checker.DstPort(context.TestPort),
			checker.TCPFlags(header.TCPFlagAck),
			checker.AckNum(uint32(first)),
		),
	)

	// "BBBB" closes part of the gap but a hole still remains before it.
	c.SendPacket([]byte("BBBB"), &context.Headers{
		SrcPort: context.TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagAck,
		SeqNum:  first.Add(4),
		AckNum:  c.ISS.Add(1),
		RcvWnd:  30000,
	})
	checker.IPv4(t, c.GetPacket(),
		checker.TCP(
			checker.DstPort(context.TestPort),
			checker.TCPFlags(header.TCPFlagAck),
			checker.AckNum(uint32(first)),
		),
	)

	// "AAAA" fills the remaining hole; all three segments become
	// contiguous in a single consume pass. PSH forces an immediate ACK
	// so the cumulative ack is observable right away.
	c.SendPacket([]byte("AAAA"), &context.Headers{
		SrcPort: context.TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagAck | header.TCPFlagPsh,
		SeqNum:  first,
		AckNum:  c.ISS.Add(1),
		RcvWnd:  30000,
	})
	checker.IPv4(t, c.GetPacket(),
		checker.TCP(
			checker.DstPort(context.TestPort),
			checker.TCPFlags(header.TCPFlagAck),
			checker.AckNum(uint32(first.Add(12))),
		),
	)

	got := readAllUrgent(t, c, ch, 12)
	if want := []byte("AAAABBBBCCCC"); !bytes.Equal(got, want) {
		t.Fatalf("Reassembled data mismatch: got %q, want %q", got, want)
	}
}
