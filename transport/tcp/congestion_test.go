package tcp_test

import (
	"testing"

	"github.com/kvnetwork/ktcp/buffer"
	"github.com/kvnetwork/ktcp/checker"
	"github.com/kvnetwork/ktcp/header"
	"github.com/kvnetwork/ktcp/transport/tcp/testing/context"
	"github.com/kvnetwork/ktcp/types"
)

// TestFastRetransmitOnThirdDupAck verifies New Reno's fast retransmit: once
// three duplicate ACKs arrive for the same unacknowledged sequence number,
// the oldest outstanding segment is retransmitted without waiting for the
// retransmit timer
func TestFastRetransmitOnThirdDupAck(t *testing.T) {
	c := context.New(t, defaultMTU)
	defer c.Cleanup()

	c.CreateConnected(789, 30000, nil)

	// NoDelay makes every Write hit the wire immediately instead of
	// coalescing behind data already in flight.
	if err := c.EP.SetSockOpt(types.NoDelayOption(1)); err != nil {
		t.Fatalf("SetSockOpt(NoDelayOption) failed: %v", err)
	}

	chunks := [][]byte{
		[]byte("first-"),
		[]byte("secnd-"),
		[]byte("third-"),
	}

	var firstSeq uint32
	for i, chunk := range chunks {
		view := buffer.NewView(len(chunk))
		copy(view, chunk)
		if _, err := c.EP.Write(view, nil); err != nil {
			t.Fatalf("Unexpected error from Write: %v", err)
		}

		b := c.GetPacket()
		tcp := header.TCP(header.IPv4(b).Payload())
		if i == 0 {
			firstSeq = tcp.SequenceNumber()
		}
	}

	// None of the three segments has been acknowledged yet; three
	// repeated ACKs of the pre-handshake cumulative ack count as
	// duplicates of one another.
	dupAck := c.ISS.Add(1)
	for i := 0; i < 3; i++ {
		c.SendPacket(nil, &context.Headers{
			SrcPort: context.TestPort,
			DstPort: c.Port,
			Flags:   header.TCPFlagAck,
			SeqNum:  790,
			AckNum:  dupAck,
			RcvWnd:  30000,
		})
	}

	// The third duplicate ACK must trigger an immediate retransmit of the
	// oldest outstanding segment.
	checker.IPv4(t, c.GetPacket(),
		checker.TCP(
			checker.DstPort(context.TestPort),
			checker.SeqNum(firstSeq),
			checker.TCPFlagsMatch(header.TCPFlagAck, header.TCPFlagAck),
		),
	)
}
