package tcp_test

import (
	"testing"

	"github.com/kvnetwork/ktcp/buffer"
	"github.com/kvnetwork/ktcp/checker"
	"github.com/kvnetwork/ktcp/header"
	"github.com/kvnetwork/ktcp/transport/tcp/testing/context"
)

// TestZeroWindowProbe verifies the sender-side zero-window back-off: data
// queued against a zero-window peer is held rather than sent, a single-byte
// probe is emitted once the back-off deadline expires, and once the peer's
// next ACK opens the window the originally queued data is actually
// transmitted rather than sitting stuck forever
func TestZeroWindowProbe(t *testing.T) {
	c := context.New(t, defaultMTU)
	defer c.Cleanup()

	// The peer advertises a zero window from the very start of the
	// connection, before anything has ever been sent.
	c.CreateConnected(789, 0, nil)

	data := []byte("hello")
	view := buffer.NewView(len(data))
	copy(view, data)
	if _, err := c.EP.Write(view, nil); err != nil {
		t.Fatalf("Unexpected error from Write: %v", err)
	}

	c.CheckNoPacket("Unexpected segment sent over a zero-advertised window")

	// The back-off timer should fire a single byte of the queued data as
	// a probe.
	checker.IPv4(t, c.GetPacket(),
		checker.PayloadLen(1+header.TCPMinimumSize),
		checker.TCP(
			checker.DstPort(context.TestPort),
			checker.SeqNum(uint32(c.ISS.Add(1))),
			checker.AckNum(uint32(c.IRS.Add(1))),
			checker.TCPFlags(header.TCPFlagAck),
		),
	)

	// The peer now opens the window; nothing has actually been
	// acknowledged yet, but the queued data must now flow.
	c.SendPacket(nil, &context.Headers{
		SrcPort: context.TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagAck,
		SeqNum:  c.IRS.Add(1),
		AckNum:  c.ISS.Add(1),
		RcvWnd:  30000,
	})

	checker.IPv4(t, c.GetPacket(),
		checker.PayloadLen(len(data)+header.TCPMinimumSize),
		checker.TCP(
			checker.DstPort(context.TestPort),
			checker.SeqNum(uint32(c.ISS.Add(1))),
			checker.AckNum(uint32(c.IRS.Add(1))),
			checker.TCPFlags(header.TCPFlagAck),
		),
	)
}
