package tcp_test

import (
	"testing"

	"github.com/kvnetwork/ktcp/checker"
	"github.com/kvnetwork/ktcp/header"
	"github.com/kvnetwork/ktcp/transport/tcp/testing/context"
	"github.com/kvnetwork/ktcp/types"
)

// TestWindowScaleAppliedToAdvertisedWindow verifies that the window placed
// on the wire is the receive window right-shifted by the negotiated window
// scale, not the raw byte count truncated to 16 bits. A 208 KiB receive
// buffer (212992 bytes, the default size) advertises a window scale of 2,
// and the simulated peer offers window scaling in its SYN-ACK, so once one
// byte has been consumed the remaining 212991-byte window must appear on
// the wire as 53247 (212991 >> 2), never as the unscaled value truncated
// into a uint16
func TestWindowScaleAppliedToAdvertisedWindow(t *testing.T) {
	c := context.New(t, defaultMTU)
	defer c.Cleanup()

	opt := types.ReceiveBufferSizeOption(212992)
	c.CreateConnectedWithRawOptions(789, 30000, &opt, []byte{
		header.TCPOptionWS, 3, 0, header.TCPOptionNOP,
	})

	// Send a single byte from the simulated peer to elicit a fresh ACK
	// carrying the currently advertised window.
	c.SendPacket([]byte("a"), &context.Headers{
		SrcPort: context.TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagAck | header.TCPFlagPsh,
		SeqNum:  c.IRS.Add(1),
		AckNum:  c.ISS.Add(1),
		RcvWnd:  30000,
	})

	checker.IPv4(t, c.GetPacket(),
		checker.TCP(
			checker.DstPort(context.TestPort),
			checker.TCPFlags(header.TCPFlagAck),
			checker.Window(53247),
		),
	)
}
