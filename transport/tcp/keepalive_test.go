package tcp_test

import (
	"testing"
	"time"

	"github.com/kvnetwork/ktcp/checker"
	"github.com/kvnetwork/ktcp/header"
	"github.com/kvnetwork/ktcp/transport/tcp/testing/context"
	"github.com/kvnetwork/ktcp/types"
)

// TestKeepaliveProbe verifies that enabling keep-alive causes the stack to
// emit periodic zero-data ACK probes while the peer stays silent
func TestKeepaliveProbe(t *testing.T) {
	c := context.New(t, defaultMTU)
	defer c.Cleanup()

	c.CreateConnected(789, 30000, nil)

	if err := c.EP.SetSockOpt(types.KeepaliveIdleOption(1 * time.Millisecond)); err != nil {
		t.Fatalf("SetSockOpt(KeepaliveIdleOption) failed: %v", err)
	}
	if err := c.EP.SetSockOpt(types.KeepaliveIntervalOption(500 * time.Millisecond)); err != nil {
		t.Fatalf("SetSockOpt(KeepaliveIntervalOption) failed: %v", err)
	}
	if err := c.EP.SetSockOpt(types.KeepaliveCountOption(5)); err != nil {
		t.Fatalf("SetSockOpt(KeepaliveCountOption) failed: %v", err)
	}
	if err := c.EP.SetSockOpt(types.KeepaliveEnabledOption(1)); err != nil {
		t.Fatalf("SetSockOpt(KeepaliveEnabledOption) failed: %v", err)
	}

	checker.IPv4(t, c.GetPacket(),
		checker.TCP(
			checker.DstPort(context.TestPort),
			checker.TCPFlagsMatch(header.TCPFlagAck, header.TCPFlagAck|header.TCPFlagFin|header.TCPFlagSyn|header.TCPFlagRst),
		),
	)

	// The connection must still be alive and healthy: no latched error yet.
	if err := c.EP.GetSockOpt(types.ErrorOption{}); err != nil {
		t.Fatalf("Unexpected error after keepalive probe: %v", err)
	}
}

// TestKeepaliveTimeout verifies that once the configured number of
// unacknowledged keep-alive probes is exceeded, the connection is aborted
// with an RST and the latched error is ErrDestinationUnreachable
func TestKeepaliveTimeout(t *testing.T) {
	c := context.New(t, defaultMTU)
	defer c.Cleanup()

	c.CreateConnected(789, 30000, nil)

	if err := c.EP.SetSockOpt(types.KeepaliveIdleOption(1 * time.Millisecond)); err != nil {
		t.Fatalf("SetSockOpt(KeepaliveIdleOption) failed: %v", err)
	}
	if err := c.EP.SetSockOpt(types.KeepaliveIntervalOption(1 * time.Millisecond)); err != nil {
		t.Fatalf("SetSockOpt(KeepaliveIntervalOption) failed: %v", err)
	}
	if err := c.EP.SetSockOpt(types.KeepaliveCountOption(1)); err != nil {
		t.Fatalf("SetSockOpt(KeepaliveCountOption) failed: %v", err)
	}
	if err := c.EP.SetSockOpt(types.KeepaliveEnabledOption(1)); err != nil {
		t.Fatalf("SetSockOpt(KeepaliveEnabledOption) failed: %v", err)
	}

	// First probe; the simulated peer never acknowledges it.
	checker.IPv4(t, c.GetPacket(), checker.TCP(checker.DstPort(context.TestPort)))

	// Second probe exceeds KeepaliveCountOption(1): the connection gives up
	// and resets itself.
	checker.IPv4(t, c.GetPacket(),
		checker.TCP(
			checker.DstPort(context.TestPort),
			checker.TCPFlagsMatch(header.TCPFlagRst, header.TCPFlagRst),
		),
	)

	if err := c.EP.GetSockOpt(types.ErrorOption{}); err != types.ErrDestinationUnreachable {
		t.Fatalf("Expected ErrDestinationUnreachable, got %v", err)
	}
}
