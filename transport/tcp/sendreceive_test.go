package tcp_test

import (
	"testing"
	"time"

	"github.com/kvnetwork/ktcp/header"
	"github.com/kvnetwork/ktcp/network/ipv4"
	"github.com/kvnetwork/ktcp/transport/tcp"
	"github.com/kvnetwork/ktcp/transport/tcp/testing/context"
	"github.com/kvnetwork/ktcp/types"
	"github.com/kvnetwork/ktcp/waiter"
)

// TestErrorOptionLatchesConnectionReset is a regression test: GetSockOpt
// must report the connection's latched error through the ErrorOption case,
// not silently succeed, once a reset has landed
func TestErrorOptionLatchesConnectionReset(t *testing.T) {
	c := context.New(t, defaultMTU)
	defer c.Cleanup()

	c.CreateConnected(789, 30000, nil)

	c.SendPacket(nil, &context.Headers{
		SrcPort: context.TestPort,
		DstPort: c.Port,
		Flags:   header.TCPFlagRst,
		SeqNum:  790,
		AckNum:  c.ISS.Add(1),
		RcvWnd:  30000,
	})

	// Give the protocol loop a moment to process the RST.
	time.Sleep(100 * time.Millisecond)

	if err := c.EP.GetSockOpt(types.ErrorOption{}); err != types.ErrConnectionReset {
		t.Fatalf("Expected ErrConnectionReset, got %v", err)
	}

	// The latched error is read-and-clear: a second read reports success.
	if err := c.EP.GetSockOpt(types.ErrorOption{}); err != nil {
		t.Fatalf("Expected nil on second read, got %v", err)
	}
}

// TestConnectAlreadyConnecting verifies that calling Connect again while a
// handshake is outstanding reports ErrAlreadyConnecting rather than
// launching a second handshake
func TestConnectAlreadyConnecting(t *testing.T) {
	c := context.New(t, defaultMTU)
	defer c.Cleanup()

	var wq waiter.Queue
	ep, err := c.Stack().NewEndpoint(tcp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if err != nil {
		t.Fatalf("NewEndpoint failed: %v", err)
	}
	defer ep.Close()

	addr := types.FullAddress{Addr: context.StackAddr, Port: context.StackPort}
	if err := ep.Connect(addr); err != types.ErrConnectStarted {
		t.Fatalf("Unexpected return value from first Connect: %v", err)
	}

	if err := ep.Connect(addr); err != types.ErrAlreadyConnecting {
		t.Fatalf("Expected ErrAlreadyConnecting, got %v", err)
	}
}

// TestConnectAlreadyConnected verifies that calling Connect on an already
// established connection reports ErrAlreadyConnected
func TestConnectAlreadyConnected(t *testing.T) {
	c := context.New(t, defaultMTU)
	defer c.Cleanup()

	c.CreateConnected(789, 30000, nil)

	addr := types.FullAddress{Addr: context.StackAddr, Port: context.StackPort}
	if err := c.EP.Connect(addr); err != types.ErrAlreadyConnected {
		t.Fatalf("Expected ErrAlreadyConnected, got %v", err)
	}
}

// TestReceiveTimeout verifies that Receive gives up and reports ErrTimeout
// once the deadline passes with no data having arrived
func TestReceiveTimeout(t *testing.T) {
	c := context.New(t, defaultMTU)
	defer c.Cleanup()

	c.CreateConnected(789, 30000, nil)

	_, err := c.EP.Receive(nil, 50*time.Millisecond, nil)
	if err != types.ErrTimeout {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
}

// TestReceiveInterrupted verifies that Receive returns ErrInterrupted as
// soon as the interrupt channel fires, without waiting for the timeout
func TestReceiveInterrupted(t *testing.T) {
	c := context.New(t, defaultMTU)
	defer c.Cleanup()

	c.CreateConnected(789, 30000, nil)

	interrupt := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := c.EP.Receive(nil, 0, interrupt)
		done <- err
	}()

	close(interrupt)

	select {
	case err := <-done:
		if err != types.ErrInterrupted {
			t.Fatalf("Expected ErrInterrupted, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out waiting for Receive to return")
	}
}
