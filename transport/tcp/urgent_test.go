package tcp_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/kvnetwork/ktcp/checker"
	"github.com/kvnetwork/ktcp/header"
	"github.com/kvnetwork/ktcp/transport/tcp/testing/context"
	"github.com/kvnetwork/ktcp/types"
	"github.com/kvnetwork/ktcp/waiter"
)

// readAll drains c.EP via repeated Reads until total bytes equal want,
// waiting on the given channel whenever a Read would block
func readAllUrgent(t *testing.T, c *context.Context, ch chan struct{}, want int) []byte {
	read := make([]byte, 0, want)
	for len(read) < want {
		v, err := c.EP.Read(nil)
		if err != nil {
			if err == types.ErrWouldBlock {
				select {
				case <-ch:
				case <-time.After(5 * time.Second):
					t.Fatalf("Timed out waiting for data to arrive")
				}
				continue
			}
			t.Fatalf("Unexpected error from Read: %v", err)
		}
		read = append(read, v...)
	}
	return read
}

// TestUrgentDataNotInline verifies that, by default, the urgent byte itself
// is dropped from the delivered stream but still consumes a sequence
// number, so bytes after it are not stuck waiting for it to arrive
func TestUrgentDataNotInline(t *testing.T) {
	c := context.New(t, defaultMTU)
	defer c.Cleanup()

	c.CreateConnected(789, 30000, nil)

	we, ch := waiter.NewChannelEntry(nil)
	c.WQ.EventRegister(&we, waiter.EventIn)
	defer c.WQ.EventUnregister(&we)

	data := []byte("helloXworld")
	const urgentOffset = 5 // index of 'X'

	c.SendPacket(data, &context.Headers{
		SrcPort:       context.TestPort,
		DstPort:       c.Port,
		Flags:         header.TCPFlagAck | header.TCPFlagUrg,
		SeqNum:        790,
		AckNum:        c.ISS.Add(1),
		RcvWnd:        30000,
		UrgentPointer: urgentOffset + 1,
	})

	want := []byte("helloworld")
	read := readAllUrgent(t, c, ch, len(want))
	if !bytes.Equal(want, read) {
		t.Fatalf("Data is different: expected %v, got %v", want, read)
	}

	// The whole 11-byte span, including the suppressed urgent byte, must
	// be acknowledged
	checker.IPv4(t, c.GetPacket(),
		checker.TCP(
			checker.DstPort(context.TestPort),
			checker.AckNum(uint32(790+len(data))),
			checker.TCPFlagsMatch(header.TCPFlagAck, header.TCPFlagAck),
		),
	)
}

// TestUrgentDataInline verifies that enabling InlineOutOfBandOption causes
// the urgent byte to be delivered as part of the stream instead of being
// suppressed
func TestUrgentDataInline(t *testing.T) {
	c := context.New(t, defaultMTU)
	defer c.Cleanup()

	c.CreateConnected(789, 30000, nil)

	if err := c.EP.SetSockOpt(types.InlineOutOfBandOption(1)); err != nil {
		t.Fatalf("SetSockOpt(InlineOutOfBandOption) failed: %v", err)
	}

	we, ch := waiter.NewChannelEntry(nil)
	c.WQ.EventRegister(&we, waiter.EventIn)
	defer c.WQ.EventUnregister(&we)

	data := []byte("helloXworld")
	const urgentOffset = 5

	c.SendPacket(data, &context.Headers{
		SrcPort:       context.TestPort,
		DstPort:       c.Port,
		Flags:         header.TCPFlagAck | header.TCPFlagUrg,
		SeqNum:        790,
		AckNum:        c.ISS.Add(1),
		RcvWnd:        30000,
		UrgentPointer: urgentOffset + 1,
	})

	read := readAllUrgent(t, c, ch, len(data))
	if !bytes.Equal(data, read) {
		t.Fatalf("Data is different: expected %v, got %v", data, read)
	}
}
