package types

import (
	"time"

	"github.com/kvnetwork/ktcp/buffer"
	"github.com/kvnetwork/ktcp/waiter"
)

// TransportProtocolNumber is the number of a transport protocol
type TransportProtocolNumber uint32

// TransportEndpointId is the identifier of a transport layer protocol endpoint
type TransportEndpointId struct {
	// LocalPort is the local port associated with the endpoint
	LocalPort		uint16

	// LocalAddress is the local [network layer] address associated with
	// the endpoint
	LocalAddress	Address

	// RemotePort is the remote port associated with the endpoint
	RemotePort		uint16

	// RemoteAddress is the remote [network layer] address associated with
	// the endpoint
	RemoteAddress	Address
}

// TransportEndpoint is the interface that needs to be implemented by transport
// protocol (e.g., tcp, udp) endpoints that can handle packets
type TransportEndpoint interface {
	// HandlePacket is called by the stack when new packets arrive to
	// this transport endpoint
	HandlePacket(r *Route, id TransportEndpointId, vv *buffer.VectorisedView)
}

// ReceiveBufferSizeOption is used by SetSockOpt/GetSockOpt to specify the
// receive buffer size option
type ReceiveBufferSizeOption int

// SendBufferSizeOption is used by SetSockOpt/GetSockOpt to specify the send
// buffer size option
type SendBufferSizeOption int

// KeepaliveEnabledOption is used by SetSockOpt/GetSockOpt to enable/disable
// keepalive probing
type KeepaliveEnabledOption int

// KeepaliveIdleOption is used by SetSockOpt/GetSockOpt to set the duration
// an idle connection waits before sending the first keepalive probe
type KeepaliveIdleOption int

// KeepaliveIntervalOption is used by SetSockOpt/GetSockOpt to set the
// interval between keepalive probes
type KeepaliveIntervalOption int

// KeepaliveCountOption is used by SetSockOpt/GetSockOpt to set the number of
// unacknowledged keepalive probes before the connection is aborted
type KeepaliveCountOption int

// ErrorOption is used in GetSockOpt to retrieve and clear the last error
// reported for the endpoint (SO_ERROR semantics)
type ErrorOption struct{}

// LingerOption is used by SetSockOpt/GetSockOpt to control whether Close
// waits for pending data to drain, and for how long
type LingerOption struct {
	Enabled bool
	Timeout int // seconds
}

// SendMinimumOption is used by GetSockOpt to read the minimum number of
// bytes that must be buffered before a write is considered complete. It is
// read-only and always reports 1
type SendMinimumOption int

// SendTimeoutOption is used by SetSockOpt/GetSockOpt to store a send
// timeout, in microseconds. The value is only stored and reported back:
// Write never blocks, and Send takes its own timeout argument
type SendTimeoutOption int

// ReceiveMinimumOption is used by SetSockOpt/GetSockOpt to store a receive
// low-water mark in bytes. The value is only stored and reported back: Read
// and Receive return as soon as any data is queued
type ReceiveMinimumOption int

// ReceiveTimeoutOption is used by SetSockOpt/GetSockOpt to store a receive
// timeout, in microseconds. The value is only stored and reported back:
// Read never blocks, and Receive takes its own timeout argument
type ReceiveTimeoutOption int

// AcceptConnectionsOption is used by GetSockOpt to report whether the
// endpoint is currently in listening state. It is read-only
type AcceptConnectionsOption int

// InlineOutOfBandOption is used by SetSockOpt/GetSockOpt to control whether
// urgent data is delivered inline with the regular receive stream
type InlineOutOfBandOption int

// NoDelayOption is used by SetSockOpt/GetSockOpt to disable Nagle-style
// coalescing of small writes
type NoDelayOption int

// UserControl request codes, chosen to match common kernel-to-user ioctl
// numbering
const (
	// AtUrgentMark reports whether the head of the receive queue carries
	// urgent data
	AtUrgentMark = 0x7300

	// GetInputQueueSize reports the number of bytes queued for the
	// application that have not yet been read
	GetInputQueueSize = 0x741B
)

// Endpoint represents the user-facing, protocol-independent socket API
// implemented by transport protocols (tcp, udp) and returned by their
// protocol factories
type Endpoint interface {
	// Close puts the endpoint in a closed state and frees all resources
	// associated with it
	Close()

	// Read reads data from the endpoint and optionally returns the sender's
	// address
	Read(*FullAddress) (buffer.View, error)

	// Write writes data to the endpoint's peer, or to the given address if
	// to is non-nil
	Write(v buffer.View, to *FullAddress) (uintptr, error)

	// Send is the blocking counterpart to Write: it waits up to timeout
	// for send buffer space to open up, returning ErrTimeout if none does,
	// or ErrInterrupted if interrupt fires first. A zero timeout means
	// wait forever; a nil interrupt means uninterruptible
	Send(v buffer.View, to *FullAddress, timeout time.Duration, interrupt <-chan struct{}) (uintptr, error)

	// Peek reads data without consuming it, returning the number of bytes
	// copied into the (possibly multiple) supplied buffers
	Peek([][]byte) (int64, error)

	// Receive is the blocking counterpart to Read: it waits up to timeout
	// for data to arrive, returning ErrTimeout if none does, or
	// ErrInterrupted if interrupt fires first. A zero timeout means wait
	// forever; a nil interrupt means uninterruptible
	Receive(addr *FullAddress, timeout time.Duration, interrupt <-chan struct{}) (buffer.View, error)

	// SetSockOpt sets a socket option
	SetSockOpt(opt interface{}) error

	// GetSockOpt gets a socket option
	GetSockOpt(opt interface{}) error

	// UserControl services a request identified by one of the codes above,
	// storing the result through outPtr
	UserControl(req int, outPtr *int) error

	// Connect connects the endpoint to its peer. Specifying a NIC is
	// optional
	Connect(address FullAddress) error

	// Shutdown closes the read and/or write end of the endpoint connection
	// to its peer
	Shutdown(flags ShutdownFlags) error

	// Listen puts the endpoint in listen mode
	Listen(backlog int) error

	// Accept returns a new endpoint if a peer has successfully connected to
	// an endpoint previously set to listen mode. The returned queue is the
	// new endpoint's own waiter queue, distinct from the listener's
	Accept() (Endpoint, *waiter.Queue, error)

	// Bind binds the endpoint to a specific local address and port
	Bind(address FullAddress, commit func() error) error

	// GetLocalAddress returns the address to which the endpoint is bound
	GetLocalAddress() (FullAddress, error)

	// GetRemoteAddress returns the address to which the endpoint is
	// connected
	GetRemoteAddress() (FullAddress, error)

	// Readiness returns the current readiness of the endpoint with respect
	// to the given event mask
	Readiness(mask waiter.EventMask) waiter.EventMask
}

// ShutdownFlags represents the type of shutdown requested
type ShutdownFlags int

// Shutdown flag bits
const (
	ShutdownRead ShutdownFlags = 1 << iota
	ShutdownWrite
)
