package tcp

// EndpointState represents the state of a tcp endpoint, as defined in RFC 793
type EndpointState int

// Endpoint states. Transitions between them occur only while the owning
// endpoint's lock is held
const (
	StateInitialized EndpointState = iota
	StateListening
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
	StateClosed
)

// String implements fmt.Stringer, used by logging and tests
func (s EndpointState) String() string {
	switch s {
	case StateInitialized:
		return "INITIALIZED"
	case StateListening:
		return "LISTEN"
	case StateSynSent:
		return "SYN-SENT"
	case StateSynReceived:
		return "SYN-RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN-WAIT-1"
	case StateFinWait2:
		return "FIN-WAIT-2"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST-ACK"
	case StateTimeWait:
		return "TIME-WAIT"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// connected reports whether a connection is established or past it on the
// way to an orderly close (i.e. it still carries sequence-space state worth
// acting on), as opposed to pre-handshake or fully torn down
func (s EndpointState) connected() bool {
	switch s {
	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait, StateClosing, StateLastAck:
		return true
	default:
		return false
	}
}

// needsTimer reports whether a connection in this state alone (independent
// of its segment lists or pending-ACK flag) requires shared-timer ticks, per
// §8's TimerReferenceCount invariant
func (s EndpointState) needsTimer() bool {
	switch s {
	case StateSynSent, StateSynReceived, StateFinWait1, StateClosing, StateLastAck, StateTimeWait:
		return true
	default:
		return false
	}
}

// endpointFlags bundles the boolean state described in §3's Flags field
// group
type endpointFlags struct {
	lingerEnabled          bool
	lingerTimeout          int
	keepAlive              bool
	noDelay                bool
	windowScaling          bool
	urgentInline           bool
	autoWrap               bool
	sendAckPending         bool
	sendFinalSeqValid      bool
	sendFinWithData        bool
	connectionReset        bool
	inFastRecovery         bool
	receiveMissingSegments bool
	connectInterrupted     bool
}
