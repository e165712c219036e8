package tcp

import (
	"time"

	"github.com/kvnetwork/ktcp/header"
	"github.com/kvnetwork/ktcp/types"
)

// maxWndScale bounds the RFC 1323 window-scale factor this stack will ever
// advertise
const maxWndScale = 14

// computeWndScale returns the smallest window-scale factor that lets a
// 16-bit window field express bufSize bytes, capped at maxWndScale
func computeWndScale(bufSize int) uint8 {
	var scale uint8
	max := 0xffff
	for max < bufSize && scale < maxWndScale {
		scale++
		max <<= 1
	}
	return scale
}

// mssOrDefault returns the negotiated MSS if a sender exists, otherwise the
// stack's default, used as the floor below which ReceiveBufferSize can't
// shrink
func (e *endpoint) mssOrDefault() int {
	if e.snd != nil && e.snd.maxPayloadSize > 0 {
		return e.snd.maxPayloadSize
	}
	return int(header.TCPDefaultMSS)
}

// SetSockOpt implements types.Endpoint.SetSockOpt
func (e *endpoint) SetSockOpt(opt interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch v := opt.(type) {
	case types.ReceiveBufferSizeOption:
		size := int(v)
		if mss := e.mssOrDefault(); size < mss {
			// Reducing below one MSS floors to MSS rather than starving
			// the connection of any usable window
			size = mss
		}
		growing := size > e.rcvBufSize
		e.rcvBufSize = size
		if growing && (e.state == StateInitialized || e.state == StateListening) {
			e.rcvWndScale = computeWndScale(size)
		}

	case types.SendBufferSizeOption:
		e.sndBufSize = int(v)

	case types.SendTimeoutOption:
		e.sndTimeout = time.Duration(v) * time.Microsecond

	case types.ReceiveMinimumOption:
		if v < 1 {
			v = 1
		}
		e.rcvMinimum = int(v)

	case types.ReceiveTimeoutOption:
		e.rcvTimeout = time.Duration(v) * time.Microsecond

	case types.LingerOption:
		e.flags.lingerEnabled = v.Enabled
		e.flags.lingerTimeout = v.Timeout

	case types.InlineOutOfBandOption:
		e.flags.urgentInline = v != 0

	case types.NoDelayOption:
		e.flags.noDelay = v != 0
		if e.flags.noDelay && e.snd != nil && !e.snd.writeList.Empty() {
			e.snd.sendData()
		}

	case types.KeepaliveEnabledOption:
		enable := v != 0
		if enable != e.flags.keepAlive {
			e.flags.keepAlive = enable
			if enable && e.state.connected() {
				e.armKeepaliveLocked()
			} else if !enable {
				e.disarmKeepaliveLocked()
			}
		}

	case types.KeepaliveIdleOption:
		e.keepAliveIdle = time.Duration(v)

	case types.KeepaliveIntervalOption:
		e.keepAliveInterval = time.Duration(v)

	case types.KeepaliveCountOption:
		e.keepAliveCount = int(v)

	default:
		return types.ErrUnknownProtocolOption
	}
	return nil
}

// GetSockOpt implements types.Endpoint.GetSockOpt
func (e *endpoint) GetSockOpt(opt interface{}) error {
	// ErrorOption clears the latched error as a side effect (§7), so this
	// takes the full lock rather than RLock like every other case here
	e.mu.Lock()
	defer e.mu.Unlock()

	switch v := opt.(type) {
	case *types.ReceiveBufferSizeOption:
		*v = types.ReceiveBufferSizeOption(e.rcvBufSize)

	case *types.SendBufferSizeOption:
		*v = types.SendBufferSizeOption(e.sndBufSize)

	case *types.SendMinimumOption:
		*v = 1

	case *types.SendTimeoutOption:
		*v = types.SendTimeoutOption(e.sndTimeout / time.Microsecond)

	case *types.ReceiveMinimumOption:
		*v = types.ReceiveMinimumOption(e.rcvMinimum)

	case *types.ReceiveTimeoutOption:
		*v = types.ReceiveTimeoutOption(e.rcvTimeout / time.Microsecond)

	case *types.AcceptConnectionsOption:
		if e.state == StateListening {
			*v = 1
		} else {
			*v = 0
		}

	case *types.LingerOption:
		*v = types.LingerOption{Enabled: e.flags.lingerEnabled, Timeout: e.flags.lingerTimeout}

	case *types.InlineOutOfBandOption:
		if e.flags.urgentInline {
			*v = 1
		} else {
			*v = 0
		}

	case *types.NoDelayOption:
		if e.flags.noDelay {
			*v = 1
		} else {
			*v = 0
		}

	case *types.KeepaliveEnabledOption:
		if e.flags.keepAlive {
			*v = 1
		} else {
			*v = 0
		}

	case *types.KeepaliveIdleOption:
		*v = types.KeepaliveIdleOption(e.keepAliveIdle)

	case *types.KeepaliveIntervalOption:
		*v = types.KeepaliveIntervalOption(e.keepAliveInterval)

	case *types.KeepaliveCountOption:
		*v = types.KeepaliveCountOption(e.keepAliveCount)

	case types.ErrorOption:
		err := e.lastError
		e.lastError = nil
		if err != nil {
			return err
		}

	default:
		return types.ErrUnknownProtocolOption
	}
	return nil
}

// UserControl implements types.Endpoint.UserControl
func (e *endpoint) UserControl(req int, outPtr *int) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	switch req {
	case types.AtUrgentMark:
		result := 0
		if seg := e.rcvList.Front(); seg != nil && seg.flagIsSet(flagUrg) {
			result = 1
		}
		*outPtr = result

	case types.GetInputQueueSize:
		*outPtr = e.rcvBufUsed

	default:
		return types.ErrUnknownProtocolOption
	}
	return nil
}
