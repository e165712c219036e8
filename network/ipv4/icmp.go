package ipv4

import (
	"github.com/sirupsen/logrus"

	"github.com/kvnetwork/ktcp/buffer"
	"github.com/kvnetwork/ktcp/checksum"
	"github.com/kvnetwork/ktcp/header"
	"github.com/kvnetwork/ktcp/types"
)

func checksumICMP(b []byte) uint16 {
	return ^checksum.Checksum(b, 0)
}

type echoRequest struct {
	r types.Route
	v buffer.View
}

// handleICMP processes an inbound ICMP packet addressed to e. Only echo
// requests are answered; every other type is logged and dropped, since this
// stack has no multi-hop routing table to generate a meaningful
// DestinationUnreachable/TimeExceeded report from
func handleICMP(e *endpoint, r *types.Route, vv *buffer.VectorisedView) {
	v := vv.First()
	if len(v) < header.ICMPv4MinimumSize {
		logrus.Debug("ipv4: icmp packet too small, dropping")
		return
	}

	h := header.ICMPv4(v)
	switch h.Type() {
	case header.ICMPv4Echo:
		sendEchoReply(e, r, vv)
	case header.ICMPv4EchoReply:
		logrus.WithField("from", r.RemoteAddress).Debug("ipv4: received icmp echo reply")
	default:
		logrus.WithField("type", h.Type()).Debug("ipv4: unsupported icmp type, dropping")
	}
}

func sendEchoReply(e *endpoint, r *types.Route, vv *buffer.VectorisedView) {
	view := vv.ToView()
	reply := make(buffer.View, len(view))
	copy(reply, view)

	header.ICMPv4(reply).SetType(header.ICMPv4EchoReply)
	header.ICMPv4(reply).SetChecksum(0)
	xsum := checksumICMP(reply)
	header.ICMPv4(reply).SetChecksum(xsum)

	replyRoute := types.MakeRoute(r.NetProto, r.RemoteAddress, r.LocalAddress, routeEndpoint(e))
	hdr := buffer.NewPrependable(int(e.linkEp.MaxHeaderLength()) + header.IPv4MinimumSize)
	if err := e.WritePacket(&replyRoute, &hdr, reply, header.ICMPv4ProtocolNumber); err != nil {
		logrus.WithError(err).Debug("ipv4: failed to send icmp echo reply")
	}
}

func routeEndpoint(e *endpoint) types.NetworkEndpoint {
	return e
}
