package engine

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// discardNetworkHost is the first host of the tunnel's network, used as
// the destination of the idle heartbeat. Whether this should instead be
// derived from the peer's allowed-ips configuration is left as a fixed
// assumption; see DESIGN.md.
var discardNetworkHost = netip.MustParseAddr("10.245.1.1")

const discardPort = 9

// buildHeartbeatPacket constructs a synthetic, fully checksummed IPv4
// UDP datagram with no payload, from source to the discard endpoint.
// It never touches the TCP/IP stack: the engine hands it straight to
// the tunnel session so an otherwise-idle peer still sees traffic often
// enough to trigger a handshake or rekey.
func buildHeartbeatPacket(source netip.Addr) []byte {
	const totalLen = header.IPv4MinimumSize + header.UDPMinimumSize
	buf := make([]byte, totalLen)

	ip := header.IPv4(buf)
	ip.Encode(&header.IPv4Fields{
		TotalLength: totalLen,
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     tcpip.AddrFromSlice(source.AsSlice()),
		DstAddr:     tcpip.AddrFromSlice(discardNetworkHost.AsSlice()),
	})
	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())

	udp := header.UDP(buf[header.IPv4MinimumSize:])
	udp.Encode(&header.UDPFields{
		SrcPort: discardPort,
		DstPort: discardPort,
		Length:  header.UDPMinimumSize,
	})
	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, ip.SourceAddress(), ip.DestinationAddress(), header.UDPMinimumSize)
	udp.SetChecksum(^udp.CalculateChecksum(xsum))

	return buf
}
