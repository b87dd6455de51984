package engine

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

func TestBuildHeartbeatPacketWellFormed(t *testing.T) {
	source := netip.MustParseAddr("10.245.1.2")
	pkt := buildHeartbeatPacket(source)

	require.Len(t, pkt, header.IPv4MinimumSize+header.UDPMinimumSize)

	ip := header.IPv4(pkt)
	require.True(t, ip.IsValid(len(pkt)))
	require.Equal(t, source.String(), ip.SourceAddress().String())
	require.Equal(t, discardNetworkHost.String(), ip.DestinationAddress().String())

	udp := header.UDP(pkt[header.IPv4MinimumSize:])
	require.Equal(t, uint16(discardPort), udp.SourcePort())
	require.Equal(t, uint16(discardPort), udp.DestinationPort())
}
