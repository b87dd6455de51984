package engine

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
)

// pumpLink wires two linkDevices back to back, bypassing the WireGuard
// data plane entirely: whatever one stack emits is handed straight to
// the other's Write. This lets the TCP/IP stack (C3) and virtual link
// device (C1) be exercised end to end without a real noise handshake,
// which would make this test depend on live UDP timing.
func pumpLink(t *testing.T, a, b *linkDevice) (stop func()) {
	t.Helper()
	done := make(chan struct{})
	pump := func(src, dst *linkDevice) {
		bufs := [][]byte{make([]byte, 2048)}
		sizes := []int{0}
		for {
			select {
			case <-done:
				return
			default:
			}
			n, err := src.Read(bufs, sizes, 0)
			if err != nil || n == 0 {
				return
			}
			pkt := append([]byte(nil), bufs[0][:sizes[0]]...)
			if _, err := dst.Write([][]byte{pkt}, 0); err != nil {
				return
			}
		}
	}
	go pump(a, b)
	go pump(b, a)
	return func() { close(done) }
}

func TestStackLoopbackConnectAcceptSendRecv(t *testing.T) {
	serverAddr := netip.MustParseAddr("10.245.1.1")
	clientAddr := netip.MustParseAddr("10.245.1.2")

	serverLink := newLinkDevice()
	clientLink := newLinkDevice()
	defer serverLink.Close()
	defer clientLink.Close()

	server, err := newTCPStack(serverLink, serverAddr)
	require.NoError(t, err)
	defer server.shutdown()

	client, err := newTCPStack(clientLink, clientAddr)
	require.NoError(t, err)
	defer client.shutdown()

	stop := pumpLink(t, serverLink, clientLink)
	defer stop()

	listenHandle, err := server.listen(9000)
	require.NoError(t, err)

	connHandle, err := client.connect(netip.AddrPortFrom(serverAddr, 9000), 49200)
	require.NoError(t, err)

	var acceptedHandle SocketHandle
	require.Eventually(t, func() bool {
		h, ok, err := server.tryAccept(listenHandle)
		if err != nil || !ok {
			return false
		}
		acceptedHandle = h
		return true
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return client.state(connHandle) == tcp.StateEstablished
	}, 2*time.Second, 5*time.Millisecond)

	payload := []byte("hello from client")
	require.Eventually(t, func() bool {
		n, err := client.sendSlice(connHandle, payload)
		return err == nil && n == len(payload)
	}, 2*time.Second, 5*time.Millisecond)

	buf := make([]byte, 4096)
	var got []byte
	require.Eventually(t, func() bool {
		n, err := server.recvSlice(acceptedHandle, buf)
		if err != nil {
			return false
		}
		got = append(got, buf[:n]...)
		return len(got) >= len(payload)
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, payload, got)

	client.close(connHandle)
	require.Eventually(t, func() bool {
		return server.state(acceptedHandle) == tcp.StateClose || server.state(acceptedHandle) == tcp.StateCloseWait
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStackCapacityExhaustion(t *testing.T) {
	link := newLinkDevice()
	defer link.Close()
	stk, err := newTCPStack(link, netip.MustParseAddr("10.245.1.3"))
	require.NoError(t, err)
	defer stk.shutdown()

	for i := 0; i < maxSockets; i++ {
		_, err := stk.listen(uint16(20000 + i))
		require.NoError(t, err)
	}

	_, err = stk.listen(30000)
	require.ErrorIs(t, err, ErrCapacity)
}

// TestTryAcceptToleratesInvalidHandle guards against a listener left
// without an armed socket (e.g. after a rearm failure) crashing the
// event loop the next time it's polled.
func TestTryAcceptToleratesInvalidHandle(t *testing.T) {
	link := newLinkDevice()
	defer link.Close()
	stk, err := newTCPStack(link, netip.MustParseAddr("10.245.1.4"))
	require.NoError(t, err)
	defer stk.shutdown()

	h, ok, err := stk.tryAccept(invalidHandle)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, invalidHandle, h)
}
