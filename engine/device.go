package engine

import (
	"os"
	"sync"

	"golang.zx2c4.com/wireguard/tun"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

const deviceMTU = 1420

// linkDevice is the Virtual Link Device, C1: a gvisor channel.Endpoint
// bridging the TCP/IP stack, plus a direct-inject path for heartbeat
// traffic that never touches the stack, both feeding the one outbound
// queue, exposed to the WireGuard device as a tun.Device. Capabilities
// advertised to the stack: IP medium, MTU 1420, checksums computed by
// the stack (the tunnel carries raw IP frames, no link-layer checksum
// of its own).
type linkDevice struct {
	ep     *channel.Endpoint
	events chan tun.Event

	// outbound is the single queue Read() drains: packets the gvisor
	// stack emitted (via WriteNotify) and packets injected directly by
	// injectOutbound (the heartbeat) are both funneled through here, so
	// either source is handed to the tunnel in submission order.
	outbound chan []byte

	closeOnce sync.Once
}

func newLinkDevice() *linkDevice {
	d := &linkDevice{
		ep:       channel.New(1024, deviceMTU, ""),
		events:   make(chan tun.Event, 1),
		outbound: make(chan []byte, 256),
	}
	d.ep.AddNotify(d)
	d.events <- tun.EventUp
	return d
}

// WriteNotify implements channel.Notification: called by the gvisor
// stack whenever it has a new packet queued for transmission.
func (d *linkDevice) WriteNotify() {
	pkt := d.ep.Read()
	if pkt == nil {
		return
	}
	view := pkt.ToView()
	pkt.DecRef()
	b := make([]byte, view.Size())
	view.Read(b)
	select {
	case d.outbound <- b:
	default:
		// Outbound queue saturated; drop, the TCP stack will retransmit.
	}
}

// injectOutbound hands the tunnel session a synthetic IP packet (the
// idle heartbeat) without involving the TCP/IP stack.
func (d *linkDevice) injectOutbound(packet []byte) {
	select {
	case d.outbound <- packet:
	default:
	}
}

// Read implements tun.Device: the outbound-to-tunnel direction.
func (d *linkDevice) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	packet, ok := <-d.outbound
	if !ok {
		return 0, os.ErrClosed
	}
	n := copy(bufs[0][offset:], packet)
	sizes[0] = n
	return 1, nil
}

// Write implements tun.Device: the inbound-from-tunnel direction,
// injecting decrypted IP frames into the gvisor stack.
func (d *linkDevice) Write(bufs [][]byte, offset int) (int, error) {
	for _, buf := range bufs {
		packet := buf[offset:]
		if len(packet) == 0 {
			continue
		}
		pkb := stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: buffer.MakeWithData(append([]byte(nil), packet...))})
		if packet[0]>>4 == 4 {
			d.ep.InjectInbound(header.IPv4ProtocolNumber, pkb)
		}
		pkb.DecRef()
	}
	return len(bufs), nil
}

func (d *linkDevice) BatchSize() int { return 1 }

func (d *linkDevice) MTU() (int, error) { return deviceMTU, nil }

func (d *linkDevice) Name() (string, error) { return "wgtunnel0", nil }

func (d *linkDevice) File() *os.File { return nil }

func (d *linkDevice) Events() <-chan tun.Event { return d.events }

func (d *linkDevice) Flush() error { return nil }

func (d *linkDevice) Close() error {
	d.closeOnce.Do(func() {
		close(d.events)
		d.ep.Close()
		close(d.outbound)
	})
	return nil
}
