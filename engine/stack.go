package engine

import (
	"bytes"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const (
	maxSockets     = 32
	sendBufferSize = 65535
	recvBufferSize = 65535
	nicID          = tcpip.NICID(1)
)

// SocketHandle is an opaque index into the stack's socket pool. It is
// meaningful only to the tcpStack that issued it.
type SocketHandle int

const invalidHandle SocketHandle = -1

type socketSlot struct {
	inUse     bool
	listening bool
	ep        tcpip.Endpoint
	wq        *waiter.Queue
	entry     waiter.Entry
}

// tcpStack is an IP interface bound to a single IPv4 source address, a
// pool of at most 32 socket slots, and the raw (non-blocking) endpoint
// operations the event loop drives directly — deliberately not the
// blocking gonet wrapper, since the event loop needs poll-style
// connect/send/recv/accept semantics it fully controls the timing of.
type tcpStack struct {
	stk    *stack.Stack
	link   *linkDevice
	source netip.Addr
	slots  [maxSockets]socketSlot

	// wake receives a coalesced signal any time a socket's readiness
	// changes, so the event loop's single select can multiplex socket
	// activity alongside commands, UDP arrival and timers.
	wake chan struct{}
}

func newTCPStack(link *linkDevice, source netip.Addr) (*tcpStack, error) {
	opts := stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4},
		HandleLocal:        true,
	}
	s := &tcpStack{
		stk:    stack.New(opts),
		link:   link,
		source: source,
		wake:   make(chan struct{}, 1),
	}
	if err := s.stk.CreateNIC(nicID, link.ep); err != nil {
		return nil, newError("CreateNIC failed").Base(errFromTcpip(err))
	}
	protoAddr := tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddrFromSlice(source.AsSlice()).WithPrefix(),
	}
	if err := s.stk.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		return nil, newError("AddProtocolAddress failed").Base(errFromTcpip(err))
	}
	s.stk.AddRoute(tcpip.Route{Destination: header.IPv4EmptySubnet, NIC: nicID})
	return s, nil
}

func (s *tcpStack) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *tcpStack) freeSlot() (SocketHandle, bool) {
	for i := range s.slots {
		if !s.slots[i].inUse {
			return SocketHandle(i), true
		}
	}
	return invalidHandle, false
}

func (s *tcpStack) newEndpoint() (tcpip.Endpoint, *waiter.Queue, error) {
	wq := &waiter.Queue{}
	ep, err := s.stk.NewEndpoint(tcp.ProtocolNumber, ipv4.ProtocolNumber, wq)
	if err != nil {
		return nil, nil, errFromTcpip(err)
	}
	ep.SocketOptions().SetKeepAlive(true)
	return ep, wq, nil
}

func (s *tcpStack) register(h SocketHandle, ep tcpip.Endpoint, wq *waiter.Queue, listening bool) {
	slot := &s.slots[h]
	slot.inUse = true
	slot.listening = listening
	slot.ep = ep
	slot.wq = wq
	slot.entry = waiter.NewFunctionEntry(waiter.ReadableEvents|waiter.WritableEvents|waiter.EventHUp|waiter.EventErr,
		func(mask waiter.EventMask) { s.signalWake() })
	wq.EventRegister(&slot.entry)
}

// connect initiates an active open on a free slot. Non-blocking: the
// handle is returned before the three-way handshake completes.
func (s *tcpStack) connect(remote netip.AddrPort, localPort uint16) (SocketHandle, error) {
	h, ok := s.freeSlot()
	if !ok {
		return invalidHandle, ErrCapacity
	}
	ep, wq, err := s.newEndpoint()
	if err != nil {
		return invalidHandle, newError("NewEndpoint failed").Base(err)
	}
	local := tcpip.FullAddress{NIC: nicID, Addr: tcpip.AddrFromSlice(s.source.AsSlice()), Port: localPort}
	if err := ep.Bind(local); err != nil {
		ep.Close()
		return invalidHandle, ErrCapacity
	}
	remoteAddr := tcpip.FullAddress{NIC: nicID, Addr: tcpip.AddrFromSlice(remote.Addr().AsSlice()), Port: remote.Port()}
	if err := ep.Connect(remoteAddr); err != nil {
		if _, started := err.(*tcpip.ErrConnectStarted); !started {
			ep.Close()
			return invalidHandle, newError("connect failed").Base(errFromTcpip(err))
		}
	}
	s.register(h, ep, wq, false)
	return h, nil
}

// listen places a fresh socket into passive-open state on localPort.
func (s *tcpStack) listen(localPort uint16) (SocketHandle, error) {
	h, ok := s.freeSlot()
	if !ok {
		return invalidHandle, ErrCapacity
	}
	ep, wq, err := s.newEndpoint()
	if err != nil {
		return invalidHandle, newError("NewEndpoint failed").Base(err)
	}
	local := tcpip.FullAddress{NIC: nicID, Addr: tcpip.AddrFromSlice(s.source.AsSlice()), Port: localPort}
	if err := ep.Bind(local); err != nil {
		ep.Close()
		return invalidHandle, ErrBindConflict
	}
	if err := ep.Listen(16); err != nil {
		ep.Close()
		return invalidHandle, ErrBindConflict
	}
	s.register(h, ep, wq, true)
	return h, nil
}

// tryAccept is non-blocking: it returns ok=false when no connection is
// pending on the listening socket, or when h is invalidHandle (a
// listener currently without an armed accepting socket, e.g. because
// its last rearm attempt found the pool full).
func (s *tcpStack) tryAccept(h SocketHandle) (SocketHandle, bool, error) {
	if h == invalidHandle {
		return invalidHandle, false, nil
	}
	slot := &s.slots[h]
	newEp, newWq, err := slot.ep.Accept(nil)
	if err != nil {
		if _, wouldBlock := err.(*tcpip.ErrWouldBlock); wouldBlock {
			return invalidHandle, false, nil
		}
		return invalidHandle, false, errFromTcpip(err)
	}
	nh, ok := s.freeSlot()
	if !ok {
		newEp.Close()
		return invalidHandle, false, ErrCapacity
	}
	s.register(nh, newEp, newWq, false)
	return nh, true, nil
}

func (s *tcpStack) sendSlice(h SocketHandle, data []byte) (int, error) {
	slot := &s.slots[h]
	n, err := slot.ep.Write(bytes.NewReader(data), tcpip.WriteOptions{})
	if err != nil {
		if _, wouldBlock := err.(*tcpip.ErrWouldBlock); wouldBlock {
			return 0, nil
		}
		return 0, errFromTcpip(err)
	}
	return int(n), nil
}

type boundedWriter struct {
	buf []byte
	n   int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.n:], p)
	w.n += n
	return n, nil
}

func (s *tcpStack) recvSlice(h SocketHandle, buf []byte) (int, error) {
	slot := &s.slots[h]
	w := &boundedWriter{buf: buf}
	_, err := slot.ep.Read(w, tcpip.ReadOptions{})
	if err != nil {
		if _, wouldBlock := err.(*tcpip.ErrWouldBlock); wouldBlock {
			return 0, nil
		}
		if _, closed := err.(*tcpip.ErrClosedForReceive); closed {
			return 0, nil
		}
		return 0, errFromTcpip(err)
	}
	return w.n, nil
}

func (s *tcpStack) close(h SocketHandle) {
	s.slots[h].ep.Shutdown(tcpip.ShutdownWrite)
}

func (s *tcpStack) release(h SocketHandle) {
	slot := &s.slots[h]
	if !slot.inUse {
		return
	}
	slot.wq.EventUnregister(&slot.entry)
	slot.ep.Close()
	*slot = socketSlot{}
}

func (s *tcpStack) state(h SocketHandle) tcp.EndpointState {
	return tcp.EndpointState(s.slots[h].ep.State())
}

func (s *tcpStack) canSend(h SocketHandle) bool {
	return s.slots[h].ep.Readiness(waiter.WritableEvents)&waiter.WritableEvents != 0
}

func (s *tcpStack) canRecv(h SocketHandle) bool {
	return s.slots[h].ep.Readiness(waiter.ReadableEvents)&waiter.ReadableEvents != 0
}

func (s *tcpStack) recvQueueLen(h SocketHandle) int {
	n, err := s.slots[h].ep.GetSockOptInt(tcpip.ReceiveQueueSizeOption)
	if err != nil {
		return 0
	}
	return n
}

func (s *tcpStack) remoteEndpoint(h SocketHandle) (netip.AddrPort, error) {
	fa, err := s.slots[h].ep.GetRemoteAddress()
	if err != nil {
		return netip.AddrPort{}, errFromTcpip(err)
	}
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte(fa.Addr.As4())), fa.Port), nil
}

func (s *tcpStack) shutdown() {
	for i := range s.slots {
		if s.slots[i].inUse {
			s.release(SocketHandle(i))
		}
	}
	s.stk.RemoveNIC(nicID)
	s.stk.Close()
}

func errFromTcpip(err tcpip.Error) error {
	if err == nil {
		return nil
	}
	return newError(err.String())
}
