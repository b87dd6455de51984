package engine

import "net/netip"

type connFlavor int

const (
	flavorClient connFlavor = iota
	flavorServer
)

// connection is one per live stack socket that represents a fully
// established or half-closed flow.
type connection struct {
	id       uint32
	handle   SocketHandle
	flavor   connFlavor
	client   ClientCallbacks
	server   ServerCallbacks
	closedOK bool // on-close has fired; guards the at-most-once invariant
}

// listener is a bound port, its callback trio, and the handle of the
// currently armed accepting socket.
type listener struct {
	port     uint16
	armed    SocketHandle
	callback ListenerCallbacks
}

// connRegistry is loop-owned, no locking: only the event-loop
// goroutine ever reads or writes it.
type connRegistry struct {
	byID map[uint32]*connection
	next uint32
}

func newConnRegistry() *connRegistry {
	return &connRegistry{byID: make(map[uint32]*connection), next: 1}
}

func (r *connRegistry) add(handle SocketHandle, flavor connFlavor) *connection {
	id := r.next
	r.next++
	c := &connection{id: id, handle: handle, flavor: flavor}
	r.byID[id] = c
	return c
}

func (r *connRegistry) get(id uint32) (*connection, bool) {
	c, ok := r.byID[id]
	return c, ok
}

func (r *connRegistry) remove(id uint32) {
	delete(r.byID, id)
}

func (r *connRegistry) all() []*connection {
	out := make([]*connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// listenerRegistry tracks the armed accepting socket for each bound
// port.
type listenerRegistry struct {
	byPort map[uint16]*listener
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{byPort: make(map[uint16]*listener)}
}

func (r *listenerRegistry) add(port uint16, armed SocketHandle, cb ListenerCallbacks) *listener {
	l := &listener{port: port, armed: armed, callback: cb}
	r.byPort[port] = l
	return l
}

func (r *listenerRegistry) byArmedHandle(h SocketHandle) (*listener, bool) {
	for _, l := range r.byPort {
		if l.armed == h {
			return l, true
		}
	}
	return nil, false
}

func (r *listenerRegistry) all() []*listener {
	out := make([]*listener, 0, len(r.byPort))
	for _, l := range r.byPort {
		out = append(out, l)
	}
	return out
}

// pendingBuffers holds bytes submitted before their socket was
// sendable, drained strictly in FIFO order during the event loop's
// flush step.
type pendingBuffers struct {
	byConn map[uint32][][]byte
}

func newPendingBuffers() *pendingBuffers {
	return &pendingBuffers{byConn: make(map[uint32][][]byte)}
}

func (p *pendingBuffers) append(id uint32, data []byte) {
	p.byConn[id] = append(p.byConn[id], data)
}

func (p *pendingBuffers) peek(id uint32) ([]byte, bool) {
	q := p.byConn[id]
	if len(q) == 0 {
		return nil, false
	}
	return q[0], true
}

func (p *pendingBuffers) popFront(id uint32) {
	q := p.byConn[id]
	if len(q) == 0 {
		return
	}
	p.byConn[id] = q[1:]
	if len(p.byConn[id]) == 0 {
		delete(p.byConn, id)
	}
}

func (p *pendingBuffers) discard(id uint32) {
	delete(p.byConn, id)
}

// remoteIPPort formats a netip.AddrPort into the (string, uint16) pair
// the server on-connection callback delivers.
func remoteIPPort(ap netip.AddrPort) (string, uint16) {
	return ap.Addr().String(), ap.Port()
}
