// Package engine is the core of the tunnel adapter: the single-threaded
// event loop that drives the WireGuard data plane, the userspace TCP/IP
// stack, and the command/callback multiplexing plane. Everything under
// this package is loop-owned; the only cross-goroutine boundary is the
// command channel.
package engine

import (
	"net/netip"
	"time"

	"github.com/xtls/wgtunnel/internal/logx"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
)

const (
	heartbeatInterval = 5 * time.Second
	idleTickInterval  = 10 * time.Millisecond
)

// Engine is the host-visible handle to a running tunnel adapter. All
// of its methods enqueue a command into the event loop; the host never
// touches loop-owned state directly.
type Engine struct {
	cmds chan command
	done chan struct{}
}

// New constructs and starts an Engine. Construction validates key
// material, the source address and the peer endpoint synchronously,
// returning ErrConfiguration-wrapped errors for any of them; once this
// returns a nil error the event loop is already running.
func New(cfg Config) (*Engine, error) {
	parsed, err := cfg.parse()
	if err != nil {
		return nil, newError("invalid engine configuration").Base(wrapConfiguration(err))
	}

	link := newLinkDevice()

	stk, err := newTCPStack(link, parsed.source)
	if err != nil {
		link.Close()
		return nil, newError("failed to construct TCP/IP stack").Base(wrapConfiguration(err))
	}

	tun, err := newTunnelSession(link, parsed)
	if err != nil {
		stk.shutdown()
		link.Close()
		return nil, newError("failed to start tunnel session").Base(wrapConfiguration(err))
	}

	e := &Engine{
		cmds: make(chan command),
		done: make(chan struct{}),
	}
	go e.run(link, stk, tun)
	return e, nil
}

// sendCommand posts cmd to the loop, translating both a closed command
// channel (Close already called) and an already-exited loop into
// ErrEngineGone. The recover guards the unavoidable race between a
// host goroutine sending and Close's producer-side channel close.
func (e *Engine) sendCommand(cmd command) (err error) {
	defer func() {
		if recover() != nil {
			err = ErrEngineGone
		}
	}()
	select {
	case e.cmds <- cmd:
		return nil
	case <-e.done:
		return ErrEngineGone
	}
}

// Connect opens an outbound TCP flow. The returned Connection's id is
// valid (and concurrent Send/Close calls against it well-defined)
// before the three-way handshake completes.
func (e *Engine) Connect(destIP string, destPort uint16, cb ClientCallbacks) (*Connection, error) {
	reply := make(chan connectReply, 1)
	if err := e.sendCommand(connectCommand{destIP: destIP, destPort: destPort, cb: cb, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		if r.err != nil {
			return nil, r.err
		}
		return &Connection{id: r.id, engine: e}, nil
	case <-e.done:
		return nil, ErrEngineGone
	}
}

// Listen registers a listener on port. There is no way to unregister
// it short of closing the Engine.
func (e *Engine) Listen(port uint16, cb ListenerCallbacks) error {
	reply := make(chan error, 1)
	if err := e.sendCommand(listenCommand{port: port, cb: cb, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return ErrEngineGone
	}
}

// SendTo submits bytes for connID. Submission is acknowledged, not
// delivery: a connection closed before the bytes were handed to the
// stack silently drops them.
func (e *Engine) SendTo(connID uint32, data []byte) error {
	return e.sendCommand(sendDataCommand{connID: connID, data: data})
}

// CloseConnection half-closes connID's send direction. The on-close
// callback fires later, from the loop, once the socket actually
// reaches the closed state.
func (e *Engine) CloseConnection(connID uint32) error {
	return e.sendCommand(closeCommand{connID: connID})
}

// Close drops the command channel's producer side; the loop observes
// the closure, finishes in-flight dispatch, tears down the tunnel and
// stack, and exits. In-flight host calls racing with Close observe
// ErrEngineGone rather than blocking forever.
func (e *Engine) Close() {
	defer func() { recover() }()
	close(e.cmds)
	<-e.done
}

// Connection is the host-visible handle to a single TCP flow, either
// one this engine dialed out or one accepted on a listener.
type Connection struct {
	id     uint32
	engine *Engine
}

// ID returns the engine-assigned connection identifier.
func (c *Connection) ID() uint32 { return c.id }

// Send submits bytes on this connection.
func (c *Connection) Send(data []byte) error { return c.engine.SendTo(c.id, data) }

// Close half-closes this connection's send direction.
func (c *Connection) Close() error { return c.engine.CloseConnection(c.id) }

// RemoteAddr returns the connection's remote IP and port. The second
// return value is false once the connection no longer exists.
func (c *Connection) RemoteAddr() (ip string, port uint16, ok bool) {
	info, err := c.engine.queryConn(c.id)
	if err != nil || !info.ok {
		return "", 0, false
	}
	return info.remoteIP, info.remotePort, true
}

// State returns the connection's current TCP state and the number of
// bytes still queued locally for transmission, mirroring the original
// implementation's combined state/backlog accessor.
func (c *Connection) State() (state string, pendingBytes int, ok bool) {
	info, err := c.engine.queryConn(c.id)
	if err != nil || !info.ok {
		return "", 0, false
	}
	return info.state, info.pending, true
}

func (e *Engine) queryConn(connID uint32) (connInfoReply, error) {
	reply := make(chan connInfoReply, 1)
	if err := e.sendCommand(connInfoCommand{connID: connID, reply: reply}); err != nil {
		return connInfoReply{}, err
	}
	select {
	case info := <-reply:
		return info, nil
	case <-e.done:
		return connInfoReply{}, ErrEngineGone
	}
}

// loopState bundles the registries the event loop owns exclusively.
type loopState struct {
	link      *linkDevice
	stk       *tcpStack
	tun       *tunnelSession
	conns     *connRegistry
	listeners *listenerRegistry
	pending   *pendingBuffers
	sinks     map[uint32]*callbackSink
	ports     *portAllocator
	recvBuf   []byte
}

func (e *Engine) run(link *linkDevice, stk *tcpStack, tun *tunnelSession) {
	st := &loopState{
		link:      link,
		stk:       stk,
		tun:       tun,
		conns:     newConnRegistry(),
		listeners: newListenerRegistry(),
		pending:   newPendingBuffers(),
		sinks:     make(map[uint32]*callbackSink),
		ports:     newPortAllocator(),
		recvBuf:   make([]byte, recvBufferSize),
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	idle := time.NewTicker(idleTickInterval)
	defer idle.Stop()

	defer func() {
		close(e.done)
		tun.close()
		stk.shutdown()
		link.Close()
		for _, s := range st.sinks {
			s.close()
		}
	}()

loop:
	for {
		select {
		case cmd, ok := <-e.cmds:
			if !ok {
				break loop
			}
			st.dispatch(cmd)
		case <-heartbeat.C:
			// Skip the discard-host heartbeat while a handshake is
			// actively in flight; synthetic traffic would just compete
			// with the handshake packets for the peer's attention.
			if !tun.inHandshakePhase() {
				link.injectOutbound(buildHeartbeatPacket(stk.source))
			}
		case <-idle.C:
		case <-stk.wake:
		}
		st.afterIteration()
	}
}

func (st *loopState) dispatch(cmd command) {
	switch c := cmd.(type) {
	case connectCommand:
		st.handleConnect(c)
	case listenCommand:
		st.handleListen(c)
	case sendDataCommand:
		st.handleSendData(c)
	case closeCommand:
		st.handleClose(c)
	case connInfoCommand:
		st.handleConnInfo(c)
	}
}

func (st *loopState) handleConnect(c connectCommand) {
	addr, err := netip.ParseAddr(c.destIP)
	if err != nil {
		c.reply <- connectReply{err: newError("invalid destination address", c.destIP).Base(err)}
		return
	}
	localPort := st.ports.allocate()
	handle, err := st.stk.connect(netip.AddrPortFrom(addr, c.destPort), localPort)
	if err != nil {
		c.reply <- connectReply{err: err}
		return
	}
	conn := st.conns.add(handle, flavorClient)
	conn.client = c.cb
	st.sinks[conn.id] = newCallbackSink()
	c.reply <- connectReply{id: conn.id}
}

func (st *loopState) handleListen(c listenCommand) {
	handle, err := st.stk.listen(c.port)
	if err != nil {
		c.reply <- err
		return
	}
	st.listeners.add(c.port, handle, c.cb)
	c.reply <- nil
}

func (st *loopState) handleSendData(c sendDataCommand) {
	conn, ok := st.conns.get(c.connID)
	if !ok {
		return
	}
	if len(st.pending.byConn[c.connID]) == 0 && st.stk.canSend(conn.handle) {
		n, err := st.stk.sendSlice(conn.handle, c.data)
		if err != nil {
			return
		}
		if n < len(c.data) {
			st.pending.append(c.connID, c.data[n:])
		}
		return
	}
	st.pending.append(c.connID, c.data)
}

func (st *loopState) handleClose(c closeCommand) {
	conn, ok := st.conns.get(c.connID)
	if !ok {
		return
	}
	st.stk.close(conn.handle)
}

func (st *loopState) handleConnInfo(c connInfoCommand) {
	conn, ok := st.conns.get(c.connID)
	if !ok {
		c.reply <- connInfoReply{}
		return
	}
	remote, _ := st.stk.remoteEndpoint(conn.handle)
	ip, port := remoteIPPort(remote)
	pendingLen := 0
	for _, chunk := range st.pending.byConn[c.connID] {
		pendingLen += len(chunk)
	}
	c.reply <- connInfoReply{
		remoteIP:   ip,
		remotePort: port,
		state:      st.stk.state(conn.handle).String(),
		pending:    pendingLen,
		ok:         true,
	}
}

// afterIteration is the loop's per-iteration flush step: drain data,
// observe closes, flush pending sends, graduate newly accepted
// listener connections. Encapsulation and the noise timer schedule are
// not driven here — they run continuously inside the wireguard-go
// device's own goroutines once Up() is called.
func (st *loopState) afterIteration() {
	for _, conn := range st.conns.all() {
		st.deliverData(conn)
		if st.stk.state(conn.handle) == tcp.StateClose {
			st.finalizeClose(conn)
			continue
		}
		st.flushPending(conn)
	}
	st.graduateListeners()
}

func (st *loopState) deliverData(conn *connection) {
	// Snapshot the backlog so one connection flooded with inbound data
	// can't starve its peers' delivery within a single loop iteration;
	// whatever's left over is simply still readable next iteration.
	budget := st.stk.recvQueueLen(conn.handle)/len(st.recvBuf) + 1
	for i := 0; i < budget && st.stk.canRecv(conn.handle); i++ {
		n, err := st.stk.recvSlice(conn.handle, st.recvBuf)
		if err != nil || n == 0 {
			return
		}
		data := append([]byte(nil), st.recvBuf[:n]...)
		sink := st.sinks[conn.id]
		switch conn.flavor {
		case flavorClient:
			cb := conn.client.OnData
			sink.invoke(func() {
				if cb != nil {
					cb(data)
				}
			})
		case flavorServer:
			cb := conn.server.OnData
			id := conn.id
			sink.invoke(func() {
				if cb != nil {
					cb(id, data)
				}
			})
		}
	}
}

func (st *loopState) flushPending(conn *connection) {
	for st.stk.canSend(conn.handle) {
		data, ok := st.pending.peek(conn.id)
		if !ok {
			return
		}
		n, err := st.stk.sendSlice(conn.handle, data)
		if err != nil {
			return
		}
		if n == 0 {
			return
		}
		if n >= len(data) {
			st.pending.popFront(conn.id)
		} else {
			st.pending.byConn[conn.id][0] = data[n:]
			return
		}
	}
}

// finalizeClose fires the on-close callback exactly once, strictly
// after any data already delivered by deliverData in this same
// iteration, then releases the socket and discards anything still
// pending.
func (st *loopState) finalizeClose(conn *connection) {
	if conn.closedOK {
		return
	}
	conn.closedOK = true
	sink := st.sinks[conn.id]
	switch conn.flavor {
	case flavorClient:
		cb := conn.client.OnClose
		sink.invoke(func() {
			if cb != nil {
				cb()
			}
		})
	case flavorServer:
		cb := conn.server.OnClose
		id := conn.id
		sink.invoke(func() {
			if cb != nil {
				cb(id)
			}
		})
	}
	sink.close()
	delete(st.sinks, conn.id)
	st.conns.remove(conn.id)
	st.pending.discard(conn.id)
	st.stk.release(conn.handle)
}

// graduateListeners accepts any connections pending on an armed
// listening socket, pairs each with its listener's callback trio to
// produce a server connection, then rearms a fresh listening socket on
// the same port. The stack's own listening endpoint can natively serve
// more than one accept, but the engine deliberately treats it as
// single-shot (one accept per armed handle, then rearm) so exactly one
// armed accepting socket exists per listener at all times — see
// DESIGN.md.
func (st *loopState) graduateListeners() {
	for _, l := range st.listeners.all() {
		// A previous pass may have left this listener without an armed
		// socket (the pool was full at rearm time). Retry here before
		// trying to accept; invalidHandle is the zero-effort no-op when
		// the pool is still full.
		if l.armed == invalidHandle {
			h, err := st.stk.listen(l.port)
			if err != nil {
				continue
			}
			l.armed = h
		}

		newHandle, ok, err := st.stk.tryAccept(l.armed)
		if err != nil {
			logx.Record(logx.SeverityError, newError("accept failed on port", l.port).Base(err).Error())
			continue
		}
		if !ok {
			continue
		}

		conn := st.conns.add(newHandle, flavorServer)
		conn.server = ServerCallbacks{OnData: l.callback.OnData, OnClose: l.callback.OnClose}
		st.sinks[conn.id] = newCallbackSink()

		remote, err := st.stk.remoteEndpoint(newHandle)
		if err == nil {
			ip, port := remoteIPPort(remote)
			id := conn.id
			onConn := l.callback.OnConnection
			st.sinks[conn.id].invoke(func() {
				if onConn != nil {
					onConn(id, ip, port)
				}
			})
		}

		oldArmed := l.armed
		st.stk.release(oldArmed)
		freshHandle, err := st.stk.listen(l.port)
		if err != nil {
			// Leave the listener unarmed rather than pointing at the
			// slot release just zeroed; the retry above picks it back
			// up once capacity frees.
			l.armed = invalidHandle
			logx.Record(logx.SeverityError, newError("failed to rearm listener on port", l.port).Base(err).Error())
			continue
		}
		l.armed = freshHandle
	}
}
