package engine

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPendingBuffersFIFOOrder(t *testing.T) {
	p := newPendingBuffers()
	p.append(1, []byte("a"))
	p.append(1, []byte("b"))
	p.append(1, []byte("c"))

	first, ok := p.peek(1)
	require.True(t, ok)
	require.Equal(t, []byte("a"), first)

	p.popFront(1)
	second, ok := p.peek(1)
	require.True(t, ok)
	require.Equal(t, []byte("b"), second)

	p.popFront(1)
	p.popFront(1)
	_, ok = p.peek(1)
	require.False(t, ok)
}

func TestPendingBuffersDiscard(t *testing.T) {
	p := newPendingBuffers()
	p.append(5, []byte("x"))
	p.discard(5)
	_, ok := p.peek(5)
	require.False(t, ok)
}

func TestConnRegistryAddGetRemove(t *testing.T) {
	r := newConnRegistry()
	c1 := r.add(SocketHandle(0), flavorClient)
	c2 := r.add(SocketHandle(1), flavorServer)
	require.NotEqual(t, c1.id, c2.id)

	got, ok := r.get(c1.id)
	require.True(t, ok)
	require.Same(t, c1, got)

	r.remove(c1.id)
	_, ok = r.get(c1.id)
	require.False(t, ok)
	require.Len(t, r.all(), 1)
}

func TestListenerRegistryByArmedHandle(t *testing.T) {
	r := newListenerRegistry()
	l := r.add(8080, SocketHandle(3), ListenerCallbacks{})

	found, ok := r.byArmedHandle(SocketHandle(3))
	require.True(t, ok)
	require.Same(t, l, found)

	_, ok = r.byArmedHandle(SocketHandle(99))
	require.False(t, ok)
}

func TestCloseAtMostOnce(t *testing.T) {
	link := newLinkDevice()
	defer link.Close()
	stk, err := newTCPStack(link, netip.MustParseAddr("10.245.1.5"))
	require.NoError(t, err)
	defer stk.shutdown()
	h, err := stk.listen(7000)
	require.NoError(t, err)

	st := &loopState{stk: stk, conns: newConnRegistry(), pending: newPendingBuffers(), sinks: make(map[uint32]*callbackSink)}
	fired := make(chan struct{}, 2)
	c := st.conns.add(h, flavorClient)
	c.client.OnClose = func() { fired <- struct{}{} }
	st.sinks[c.id] = newCallbackSink()

	st.finalizeClose(c)
	st.finalizeClose(c)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("on-close callback never fired")
	}
	select {
	case <-fired:
		t.Fatal("on-close callback fired twice")
	case <-time.After(100 * time.Millisecond):
	}
	_, ok := st.conns.get(c.id)
	require.False(t, ok)
}
