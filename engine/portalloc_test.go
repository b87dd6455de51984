package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPortAllocatorMonotonicWithinRange(t *testing.T) {
	p := newPortAllocator()
	require.GreaterOrEqual(t, p.next, uint32(ephemeralBase))
	require.LessOrEqual(t, p.next, uint32(ephemeralTop))

	prev := p.allocate()
	for i := 0; i < 100; i++ {
		next := p.allocate()
		if next == ephemeralBase {
			// wrapped
			prev = next
			continue
		}
		require.Equal(t, prev+1, next)
		prev = next
	}
}

func TestPortAllocatorWrapsAtTop(t *testing.T) {
	p := &portAllocator{next: ephemeralTop}
	got := p.allocate()
	require.Equal(t, uint16(ephemeralTop), got)
	require.Equal(t, uint32(ephemeralBase), p.next)
}
