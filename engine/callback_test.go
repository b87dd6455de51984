package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCallbackSinkPreservesOrder(t *testing.T) {
	sink := newCallbackSink()
	defer sink.close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		sink.invoke(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callbacks did not all run")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestCallbackSinkNilIsNoop(t *testing.T) {
	sink := newCallbackSink()
	defer sink.close()
	sink.invoke(nil)
}
