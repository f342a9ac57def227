package trigger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkQueue_FIFO(t *testing.T) {
	q := newWorkQueue()

	for _, id := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(Handle{ID: id}))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"A", "B", "C"} {
		h, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, h.ID)
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestWorkQueue_EnqueueAfterClose(t *testing.T) {
	q := newWorkQueue()
	q.Close()

	assert.False(t, q.Enqueue(Handle{ID: "late"}))
	assert.True(t, q.Drained())
}

func TestWorkQueue_DrainedOnlyWhenEmpty(t *testing.T) {
	q := newWorkQueue()
	q.Enqueue(Handle{ID: "A"})
	q.Close()

	assert.False(t, q.Drained(), "closed queue with items is not drained")
	_, ok := q.TryDequeue()
	require.True(t, ok)
	assert.True(t, q.Drained())
}

func TestWorkQueue_CloseIdempotent(t *testing.T) {
	q := newWorkQueue()
	q.Close()
	assert.NotPanics(t, q.Close)
}

func TestWorkQueue_WaitSignals(t *testing.T) {
	q := newWorkQueue()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(Handle{ID: "A"})
	}()

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("Wait() did not signal after Enqueue")
	}
	h, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "A", h.ID)
}

func TestWorkQueue_CloseWakesWaiters(t *testing.T) {
	q := newWorkQueue()

	done := make(chan struct{})
	go func() {
		<-q.Wait()
		close(done)
	}()

	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close() did not wake waiter")
	}
}

func TestWorkQueue_ConcurrentConsumers(t *testing.T) {
	q := newWorkQueue()
	const n = 200
	for i := 0; i < n; i++ {
		q.Enqueue(Handle{ID: string(rune('a' + i%26))})
	}
	q.Close()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		count int
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, ok := q.TryDequeue(); ok {
					mu.Lock()
					count++
					mu.Unlock()
					continue
				}
				if q.Drained() {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, n, count)
}
