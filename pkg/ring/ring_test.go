package ring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllSlotsStartWithProducer(t *testing.T) {
	r := New[int](4)

	seen := make(map[int]bool)
	for i := 0; i < 4; i++ {
		index, err := r.ProducerAcquire(0)
		require.NoError(t, err)
		seen[index] = true
	}
	assert.Len(t, seen, 4, "every index handed out exactly once")

	_, err := r.ProducerAcquire(0)
	assert.ErrorIs(t, err, ErrTimeout, "empty producer queue times out immediately")
}

func TestZeroTimeoutNeverBlocks(t *testing.T) {
	r := New[int](1)

	start := time.Now()
	_, err := r.ConsumerAcquire(0)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestHandOffRoundTrip(t *testing.T) {
	r := New[string](2)

	index, err := r.ProducerAcquire(time.Second)
	require.NoError(t, err)
	*r.Slot(index) = "payload"
	r.ProducerRelease(index)

	got, err := r.ConsumerAcquire(time.Second)
	require.NoError(t, err)
	assert.Equal(t, index, got, "the same index crosses the ring")
	assert.Equal(t, "payload", *r.Slot(got))
	r.ConsumerRelease(got)

	// The slot is available to the producer again.
	again, err := r.ProducerAcquire(0)
	require.NoError(t, err)
	r.ProducerRelease(again)
}

func TestEveryIndexInExactlyOneQueue(t *testing.T) {
	const capacity = 8
	r := New[int](capacity)

	// Move half of the indices to the consumer side.
	for i := 0; i < capacity/2; i++ {
		index, err := r.ProducerAcquire(0)
		require.NoError(t, err)
		r.ProducerRelease(index)
	}

	// Drain both queues: together they must hold the full index set.
	seen := make(map[int]bool)
	for {
		index, err := r.ProducerAcquire(0)
		if err != nil {
			break
		}
		assert.False(t, seen[index])
		seen[index] = true
	}
	for {
		index, err := r.ConsumerAcquire(0)
		if err != nil {
			break
		}
		assert.False(t, seen[index])
		seen[index] = true
	}
	assert.Len(t, seen, capacity)
}

func TestOverflowDropsNotBlocks(t *testing.T) {
	const capacity = 4
	r := New[int](capacity)

	start := time.Now()
	dropped := 0
	for i := 0; i < capacity+10; i++ {
		index, err := r.ProducerAcquire(0)
		if err != nil {
			dropped++
			continue
		}
		*r.Slot(index) = i
		r.ProducerRelease(index)
	}
	assert.Equal(t, 10, dropped, "exactly the overflow is dropped")
	assert.Less(t, time.Since(start), 100*time.Millisecond, "producer never blocked")
}

func TestConcurrentProducerConsumer(t *testing.T) {
	const n = 1000
	r := New[int](8)

	done := make(chan []int)
	go func() {
		var got []int
		for len(got) < n {
			index, err := r.ConsumerAcquire(time.Second)
			if err != nil {
				continue
			}
			got = append(got, *r.Slot(index))
			r.ConsumerRelease(index)
		}
		done <- got
	}()

	for i := 0; i < n; i++ {
		index, err := r.ProducerAcquire(time.Second)
		require.NoError(t, err)
		*r.Slot(index) = i
		r.ProducerRelease(index)
	}

	got := <-done
	require.Len(t, got, n)
	for i, v := range got {
		assert.Equal(t, i, v, "FIFO order preserved")
	}
}

func TestAcquireTimeoutIsBounded(t *testing.T) {
	r := New[int](1)

	start := time.Now()
	_, err := r.ConsumerAcquire(30 * time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}
