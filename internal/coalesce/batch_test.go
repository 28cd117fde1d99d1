package coalesce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type flush struct {
	key   string
	items []int
}

func collector(flushes *[]flush) Processor[int] {
	return func(key string, items []int) {
		*flushes = append(*flushes, flush{key: key, items: items})
	}
}

func TestBatcher_FlushesAtMaxSize(t *testing.T) {
	req := require.New(t)
	clock := newFakeClock()
	var flushes []flush
	b := NewBatcher(clock, discardLogger(), 3, time.Second, collector(&flushes))

	b.Add("k", 1)
	b.Add("k", 2)
	req.Empty(flushes)

	b.Add("k", 3)
	req.Len(flushes, 1)
	req.Equal([]int{1, 2, 3}, flushes[0].items, "processor gets exactly maxSize items, once")

	// The delay timer was cancelled by the size flush; nothing more fires.
	clock.Advance(2 * time.Second)
	req.Len(flushes, 1)
}

func TestBatcher_FlushesAfterMaxDelay(t *testing.T) {
	req := require.New(t)
	clock := newFakeClock()
	var flushes []flush
	b := NewBatcher(clock, discardLogger(), 100, 200*time.Millisecond, collector(&flushes))

	b.Add("k", 7)
	clock.Advance(100 * time.Millisecond)
	b.Add("k", 8)
	req.Empty(flushes)

	// maxDelay counts from the first item added to an empty list.
	clock.Advance(100 * time.Millisecond)
	req.Len(flushes, 1)
	req.Equal([]int{7, 8}, flushes[0].items)
}

func TestBatcher_DelayRestartsAfterFlush(t *testing.T) {
	req := require.New(t)
	clock := newFakeClock()
	var flushes []flush
	b := NewBatcher(clock, discardLogger(), 100, 200*time.Millisecond, collector(&flushes))

	b.Add("k", 1)
	clock.Advance(200 * time.Millisecond)
	req.Len(flushes, 1)

	b.Add("k", 2)
	clock.Advance(200 * time.Millisecond)
	req.Len(flushes, 2)
	req.Equal([]int{2}, flushes[1].items)
}

func TestBatcher_KeysFlushIndependently(t *testing.T) {
	req := require.New(t)
	clock := newFakeClock()
	var flushes []flush
	b := NewBatcher(clock, discardLogger(), 2, time.Second, collector(&flushes))

	b.Add("a", 1)
	b.Add("b", 2)
	b.Add("a", 3)

	req.Len(flushes, 1)
	req.Equal("a", flushes[0].key)

	clock.Advance(time.Second)
	req.Len(flushes, 2)
	req.Equal("b", flushes[1].key)
	req.Equal([]int{2}, flushes[1].items)
}

func TestBatcher_ProcessorPanicDoesNotPoisonOtherKeys(t *testing.T) {
	req := require.New(t)
	clock := newFakeClock()
	var flushes []flush
	b := NewBatcher(clock, discardLogger(), 1, time.Second, func(key string, items []int) {
		if key == "bad" {
			panic("boom")
		}
		flushes = append(flushes, flush{key: key, items: items})
	})

	require.NotPanics(t, func() { b.Add("bad", 1) })
	b.Add("good", 2)

	req.Len(flushes, 1)
	req.Equal("good", flushes[0].key)

	// The failing key keeps accepting future batches too.
	require.NotPanics(t, func() { b.Add("bad", 3) })
}

func TestBatcher_FlushAllDrainsPending(t *testing.T) {
	req := require.New(t)
	clock := newFakeClock()
	var flushes []flush
	b := NewBatcher(clock, discardLogger(), 100, time.Minute, collector(&flushes))

	b.Add("a", 1)
	b.Add("b", 2)
	b.FlushAll()

	req.Len(flushes, 2)
	clock.Advance(2 * time.Minute)
	req.Len(flushes, 2, "cancelled timers must not re-flush")
}
