package spool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalhaus/cth-broker/internal/message"
)

func testMessage(t *testing.T, id string) *message.Message {
	t.Helper()
	msg, err := message.New("cth://a/agent", []string{"cth://b/agent"}, "cth:///schema/test",
		time.Minute, nil)
	require.NoError(t, err)
	if id != "" {
		msg.ID = id
	}
	msg.Target = "cth://b/agent"
	return msg
}

// collector gathers handled messages for assertions.
type collector struct {
	mux  sync.Mutex
	msgs []*message.Message
}

func (c *collector) handle(msg *message.Message) {
	c.mux.Lock()
	c.msgs = append(c.msgs, msg)
	c.mux.Unlock()
}

func (c *collector) ids() []string {
	c.mux.Lock()
	defer c.mux.Unlock()
	ids := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		ids[i] = m.ID
	}
	return ids
}

func (c *collector) waitFor(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mux.Lock()
		got := len(c.msgs)
		c.mux.Unlock()
		if got >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, got %v", n, c.ids())
}

func runQueueContract(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Run("DeliversEnqueuedMessages", func(t *testing.T) {
		q := newQueue(t)
		var c collector
		require.NoError(t, q.Subscribe("accept", c.handle, 2))

		require.NoError(t, q.Enqueue("accept", testMessage(t, "m1"), Options{}))
		require.NoError(t, q.Enqueue("accept", testMessage(t, "m2"), Options{}))

		c.waitFor(t, 2, 2*time.Second)
		assert.ElementsMatch(t, []string{"m1", "m2"}, c.ids())
	})

	t.Run("EnqueueBeforeSubscribe", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue("accept", testMessage(t, "early"), Options{}))

		var c collector
		require.NoError(t, q.Subscribe("accept", c.handle, 1))
		c.waitFor(t, 1, 2*time.Second)
	})

	t.Run("DelayPostponesVisibility", func(t *testing.T) {
		q := newQueue(t)
		var c collector
		require.NoError(t, q.Subscribe("redeliver", c.handle, 1))

		start := time.Now()
		require.NoError(t, q.Enqueue("redeliver", testMessage(t, "delayed"), Options{Delay: 200 * time.Millisecond}))

		c.waitFor(t, 1, 3*time.Second)
		assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	})

	t.Run("QueuesAreIndependent", func(t *testing.T) {
		q := newQueue(t)
		var accept, redeliver collector
		require.NoError(t, q.Subscribe("accept", accept.handle, 1))
		require.NoError(t, q.Subscribe("redeliver", redeliver.handle, 1))

		require.NoError(t, q.Enqueue("accept", testMessage(t, "a"), Options{}))
		accept.waitFor(t, 1, 2*time.Second)
		assert.Empty(t, redeliver.ids())
	})

	t.Run("DoubleSubscribeRejected", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Subscribe("accept", func(*message.Message) {}, 1))
		assert.ErrorIs(t, q.Subscribe("accept", func(*message.Message) {}, 1), ErrSubscribed)
	})

	t.Run("HandlerPanicIsContained", func(t *testing.T) {
		q := newQueue(t)
		var c collector
		first := true
		require.NoError(t, q.Subscribe("accept", func(msg *message.Message) {
			if first {
				first = false
				panic("poisonous message")
			}
			c.handle(msg)
		}, 1))

		require.NoError(t, q.Enqueue("accept", testMessage(t, "bad"), Options{}))
		require.NoError(t, q.Enqueue("accept", testMessage(t, "good"), Options{}))
		c.waitFor(t, 1, 2*time.Second)
	})

	t.Run("EnqueueAfterClose", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Close())
		assert.ErrorIs(t, q.Enqueue("accept", testMessage(t, ""), Options{}), ErrClosed)
	})
}

func TestMemorySpool(t *testing.T) {
	runQueueContract(t, func(t *testing.T) Queue {
		q := NewMemorySpool()
		t.Cleanup(func() { q.Close() })
		return q
	})
}

func TestBadgerSpool(t *testing.T) {
	runQueueContract(t, func(t *testing.T) Queue {
		q, err := NewBadgerSpool(t.TempDir(), false)
		require.NoError(t, err)
		t.Cleanup(func() { q.Close() })
		return q
	})
}

func TestBadgerSpoolSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	q, err := NewBadgerSpool(dir, false)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue("accept", testMessage(t, "persisted"), Options{}))
	require.NoError(t, q.Close())

	q, err = NewBadgerSpool(dir, false)
	require.NoError(t, err)
	defer q.Close()

	var c collector
	require.NoError(t, q.Subscribe("accept", c.handle, 1))
	c.waitFor(t, 1, 3*time.Second)
	assert.Equal(t, []string{"persisted"}, c.ids())
}

func TestMemorySpoolCloseDuringDelayedEnqueues(t *testing.T) {
	q := NewMemorySpool()

	msgs := make([]*message.Message, 64)
	for i := range msgs {
		msgs[i] = testMessage(t, fmt.Sprintf("d%d", i))
	}

	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		go func(msg *message.Message) {
			defer wg.Done()
			if err := q.Enqueue("redeliver", msg, Options{Delay: 5 * time.Millisecond}); err != nil {
				assert.ErrorIs(t, err, ErrClosed)
			}
		}(msg)
	}

	require.NoError(t, q.Close())
	wg.Wait()
}

func TestBadgerSpoolRedeliversAfterHandlerFault(t *testing.T) {
	q, err := NewBadgerSpool(t.TempDir(), false)
	require.NoError(t, err)
	defer q.Close()

	var c collector
	var attempts int64
	require.NoError(t, q.Subscribe("accept", func(msg *message.Message) {
		if atomic.AddInt64(&attempts, 1) == 1 {
			panic("transient fault")
		}
		c.handle(msg)
	}, 1))

	require.NoError(t, q.Enqueue("accept", testMessage(t, "faulted"), Options{}))

	// The faulted entry becomes visible again after the retry delay.
	c.waitFor(t, 1, 4*time.Second)
	assert.Equal(t, []string{"faulted"}, c.ids())
}

func TestBadgerSpoolFaultedEntrySurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	q, err := NewBadgerSpool(dir, false)
	require.NoError(t, err)

	faulted := make(chan struct{}, 16)
	require.NoError(t, q.Subscribe("accept", func(*message.Message) {
		faulted <- struct{}{}
		panic("handler fault")
	}, 1))
	require.NoError(t, q.Enqueue("accept", testMessage(t, "kept"), Options{}))

	select {
	case <-faulted:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never ran")
	}
	require.NoError(t, q.Close())

	q, err = NewBadgerSpool(dir, false)
	require.NoError(t, err)
	defer q.Close()

	var c collector
	require.NoError(t, q.Subscribe("accept", c.handle, 1))
	c.waitFor(t, 1, 4*time.Second)
	assert.Equal(t, []string{"kept"}, c.ids())
}

func TestBadgerSpoolPreservesEnvelope(t *testing.T) {
	q, err := NewBadgerSpool(t.TempDir(), false)
	require.NoError(t, err)
	defer q.Close()

	sent := testMessage(t, "full")
	sent.DestinationReport = true
	sent.AddHop(message.StageAcceptToQueue)

	var c collector
	require.NoError(t, q.Subscribe("accept", c.handle, 1))
	require.NoError(t, q.Enqueue("accept", sent, Options{}))
	c.waitFor(t, 1, 2*time.Second)

	got := c.msgs[0]
	assert.Equal(t, sent.Sender, got.Sender)
	assert.Equal(t, sent.Targets, got.Targets)
	assert.Equal(t, sent.Target, got.Target)
	assert.True(t, got.DestinationReport)
	require.Len(t, got.Hops, 1)
	assert.Equal(t, message.StageAcceptToQueue, got.Hops[0].Stage)
	assert.True(t, sent.Expires.Equal(got.Expires))
}
