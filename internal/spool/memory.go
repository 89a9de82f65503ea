package spool

import (
	"sync"
	"time"

	"github.com/signalhaus/cth-broker/internal/message"
)

// queueBuffer is the per-queue channel capacity of the in-memory spool.
const queueBuffer = 1024

// MemorySpool is an in-process Queue with the same visibility semantics as
// the durable spool but no persistence. It backs tests and deployments that
// run without a spool directory.
type MemorySpool struct {
	mux    sync.Mutex
	queues map[string]chan *message.Message
	subs   map[string]struct{}
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewMemorySpool creates an empty in-memory spool.
func NewMemorySpool() *MemorySpool {
	return &MemorySpool{
		queues: make(map[string]chan *message.Message),
		subs:   make(map[string]struct{}),
		stop:   make(chan struct{}),
	}
}

// queue returns the buffered channel backing a named queue, creating it on
// first use so messages can be enqueued before any subscriber exists.
func (s *MemorySpool) queue(name string) chan *message.Message {
	s.mux.Lock()
	defer s.mux.Unlock()
	ch, ok := s.queues[name]
	if !ok {
		ch = make(chan *message.Message, queueBuffer)
		s.queues[name] = ch
	}
	return ch
}

// Enqueue stores the message, honoring delayed visibility via a timer.
func (s *MemorySpool) Enqueue(queue string, msg *message.Message, opts Options) error {
	// The waitgroup add happens under the same lock as the closed check so a
	// delayed enqueue can never race Close's Wait.
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return ErrClosed
	}
	if opts.Delay > 0 {
		s.wg.Add(1)
	}
	s.mux.Unlock()

	ch := s.queue(queue)
	if opts.Delay <= 0 {
		ch <- msg
		return nil
	}

	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(opts.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case ch <- msg:
			case <-s.stop:
			}
		case <-s.stop:
		}
	}()
	return nil
}

// Subscribe starts parallelism worker goroutines draining the named queue.
func (s *MemorySpool) Subscribe(queue string, handler Handler, parallelism int) error {
	if parallelism < 1 {
		parallelism = 1
	}

	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return ErrClosed
	}
	if _, dup := s.subs[queue]; dup {
		s.mux.Unlock()
		return ErrSubscribed
	}
	s.subs[queue] = struct{}{}
	s.mux.Unlock()

	ch := s.queue(queue)
	for i := 0; i < parallelism; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case msg := <-ch:
					invoke(queue, handler, msg)
				case <-s.stop:
					return
				}
			}
		}()
	}
	return nil
}

// Close stops all workers. Undelivered messages are discarded.
func (s *MemorySpool) Close() error {
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	s.mux.Unlock()

	s.wg.Wait()
	return nil
}
