// Package spool provides the broker's durable queue adapter.
//
// The broker stages every routed message on a named queue before delivery:
// the accept queue holds messages awaiting their first delivery attempt, the
// redeliver queue holds copies whose delivery failed, with delayed visibility
// so retries back off toward the message expiry.
//
// Two implementations are provided: a BadgerDB-backed spool whose contents
// survive a broker restart, and an in-memory spool for tests and spool-less
// deployments. Both share the Queue interface so the routing core never sees
// the backing store.
package spool

import (
	"errors"
	"time"

	"github.com/signalhaus/cth-broker/internal/message"
)

// Queue names used by the broker.
const (
	QueueAccept    = "accept"
	QueueRedeliver = "redeliver"
)

var (
	// ErrClosed is returned when the spool has been shut down.
	ErrClosed = errors.New("spool is closed")
	// ErrSubscribed is returned when a queue already has a subscriber.
	ErrSubscribed = errors.New("queue already subscribed")
)

// Options control how a message is enqueued.
type Options struct {
	// Delay postpones visibility: the message is not handed to any consumer
	// before the delay has elapsed.
	Delay time.Duration
}

// Handler consumes one dequeued message. Returning without panic acknowledges
// the message; a panic is recovered and logged by the consumer so a poisonous
// message never takes a worker down.
type Handler func(msg *message.Message)

// Queue is the broker-facing contract of a durable queue backend.
type Queue interface {
	// Enqueue stores a message on the named queue.
	Enqueue(queue string, msg *message.Message, opts Options) error
	// Subscribe spawns parallelism consumers draining the named queue. Each
	// handler invocation runs on its own worker goroutine.
	Subscribe(queue string, handler Handler, parallelism int) error
	// Close stops all consumers and releases the backing store.
	Close() error
}
