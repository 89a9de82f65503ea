// Package broker implements the message routing core: the ingress pipeline
// for frames received on authenticated sessions, the server-directed control
// protocol (login, inventory query), and the delivery pipeline that drains
// the durable accept and redeliver queues into per-session socket writes.
//
// Data flow: an inbound message is checked for expiry, validated, and gated
// on login. Server-targeted messages are handled inline; everything else is
// staged on the accept queue. Accept consumers expand targets against the
// inventory and submit one delivery task per expanded target to the worker
// pool. A failed delivery goes back to the redeliver queue with a delay that
// halves the remaining lifetime, until the message expires.
package broker

import (
	"log"

	"github.com/signalhaus/cth-broker/internal/delivery"
	"github.com/signalhaus/cth-broker/internal/inventory"
	"github.com/signalhaus/cth-broker/internal/registry"
	"github.com/signalhaus/cth-broker/internal/spool"
)

// Options configures the broker's consumer populations.
type Options struct {
	// AcceptConsumers is the number of workers draining the accept queue.
	AcceptConsumers int
	// DeliveryConsumers sizes both the delivery worker pool and the
	// redeliver queue consumers.
	DeliveryConsumers int
	Debug             bool
}

// Broker routes messages between endpoints registered in the connection
// registry. Construct with New and call Start before attaching transports.
type Broker struct {
	registry  *registry.Registry
	inventory *inventory.Inventory
	queue     spool.Queue
	pool      *delivery.Pool
	opts      Options
}

// New wires a broker from its collaborators. The registry and inventory must
// be the same instances the transport layer registers sessions with.
func New(reg *registry.Registry, inv *inventory.Inventory, queue spool.Queue, opts Options) *Broker {
	if opts.AcceptConsumers < 1 {
		opts.AcceptConsumers = 4
	}
	if opts.DeliveryConsumers < 1 {
		opts.DeliveryConsumers = 16
	}
	return &Broker{
		registry:  reg,
		inventory: inv,
		queue:     queue,
		opts:      opts,
	}
}

// Start spins up the delivery pool and subscribes the queue consumers.
// A subscription failure is fatal to broker start.
func (b *Broker) Start() error {
	b.pool = delivery.NewPool(b.opts.DeliveryConsumers)

	if err := b.queue.Subscribe(spool.QueueAccept, b.consumeAccept, b.opts.AcceptConsumers); err != nil {
		return err
	}
	if err := b.queue.Subscribe(spool.QueueRedeliver, b.consumeRedeliver, b.opts.DeliveryConsumers); err != nil {
		return err
	}

	if b.opts.Debug {
		log.Printf("Broker: started (%d accept consumers, %d delivery workers)",
			b.opts.AcceptConsumers, b.opts.DeliveryConsumers)
	}
	return nil
}

// Stop drains the delivery pool. The queue is closed by its owner.
func (b *Broker) Stop() {
	if b.pool != nil {
		b.pool.Stop()
	}
}

// Registry returns the connection registry transports attach sessions to.
func (b *Broker) Registry() *registry.Registry {
	return b.registry
}
