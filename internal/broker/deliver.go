package broker

import (
	"errors"
	"log"
	"time"

	"github.com/signalhaus/cth-broker/internal/message"
	"github.com/signalhaus/cth-broker/internal/registry"
	"github.com/signalhaus/cth-broker/internal/spool"
)

// redeliveryFloor is the minimum delay before a failed copy becomes visible
// on the redeliver queue. The backoff halves the remaining lifetime, which
// is deliberately aggressive near expiry.
const redeliveryFloor = time.Second

// deliver writes one expanded message copy to the session bound to its
// target. Runs on a delivery pool worker; the registry serializes the socket
// write under the target session's write lock.
func (b *Broker) deliver(msg *message.Message) {
	if msg.IsExpired() {
		log.Printf("Broker: warning: message %s for %s expired before delivery, dropping",
			msg.ID, msg.Target)
		return
	}

	msg.AddHop(message.StageDeliver)

	encoded, err := msg.Encode()
	if err != nil {
		log.Printf("Broker: failed to encode message %s for %s, dropping: %v",
			msg.ID, msg.Target, err)
		return
	}

	if err := b.registry.Send(msg.Target, encoded); err != nil {
		if errors.Is(err, registry.ErrNotConnected) {
			b.deliveryFailure(msg, "not connected")
		} else {
			b.deliveryFailure(msg, err.Error())
		}
		return
	}

	if b.opts.Debug {
		log.Printf("Broker: delivered message %s to %s", msg.ID, msg.Target)
	}
}

// deliveryFailure routes a failed copy to the redeliver queue with a delay
// of half the remaining lifetime (floored at one second), or drops it once
// the lifetime is spent.
func (b *Broker) deliveryFailure(msg *message.Message, reason string) {
	if msg.IsExpired() {
		log.Printf("Broker: warning: giving up on message %s for %s (%s): expired",
			msg.ID, msg.Target, reason)
		return
	}

	delay := msg.TimeToLive() / 2
	if delay < redeliveryFloor {
		delay = redeliveryFloor
	}

	log.Printf("Broker: delivery of %s to %s failed (%s), retrying in %s",
		msg.ID, msg.Target, reason, delay)

	msg.AddHop(message.StageRedelivery)
	if err := b.queue.Enqueue(spool.QueueRedeliver, msg, spool.Options{Delay: delay}); err != nil {
		log.Printf("Broker: failed to enqueue %s for redelivery: %v", msg.ID, err)
	}
}
