package broker

import (
	"log"

	"github.com/signalhaus/cth-broker/internal/message"
)

// consumeAccept handles one message dequeued from the accept queue: it
// expands the target patterns against the live inventory, emits a
// destination report when the sender asked for one, and submits one delivery
// task per expanded target.
//
// Expansion is a snapshot: an endpoint that disconnects between expansion
// and write surfaces as a delivery failure and follows the redelivery path.
func (b *Broker) consumeAccept(msg *message.Message) {
	if msg.IsExpired() {
		log.Printf("Broker: warning: message %s expired in accept queue, dropping", msg.ID)
		return
	}

	expanded := b.inventory.Find(msg.Targets)
	if b.opts.Debug {
		log.Printf("Broker: message %s expanded to %d targets", msg.ID, len(expanded))
	}

	if msg.DestinationReport {
		b.sendDestinationReport(msg, expanded)
	}

	for _, target := range expanded {
		out := msg.Clone()
		out.Target = target
		b.pool.Submit(func() { b.deliver(out) })
	}
}

// consumeRedeliver resubmits a failed copy to the delivery pool. The copy
// already carries its chosen target, so there is no re-expansion.
func (b *Broker) consumeRedeliver(msg *message.Message) {
	b.pool.Submit(func() { b.deliver(msg) })
}

// sendDestinationReport tells the sender which URIs its targets expanded to.
// The report re-enters the ingress pipeline and is delivered like any other
// message.
func (b *Broker) sendDestinationReport(msg *message.Message, expanded []string) {
	report, err := message.New(message.BrokerURI, []string{msg.Sender},
		message.DestinationReportSchema, 0,
		message.DestinationReportBody{ID: msg.ID, Targets: expanded})
	if err != nil {
		log.Printf("Broker: failed to build destination report for %s: %v", msg.ID, err)
		return
	}
	report.Expires = msg.Expires

	b.Ingress(nil, report)
}
