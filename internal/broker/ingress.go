package broker

import (
	"log"

	"github.com/signalhaus/cth-broker/internal/message"
	"github.com/signalhaus/cth-broker/internal/registry"
	"github.com/signalhaus/cth-broker/internal/spool"
)

// Ingress is the single entry point for messages entering the broker. The
// transport layer calls it for every decoded frame; broker-originated
// messages (inventory responses, destination reports) re-enter here with a
// nil session.
//
// Pipeline order: expiry check, envelope validation, authentication gate,
// then server-vs-peer dispatch. A session that has not logged in may only
// submit a login message; anything else is dropped with a warning and the
// session stays connected.
func (b *Broker) Ingress(sess registry.Session, msg *message.Message) {
	if msg.IsExpired() {
		log.Printf("Broker: warning: message %s expired on ingress, dropping", msg.ID)
		return
	}

	if err := msg.Validate(); err != nil {
		log.Printf("Broker: warning: invalid message, dropping: %v", err)
		return
	}

	if sess != nil {
		state, ok := b.registry.State(sess)
		if !ok {
			log.Printf("Broker: warning: message %s from unregistered session, dropping", msg.ID)
			return
		}
		if state.Status != registry.StatusReady {
			if msg.IsLogin() {
				b.handleLogin(sess, msg)
				return
			}
			log.Printf("Broker: warning: message %s from %s before login, dropping",
				msg.ID, state.CommonName)
			return
		}
		// The accepted sender is always the session's bound URI.
		msg.Sender = state.URI
	}

	if msg.IsServerTarget() {
		b.handleServer(sess, msg)
		return
	}

	b.accept(msg)
}

// accept stages a message on the accept queue for delivery.
func (b *Broker) accept(msg *message.Message) {
	msg.AddHop(message.StageAcceptToQueue)
	if err := b.queue.Enqueue(spool.QueueAccept, msg, spool.Options{}); err != nil {
		log.Printf("Broker: failed to enqueue message %s for delivery: %v", msg.ID, err)
	}
}
