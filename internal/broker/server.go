package broker

import (
	"log"

	"github.com/signalhaus/cth-broker/internal/message"
	"github.com/signalhaus/cth-broker/internal/registry"
)

// handleServer dispatches a server-targeted message on its message type.
func (b *Broker) handleServer(sess registry.Session, msg *message.Message) {
	switch msg.MessageType {
	case message.LoginSchema:
		b.handleLogin(sess, msg)
	case message.InventorySchema:
		b.handleInventory(sess, msg)
	default:
		log.Printf("Broker: warning: unknown server message type %s, dropping", msg.MessageType)
	}
}

// handleLogin binds a session to the endpoint URI derived from its
// certificate common name and the type declared in the login body.
//
// On a duplicate login or a URI conflict the new attempt loses: that session
// is closed and removed, and any existing binding stays untouched. A body
// that fails validation leaves the session in the connected state so the
// client may retry.
func (b *Broker) handleLogin(sess registry.Session, msg *message.Message) {
	if sess == nil {
		log.Printf("Broker: warning: login message %s without a session, dropping", msg.ID)
		return
	}

	var body message.LoginBody
	if err := msg.UnmarshalData(&body); err != nil {
		log.Printf("Broker: login message %s has malformed body: %v", msg.ID, err)
		return
	}
	if err := body.Validate(); err != nil {
		log.Printf("Broker: login message %s failed validation: %v", msg.ID, err)
		return
	}

	result, uri, err := b.registry.Bind(sess, body.Type)
	if err != nil {
		log.Printf("Broker: login for %s failed: %v", sess.CommonName(), err)
		return
	}

	switch result {
	case registry.Bound:
		log.Printf("Broker: %s logged in as %s", sess.CommonName(), uri)
	case registry.AlreadyLoggedIn:
		log.Printf("Broker: error: %s attempted a second login while bound to %s, closing session",
			sess.CommonName(), uri)
		b.closeSession(sess)
	case registry.URITaken:
		log.Printf("Broker: error: %s is already bound by another session, closing new session for %s",
			uri, sess.CommonName())
		b.closeSession(sess)
	}
}

// handleInventory answers an inventory query with the currently bound URIs
// matching the requested patterns. The response re-enters the ingress
// pipeline as a broker-originated message addressed to the requester.
func (b *Broker) handleInventory(sess registry.Session, msg *message.Message) {
	if sess == nil {
		log.Printf("Broker: warning: inventory request %s without a session, dropping", msg.ID)
		return
	}
	state, ok := b.registry.State(sess)
	if !ok || state.Status != registry.StatusReady {
		log.Printf("Broker: warning: inventory request %s from unbound session, dropping", msg.ID)
		return
	}

	var body message.InventoryBody
	if err := msg.UnmarshalData(&body); err != nil {
		log.Printf("Broker: inventory request %s has malformed body: %v", msg.ID, err)
		return
	}
	if err := body.Validate(); err != nil {
		log.Printf("Broker: inventory request %s failed validation: %v", msg.ID, err)
		return
	}

	uris := b.inventory.Find(body.Query)

	resp, err := message.New(message.ServerURI, []string{state.URI},
		message.InventoryResponseSchema, 0, message.InventoryResponseBody{URIs: uris})
	if err != nil {
		log.Printf("Broker: failed to build inventory response for %s: %v", msg.ID, err)
		return
	}
	// The reply lives as long as the request it answers.
	resp.Expires = msg.Expires

	if b.opts.Debug {
		log.Printf("Broker: inventory query from %s matched %d URIs", state.URI, len(uris))
	}
	b.Ingress(nil, resp)
}

// closeSession marks the session as closing, closes the socket, and removes
// the registry entry. Removal is idempotent with the transport-side teardown
// that follows the socket close.
func (b *Broker) closeSession(sess registry.Session) {
	b.registry.MarkClosing(sess)
	if err := sess.Close(); err != nil {
		log.Printf("Broker: error closing session for %s: %v", sess.CommonName(), err)
	}
	b.registry.Remove(sess)
}
