// Package transport binds the broker to a hosted web server. It upgrades
// incoming HTTP requests to websocket sessions, derives the session identity
// from the TLS client certificate, and feeds decoded frames into the broker
// ingress pipeline.
package transport

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/signalhaus/cth-broker/internal/broker"
	"github.com/signalhaus/cth-broker/internal/message"
)

// CommonNameHeader is honored when the request carries no client certificate.
// It exists for plaintext deployments behind a TLS-terminating proxy and for
// tests; production servers require client certificates at the TLS layer.
const CommonNameHeader = "X-Common-Name"

// Handler upgrades requests on the broker's websocket mount point.
type Handler struct {
	broker   *broker.Broker
	upgrader websocket.Upgrader
	debug    bool
}

// NewHandler creates the websocket mount for a broker.
func NewHandler(b *broker.Broker, debug bool) *Handler {
	return &Handler{
		broker: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		debug: debug,
	}
}

// ServeHTTP authenticates the peer, upgrades the connection, registers the
// session, and runs its read loop. Frames from one session are processed
// sequentially; distinct sessions run in parallel.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	commonName := peerCommonName(r)
	if commonName == "" {
		http.Error(w, "client identity required", http.StatusForbidden)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Transport: upgrade failed for %s: %v", commonName, err)
		return
	}

	sess := &wsSession{conn: ws, commonName: commonName}
	h.broker.Registry().Add(sess)

	if h.debug {
		log.Printf("Transport: session opened for %s from %s", commonName, r.RemoteAddr)
	}

	h.readLoop(sess)
}

// readLoop decodes frames and hands them to ingress until the socket closes,
// then tears the session down.
func (h *Handler) readLoop(sess *wsSession) {
	defer func() {
		h.broker.Registry().Remove(sess)
		sess.Close()
		if h.debug {
			log.Printf("Transport: session closed for %s", sess.commonName)
		}
	}()

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if h.debug {
				log.Printf("Transport: read error for %s: %v", sess.commonName, err)
			}
			return
		}

		msg, err := message.Decode(data)
		if err != nil {
			log.Printf("Transport: undecodable frame from %s, dropping: %v", sess.commonName, err)
			continue
		}

		h.broker.Ingress(sess, msg)
	}
}

// peerCommonName extracts the session identity: the TLS client certificate
// common name, or the fallback header on plaintext connections.
func peerCommonName(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return r.TLS.PeerCertificates[0].Subject.CommonName
	}
	return r.Header.Get(CommonNameHeader)
}

// wsSession adapts a websocket connection to the registry's Session
// interface. Send writes one binary frame per encoded message; the registry
// holds the per-session write lock around Send, so the connection never sees
// concurrent writes.
type wsSession struct {
	conn       *websocket.Conn
	commonName string

	closeOnce sync.Once
	closeErr  error
}

func (s *wsSession) Send(data []byte) error {
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *wsSession) CommonName() string {
	return s.commonName
}
