// Package client provides a websocket client for the broker. It handles the
// connection lifecycle, login, inventory queries, and delivery of inbound
// messages to the application, so endpoint programs only deal with Message
// values.
package client

import (
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalhaus/cth-broker/internal/message"
	"github.com/signalhaus/cth-broker/internal/transport"
)

// inboundBuffer is the capacity of the inbound message channel. Delivery
// stalls on the socket once the application stops draining it.
const inboundBuffer = 100

// loginGrace is how long Login watches the connection after sending the
// login message. The broker sends no acknowledgement; it closes the socket
// when the login loses, so a connection that outlives the grace window is
// bound.
const loginGrace = 500 * time.Millisecond

// Config describes how to reach the broker.
type Config struct {
	// URL is the broker websocket endpoint, e.g. "wss://broker:8142/cth".
	URL string
	// CommonName is the client identity. With TLS it must match the client
	// certificate; without TLS it is sent as an identity header.
	CommonName string
	// TLS is the client TLS configuration, nil for plaintext connections.
	TLS *tls.Config
	// Debug enables connection logging.
	Debug bool
}

// Client is a broker endpoint connection. All public methods are safe for
// concurrent use.
type Client struct {
	config Config

	mux  sync.Mutex
	conn *websocket.Conn
	uri  string
	// done is closed when the read loop of the current connection exits.
	done chan struct{}

	inbound chan *message.Message

	pendingMux sync.Mutex
	pending    chan *message.Message
}

// New creates a disconnected client.
func New(config Config) *Client {
	return &Client{
		config:  config,
		inbound: make(chan *message.Message, inboundBuffer),
	}
}

// Connect dials the broker and starts the read loop. Idempotent.
func (c *Client) Connect() error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  c.config.TLS,
		HandshakeTimeout: 30 * time.Second,
	}
	header := http.Header{}
	if c.config.TLS == nil {
		header.Set(transport.CommonNameHeader, c.config.CommonName)
	}

	conn, _, err := dialer.Dial(c.config.URL, header)
	if err != nil {
		return fmt.Errorf("failed to connect to broker at %s: %w", c.config.URL, err)
	}
	c.conn = conn
	c.done = make(chan struct{})

	go c.readLoop(conn, c.done)

	if c.config.Debug {
		log.Printf("Client: connected to broker at %s", c.config.URL)
	}
	return nil
}

// Login declares the endpoint type, binding this connection to
// cth://<common-name>/<type>. The broker closes the connection when the URI
// is already bound elsewhere, so Login watches the connection for the grace
// window and reports an error when it goes down.
func (c *Client) Login(endpointType string, ttl time.Duration) error {
	uri := message.URI(c.config.CommonName, endpointType)

	msg, err := message.New(uri, []string{message.ServerURI}, message.LoginSchema,
		ttl, message.LoginBody{Type: endpointType})
	if err != nil {
		return err
	}
	if err := c.Send(msg); err != nil {
		return err
	}

	c.mux.Lock()
	done := c.done
	c.mux.Unlock()

	select {
	case <-done:
		return fmt.Errorf("login as %s rejected: connection closed by broker", uri)
	case <-time.After(loginGrace):
	}

	c.mux.Lock()
	c.uri = uri
	c.mux.Unlock()
	return nil
}

// URI returns the endpoint URI declared by Login.
func (c *Client) URI() string {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.uri
}

// Send writes one message to the broker.
func (c *Client) Send(msg *message.Message) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected to broker")
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Inventory queries the broker for bound URIs matching the patterns and
// waits for the response.
func (c *Client) Inventory(patterns []string, timeout time.Duration) ([]string, error) {
	req, err := message.New(c.URI(), []string{message.ServerURI}, message.InventorySchema,
		timeout, message.InventoryBody{Query: patterns})
	if err != nil {
		return nil, err
	}

	wait := make(chan *message.Message, 1)
	c.pendingMux.Lock()
	if c.pending != nil {
		c.pendingMux.Unlock()
		return nil, fmt.Errorf("an inventory query is already in flight")
	}
	c.pending = wait
	c.pendingMux.Unlock()

	defer func() {
		c.pendingMux.Lock()
		c.pending = nil
		c.pendingMux.Unlock()
	}()

	if err := c.Send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-wait:
		var body message.InventoryResponseBody
		if err := resp.UnmarshalData(&body); err != nil {
			return nil, fmt.Errorf("malformed inventory response: %w", err)
		}
		return body.URIs, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out waiting for inventory response")
	}
}

// Messages returns the channel of inbound messages. Inventory responses are
// consumed by Inventory and do not appear here.
func (c *Client) Messages() <-chan *message.Message {
	return c.inbound
}

// Close shuts the connection down. The read loop exits on the socket close.
func (c *Client) Close() error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.config.Debug {
				log.Printf("Client: connection closed: %v", err)
			}
			return
		}

		msg, err := message.Decode(data)
		if err != nil {
			log.Printf("Client: undecodable frame from broker, dropping: %v", err)
			continue
		}

		if msg.MessageType == message.InventoryResponseSchema {
			c.pendingMux.Lock()
			wait := c.pending
			c.pendingMux.Unlock()
			if wait != nil {
				select {
				case wait <- msg:
				default:
				}
				continue
			}
		}

		select {
		case c.inbound <- msg:
		default:
			log.Printf("Client: inbound buffer full, dropping message %s", msg.ID)
		}
	}
}
