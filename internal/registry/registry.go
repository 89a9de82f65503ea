// Package registry tracks live sessions and their endpoint URI bindings.
//
// The registry owns the per-session connection state machine: a session is
// added as "connected" when its transport handshake completes, becomes
// "ready" on a single successful login, and is removed on close. At any
// moment at most one session is bound to a given URI, and every bound URI is
// mirrored into the inventory so routing can expand wildcard targets.
//
// Bind, Remove and Lookup are linearizable with respect to each other under
// one registry mutex. Socket writes are serialized by a separate per-session
// leaf mutex so the registry lock is never held across I/O.
package registry

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/signalhaus/cth-broker/internal/inventory"
	"github.com/signalhaus/cth-broker/internal/message"
)

// ErrNotConnected is returned by Send when no session is bound to the URI.
var ErrNotConnected = errors.New("not connected")

// Status is the lifecycle state of a session.
type Status string

const (
	StatusConnected Status = "connected"
	StatusReady     Status = "ready"
	StatusClosing   Status = "closing"
)

// BindResult is the outcome of a login attempt.
type BindResult int

const (
	Bound BindResult = iota
	AlreadyLoggedIn
	URITaken
)

// Session is the opaque transport handle the broker core operates on. The
// underlying socket is not safe for concurrent writes; callers go through
// Registry.Send, which serializes writes per session.
type Session interface {
	Send(data []byte) error
	Close() error
	CommonName() string
}

// ConnectionState describes one live session. The common name is fixed by
// the peer certificate at handshake; type and URI are set by login.
type ConnectionState struct {
	CommonName string
	Type       string
	Status     Status
	URI        string
	CreatedAt  time.Time
}

// connection pairs a session's state with its write lock. The write lock is
// a leaf: nothing else is acquired while it is held.
type connection struct {
	state    ConnectionState
	writeMux sync.Mutex
}

// Registry is the session/URI bijection. All map mutations happen under one
// mutex so the invariants hold atomically: a ready session has a URI, that
// URI maps back to the session, and removal unbinds both sides together.
type Registry struct {
	mux      sync.Mutex
	sessions map[Session]*connection
	uris     map[string]Session
	inv      *inventory.Inventory
	debug    bool
}

// New creates a registry recording bound URIs into the given inventory.
func New(inv *inventory.Inventory, debug bool) *Registry {
	return &Registry{
		sessions: make(map[Session]*connection),
		uris:     make(map[string]Session),
		inv:      inv,
		debug:    debug,
	}
}

// Add registers a freshly upgraded session in the "connected" state.
func (r *Registry) Add(sess Session) {
	r.mux.Lock()
	r.sessions[sess] = &connection{
		state: ConnectionState{
			CommonName: sess.CommonName(),
			Type:       message.TypeUndefined,
			Status:     StatusConnected,
			CreatedAt:  time.Now(),
		},
	}
	r.mux.Unlock()

	if r.debug {
		log.Printf("Registry: session added for %s", sess.CommonName())
	}
}

// Remove deletes a session and, if bound, its URI entry. The inventory is
// updated in the same critical section so no query can observe a URI whose
// session is already gone.
func (r *Registry) Remove(sess Session) {
	r.mux.Lock()
	conn, ok := r.sessions[sess]
	if ok {
		if conn.state.URI != "" {
			delete(r.uris, conn.state.URI)
			r.inv.Forget(conn.state.URI)
		}
		delete(r.sessions, sess)
	}
	r.mux.Unlock()

	if ok && r.debug {
		log.Printf("Registry: session removed for %s", sess.CommonName())
	}
}

// Bind transitions a session to "ready" under the endpoint URI derived from
// its common name and the declared type.
//
// The returned URI is the session's binding on Bound, and the conflicting
// binding on AlreadyLoggedIn or URITaken, for error reporting.
func (r *Registry) Bind(sess Session, endpointType string) (BindResult, string, error) {
	r.mux.Lock()
	defer r.mux.Unlock()

	conn, ok := r.sessions[sess]
	if !ok {
		return URITaken, "", errors.New("session is not registered")
	}
	if conn.state.Status == StatusClosing {
		return URITaken, "", errors.New("session is closing")
	}
	if conn.state.Status == StatusReady {
		return AlreadyLoggedIn, conn.state.URI, nil
	}

	uri := message.URI(conn.state.CommonName, endpointType)
	if _, taken := r.uris[uri]; taken {
		return URITaken, uri, nil
	}

	conn.state.Status = StatusReady
	conn.state.Type = endpointType
	conn.state.URI = uri
	r.uris[uri] = sess
	r.inv.Record(uri)

	return Bound, uri, nil
}

// MarkClosing flags a session whose shutdown the broker has initiated. The
// session stays in the maps until the transport teardown calls Remove, but
// it can no longer bind and state snapshots report the shutdown.
func (r *Registry) MarkClosing(sess Session) {
	r.mux.Lock()
	conn, ok := r.sessions[sess]
	if ok {
		conn.state.Status = StatusClosing
	}
	r.mux.Unlock()

	if ok && r.debug {
		log.Printf("Registry: session closing for %s", sess.CommonName())
	}
}

// Lookup returns the session currently bound to a URI.
func (r *Registry) Lookup(uri string) (Session, bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	sess, ok := r.uris[uri]
	return sess, ok
}

// State returns a snapshot of a session's connection state.
func (r *Registry) State(sess Session) (ConnectionState, bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	conn, ok := r.sessions[sess]
	if !ok {
		return ConnectionState{}, false
	}
	return conn.state, true
}

// Send writes one encoded message to the session bound to the URI, holding
// that session's write lock for the duration of the write. The lock
// guarantees whole-frame writes: concurrent deliveries to one session never
// interleave.
func (r *Registry) Send(uri string, data []byte) error {
	r.mux.Lock()
	sess, ok := r.uris[uri]
	if !ok {
		r.mux.Unlock()
		return ErrNotConnected
	}
	conn := r.sessions[sess]
	r.mux.Unlock()

	conn.writeMux.Lock()
	defer conn.writeMux.Unlock()
	return sess.Send(data)
}
