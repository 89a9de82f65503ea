package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalhaus/cth-broker/internal/inventory"
	"github.com/signalhaus/cth-broker/internal/message"
)

// fakeSession records frames and close calls.
type fakeSession struct {
	cn      string
	sendErr error

	mux    sync.Mutex
	frames [][]byte
	closed bool

	// write overlap tracking for serialization assertions
	inFlight int64
	overlap  int64
	delay    time.Duration
}

func (s *fakeSession) Send(data []byte) error {
	if n := atomic.AddInt64(&s.inFlight, 1); n > 1 {
		atomic.AddInt64(&s.overlap, 1)
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	atomic.AddInt64(&s.inFlight, -1)

	if s.sendErr != nil {
		return s.sendErr
	}
	s.mux.Lock()
	s.frames = append(s.frames, data)
	s.mux.Unlock()
	return nil
}

func (s *fakeSession) Close() error {
	s.mux.Lock()
	s.closed = true
	s.mux.Unlock()
	return nil
}

func (s *fakeSession) CommonName() string { return s.cn }

func setupRegistry(t *testing.T) (*Registry, *inventory.Inventory) {
	t.Helper()
	inv := inventory.New()
	return New(inv, false), inv
}

func TestAddAndState(t *testing.T) {
	reg, _ := setupRegistry(t)
	sess := &fakeSession{cn: "agent-1"}

	reg.Add(sess)

	state, ok := reg.State(sess)
	require.True(t, ok)
	assert.Equal(t, "agent-1", state.CommonName)
	assert.Equal(t, message.TypeUndefined, state.Type)
	assert.Equal(t, StatusConnected, state.Status)
	assert.Empty(t, state.URI)
	assert.False(t, state.CreatedAt.IsZero())
}

func TestBindTransitionsToReady(t *testing.T) {
	reg, inv := setupRegistry(t)
	sess := &fakeSession{cn: "agent-1"}
	reg.Add(sess)

	result, uri, err := reg.Bind(sess, "agent")
	require.NoError(t, err)
	assert.Equal(t, Bound, result)
	assert.Equal(t, "cth://agent-1/agent", uri)

	state, _ := reg.State(sess)
	assert.Equal(t, StatusReady, state.Status)
	assert.Equal(t, "agent", state.Type)
	assert.Equal(t, uri, state.URI)

	bound, ok := reg.Lookup(uri)
	require.True(t, ok)
	assert.Same(t, sess, bound.(*fakeSession))

	assert.Equal(t, []string{uri}, inv.Find([]string{"cth://*/agent"}))
}

func TestBindAlreadyLoggedIn(t *testing.T) {
	reg, _ := setupRegistry(t)
	sess := &fakeSession{cn: "agent-1"}
	reg.Add(sess)

	_, _, err := reg.Bind(sess, "agent")
	require.NoError(t, err)

	result, uri, err := reg.Bind(sess, "controller")
	require.NoError(t, err)
	assert.Equal(t, AlreadyLoggedIn, result)
	// The conflicting URI is the existing binding.
	assert.Equal(t, "cth://agent-1/agent", uri)
}

func TestBindURITaken(t *testing.T) {
	reg, inv := setupRegistry(t)
	first := &fakeSession{cn: "agent-1"}
	second := &fakeSession{cn: "agent-1"}
	reg.Add(first)
	reg.Add(second)

	_, _, err := reg.Bind(first, "agent")
	require.NoError(t, err)

	result, uri, err := reg.Bind(second, "agent")
	require.NoError(t, err)
	assert.Equal(t, URITaken, result)
	assert.Equal(t, "cth://agent-1/agent", uri)

	// The first binding is untouched and the inventory lists the URI once.
	bound, ok := reg.Lookup(uri)
	require.True(t, ok)
	assert.Same(t, first, bound.(*fakeSession))
	assert.Equal(t, []string{uri}, inv.Find([]string{"cth://*/agent"}))

	state, _ := reg.State(second)
	assert.Equal(t, StatusConnected, state.Status)
}

func TestBindUnknownSession(t *testing.T) {
	reg, _ := setupRegistry(t)
	_, _, err := reg.Bind(&fakeSession{cn: "ghost"}, "agent")
	assert.Error(t, err)
}

func TestMarkClosingReportsInState(t *testing.T) {
	reg, _ := setupRegistry(t)
	sess := &fakeSession{cn: "agent-1"}
	reg.Add(sess)
	_, uri, err := reg.Bind(sess, "agent")
	require.NoError(t, err)

	reg.MarkClosing(sess)

	state, ok := reg.State(sess)
	require.True(t, ok)
	assert.Equal(t, StatusClosing, state.Status)

	// The binding stays until Remove runs.
	_, ok = reg.Lookup(uri)
	assert.True(t, ok)

	// Unknown sessions are a no-op.
	reg.MarkClosing(&fakeSession{cn: "ghost"})
}

func TestBindRejectedWhileClosing(t *testing.T) {
	reg, _ := setupRegistry(t)
	sess := &fakeSession{cn: "agent-1"}
	reg.Add(sess)
	reg.MarkClosing(sess)

	_, _, err := reg.Bind(sess, "agent")
	assert.ErrorContains(t, err, "closing")
}

func TestRemoveUnbindsAtomically(t *testing.T) {
	reg, inv := setupRegistry(t)
	sess := &fakeSession{cn: "agent-1"}
	reg.Add(sess)
	_, uri, err := reg.Bind(sess, "agent")
	require.NoError(t, err)

	reg.Remove(sess)

	_, ok := reg.Lookup(uri)
	assert.False(t, ok)
	_, ok = reg.State(sess)
	assert.False(t, ok)
	assert.Empty(t, inv.Find([]string{"cth://*/agent"}))

	// Idempotent.
	reg.Remove(sess)
}

func TestRemoveUnboundSession(t *testing.T) {
	reg, _ := setupRegistry(t)
	sess := &fakeSession{cn: "agent-1"}
	reg.Add(sess)
	reg.Remove(sess)

	_, ok := reg.State(sess)
	assert.False(t, ok)
}

func TestSendNotConnected(t *testing.T) {
	reg, _ := setupRegistry(t)
	err := reg.Send("cth://ghost/agent", []byte("hello"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendPropagatesTransportError(t *testing.T) {
	reg, _ := setupRegistry(t)
	sess := &fakeSession{cn: "agent-1", sendErr: errors.New("broken pipe")}
	reg.Add(sess)
	_, uri, err := reg.Bind(sess, "agent")
	require.NoError(t, err)

	assert.ErrorContains(t, reg.Send(uri, []byte("hello")), "broken pipe")
}

func TestSendSerializesWritesPerSession(t *testing.T) {
	reg, _ := setupRegistry(t)
	sess := &fakeSession{cn: "agent-1", delay: time.Millisecond}
	reg.Add(sess)
	_, uri, err := reg.Bind(sess, "agent")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, reg.Send(uri, []byte(fmt.Sprintf("frame-%d", n))))
		}(i)
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt64(&sess.overlap), "concurrent writes interleaved on one session")
	assert.Len(t, sess.frames, 16)
}

func TestURIBijectionInvariant(t *testing.T) {
	reg, _ := setupRegistry(t)

	sessions := make([]*fakeSession, 10)
	for i := range sessions {
		sessions[i] = &fakeSession{cn: fmt.Sprintf("agent-%d", i)}
		reg.Add(sessions[i])
		_, _, err := reg.Bind(sessions[i], "agent")
		require.NoError(t, err)
	}

	// Every bound URI maps back to a ready session holding that URI.
	for _, sess := range sessions {
		state, ok := reg.State(sess)
		require.True(t, ok)
		require.Equal(t, StatusReady, state.Status)
		bound, ok := reg.Lookup(state.URI)
		require.True(t, ok)
		assert.Same(t, sess, bound.(*fakeSession))
	}
}
