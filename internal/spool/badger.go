package spool

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/signalhaus/cth-broker/internal/message"
)

// sweepInterval is how often a subscription checks the spool for entries
// whose visibility time has arrived.
const sweepInterval = 25 * time.Millisecond

// claimBatch bounds how many entries one sweep claims in a single
// transaction, keeping transactions small under load.
const claimBatch = 32

// faultRetryDelay is how long a faulted entry stays invisible before it is
// offered to a handler again.
const faultRetryDelay = time.Second

// BadgerSpool is a durable Queue backed by a BadgerDB directory. Entries are
// keyed by queue name and visibility timestamp so delayed redelivery is an
// ordered prefix scan. An entry stays in the store until its handler returns
// without a fault, so in-flight messages survive a crash and are claimed by
// the next subscriber.
type BadgerSpool struct {
	db    *badger.DB
	debug bool

	mux      sync.Mutex
	subs     map[string]struct{}
	inflight map[string]struct{}
	closed   bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

// pending is a claimed entry on its way to a handler. The key is kept so the
// worker can settle the entry after the handler runs.
type pending struct {
	key []byte
	msg *message.Message
}

// NewBadgerSpool opens (or creates) the spool directory.
func NewBadgerSpool(dir string, debug bool) (*BadgerSpool, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = &badgerLogger{}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool at %s: %w", dir, err)
	}

	return &BadgerSpool{
		db:       db,
		debug:    debug,
		subs:     make(map[string]struct{}),
		inflight: make(map[string]struct{}),
		stop:     make(chan struct{}),
	}, nil
}

// Enqueue stores the message under a key ordered by its visibility time.
func (s *BadgerSpool) Enqueue(queue string, msg *message.Message, opts Options) error {
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return ErrClosed
	}
	s.mux.Unlock()

	value, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}

	key := entryKey(queue, time.Now().Add(opts.Delay))
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}); err != nil {
		return fmt.Errorf("failed to enqueue on %s: %w", queue, err)
	}

	if s.debug {
		log.Printf("Spool: enqueued %s on %s (delay %s)", msg.ID, queue, opts.Delay)
	}
	return nil
}

// Subscribe starts one sweeper and parallelism worker goroutines for the
// named queue. The sweeper marks due entries in flight and hands them to the
// workers; an entry is deleted only after its handler returns without a
// fault, so a claimed-but-unhandled entry is never lost.
func (s *BadgerSpool) Subscribe(queue string, handler Handler, parallelism int) error {
	if parallelism < 1 {
		parallelism = 1
	}

	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return ErrClosed
	}
	if _, dup := s.subs[queue]; dup {
		s.mux.Unlock()
		return ErrSubscribed
	}
	s.subs[queue] = struct{}{}
	s.mux.Unlock()

	ready := make(chan *pending, parallelism)

	for i := 0; i < parallelism; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for p := range ready {
				s.settle(queue, p.key, invoke(queue, handler, p.msg))
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(ready)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
			}
			for _, p := range s.claim(queue) {
				select {
				case ready <- p:
				case <-s.stop:
					return
				}
			}
		}
	}()

	return nil
}

// claim returns the due entries of a queue, oldest first, marking them in
// flight so later sweeps skip them. The entries stay in the store until a
// worker settles them.
func (s *BadgerSpool) claim(queue string) []*pending {
	prefix := []byte("q/" + queue + "/")
	now := time.Now()
	var claimed []*pending
	var undecodable [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: claimBatch})
		defer it.Close()
		for it.Rewind(); it.Valid() && len(claimed) < claimBatch; it.Next() {
			item := it.Item()
			visible, ok := entryVisibleAt(item.Key())
			if !ok {
				continue
			}
			if visible.After(now) {
				// Keys are ordered by visibility; nothing later is due yet.
				break
			}
			key := item.KeyCopy(nil)
			if !s.markInflight(key) {
				continue
			}
			var msg message.Message
			if err := item.Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &msg)
			}); err != nil {
				log.Printf("Spool: dropping undecodable entry on %s: %v", queue, err)
				undecodable = append(undecodable, key)
				continue
			}
			claimed = append(claimed, &pending{key: key, msg: &msg})
		}
		return nil
	})
	if err != nil {
		log.Printf("Spool: claim on %s failed: %v", queue, err)
		for _, p := range claimed {
			s.releaseInflight(p.key)
		}
		for _, key := range undecodable {
			s.releaseInflight(key)
		}
		return nil
	}

	for _, key := range undecodable {
		s.settle(queue, key, true)
	}
	return claimed
}

// settle acknowledges a handled entry by deleting it, or re-exposes a
// faulted one under a later visibility time so the fault does not consume
// the message (and a persistently faulting handler does not spin).
func (s *BadgerSpool) settle(queue string, key []byte, handled bool) {
	var err error
	if handled {
		err = s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
	} else {
		retryKey := entryKey(queue, time.Now().Add(faultRetryDelay))
		err = s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			if err != nil {
				return err
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			return txn.Set(retryKey, value)
		})
	}
	if err != nil {
		log.Printf("Spool: settling entry on %s failed: %v", queue, err)
	}
	s.releaseInflight(key)
}

func (s *BadgerSpool) markInflight(key []byte) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, busy := s.inflight[string(key)]; busy {
		return false
	}
	s.inflight[string(key)] = struct{}{}
	return true
}

func (s *BadgerSpool) releaseInflight(key []byte) {
	s.mux.Lock()
	delete(s.inflight, string(key))
	s.mux.Unlock()
}

// Close stops all subscriptions and closes the backing store. Entries not
// yet acknowledged remain on disk for the next start.
func (s *BadgerSpool) Close() error {
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	s.mux.Unlock()

	s.wg.Wait()
	return s.db.Close()
}

// entryKey builds "q/<queue>/<visible-at nanos>/<uuid>". The zero-padded
// timestamp keeps badger's lexicographic key order equal to visibility order.
func entryKey(queue string, visibleAt time.Time) []byte {
	return []byte(fmt.Sprintf("q/%s/%020d/%s", queue, visibleAt.UnixNano(), uuid.New().String()))
}

func entryVisibleAt(key []byte) (time.Time, bool) {
	parts := strings.Split(string(key), "/")
	if len(parts) != 4 {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

// invoke runs a handler, containing panics so one poisonous message cannot
// take down a consumer worker. It reports whether the handler returned
// without a fault.
func invoke(queue string, handler Handler, msg *message.Message) (handled bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Spool: handler panic on %s for message %s: %v", queue, msg.ID, r)
		}
	}()
	handler(msg)
	return true
}

type badgerLogger struct{}

func (bl *badgerLogger) Errorf(format string, args ...interface{}) {
	log.Printf("Spool: badger error: "+format, args...)
}

func (bl *badgerLogger) Warningf(format string, args ...interface{}) {
	log.Printf("Spool: badger warning: "+format, args...)
}

func (bl *badgerLogger) Infof(format string, args ...interface{}) {}

func (bl *badgerLogger) Debugf(format string, args ...interface{}) {}
