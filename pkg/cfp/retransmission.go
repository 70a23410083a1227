package cfp

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MaxResendAttempts bounds how often one transaction is resent.
const MaxResendAttempts = 3

// RetransmissionEntry is an outgoing payload kept for resending.
type RetransmissionEntry struct {
	Payload     []byte
	Destination Node
	Channel     uint8
	Attempts    int
	Created     time.Time
}

func (e *RetransmissionEntry) copy() *RetransmissionEntry {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	return &c
}

// RetransmissionStore keeps outgoing payloads keyed by transaction id.
type RetransmissionStore interface {
	// Put stores entry under id, replacing any stale entry for a reused id.
	Put(id TransactionID, entry *RetransmissionEntry) error

	// Entry returns a copy of the entry stored under id.
	Entry(id TransactionID) (*RetransmissionEntry, error)

	// Attempt checks the retry limit for id and counts one more attempt.
	// It returns a copy of the updated entry.
	Attempt(id TransactionID) (*RetransmissionEntry, error)

	// Count returns the number of stored entries.
	Count() int

	// Close releases the store.
	Close() error
}

type memEntry struct {
	sync.Mutex
	*RetransmissionEntry
}

type memRetransmissionStore struct {
	sync.RWMutex
	entries map[TransactionID]*memEntry
}

// NewRetransmissionStore returns an in-memory RetransmissionStore.
func NewRetransmissionStore() RetransmissionStore {
	return &memRetransmissionStore{entries: make(map[TransactionID]*memEntry)}
}

func (s *memRetransmissionStore) Put(id TransactionID, entry *RetransmissionEntry) error {
	s.Lock()
	s.entries[id] = &memEntry{RetransmissionEntry: entry.copy()}
	s.Unlock()
	return nil
}

func (s *memRetransmissionStore) get(id TransactionID) (*memEntry, error) {
	s.RLock()
	e, ok := s.entries[id]
	s.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrEntryExpired, "tid %d", id)
	}
	return e, nil
}

func (s *memRetransmissionStore) Entry(id TransactionID) (*RetransmissionEntry, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	e.Lock()
	defer e.Unlock()
	return e.copy(), nil
}

func (s *memRetransmissionStore) Attempt(id TransactionID) (*RetransmissionEntry, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	e.Lock()
	defer e.Unlock()
	if e.Attempts >= MaxResendAttempts {
		return nil, errors.Wrapf(ErrRetryLimitExceeded, "tid %d after %d attempts", id, e.Attempts)
	}
	e.Attempts++
	return e.copy(), nil
}

func (s *memRetransmissionStore) Count() int {
	s.RLock()
	n := len(s.entries)
	s.RUnlock()
	return n
}

func (s *memRetransmissionStore) Close() error {
	return nil
}
