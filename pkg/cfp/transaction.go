package cfp

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/canbus"
)

const unknownTotal = -1

// Transaction collects the fragments of one incoming message and
// reconstructs its payload.
type Transaction struct {
	mu  sync.Mutex
	log *logging.Logger

	id      TransactionID
	src     Node
	created time.Time

	fragments     map[uint8][]byte
	receivedFirst bool
	receivedLast  bool
	total         int
	complete      bool

	queued        bool
	passedUpwards bool
}

// NewTransaction creates an empty reassembly context. A nil logger uses
// the package logger.
func NewTransaction(id TransactionID, src Node, created time.Time, logger *logging.Logger) *Transaction {
	if logger == nil {
		logger = log
	}
	return &Transaction{
		log:       logger,
		id:        id,
		src:       src,
		created:   created,
		fragments: make(map[uint8][]byte, MaxFragments),
		total:     unknownTotal,
	}
}

// ID returns the transaction id.
func (t *Transaction) ID() TransactionID { return t.id }

// Source returns the node the fragments came from.
func (t *Transaction) Source() Node { return t.src }

// Created returns the time the first fragment was seen.
func (t *Transaction) Created() time.Time { return t.created }

// AddFrame stores the frame's data at its remain index.
func (t *Transaction) AddFrame(frame canbus.Frame) error {
	id := Identifier(frame.ID)
	if id.TransactionID() != t.id {
		return errors.Wrapf(ErrTransactionIDMismatch, "got %d, want %d", id.TransactionID(), t.id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	remain := id.Remain()
	if id.IsStart() {
		t.total = int(remain) + 1
		t.receivedFirst = true
	}
	if _, ok := t.fragments[remain]; ok {
		t.log.WithFields(logrus.Fields{"tid": t.id, "remain": remain}).Debug("Overwriting duplicate fragment")
	}
	data := make([]byte, frame.Len)
	copy(data, frame.Payload())
	t.fragments[remain] = data

	// A message of one chunk carries START only; its remain of 0 still marks it last.
	if id.IsEnd() || id.IsStart() && remain == 0 {
		t.receivedLast = true
	}
	return nil
}

// IsComplete reports whether every fragment has arrived. Once true it
// stays true.
func (t *Transaction) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isComplete()
}

func (t *Transaction) isComplete() bool {
	if t.complete {
		return true
	}
	if !t.receivedFirst || !t.receivedLast || t.total == unknownTotal {
		return false
	}
	for i := 0; i < t.total; i++ {
		if _, ok := t.fragments[uint8(i)]; !ok {
			return false
		}
	}
	t.complete = true
	return true
}

// Reconstruct reassembles the payload. Fragment i is placed at byte
// offset (total-1-i)*8, so fragment 0 forms the tail.
func (t *Transaction) Reconstruct() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isComplete() {
		return nil, errors.Wrapf(ErrIncompleteTransaction, "tid %d: %d/%d fragments", t.id, len(t.fragments), t.total)
	}
	buf := make([]byte, (t.total-1)*FragmentSize+len(t.fragments[0]))
	for i, frag := range t.fragments {
		if int(i) >= t.total {
			continue
		}
		copy(buf[(t.total-1-int(i))*FragmentSize:], frag)
	}
	return buf, nil
}

// markQueued flags the transaction as handed to the ready queue. It
// returns false if it already was.
func (t *Transaction) markQueued() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queued {
		return false
	}
	t.queued = true
	return true
}

func (t *Transaction) unmarkQueued() {
	t.mu.Lock()
	t.queued = false
	t.mu.Unlock()
}

// markPassedUpwards flags the transaction as delivered. It returns false
// if it already was.
func (t *Transaction) markPassedUpwards() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.passedUpwards {
		return false
	}
	t.passedUpwards = true
	return true
}
