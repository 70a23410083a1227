package cfp

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var boltDBBucket = []byte("retransmission")

// record layout: dst(1) | channel(1) | attempts(1) | created unix nano(8) | payload
const boltRecordHeader = 11

type boltDBRetransmissionStore struct {
	db *bbolt.DB
}

// BoltDBRetransmissionStore constructs a RetransmissionStore persisted in
// the BoltDB file at path, so entries survive a restart.
func BoltDBRetransmissionStore(path string) (RetransmissionStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltDBBucket); err != nil {
			return fmt.Errorf("failed to create bucket: %s", err)
		}
		return nil
	})
	if err != nil {
		db.Close() // nolint: errcheck
		return nil, err
	}

	return &boltDBRetransmissionStore{db: db}, nil
}

func (s *boltDBRetransmissionStore) Put(id TransactionID, entry *RetransmissionEntry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltDBBucket).Put(binaryID(id), encodeEntry(entry))
	})
}

func (s *boltDBRetransmissionStore) Entry(id TransactionID) (entry *RetransmissionEntry, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		entry, err = getEntry(tx.Bucket(boltDBBucket), id)
		return err
	})
	return entry, err
}

func (s *boltDBRetransmissionStore) Attempt(id TransactionID) (entry *RetransmissionEntry, err error) {
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(boltDBBucket)
		if entry, err = getEntry(b, id); err != nil {
			return err
		}
		if entry.Attempts >= MaxResendAttempts {
			return errors.Wrapf(ErrRetryLimitExceeded, "tid %d after %d attempts", id, entry.Attempts)
		}
		entry.Attempts++
		return b.Put(binaryID(id), encodeEntry(entry))
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *boltDBRetransmissionStore) Count() (count int) {
	err := s.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(boltDBBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0
	}
	return count
}

// Close closes underlying BoltDB instance.
func (s *boltDBRetransmissionStore) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

func getEntry(b *bbolt.Bucket, id TransactionID) (*RetransmissionEntry, error) {
	raw := b.Get(binaryID(id))
	if raw == nil {
		return nil, errors.Wrapf(ErrEntryExpired, "tid %d", id)
	}
	return decodeEntry(raw)
}

func encodeEntry(e *RetransmissionEntry) []byte {
	buf := make([]byte, boltRecordHeader+len(e.Payload))
	buf[0] = uint8(e.Destination)
	buf[1] = e.Channel
	buf[2] = uint8(e.Attempts)
	binary.BigEndian.PutUint64(buf[3:11], uint64(e.Created.UnixNano()))
	copy(buf[boltRecordHeader:], e.Payload)
	return buf
}

// decodeEntry copies out of raw, which bbolt only keeps valid for the life
// of the transaction.
func decodeEntry(raw []byte) (*RetransmissionEntry, error) {
	if len(raw) < boltRecordHeader {
		return nil, errors.Errorf("corrupt retransmission record of %d bytes", len(raw))
	}
	return &RetransmissionEntry{
		Destination: Node(raw[0]),
		Channel:     raw[1],
		Attempts:    int(raw[2]),
		Created:     time.Unix(0, int64(binary.BigEndian.Uint64(raw[3:11]))),
		Payload:     append([]byte(nil), raw[boltRecordHeader:]...),
	}, nil
}

func binaryID(id TransactionID) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(id))
	return b
}
