package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skycoin/skycoin/src/util/logging"
)

// DefaultSubscriberBuffer is the number of payloads a slow subscriber may
// lag behind before payloads are dropped for it.
const DefaultSubscriberBuffer = 64

// Payload is one reassembled message as streamed to subscribers.
type Payload struct {
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Hub fans delivered payloads out to subscribers. It implements
// cfp.Receiver.
type Hub struct {
	log     *logging.Logger
	bufSize int

	mu     sync.RWMutex
	subs   map[uuid.UUID]chan Payload
	closed bool
}

// NewHub creates a Hub. A nil logger uses the package logger.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = log
	}
	return &Hub{
		log:     logger,
		bufSize: DefaultSubscriberBuffer,
		subs:    make(map[uuid.UUID]chan Payload),
	}
}

// Receive implements cfp.Receiver. It never blocks.
func (h *Hub) Receive(payload []byte) {
	p := Payload{Payload: payload, ReceivedAt: time.Now()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- p:
		default:
			h.log.WithField("subscriber", id).Warn("Subscriber too slow, dropping payload")
		}
	}
}

// Subscribe registers a new subscriber. The channel is closed on
// Unsubscribe or Close.
func (h *Hub) Subscribe() (uuid.UUID, <-chan Payload) {
	id := uuid.New()
	ch := make(chan Payload, h.bufSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subs[id] = ch
	return id, ch
}

// Unsubscribe removes the subscriber.
func (h *Hub) Unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close drops all subscribers.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	return nil
}
