// Package cfp implements the CAN Fragmentation Protocol: messages of up to
// 256 bytes are split into 8-byte CAN frames, reassembled on the receiving
// node, and recovered by bounded whole-message retransmission.
package cfp

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/esa/nmf-mission-ops-sat-sub001/internal/metrics"
	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/canbus"
)

var log = logging.MustGetLogger("cfp")

// Engine defaults.
const (
	DefaultDedupWindow      = time.Second
	DefaultRateInterval     = 4 * time.Second
	DefaultReadyQueueSize   = 32
	DefaultRequestQueueSize = 64
	DefaultResendQueueSize  = 16

	// DefaultRequestTTL bounds how long a gap id suppresses further
	// retransmission requests for the same id.
	DefaultRequestTTL = 10 * time.Second
)

// Jumps between delivered ids larger than this are taken as a wrap of
// the 13-bit counter rather than a gap.
const gapWrapThreshold = 8000

// Drop reasons recorded through metrics.Recorder.
const (
	DropEcho          = "echo"
	DropNotAddressed  = "not_addressed"
	DropInterfaceDown = "interface_down"
	DropDedup         = "dedup"
	DropMismatch      = "mismatch"
	DropReadyFull     = "ready_full"
	DropAbort         = "abort"
)

// Receiver consumes fully reassembled payloads.
type Receiver interface {
	Receive(payload []byte)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(payload []byte)

// Receive calls f(payload).
func (f ReceiverFunc) Receive(payload []byte) { f(payload) }

type transportFunc func(ctx context.Context, frame canbus.Frame) error

func (f transportFunc) Send(ctx context.Context, frame canbus.Frame) error { return f(ctx, frame) }

// Config configures an Engine.
type Config struct {
	Node      Node      // local source id
	Transport Transport // required
	Receiver  Receiver  // required
	Store     RetransmissionStore
	Pacer     PacerConfig

	// Seed for the transaction id counter. Zero picks a random seed.
	Seed int64

	DedupWindow      time.Duration
	RateInterval     time.Duration
	RequestTTL       time.Duration
	ReadyQueueSize   int
	RequestQueueSize int
	ResendQueueSize  int

	Logger  *logging.Logger
	Metrics metrics.Recorder
	Clock   func() time.Time
}

// Stats is a snapshot of engine state.
type Stats struct {
	Node            Node    `json:"node"`
	InFlight        int     `json:"in_flight"`
	Stored          int     `json:"stored"`
	PendingRequests int     `json:"pending_requests"`
	QueuedFrames    int     `json:"queued_frames"`
	Paused          bool    `json:"paused"`
	LastDelivered   int     `json:"last_delivered"` // -1 before the first delivery
	FramesPerSecond float64 `json:"frames_per_second"`
}

type retransmitRequest struct {
	tid TransactionID
	src Node
}

// Engine fragments outgoing payloads and reassembles incoming frames.
type Engine struct {
	frames  uint64 // frames seen since the last rate sample
	fpsBits uint64 // math.Float64bits of the last sample

	log   *logging.Logger
	m     metrics.Recorder
	clock func() time.Time

	node  Node
	tr    Transport
	recv  Receiver
	store RetransmissionStore
	pacer *Pacer

	dedupWindow  time.Duration
	rateInterval time.Duration
	requestTTL   time.Duration

	tidMx   sync.Mutex
	nextTID TransactionID

	// mx guards membership of transactions, delivered and pending.
	mx           sync.Mutex
	transactions map[TransactionID]*Transaction
	delivered    map[TransactionID]time.Time
	pending      map[TransactionID]time.Time

	lastMx        sync.Mutex
	lastDelivered TransactionID
	hasDelivered  bool

	readyCh   chan *Transaction
	requestCh chan retransmitRequest
	resendCh  chan TransactionID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates an Engine and starts its workers.
func New(c Config) (*Engine, error) {
	if c.Transport == nil {
		return nil, errors.New("cfp: nil transport")
	}
	if c.Receiver == nil {
		return nil, errors.New("cfp: nil receiver")
	}
	if c.Node.IsPseudo() || int(c.Node) >= len(nodeNames) {
		return nil, errors.Errorf("cfp: node %s cannot carry data", c.Node)
	}
	if c.Store == nil {
		c.Store = NewRetransmissionStore()
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.RateInterval <= 0 {
		c.RateInterval = DefaultRateInterval
	}
	if c.RequestTTL <= 0 {
		c.RequestTTL = DefaultRequestTTL
	}
	if c.ReadyQueueSize <= 0 {
		c.ReadyQueueSize = DefaultReadyQueueSize
	}
	if c.RequestQueueSize <= 0 {
		c.RequestQueueSize = DefaultRequestQueueSize
	}
	if c.ResendQueueSize <= 0 {
		c.ResendQueueSize = DefaultResendQueueSize
	}
	if c.Logger == nil {
		c.Logger = log
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewDummy()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		log:          c.Logger,
		m:            c.Metrics,
		clock:        c.Clock,
		node:         c.Node,
		recv:         c.Receiver,
		store:        c.Store,
		dedupWindow:  c.DedupWindow,
		rateInterval: c.RateInterval,
		requestTTL:   c.RequestTTL,
		nextTID:      TransactionID(rand.New(rand.NewSource(c.Seed)).Intn(TransactionIDMod)),
		transactions: make(map[TransactionID]*Transaction),
		delivered:    make(map[TransactionID]time.Time),
		pending:      make(map[TransactionID]time.Time),
		readyCh:      make(chan *Transaction, c.ReadyQueueSize),
		requestCh:    make(chan retransmitRequest, c.RequestQueueSize),
		resendCh:     make(chan TransactionID, c.ResendQueueSize),
		ctx:          ctx,
		cancel:       cancel,
	}

	inner := c.Transport
	e.tr = transportFunc(func(ctx context.Context, frame canbus.Frame) error {
		if err := inner.Send(ctx, frame); err != nil {
			return err
		}
		atomic.AddUint64(&e.frames, 1)
		e.m.FrameOut()
		return nil
	})
	e.pacer = NewPacer(e.tr, c.Pacer, c.Logger)

	for _, worker := range []func(){e.deliveryLoop, e.requestLoop, e.resendLoop, e.rateLoop} {
		e.wg.Add(1)
		go func(fn func()) {
			defer e.wg.Done()
			fn()
		}(worker)
	}
	return e, nil
}

// Node returns the local node.
func (e *Engine) Node() Node { return e.node }

// Pacer returns the engine's send pacer.
func (e *Engine) Pacer() *Pacer { return e.pacer }

func (e *Engine) allocateTID() TransactionID {
	e.tidMx.Lock()
	defer e.tidMx.Unlock()
	tid := e.nextTID
	e.nextTID = tid.Next()
	return tid
}

// Send fragments payload to dst on virtual channel vc and queues the
// fragments on the pacer. It blocks while the pacer queue is full.
func (e *Engine) Send(ctx context.Context, payload []byte, dst Node, vc uint8) (TransactionID, error) {
	if len(payload) > MTU {
		return 0, errors.Wrapf(ErrPayloadTooLarge, "%d > %d bytes", len(payload), MTU)
	}
	if e.ctx.Err() != nil {
		return 0, ErrClosed
	}
	tid := e.allocateTID()
	entry := &RetransmissionEntry{
		Payload:     payload,
		Destination: dst,
		Channel:     vc,
		Created:     e.clock(),
	}
	if err := e.store.Put(tid, entry); err != nil {
		return tid, errors.Wrapf(err, "store tid %d", tid)
	}
	return tid, e.enqueue(ctx, tid, payload, dst.Destination(vc))
}

// Resend sends the whole stored payload of tid again. remain is accepted
// for wire compatibility but the full message is always resent.
func (e *Engine) Resend(ctx context.Context, tid TransactionID, remain uint8, dst Node, vc uint8) error {
	entry, err := e.store.Attempt(tid)
	if err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{
		"tid":     tid,
		"remain":  remain,
		"attempt": entry.Attempts,
	}).Debug("Resending transaction")
	e.m.Retransmission("resend")
	return e.enqueue(ctx, tid, entry.Payload, dst.Destination(vc))
}

func (e *Engine) enqueue(ctx context.Context, tid TransactionID, payload []byte, dst uint8) error {
	frames, err := Fragment(e.node, dst, tid, payload)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := e.pacer.Enqueue(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// OnFrame handles one frame received from the bus. It never blocks.
func (e *Engine) OnFrame(frame canbus.Frame) {
	if e.ctx.Err() != nil {
		return
	}
	atomic.AddUint64(&e.frames, 1)
	e.m.FrameIn()

	id := Identifier(frame.ID)
	src := Node(id.Src())

	switch {
	// A zero identifier has dst 0 and would otherwise count as not addressed.
	case frame.ID == 0 && frame.Len == 0:
		e.log.Warn("Received zero frame, CAN interface may be down")
		e.m.Dropped(DropInterfaceDown)
	case src == e.node:
		e.m.Dropped(DropEcho)
	case id.Dst()&e.node.DestinationMask() == 0:
		e.m.Dropped(DropNotAddressed)
	case id.IsRetransmissionRequest():
		select {
		case e.resendCh <- id.TransactionID():
		default:
			e.log.WithField("tid", id.TransactionID()).Warn("Resend queue full, dropping retransmission request")
			e.m.Retransmission("dropped")
		}
	case src == NodeWait:
		e.log.Debug("WAIT received, pausing pacer")
		e.pacer.Pause()
	case src == NodeResume:
		e.log.Debug("RESUME received, resuming pacer")
		e.pacer.Resume()
	case src == NodeAbort:
		e.m.Dropped(DropAbort)
	default:
		e.addFragment(id, frame)
	}
}

func (e *Engine) addFragment(id Identifier, frame canbus.Frame) {
	tid := id.TransactionID()
	now := e.clock()

	e.mx.Lock()
	t, ok := e.transactions[tid]
	if !ok {
		if at, ok := e.delivered[tid]; ok && now.Sub(at) < e.dedupWindow {
			e.mx.Unlock()
			e.m.Dropped(DropDedup)
			return
		}
		t = NewTransaction(tid, Node(id.Src()), now, e.log)
		e.transactions[tid] = t
	}
	e.mx.Unlock()

	if err := t.AddFrame(frame); err != nil {
		e.log.WithError(err).Warn("Dropping fragment")
		e.m.Dropped(DropMismatch)
		return
	}
	if !t.IsComplete() || !t.markQueued() {
		return
	}

	select {
	case e.readyCh <- t:
		e.mx.Lock()
		delete(e.pending, tid)
		e.mx.Unlock()
	default:
		t.unmarkQueued()
		e.log.WithField("tid", tid).Warn("Ready queue full, transaction stays in flight")
		e.m.Dropped(DropReadyFull)
	}
}

func (e *Engine) deliveryLoop() {
	for {
		select {
		case t := <-e.readyCh:
			e.deliver(t)
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) deliver(t *Transaction) {
	if !t.markPassedUpwards() {
		return
	}
	e.checkGap(t)

	payload, err := t.Reconstruct()
	if err != nil {
		e.log.WithError(err).Warn("Failed to reconstruct transaction")
		return
	}
	e.mx.Lock()
	if e.transactions[t.ID()] == t {
		delete(e.transactions, t.ID())
	}
	e.delivered[t.ID()] = e.clock()
	e.mx.Unlock()

	e.recv.Receive(payload)
	e.m.Delivered(len(payload))
}

// checkGap requests retransmission of ids skipped between the last
// delivered transaction and t.
func (e *Engine) checkGap(t *Transaction) {
	tid := t.ID()

	e.lastMx.Lock()
	if !e.hasDelivered {
		e.lastDelivered, e.hasDelivered = tid, true
		e.lastMx.Unlock()
		return
	}
	last := e.lastDelivered
	jump := int(tid) - int(last)

	var missing []TransactionID
	switch {
	case jump == 1, jump < -gapWrapThreshold:
		e.lastDelivered = tid
	case jump > 1 && jump <= gapWrapThreshold:
		for id := last.Next(); id != tid; id = id.Next() {
			missing = append(missing, id)
		}
		e.lastDelivered = tid
	}
	e.lastMx.Unlock()

	if len(missing) > 0 {
		e.log.WithFields(logrus.Fields{"last": last, "tid": tid, "missing": len(missing)}).
			Warn("Transaction id gap detected")
	}
	for _, id := range missing {
		e.requestRetransmission(id, t.Source())
	}
}

func (e *Engine) requestRetransmission(tid TransactionID, src Node) {
	now := e.clock()
	e.mx.Lock()
	if at, ok := e.pending[tid]; ok && now.Sub(at) < e.requestTTL {
		e.mx.Unlock()
		return
	}
	e.pending[tid] = now
	e.mx.Unlock()

	e.m.Retransmission("gap")
	select {
	case e.requestCh <- retransmitRequest{tid: tid, src: src}:
	case <-e.ctx.Done():
	}
}

func (e *Engine) requestLoop() {
	for {
		select {
		case req := <-e.requestCh:
			frame := RetransmitRequestFrame(e.node, req.src.DestinationMask(), req.tid)
			if err := e.tr.Send(e.ctx, frame); err != nil {
				if e.ctx.Err() != nil {
					return
				}
				e.log.WithError(err).WithField("tid", req.tid).Warn("Failed to send retransmission request")
				continue
			}
			e.m.Retransmission("request")
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) resendLoop() {
	for {
		select {
		case tid := <-e.resendCh:
			entry, err := e.store.Entry(tid)
			if err == nil {
				err = e.Resend(e.ctx, tid, 0, entry.Destination, entry.Channel)
			}
			if err != nil {
				if e.ctx.Err() != nil {
					return
				}
				e.log.WithError(err).WithField("tid", tid).Warn("Retransmission request not served")
				e.m.Retransmission("failed")
			}
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) rateLoop() {
	ticker := time.NewTicker(e.rateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n := atomic.SwapUint64(&e.frames, 0)
			fps := float64(n) / e.rateInterval.Seconds()
			atomic.StoreUint64(&e.fpsBits, math.Float64bits(fps))
			e.m.FrameRate(fps)
			e.pruneDelivered()
		case <-e.ctx.Done():
			return
		}
	}
}

// pruneDelivered drops dedup records that can no longer suppress a
// fragment and pending requests that were never answered.
func (e *Engine) pruneDelivered() {
	now := e.clock()
	e.mx.Lock()
	defer e.mx.Unlock()
	for tid, at := range e.delivered {
		if now.Sub(at) >= e.dedupWindow {
			delete(e.delivered, tid)
		}
	}
	for tid, at := range e.pending {
		if now.Sub(at) >= e.requestTTL {
			delete(e.pending, tid)
		}
	}
}

// Stats returns a snapshot of engine state.
func (e *Engine) Stats() Stats {
	s := Stats{
		Node:            e.node,
		Stored:          e.store.Count(),
		QueuedFrames:    e.pacer.Len(),
		Paused:          e.pacer.Paused(),
		LastDelivered:   -1,
		FramesPerSecond: math.Float64frombits(atomic.LoadUint64(&e.fpsBits)),
	}

	e.mx.Lock()
	s.InFlight = len(e.transactions)
	s.PendingRequests = len(e.pending)
	e.mx.Unlock()

	e.lastMx.Lock()
	if e.hasDelivered {
		s.LastDelivered = int(e.lastDelivered)
	}
	e.lastMx.Unlock()
	return s
}

// Close stops the pacer and all workers. The store is left open.
func (e *Engine) Close() error {
	e.once.Do(func() {
		e.cancel()
		e.pacer.Close() // nolint: errcheck
		e.wg.Wait()
	})
	return nil
}
