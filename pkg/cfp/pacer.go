package cfp

import (
	"context"
	"sync"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/canbus"
)

// Pacer defaults.
const (
	DefaultPacerQueueSize = 10
	DefaultPacerBatchSize = 1
)

// Transport sends raw frames to the bus. canbus.Bus implements it.
type Transport interface {
	Send(ctx context.Context, frame canbus.Frame) error
}

// PacerConfig configures a Pacer.
type PacerConfig struct {
	QueueSize int           // bounded queue capacity
	BatchSize int           // frames forwarded per burst
	Interval  time.Duration // pause between bursts
}

// DefaultPacerConfig forwards one frame at a time without delay.
func DefaultPacerConfig() PacerConfig {
	return PacerConfig{
		QueueSize: DefaultPacerQueueSize,
		BatchSize: DefaultPacerBatchSize,
	}
}

// Pacer drains a bounded frame queue to a Transport, in bursts, behind a
// gate that WAIT and RESUME signals close and open.
type Pacer struct {
	log *logging.Logger
	tr  Transport
	c   PacerConfig

	queue chan canbus.Frame

	gateMx  sync.Mutex
	gateCh  chan struct{} // closed while the gate is open
	pauseCh chan struct{} // closed while the gate is closed
	isOpen  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewPacer creates a Pacer and starts its worker. The gate starts open.
func NewPacer(tr Transport, c PacerConfig, logger *logging.Logger) *Pacer {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultPacerQueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultPacerBatchSize
	}
	if logger == nil {
		logger = log
	}
	gateCh := make(chan struct{})
	close(gateCh)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pacer{
		log:    logger,
		tr:     tr,
		c:      c,
		queue:  make(chan canbus.Frame, c.QueueSize),
		gateCh:  gateCh,
		pauseCh: make(chan struct{}),
		isOpen:  true,
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop()
	}()
	return p
}

// Enqueue adds a frame, blocking while the queue is full.
func (p *Pacer) Enqueue(ctx context.Context, frame canbus.Frame) error {
	select {
	case <-p.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case p.queue <- frame:
		return nil
	case <-p.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause closes the gate. Closing a closed gate is a no-op.
func (p *Pacer) Pause() {
	p.gateMx.Lock()
	defer p.gateMx.Unlock()
	if p.isOpen {
		p.gateCh = make(chan struct{})
		close(p.pauseCh)
		p.isOpen = false
	}
}

// Resume opens the gate. Opening an open gate is a no-op.
func (p *Pacer) Resume() {
	p.gateMx.Lock()
	defer p.gateMx.Unlock()
	if !p.isOpen {
		close(p.gateCh)
		p.pauseCh = make(chan struct{})
		p.isOpen = true
	}
}

// Paused reports whether the gate is closed.
func (p *Pacer) Paused() bool {
	p.gateMx.Lock()
	defer p.gateMx.Unlock()
	return !p.isOpen
}

// Len returns the number of queued frames.
func (p *Pacer) Len() int { return len(p.queue) }

// Close stops the worker. Queued frames are discarded.
func (p *Pacer) Close() error {
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
	return nil
}

// gate returns the channel closed while the gate is open and the one
// closed once it is shut again.
func (p *Pacer) gate() (open, paused <-chan struct{}) {
	p.gateMx.Lock()
	defer p.gateMx.Unlock()
	return p.gateCh, p.pauseCh
}

func (p *Pacer) loop() {
	var sent int
	for {
		// Frames stay queued while the gate is closed.
		open, paused := p.gate()
		select {
		case <-open:
		case <-p.ctx.Done():
			return
		}

		var frame canbus.Frame
		select {
		case frame = <-p.queue:
		case <-paused:
			continue
		case <-p.ctx.Done():
			return
		}

		if err := p.tr.Send(p.ctx, frame); err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.log.WithError(err).Warnf("Failed to forward frame %s", Identifier(frame.ID))
			continue
		}

		if sent++; sent%p.c.BatchSize == 0 && p.c.Interval > 0 {
			select {
			case <-time.After(p.c.Interval):
			case <-p.ctx.Done():
				return
			}
		}
	}
}
