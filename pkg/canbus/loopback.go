package canbus

import (
	"context"
	"sync"
)

const loopbackBufSize = 64

// LoopbackBus is an in-memory CAN bus for tests and simulations.
// Endpoints opened from the same bus exchange frames.
type LoopbackBus struct {
	// Echo makes every endpoint receive its own frames too, like a bus
	// daemon reflecting writes back to the writer.
	Echo bool

	mu        sync.RWMutex
	closed    bool
	endpoints map[*loopEndpoint]struct{}
}

// NewLoopbackBus creates a new loopback bus.
func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{endpoints: make(map[*loopEndpoint]struct{})}
}

// Open creates a new endpoint attached to the bus.
func (b *LoopbackBus) Open() Bus {
	ep := &loopEndpoint{
		bus:  b,
		ch:   make(chan Frame, loopbackBufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ep.closeOnce.Do(func() { close(ep.done) })
		return ep
	}
	b.endpoints[ep] = struct{}{}
	return ep
}

// Close closes the bus and detaches all endpoints.
func (b *LoopbackBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ep := range b.endpoints {
		ep.closeOnce.Do(func() { close(ep.done) })
	}
	b.endpoints = nil
	return nil
}

type loopEndpoint struct {
	bus       *LoopbackBus
	ch        chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

// Send broadcasts the frame to the other endpoints on the bus.
func (e *loopEndpoint) Send(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	select {
	case <-e.done:
		return ErrClosed
	default:
	}

	// Snapshot endpoints under bus lock to avoid holding it while delivering.
	e.bus.mu.RLock()
	if e.bus.closed {
		e.bus.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*loopEndpoint, 0, len(e.bus.endpoints))
	for ep := range e.bus.endpoints {
		if ep != e || e.bus.Echo {
			targets = append(targets, ep)
		}
	}
	e.bus.mu.RUnlock()

	for _, t := range targets {
		select {
		case t.ch <- frame:
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Receive waits for the next frame.
func (e *loopEndpoint) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-e.ch:
		return f, nil
	case <-e.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close detaches the endpoint from the bus.
func (e *loopEndpoint) Close() error {
	e.bus.mu.Lock()
	if e.bus.endpoints != nil {
		delete(e.bus.endpoints, e)
	}
	e.bus.mu.Unlock()
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}
