package cfp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esa/nmf-mission-ops-sat-sub001/pkg/canbus"
)

type recordingTransport struct {
	mu     sync.Mutex
	frames []canbus.Frame
	ch     chan canbus.Frame
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{ch: make(chan canbus.Frame, 1024)}
}

func (r *recordingTransport) Send(_ context.Context, frame canbus.Frame) error {
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	r.mu.Unlock()
	r.ch <- frame
	return nil
}

func (r *recordingTransport) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recordingTransport) next(t *testing.T) canbus.Frame {
	t.Helper()
	select {
	case f := <-r.ch:
		return f
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
		return canbus.Frame{}
	}
}

func (r *recordingTransport) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-r.ch:
		t.Fatalf("unexpected frame %s", Identifier(f.ID))
	case <-time.After(d):
	}
}

func seqFrame(t *testing.T, i int) canbus.Frame {
	f, err := canbus.NewFrame(uint32(Encode(uint8(NodeSEPP), 0x10, StartType, 0, TransactionID(i))), []byte{byte(i)})
	require.NoError(t, err)
	return f
}

func TestPacerForwards(t *testing.T) {
	tr := newRecordingTransport()
	p := NewPacer(tr, DefaultPacerConfig(), nil)
	defer func() { require.NoError(t, p.Close()) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Enqueue(context.Background(), seqFrame(t, i)))
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, TransactionID(i), Identifier(tr.next(t).ID).TransactionID())
	}
}

func TestPacerFlowControl(t *testing.T) {
	tr := newRecordingTransport()
	p := NewPacer(tr, PacerConfig{QueueSize: 10}, nil)
	defer func() { require.NoError(t, p.Close()) }()

	p.Pause()
	p.Pause()
	assert.True(t, p.Paused())

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Enqueue(context.Background(), seqFrame(t, i)))
	}
	tr.none(t, 100*time.Millisecond)
	assert.Zero(t, tr.Len())
	assert.Equal(t, 10, p.Len())

	// a paused pacer holds no more than its capacity
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, p.Enqueue(ctx, seqFrame(t, 10)))
	assert.Equal(t, 10, p.Len())

	p.Resume()
	p.Resume()
	assert.False(t, p.Paused())
	for i := 0; i < 10; i++ {
		assert.Equal(t, TransactionID(i), Identifier(tr.next(t).ID).TransactionID())
	}
}

func TestPacerBackpressure(t *testing.T) {
	tr := newRecordingTransport()
	p := NewPacer(tr, PacerConfig{QueueSize: 2}, nil)
	defer func() { require.NoError(t, p.Close()) }()
	p.Pause()

	// one frame is held by the worker at the gate, two sit in the queue
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Enqueue(context.Background(), seqFrame(t, i)))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Equal(t, context.DeadlineExceeded, p.Enqueue(ctx, seqFrame(t, 3)))
}

func TestPacerBatchInterval(t *testing.T) {
	tr := newRecordingTransport()
	p := NewPacer(tr, PacerConfig{QueueSize: 10, BatchSize: 2, Interval: 200 * time.Millisecond}, nil)
	defer func() { require.NoError(t, p.Close()) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Enqueue(context.Background(), seqFrame(t, i)))
	}
	tr.next(t)
	tr.next(t)
	tr.none(t, 100*time.Millisecond)
	tr.next(t)
}

func TestPacerClosed(t *testing.T) {
	p := NewPacer(newRecordingTransport(), DefaultPacerConfig(), nil)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, ErrClosed, p.Enqueue(context.Background(), seqFrame(t, 0)))
}
