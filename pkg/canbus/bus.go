package canbus

import (
	"context"

	"github.com/pkg/errors"
)

// ErrClosed indicates the bus or endpoint has been closed.
var ErrClosed = errors.New("canbus: closed")

// ErrUnsupported is returned when a bus kind is not available on this platform.
var ErrUnsupported = errors.New("canbus: not supported on this platform")

// Bus is a connection to a CAN bus. Implementations are safe for
// concurrent use by multiple goroutines.
type Bus interface {
	// Send transmits a frame, blocking until it is handed to the bus.
	Send(ctx context.Context, frame Frame) error

	// Receive blocks until the next frame arrives or ctx is done.
	Receive(ctx context.Context) (Frame, error)

	// Close releases resources. Further Send/Receive return ErrClosed.
	Close() error
}
