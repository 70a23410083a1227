package canbus

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/skycoin/skycoin/src/util/logging"
)

// LogOption selects which operations a logged bus records.
type LogOption uint8

// Log options.
const (
	LogNone LogOption = 0
	LogRead LogOption = 1 << iota
	LogWrite
	LogAll = LogRead | LogWrite
)

// FrameFilter decides whether a frame is of interest.
type FrameFilter func(Frame) bool

type loggedBus struct {
	inner  Bus
	log    *logging.Logger
	opts   LogOption
	filter FrameFilter
}

// NewLoggedBus wraps inner and logs the selected operations at debug level.
// A nil filter logs every frame.
func NewLoggedBus(inner Bus, log *logging.Logger, opts LogOption, filter FrameFilter) Bus {
	return &loggedBus{inner: inner, log: log, opts: opts, filter: filter}
}

func (l *loggedBus) match(f Frame) bool { return l.filter == nil || l.filter(f) }

func (l *loggedBus) Send(ctx context.Context, frame Frame) error {
	err := l.inner.Send(ctx, frame)
	if l.opts&LogWrite == 0 {
		return err
	}
	if err != nil {
		l.log.WithError(err).WithField("frame", frame.String()).Error("canbus send error")
	} else if l.match(frame) {
		l.log.WithFields(logrus.Fields{"id": frame.ID, "len": frame.Len}).Debugf("canbus send: %s", frame)
	}
	return err
}

func (l *loggedBus) Receive(ctx context.Context) (Frame, error) {
	f, err := l.inner.Receive(ctx)
	if l.opts&LogRead == 0 {
		return f, err
	}
	if err != nil {
		if err != ErrClosed && err != context.Canceled {
			l.log.WithError(err).Error("canbus receive error")
		}
	} else if l.match(f) {
		l.log.WithFields(logrus.Fields{"id": f.ID, "len": f.Len}).Debugf("canbus receive: %s", f)
	}
	return f, err
}

func (l *loggedBus) Close() error {
	return l.inner.Close()
}
