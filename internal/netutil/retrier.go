// Package netutil provides retry helpers for connecting to the bus.
package netutil

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
)

// ErrThresholdReached is returned when retries time out.
var ErrThresholdReached = errors.New("threshold timeout has been reached")

// RetryFunc is a single attempt.
type RetryFunc func(ctx context.Context) error

// Retrier retries a RetryFunc with exponential backoff until it succeeds,
// returns a whitelisted error or the threshold elapses.
type Retrier struct {
	backoff      time.Duration
	factor       uint32
	threshold    time.Duration
	errWhitelist map[error]struct{}
	log          *logging.Logger
}

// NewRetrier returns a Retrier waiting backoff after the first failure and
// multiplying the wait by factor after each further one.
func NewRetrier(backoff, threshold time.Duration, factor uint32, log *logging.Logger) *Retrier {
	if log == nil {
		log = logging.MustGetLogger("retrier")
	}
	return &Retrier{
		backoff:      backoff,
		threshold:    threshold,
		factor:       factor,
		errWhitelist: make(map[error]struct{}),
		log:          log,
	}
}

// WithErrWhitelist sets errors that stop retrying immediately.
func (r *Retrier) WithErrWhitelist(errs ...error) *Retrier {
	m := make(map[error]struct{})
	for _, err := range errs {
		m[err] = struct{}{}
	}
	r.errWhitelist = m
	return r
}

// Do runs f until it succeeds. The threshold starts at the first failure.
func (r *Retrier) Do(ctx context.Context, f RetryFunc) error {
	var deadline <-chan time.Time
	backoff := r.backoff

	for attempt := 1; ; attempt++ {
		err := f(ctx)
		if err == nil {
			return nil
		}
		if r.isWhitelisted(err) {
			return err
		}
		r.log.WithError(err).Warnf("Attempt %d failed, retrying in %s", attempt, backoff)

		if deadline == nil {
			timer := time.NewTimer(r.threshold)
			defer timer.Stop()
			deadline = timer.C
		}

		wait := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-deadline:
			wait.Stop()
			return errors.Wrap(ErrThresholdReached, err.Error())
		case <-wait.C:
		}
		backoff *= time.Duration(r.factor)
	}
}

func (r *Retrier) isWhitelisted(err error) bool {
	_, ok := r.errWhitelist[errors.Cause(err)]
	return ok
}
