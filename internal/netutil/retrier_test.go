package netutil

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrierDo(t *testing.T) {
	errFoo := errors.New("foo")
	errFatal := errors.New("fatal")

	r := NewRetrier(10*time.Millisecond, 100*time.Millisecond, 2, nil).WithErrWhitelist(errFatal)

	failN := func(n int, err error) (RetryFunc, *int) {
		var calls int
		return func(context.Context) error {
			calls++
			if calls > n {
				return nil
			}
			return err
		}, &calls
	}

	t.Run("should retry", func(t *testing.T) {
		f, calls := failN(2, errFoo)
		require.NoError(t, r.Do(context.Background(), f))
		assert.Equal(t, 3, *calls)
	})

	t.Run("if retry reaches threshold should error", func(t *testing.T) {
		f, _ := failN(1000, errFoo)
		err := r.Do(context.Background(), f)
		assert.True(t, errors.Cause(err) == ErrThresholdReached)
	})

	t.Run("whitelisted error stops immediately", func(t *testing.T) {
		f, calls := failN(1000, errors.Wrap(errFatal, "dial"))
		err := r.Do(context.Background(), f)
		assert.True(t, errors.Cause(err) == errFatal)
		assert.Equal(t, 1, *calls)
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		f, _ := failN(1000, errFoo)
		assert.Equal(t, context.Canceled, r.Do(ctx, f))
	})
}
