// Package testhelpers provides helpers for testing.
package testhelpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Timeout bounds every wait in the helpers.
const Timeout = 2 * time.Second

const pollInterval = 10 * time.Millisecond

// WithinTimeout tries to read an error from error channel within timeout and returns it.
// If timeout exceeds, nil value is returned.
func WithinTimeout(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(Timeout):
		return nil
	}
}

// Eventually polls cond until it holds, failing the test after Timeout.
func Eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(Timeout)
	for !cond() {
		require.True(t, time.Now().Before(deadline), msg)
		time.Sleep(pollInterval)
	}
}

// NoErrorN performs require.NoError on multiple errors
func NoErrorN(t *testing.T, errs ...error) {
	t.Helper()
	for _, err := range errs {
		require.NoError(t, err)
	}
}
