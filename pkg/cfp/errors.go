package cfp

import (
	"github.com/pkg/errors"
)

// Validation errors. The operation is aborted without partial state change.
var (
	// ErrPayloadTooLarge is returned when a payload exceeds MTU.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrTransactionIDMismatch is returned when a fragment is fed to the wrong transaction.
	ErrTransactionIDMismatch = errors.New("transaction id mismatch")
	// ErrIncompleteTransaction is returned when reconstructing before all fragments arrived.
	ErrIncompleteTransaction = errors.New("incomplete transaction")
)

// Resource errors. Only the affected transaction is abandoned.
var (
	// ErrEntryExpired is returned when no retransmission entry exists for a transaction.
	ErrEntryExpired = errors.New("retransmission entry expired")
	// ErrRetryLimitExceeded is returned once a transaction was resent MaxResendAttempts times.
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")
)

// ErrClosed is returned by operations on a closed engine or pacer.
var ErrClosed = errors.New("cfp: closed")

// IsValidationError reports whether err is caused by invalid input.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrTransactionIDMismatch) ||
		errors.Is(err, ErrIncompleteTransaction)
}

// IsResourceExhausted reports whether err is caused by a missing or used-up retransmission entry.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, ErrEntryExpired) || errors.Is(err, ErrRetryLimitExceeded)
}
