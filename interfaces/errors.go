package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed input, out-of-range parameters
	// and share count mismatches.
	ErrValidation = errors.New("validation failed")

	// ErrAuthorization is returned when the caller lacks the rights or key
	// material an operation needs, or when a password-derived key cannot
	// open a ciphertext.
	ErrAuthorization = errors.New("not authorized")

	// ErrConflict is returned when a compare-and-set observed a different
	// status than the caller expected.
	ErrConflict = errors.New("conflict")

	// ErrTransport is returned when the directory could not be reached or
	// answered with a server error.
	ErrTransport = errors.New("transport failure")

	// ErrCrypto is returned when a primitive fails, including reconstruction
	// from too few or mismatched shares.
	ErrCrypto = errors.New("crypto failure")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation is attempted in a state
	// that does not allow it, such as completing an unreconstructed recovery.
	ErrInvalidState = errors.New("invalid state")
)

var (
	// ErrAlreadyResolved is a conflict on a promotion request that already
	// reached a terminal status.
	ErrAlreadyResolved = fmt.Errorf("%w: request already resolved", ErrConflict)

	// ErrInvalidShareFormat is returned when a decrypted or pasted share is
	// not of the {x, y} shape.
	ErrInvalidShareFormat = fmt.Errorf("%w: invalid share format", ErrValidation)

	// ErrDuplicateShare is returned for a share whose x is already held. The
	// share held first is kept.
	ErrDuplicateShare = fmt.Errorf("%w: duplicate share", ErrValidation)

	// ErrRecipientKeyNotFound is returned when a share recipient has not
	// published a public key.
	ErrRecipientKeyNotFound = fmt.Errorf("%w: recipient public key", ErrNotFound)

	// ErrNoClient is returned when no cryptographic primitives are configured.
	ErrNoClient = fmt.Errorf("%w: no crypto client configured", ErrInvalidState)

	// ErrNotAuthorized is returned when the operator does not hold the KEK
	// version an operation needs.
	ErrNotAuthorized = fmt.Errorf("%w: KEK version not held", ErrAuthorization)

	// ErrSessionExpired is returned for work on a recovery session past its deadline.
	ErrSessionExpired = fmt.Errorf("%w: recovery session expired", ErrInvalidState)
)

// OpError annotates an error with the operation and the entity it concerned.
type OpError struct {
	Op     string
	Entity string
	Err    error
}

func (e *OpError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Entity, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// NewOpError wraps err unless it is nil.
func NewOpError(op, entity string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Entity: entity, Err: err}
}

// CryptoError reports a failed reconstruction together with how many shares
// were held and how many the threshold requires.
type CryptoError struct {
	Op       string
	Held     int
	Required int
	Err      error
}

func (e *CryptoError) Error() string {
	msg := fmt.Sprintf("%s failed (%d/%d shares)", e.Op, e.Held, e.Required)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CryptoError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCrypto}
	}
	return []error{ErrCrypto, e.Err}
}

// NeedMoreShares reports that reconstruction is waiting for more shares.
// It is a progress signal, not a failure.
type NeedMoreShares struct {
	Collected int
	Threshold int
}

func (n NeedMoreShares) String() string {
	return fmt.Sprintf("%d/%d shares collected", n.Collected, n.Threshold)
}

// Remaining returns how many more shares are needed.
func (n NeedMoreShares) Remaining() int {
	if n.Threshold <= n.Collected {
		return 0
	}
	return n.Threshold - n.Collected
}
