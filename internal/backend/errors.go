package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrSession is a generic backend communication failure.
	ErrSession = errors.New("backend session failure")

	// ErrInvalidCredentials means the backend rejected the resolved credentials.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAPILevelNotSupported means the backend is too old to be used at all.
	// It is only returned while connecting.
	ErrAPILevelNotSupported = errors.New("backend API level not supported")

	// ErrUnsupportedBackend means no adapter is registered for a backend type.
	ErrUnsupportedBackend = errors.New("unsupported backend type")

	// ErrNotFound is returned by calls without a NotFound Result (inventory
	// operations) when the host cannot be resolved.
	ErrNotFound = errors.New("object not found")
)

// Error decorates a backend failure with the backend address and operation.
type Error struct {
	Kind    error
	Address string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Address, e.Op)
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", msg, e.Kind)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds an Error of the given kind.
func NewError(kind error, address, op string, cause error) error {
	return &Error{Kind: kind, Address: address, Op: op, Err: cause}
}

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAPILevelNotSupported)
}
