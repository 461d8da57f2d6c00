package pool

import (
	"errors"
	"fmt"

	eventerrors "github.com/rbaliyan/event/v3/errors"
)

// PoolError is an error returned from a Pool method.
type PoolError string

func (pe PoolError) Error() string { return string(pe) }

// Sentinel errors for the connection pool.
var (
	// ErrPoolClosed is returned by CheckOut after Close and by a second Close.
	ErrPoolClosed = PoolError("attempted to check out a connection from closed connection pool")

	// ErrPoolTimeout is returned when CheckOut could not obtain a connection before its
	// context or the wait queue timeout expired. Callers may retry.
	ErrPoolTimeout = PoolError("timed out while checking out a connection from connection pool")

	// ErrPoolCleared is returned when a checked-out connection is used after the pool
	// generation moved past it. Check the connection in and check out a new one.
	ErrPoolCleared = PoolError("connection pool was cleared; connection is stale")

	// ErrWrongPool is returned when a connection is checked in to a pool it doesn't belong to.
	ErrWrongPool = PoolError("connection does not belong to this pool")

	// ErrConnectionCreation matches every *ConnectionError produced while dialing or
	// handshaking a new connection.
	ErrConnectionCreation = errors.New("connection creation failed")

	// ErrConnectionClosed is returned from an attempt to use an already closed connection.
	ErrConnectionClosed = errors.New("connection is closed")

	// ErrAddressRequired is returned by NewPool when the address is empty.
	// This wraps ErrInvalidArgument from the shared errors package.
	ErrAddressRequired = fmt.Errorf("pool address is required: %w", eventerrors.ErrInvalidArgument)

	// ErrInvalidOptions is returned by NewPool when the size bounds contradict each other.
	// This wraps ErrInvalidArgument from the shared errors package.
	ErrInvalidOptions = fmt.Errorf("min pool size exceeds max pool size: %w", eventerrors.ErrInvalidArgument)
)

// ConnectionError wraps a failure that happened on, or while creating, a connection.
type ConnectionError struct {
	ConnectionID uint64
	Address      string
	Wrapped      error

	creation bool
	message  string
}

func (e *ConnectionError) Error() string {
	msg := e.message
	if msg == "" {
		msg = "connection error"
	}
	if e.ConnectionID != 0 {
		msg = fmt.Sprintf("connection(%s[%d]) %s", e.Address, e.ConnectionID, msg)
	} else {
		msg = fmt.Sprintf("connection(%s) %s", e.Address, msg)
	}
	if e.Wrapped != nil {
		return msg + ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the underlying transport error.
func (e *ConnectionError) Unwrap() error { return e.Wrapped }

// Is reports creation failures as ErrConnectionCreation.
func (e *ConnectionError) Is(target error) bool {
	return e.creation && target == ErrConnectionCreation
}

func newCreationError(address string, err error) *ConnectionError {
	return &ConnectionError{Address: address, Wrapped: err, creation: true, message: "failed to establish"}
}

// IsInvalidArgument checks if an error indicates an invalid argument.
func IsInvalidArgument(err error) bool {
	return eventerrors.IsInvalidArgument(err)
}

// IsTimeout reports whether err is a check-out timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrPoolTimeout)
}
