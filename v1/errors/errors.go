// Package errors holds sentinels shared by the transports and adapters.
package errors

import "errors"

var (
	// ErrTimeout reports that a backend call exceeded its deadline.
	ErrTimeout = errors.New("txlease: timeout")
	// ErrConnectionClosed reports use of a transport after it was closed.
	ErrConnectionClosed = errors.New("txlease: connection closed")
)
