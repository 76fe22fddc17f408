package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for GaugeX operations.
var (
	// ErrUnknownEventType indicates a payload tagged with an unknown variant.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrInvalidStatus indicates a status outside PENDING/PROCESSING/TRANSMITTED/FAILED.
	ErrInvalidStatus = errors.New("invalid event status")

	// ErrInvalidTransition indicates a status change not allowed by the delivery state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrEventNotFound indicates no stored row has the requested id.
	ErrEventNotFound = errors.New("event not found")

	// ErrCorruptPayload indicates a stored payload that cannot be decoded.
	ErrCorruptPayload = errors.New("corrupt event payload")

	// ErrQueueClosed indicates a submission after the pipeline stopped.
	ErrQueueClosed = errors.New("ingestion queue closed")
)

// StoreError wraps a storage-layer failure with the operation that raised it.
type StoreError struct {
	Op  string
	Err error
}

// Error returns "store <op>: <cause>".
func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsStoreError reports whether err (or its chain) is a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
