package storage

import (
	"errors"
	"fmt"

	"warden/core"
)

// Storage error constants
var (
	// ErrClosed is returned when writing to a sink after Close
	ErrClosed = errors.New("storage closed")

	// ErrQueueFull is returned when the async sink cannot accept another record
	ErrQueueFull = errors.New("persistence queue full")
)

// writeError wraps a failed write so callers can match core.ErrPersistenceWrite
func writeError(record string, err error) error {
	return fmt.Errorf("%w: %s: %w", core.ErrPersistenceWrite, record, err)
}
