package sched

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an investigation is in neither the queue
// nor the processing set.
var ErrNotFound = errors.New("investigation not found")

// ErrNotProcessing is returned by Complete when the investigation does
// not hold a processing slot.
var ErrNotProcessing = errors.New("investigation is not processing")

// AlreadyQueuedError rejects a duplicate enqueue. Admission errors are
// synchronous and never retried.
type AlreadyQueuedError struct {
	ID string
}

func (e *AlreadyQueuedError) Error() string {
	return fmt.Sprintf("investigation %s is already queued or processing", e.ID)
}

// TenantCapacityError rejects an enqueue that would push a tenant past
// its concurrency budget, counting queued and processing entries.
type TenantCapacityError struct {
	TenantID string
	Limit    int
}

func (e *TenantCapacityError) Error() string {
	return fmt.Sprintf("tenant %s is at capacity (%d queued+processing)", e.TenantID, e.Limit)
}
