package nwp

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy. Callers branch on these with
// errors.Is; everything else is wrapped context.
var (
	// ErrNotYetPublished is the authoritative upstream answer that a
	// forecast hour has not been published. It is never retried and
	// drives fail-fast pruning of higher hours in the same cycle.
	ErrNotYetPublished = errors.New("not yet published")

	// ErrBusy reports an admission-gate acquire timeout. It is a capacity
	// signal, not a data error; callers should retry shortly.
	ErrBusy = errors.New("capacity exceeded")

	// ErrUnknownSource reports a source absent from the registry.
	ErrUnknownSource = errors.New("unknown source")

	// ErrNotAvailable reports a key whose ingestion ended Failed or Pruned.
	ErrNotAvailable = errors.New("item not available")
)

// TransientFetchError marks a retryable upstream failure (timeouts,
// 5xx-class responses, truncated transfers).
type TransientFetchError struct {
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch error: %v", e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientFetchError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientFetchError{Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientFetchError.
func IsTransient(err error) bool {
	var t *TransientFetchError
	return errors.As(err, &t)
}

// VerificationError reports a fetched sub-resource that is missing, truncated
// or structurally invalid. Bounded retries re-fetch only the offending part.
type VerificationError struct {
	Sub    SubResource
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed for %s: %s", e.Sub, e.Reason)
}

// ConversionError reports a failed raw-to-canonical conversion. It is not
// retried within the task.
type ConversionError struct {
	Err error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("conversion failed: %v", e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// IngestError is the terminal outcome surfaced to Ensure waiters when a task
// ends in Failed or Pruned.
type IngestError struct {
	Key   ItemKey
	State TaskState
	Err   error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest %s: %s: %v", e.Key, e.State, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }
