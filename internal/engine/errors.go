package engine

import (
	"errors"
	"fmt"
)

// ErrMalformedSignature marks an expectation whose declared signatures are
// unusable (missing type or value). Not retryable; the expectation is skipped.
var ErrMalformedSignature = errors.New("signature is missing a type or value")

// ErrUnknownSignatureType is returned by the matcher in strict mode when an
// expectation carries a signature type outside the known vocabulary.
var ErrUnknownSignatureType = errors.New("unknown signature type")

// FetchError is the terminal error raised after a fetch cycle exhausted all
// retry attempts without a single successful call. An empty successful fetch
// is not an error.
type FetchError struct {
	Vendor   string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch from %s failed after %d attempts: %v", e.Vendor, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ConversionError marks a single vendor record that could not be normalized.
// The record is skipped; other records in the same fetch proceed.
type ConversionError struct {
	Vendor string
	Err    error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("cannot normalize %s record: %v", e.Vendor, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// BulkWriteError aggregates a write cycle where the bulk call and every
// per-item fallback call failed. Raised only on total failure.
type BulkWriteError struct {
	Op        string // "update" or "trace"
	Attempted int
	Err       error
}

func (e *BulkWriteError) Error() string {
	return fmt.Sprintf("bulk %s and all %d individual fallbacks failed: %v", e.Op, e.Attempted, e.Err)
}

func (e *BulkWriteError) Unwrap() error { return e.Err }
