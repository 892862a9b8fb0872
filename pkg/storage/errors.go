package storage

import "errors"

var (
	// ErrNotFound if the requested identity does not exist. An empty result
	// set is a valid answer and is never reported as ErrNotFound.
	ErrNotFound = errors.New("not found")

	// ErrNoStagedSnapshot if a pipeline stage runs without StageSnapshot.
	ErrNoStagedSnapshot = errors.New("no staged snapshot")

	// ErrNoPublishedSnapshot if a snapshot read runs before any publish.
	ErrNoPublishedSnapshot = errors.New("no published snapshot")

	// ErrBatchTooLarge if a caller hands an engine more identifiers than the
	// configured batch ceiling.
	ErrBatchTooLarge = errors.New("identifier batch exceeds the configured ceiling")

	// ErrCancelled if the request has been cancelled.
	ErrCancelled = errors.New("request has been cancelled")
)
