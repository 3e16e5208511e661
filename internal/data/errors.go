package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// ErrJobNotFound is returned when no job row has the requested id.
	ErrJobNotFound = errors.New("job not found")
	// ErrStaleJob is returned when a transition's source row moved partitions or changed lock
	// holder since it was read.
	ErrStaleJob = errors.New("job changed concurrently")
	// ErrScopeNotFound is returned when no scope row has the requested id.
	ErrScopeNotFound = errors.New("scope not found")
	// ErrBatchNotFound is returned when no batch row has the requested id.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrBatchPartNotFound is returned when no batch part row has the requested id.
	ErrBatchPartNotFound = errors.New("batch part not found")
	// ErrIDRequired is returned when an operation receives an empty id.
	ErrIDRequired = errors.New("id is required")
)
