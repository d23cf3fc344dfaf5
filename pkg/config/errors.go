package config

import "errors"

var (
	// ErrMissingDatabaseURL is returned when the database URL is not set.
	ErrMissingDatabaseURL = errors.New("database URL is required")

	// ErrMissingCheckpointRoot is returned when the checkpoint root is not set.
	ErrMissingCheckpointRoot = errors.New("checkpoint root is required")

	// ErrMissingArtifactRoot is returned when the artifact root is not set.
	ErrMissingArtifactRoot = errors.New("artifact root is required")

	// ErrInvalidTimeout is returned when a timeout field is invalid.
	ErrInvalidTimeout = errors.New("timeout must be greater than 0")

	// ErrInvalidMaxRetries is returned when max retries is invalid.
	ErrInvalidMaxRetries = errors.New("max retries must be greater than or equal to 0")
)
