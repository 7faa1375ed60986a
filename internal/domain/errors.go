package domain

import "errors"

var (
	// ErrValidation is returned when input is malformed and was rejected before any I/O
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when no product matches a lookup
	ErrNotFound = errors.New("product not found")

	// ErrTransient is returned when a datastore, embedding service or provider call fails
	// in a way that may succeed on retry (timeouts, network failures, 5xx)
	ErrTransient = errors.New("transient service failure")

	// ErrRateLimited is returned when a provider throttles requests
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrCancelled is returned when the caller's deadline elapses or the request is cancelled
	ErrCancelled = errors.New("request cancelled")

	// ErrCacheMiss is returned when data is not found in cache
	ErrCacheMiss = errors.New("cache miss")
)
