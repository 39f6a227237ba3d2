package limiter

import "errors"

var (
	// ErrUnknownAlgorithm is returned when a policy names an algorithm the limiter does not implement.
	ErrUnknownAlgorithm = errors.New("limiter: unknown algorithm")
	// ErrStoreUnavailable wraps every failure to reach the counter store.
	ErrStoreUnavailable = errors.New("limiter: store unavailable")
	// ErrBlobNotFound is returned by GetBlob when nothing is stored under the key.
	ErrBlobNotFound = errors.New("limiter: blob not found")
	// ErrInvalidArgument is returned for non-positive limits, windows or rates.
	ErrInvalidArgument = errors.New("limiter: invalid argument")
)
