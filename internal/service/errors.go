package service

import "errors"

var (
	// ErrStoreUnavailable marks a store failure that survived bounded
	// retries. Write paths (event append, block write, score increment)
	// surface it as a hard error; they are never silently dropped.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrBlockStatusUnknown is returned when neither the cache nor the
	// durable store could answer a block check. Callers get an explicit
	// unknown instead of a silent "not blocked".
	ErrBlockStatusUnknown = errors.New("block status unknown")
)
