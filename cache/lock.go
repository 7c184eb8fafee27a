package cache

import (
	"context"
	"os"
)

// Locker provides cross-process mutual exclusion at chunk granularity.
//
// Lock blocks until the chunk at index is exclusively held or ctx is
// done, and returns the function releasing the hold. In-process exclusion
// is handled by the Store's own state machine; a Locker only needs to
// fence other processes sharing the same store files.
type Locker interface {
	Lock(ctx context.Context, index int64) (unlock func() error, err error)
}

// NopLocker is a Locker for single-process deployments: it grants every
// lock immediately.
type NopLocker struct{}

// Lock implements Locker.
func (NopLocker) Lock(_ context.Context, _ int64) (func() error, error) {
	return func() error { return nil }, nil
}

// newRangeLocker returns the default cross-process locker for a store
// data file: advisory byte-range locks per chunk where the platform
// supports them, otherwise a NopLocker.
func newRangeLocker(f *os.File, chunkSize int64) Locker {
	return platformRangeLocker(f, chunkSize)
}
