//go:build unix

package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// lockRetryInterval paces the try-lock loop while another process holds a
// chunk. Polling keeps the wait cancellable; blocking fcntl waits cannot
// be interrupted by a context.
const lockRetryInterval = 25 * time.Millisecond

// rangeLocker locks the chunk's byte range in the data file with
// open-file-description advisory locks, so two processes never both
// believe they began the same fetch. OFD locks do not conflict within a
// process; the Store's in-flight map covers that case.
type rangeLocker struct {
	f         *os.File
	chunkSize int64
}

func platformRangeLocker(f *os.File, chunkSize int64) Locker {
	return &rangeLocker{f: f, chunkSize: chunkSize}
}

func (l *rangeLocker) Lock(ctx context.Context, index int64) (func() error, error) {
	flock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: io.SeekStart,
		Start:  index * l.chunkSize,
		Len:    l.chunkSize,
	}
	for {
		err := unix.FcntlFlock(l.f.Fd(), unix.F_OFD_SETLK, &flock)
		if err == nil {
			return l.unlockFunc(index), nil
		}
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EACCES) {
			return nil, err
		}
		select {
		case <-time.After(lockRetryInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *rangeLocker) unlockFunc(index int64) func() error {
	return func() error {
		flock := unix.Flock_t{
			Type:   unix.F_UNLCK,
			Whence: io.SeekStart,
			Start:  index * l.chunkSize,
			Len:    l.chunkSize,
		}
		return unix.FcntlFlock(l.f.Fd(), unix.F_OFD_SETLK, &flock)
	}
}
