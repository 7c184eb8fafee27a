package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// fakeSource serves a byte slice and records every range request.
type fakeSource struct {
	data []byte

	mu       sync.Mutex
	requests [][2]int64
	err      error
}

func (s *fakeSource) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	s.mu.Lock()
	s.requests = append(s.requests, [2]int64{off, length})
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(s.data[off : off+length])), nil
}

func (s *fakeSource) Size() int64 { return int64(len(s.data)) }

func (s *fakeSource) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *fakeSource) requestCopy() [][2]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]int64(nil), s.requests...)
}

func (s *fakeSource) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func testFetcher(t *testing.T, objectSize, chunkSize int64, opts ...FetcherOption) (*Fetcher, *fakeSource) {
	t.Helper()
	src := &fakeSource{data: fill(objectSize, 42)}
	store := testStore(t, objectSize, chunkSize)
	return NewFetcher(store, src, opts...), src
}

func TestFetcherReadRange(t *testing.T) {
	t.Parallel()
	f, src := testFetcher(t, 10000, 256)

	got, err := f.ReadRange(context.Background(), 100, 500)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(src.data[100:600], got))

	// The range spans chunks 0..2; one coalesced request covers them.
	require.Equal(t, 1, src.requestCount())
	assert.Equal(t, [2]int64{0, 768}, src.requestCopy()[0])
}

func TestFetcherIdempotent(t *testing.T) {
	t.Parallel()
	f, src := testFetcher(t, 10000, 256)
	ctx := context.Background()

	_, err := f.ReadRange(ctx, 0, 1024)
	require.NoError(t, err)
	n := src.requestCount()

	// Overlapping and contained re-reads never refetch.
	_, err = f.ReadRange(ctx, 0, 1024)
	require.NoError(t, err)
	_, err = f.ReadRange(ctx, 512, 512)
	require.NoError(t, err)
	assert.Equal(t, n, src.requestCount())

	// An adjacent range fetches only its own chunks.
	_, err = f.ReadRange(ctx, 1024, 256)
	require.NoError(t, err)
	reqs := src.requestCopy()
	assert.Equal(t, [2]int64{1024, 256}, reqs[len(reqs)-1])
}

func TestFetcherCoalescingCap(t *testing.T) {
	t.Parallel()
	f, src := testFetcher(t, 10000, 256, WithMaxFetchChunks(2))

	// 5 chunks with a cap of 2 per request: 2 + 2 + 1.
	require.NoError(t, f.Ensure(context.Background(), 0, 5*256))
	assert.Equal(t, 3, src.requestCount())
	for _, r := range src.requestCopy() {
		assert.LessOrEqual(t, r[1], int64(512))
	}
}

func TestFetcherSkipsPresentChunks(t *testing.T) {
	t.Parallel()
	f, src := testFetcher(t, 10000, 256)
	ctx := context.Background()

	require.NoError(t, f.Ensure(ctx, 256, 256)) // chunk 1
	require.NoError(t, f.Ensure(ctx, 0, 1024))  // chunks 0..3, 1 present

	reqs := src.requestCopy()
	require.Len(t, reqs, 3)
	assert.Equal(t, [2]int64{256, 256}, reqs[0])
	// The hole around chunk 1 splits the second pass into two runs.
	assert.ElementsMatch(t, [][2]int64{{0, 256}, {512, 512}}, reqs[1:])
}

func TestFetcherFinalTruncatedChunk(t *testing.T) {
	t.Parallel()
	f, src := testFetcher(t, 1000, 256)

	got, err := f.ReadRange(context.Background(), 768, 232)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(src.data[768:], got))
	assert.Equal(t, [2]int64{768, 232}, src.requestCopy()[0])
}

func TestFetcherZeroLength(t *testing.T) {
	t.Parallel()
	f, src := testFetcher(t, 1000, 256)

	require.NoError(t, f.Ensure(context.Background(), 500, 0))
	got, err := f.ReadRange(context.Background(), 500, 0)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, src.requestCount(), "zero-length ranges fetch nothing")
}

func TestFetcherRangeValidation(t *testing.T) {
	t.Parallel()
	f, _ := testFetcher(t, 1000, 256)
	ctx := context.Background()

	assert.Error(t, f.Ensure(ctx, -1, 10))
	assert.Error(t, f.Ensure(ctx, 0, -1))
	assert.Error(t, f.Ensure(ctx, 900, 200))
}

func TestFetcherErrorAbortsAndRetries(t *testing.T) {
	t.Parallel()
	f, src := testFetcher(t, 1000, 256)
	ctx := context.Background()

	boom := errors.New("remote down")
	src.setErr(boom)
	err := f.Ensure(ctx, 0, 512)
	assert.ErrorIs(t, err, boom)

	// The failed claims were aborted, so the chunks are claimable again
	// and the next attempt succeeds.
	for index := int64(0); index < 2; index++ {
		state, serr := f.Store().ChunkState(index)
		require.NoError(t, serr)
		assert.Equal(t, StateAbsent, state)
	}
	src.setErr(nil)
	require.NoError(t, f.Ensure(ctx, 0, 512))
	got, err := f.Store().Read(0, 512)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(src.data[:512], got))
}

func TestFetcherConcurrentSingleFetch(t *testing.T) {
	t.Parallel()
	f, src := testFetcher(t, 64*256, 256)
	ctx := context.Background()

	// Many goroutines reading overlapping ranges: every chunk must be
	// transferred exactly once.
	var g errgroup.Group
	for i := range 32 {
		off := int64(i%8) * 1024
		g.Go(func() error {
			b, err := f.ReadRange(ctx, off, 2048)
			if err != nil {
				return err
			}
			if !bytes.Equal(src.data[off:off+2048], b) {
				return errors.New("content mismatch")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	covered := make(map[int64]int)
	for _, r := range src.requestCopy() {
		for index := r[0] / 256; index <= (r[0]+r[1]-1)/256; index++ {
			covered[index]++
		}
	}
	for index, n := range covered {
		assert.Equal(t, 1, n, "chunk %d fetched %d times", index, n)
	}
}

func TestFetcherAbandonedCallerDoesNotCancelFetch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	src := &fakeSource{data: fill(1024, 42)}
	blocking := &blockingSource{inner: src, release: release, started: make(chan struct{})}
	store := testStore(t, 1024, 256)
	f := NewFetcher(store, blocking)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := f.ReadRange(ctx, 0, 256)
		errc <- err
	}()

	<-blocking.started
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	// The transfer keeps running detached and commits; a later caller
	// finds the chunk present without a second remote request.
	close(release)
	got, err := f.ReadRange(context.Background(), 0, 256)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(src.data[:256], got))
	assert.Equal(t, 1, src.requestCount())
}

// blockingSource delays the first request until released.
type blockingSource struct {
	inner   *fakeSource
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (s *blockingSource) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	rc, err := s.inner.ReadRange(ctx, off, length)
	if err != nil {
		return nil, err
	}
	first := false
	s.once.Do(func() {
		first = true
		close(s.started)
	})
	if first {
		<-s.release
	}
	return rc, nil
}

func (s *blockingSource) Size() int64 { return s.inner.Size() }
