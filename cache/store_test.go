package cache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, objectSize, chunkSize int64, opts ...StoreOption) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "test-source@etag", objectSize, chunkSize, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func commitChunk(t *testing.T, s *Store, index int64, b []byte) {
	t.Helper()
	tok, err := s.BeginFetch(context.Background(), index)
	require.NoError(t, err)
	require.NoError(t, s.CommitFetch(tok, b))
}

func fill(n int64, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestOpenValidation(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := Open(dir, "", 100, 64)
	assert.Error(t, err, "empty source id")

	_, err = Open(dir, "id", -1, 64)
	assert.Error(t, err, "negative object size")

	_, err = Open(dir, "id", 100, 48)
	assert.Error(t, err, "chunk size not a power of two")

	_, err = Open(dir, "id", 100, 0)
	assert.Error(t, err, "zero chunk size")
}

func TestGeometry(t *testing.T) {
	t.Parallel()
	s := testStore(t, 1000, 256)

	assert.Equal(t, int64(1000), s.ObjectSize())
	assert.Equal(t, int64(256), s.ChunkSize())
	assert.Equal(t, int64(4), s.Chunks())
	assert.Equal(t, int64(256), s.ChunkLen(0))
	assert.Equal(t, int64(256), s.ChunkLen(2))
	assert.Equal(t, int64(232), s.ChunkLen(3), "final chunk is truncated")
	assert.True(t, s.Fresh())
}

func TestCommitAndRead(t *testing.T) {
	t.Parallel()
	s := testStore(t, 1000, 256)

	c0 := fill(256, 0)
	c3 := fill(232, 3)
	commitChunk(t, s, 0, c0)
	commitChunk(t, s, 3, c3)

	got, err := s.Read(0, 256)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(c0, got))

	got, err = s.Read(768, 232)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(c3, got))

	got, err = s.Read(10, 20)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(c0[10:30], got))

	state, err := s.ChunkState(0)
	require.NoError(t, err)
	assert.Equal(t, StatePresent, state)
	state, err = s.ChunkState(1)
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, state)
}

func TestReadAbsentChunk(t *testing.T) {
	t.Parallel()
	s := testStore(t, 1000, 256)

	_, err := s.Read(0, 10)
	assert.ErrorIs(t, err, ErrNotCached)

	// A range covered partly by a present chunk still fails.
	commitChunk(t, s, 0, fill(256, 0))
	_, err = s.Read(200, 100)
	assert.ErrorIs(t, err, ErrNotCached)

	// Zero-length reads never fail on presence.
	got, err := s.Read(500, 0)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = s.Read(900, 200)
	assert.Error(t, err, "read beyond object")
}

func TestCommitWrongLength(t *testing.T) {
	t.Parallel()
	s := testStore(t, 1000, 256)

	tok, err := s.BeginFetch(context.Background(), 0)
	require.NoError(t, err)
	err = s.CommitFetch(tok, fill(100, 0))
	assert.ErrorIs(t, err, ErrShortWrite)

	// The failed commit released the claim and left the chunk absent.
	state, err := s.ChunkState(0)
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, state)

	tok, err = s.BeginFetch(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, s.CommitFetch(tok, fill(256, 0)))
}

func TestAbortReturnsChunkToAbsent(t *testing.T) {
	t.Parallel()
	s := testStore(t, 1000, 256)

	tok, err := s.BeginFetch(context.Background(), 1)
	require.NoError(t, err)
	state, err := s.ChunkState(1)
	require.NoError(t, err)
	assert.Equal(t, StateFetching, state)

	s.AbortFetch(tok)
	state, err = s.ChunkState(1)
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, state)

	// The chunk is claimable again.
	tok, err = s.BeginFetch(context.Background(), 1)
	require.NoError(t, err)
	s.AbortFetch(tok)
}

func TestBeginFetchStates(t *testing.T) {
	t.Parallel()
	s := testStore(t, 1000, 256)

	commitChunk(t, s, 0, fill(256, 0))
	_, err := s.BeginFetch(context.Background(), 0)
	assert.ErrorIs(t, err, ErrChunkPresent)

	tok, err := s.BeginFetch(context.Background(), 1)
	require.NoError(t, err)
	_, err = s.BeginFetch(context.Background(), 1)
	assert.ErrorIs(t, err, ErrAlreadyFetching)
	s.AbortFetch(tok)

	_, err = s.BeginFetch(context.Background(), 99)
	assert.Error(t, err, "index out of range")
}

func TestWaitChunk(t *testing.T) {
	t.Parallel()
	s := testStore(t, 1000, 256)

	// No fetch in flight: returns immediately.
	state, err := s.WaitChunk(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, state)

	tok, err := s.BeginFetch(context.Background(), 0)
	require.NoError(t, err)

	done := make(chan State, 1)
	go func() {
		st, werr := s.WaitChunk(context.Background(), 0)
		if werr != nil {
			st = StateAbsent
		}
		done <- st
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.CommitFetch(tok, fill(256, 0)))
	assert.Equal(t, StatePresent, <-done)

	// Cancellation unblocks a waiter.
	tok, err = s.BeginFetch(context.Background(), 1)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, werr := s.WaitChunk(ctx, 1)
		errc <- werr
	}()
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	s.AbortFetch(tok)
}

func TestPresenceSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	content := fill(256, 7)

	s, err := Open(dir, "id@v1", 1000, 256)
	require.NoError(t, err)
	assert.True(t, s.Fresh())
	commitChunk(t, s, 0, content)
	require.NoError(t, s.Close())

	s, err = Open(dir, "id@v1", 1000, 256)
	require.NoError(t, err)
	defer s.Close()
	assert.False(t, s.Fresh(), "matching state restores presence")

	state, err := s.ChunkState(0)
	require.NoError(t, err)
	assert.Equal(t, StatePresent, state)
	got, err := s.Read(0, 256)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

func TestStaleStateDiscarded(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir, "id@v1", 1000, 256)
	require.NoError(t, err)
	commitChunk(t, s, 0, fill(256, 0))
	require.NoError(t, s.Close())

	// Same identity but different geometry: presence cannot be trusted.
	s, err = Open(dir, "id@v1", 1000, 512)
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, s.Fresh(), "geometry change discards state")

	state, err := s.ChunkState(0)
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, state)
}

func TestDistinctSourcesDistinctFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s1, err := Open(dir, "id@v1", 1000, 256)
	require.NoError(t, err)
	defer s1.Close()
	commitChunk(t, s1, 0, fill(256, 1))

	// A new object version gets its own store; v1 chunks are untouched.
	s2, err := Open(dir, "id@v2", 1000, 256)
	require.NoError(t, err)
	defer s2.Close()
	assert.True(t, s2.Fresh())

	state, err := s2.ChunkState(0)
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, state)
	state, err = s1.ChunkState(0)
	require.NoError(t, err)
	assert.Equal(t, StatePresent, state)
}

func TestEnsureCapacityNeverShrinks(t *testing.T) {
	t.Parallel()
	s := testStore(t, 1000, 256)

	require.NoError(t, s.EnsureCapacity(500))
	fi, err := s.data.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), fi.Size())
}

func TestNopLocker(t *testing.T) {
	t.Parallel()
	s := testStore(t, 1000, 256, WithLocker(NopLocker{}))
	commitChunk(t, s, 0, fill(256, 0))
	state, err := s.ChunkState(0)
	require.NoError(t, err)
	assert.Equal(t, StatePresent, state)
}
