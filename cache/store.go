// Package cache provides a local, physically-sparse byte store per remote
// archive plus the chunk-aligned fetch engine that populates it.
//
// A Store holds one logically-full-size sparse data file per object
// revision, together with a sidecar state file recording which aligned
// chunks have been populated. Presence survives process restart and may be
// shared by multiple processes; chunk state transitions follow an explicit
// absent -> fetching -> present machine, with abort returning a chunk to
// absent so a later caller can retry.
package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/opencontainers/go-digest"
)

// Sentinel errors for the chunk state machine.
var (
	// ErrNotCached is returned by Read over chunks that are not present.
	ErrNotCached = errors.New("cache: range not cached")

	// ErrShortWrite is returned when a commit carries the wrong number of
	// bytes for its chunk.
	ErrShortWrite = errors.New("cache: short chunk write")

	// ErrAlreadyFetching is returned by BeginFetch when this process is
	// already fetching the chunk; callers wait via WaitChunk.
	ErrAlreadyFetching = errors.New("cache: chunk fetch in progress")

	// ErrChunkPresent is returned by BeginFetch when the chunk turned out
	// to be present, either up front or after waiting for another
	// process's fetch to complete.
	ErrChunkPresent = errors.New("cache: chunk already present")
)

// State describes one chunk in the store.
type State uint8

const (
	// StateAbsent means the chunk has never been committed.
	StateAbsent State = iota
	// StateFetching means a fetch begun by this process is in flight.
	StateFetching
	// StatePresent means the chunk bytes are durably in the store.
	StatePresent
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateFetching:
		return "fetching"
	case StatePresent:
		return "present"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

const (
	stateMagic  = "ARCS"
	stateFormat = 1

	dataSuffix  = ".data"
	stateSuffix = ".state"

	defaultDirPerm  = 0o700
	defaultFilePerm = 0o600
)

// stateHeader is the CBOR-encoded prologue of the sidecar state file.
// The presence array (one byte per chunk) follows immediately after.
type stateHeader struct {
	Format     int    `cbor:"format"`
	SourceID   string `cbor:"source_id"`
	ObjectSize int64  `cbor:"object_size"`
	ChunkSize  int64  `cbor:"chunk_size"`
}

// Store is a sparse, chunk-tracked byte store for one object revision.
//
// The data file is logically sized to the object and physically sparse;
// the state file records chunk presence so a restarting process never
// trusts physical extents (sparse extent reporting is platform-dependent).
// Methods are safe for concurrent use within a process; cross-process
// writers are serialized per chunk by the configured Locker.
type Store struct {
	dir        string
	sourceID   string
	objectSize int64
	chunkSize  int64
	chunks     int64
	presentOff int64 // offset of the presence array in the state file

	data   *os.File
	state  *os.File
	locker Locker
	sync   bool
	fresh  bool
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[int64]chan struct{}
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLocker sets the cross-process lock discipline. The default locks
// the chunk's byte range in the data file with an advisory lock; use
// NopLocker for deployments where a store is never shared.
func WithLocker(l Locker) StoreOption {
	return func(s *Store) {
		s.locker = l
	}
}

// WithSyncCommit controls whether chunk data is synced to stable storage
// before being marked present (default true). Disabling trades crash
// safety of the presence record for commit latency.
func WithSyncCommit(enabled bool) StoreOption {
	return func(s *Store) {
		s.sync = enabled
	}
}

// WithStoreLogger sets the logger used for store events.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens (or creates) the store for sourceID under dir.
//
// chunkSize must be a power of two. A sidecar state file that does not
// match the identity or geometry is discarded and the store starts empty;
// a matching one restores chunk presence from previous runs.
func Open(dir, sourceID string, objectSize, chunkSize int64, opts ...StoreOption) (*Store, error) {
	if sourceID == "" {
		return nil, errors.New("cache: source id is empty")
	}
	if objectSize < 0 {
		return nil, fmt.Errorf("cache: negative object size %d", objectSize)
	}
	if chunkSize <= 0 || bits.OnesCount64(uint64(chunkSize)) != 1 {
		return nil, fmt.Errorf("cache: chunk size %d is not a power of two", chunkSize)
	}
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return nil, err
	}

	s := &Store{
		dir:        dir,
		sourceID:   sourceID,
		objectSize: objectSize,
		chunkSize:  chunkSize,
		chunks:     (objectSize + chunkSize - 1) / chunkSize,
		sync:       true,
		inflight:   make(map[int64]chan struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}

	base := filepath.Join(dir, digest.FromString(sourceID).Encoded())
	var err error
	s.data, err = os.OpenFile(base+dataSuffix, os.O_RDWR|os.O_CREATE, defaultFilePerm)
	if err != nil {
		return nil, err
	}
	s.state, err = os.OpenFile(base+stateSuffix, os.O_RDWR|os.O_CREATE, defaultFilePerm)
	if err != nil {
		s.data.Close()
		return nil, err
	}
	if s.locker == nil {
		s.locker = newRangeLocker(s.data, chunkSize)
	}

	if err := s.EnsureCapacity(objectSize); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.loadOrInitState(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the store's file handles.
func (s *Store) Close() error {
	serr := s.state.Close()
	derr := s.data.Close()
	if derr != nil {
		return derr
	}
	return serr
}

// Fresh reports whether Open created a new, empty store rather than
// restoring presence state from a previous run.
func (s *Store) Fresh() bool {
	return s.fresh
}

// ObjectSize returns the logical length of the store.
func (s *Store) ObjectSize() int64 {
	return s.objectSize
}

// ChunkSize returns the chunk size used for presence tracking.
func (s *Store) ChunkSize() int64 {
	return s.chunkSize
}

// Chunks returns the number of chunks covering the object.
func (s *Store) Chunks() int64 {
	return s.chunks
}

// EnsureCapacity grows the logical length of the data file to size
// without materializing bytes. Idempotent; never shrinks.
func (s *Store) EnsureCapacity(size int64) error {
	fi, err := s.data.Stat()
	if err != nil {
		return err
	}
	if fi.Size() >= size {
		return nil
	}
	return s.data.Truncate(size)
}

// ChunkState reports the state of the chunk at index.
//
// A fetch in flight in another process is reported as absent; BeginFetch
// resolves the race by blocking on the chunk lock and re-reading presence.
func (s *Store) ChunkState(index int64) (State, error) {
	if err := s.checkIndex(index); err != nil {
		return StateAbsent, err
	}
	present, err := s.present(index)
	if err != nil {
		return StateAbsent, err
	}
	if present {
		return StatePresent, nil
	}
	s.mu.Lock()
	_, fetching := s.inflight[index]
	s.mu.Unlock()
	if fetching {
		return StateFetching, nil
	}
	return StateAbsent, nil
}

// Token represents an exclusive claim on one chunk's fetch.
type Token struct {
	store  *Store
	index  int64
	unlock func() error
	done   chan struct{}
}

// Index returns the chunk index the token claims.
func (t *Token) Index() int64 {
	return t.index
}

// BeginFetch transitions the chunk at index from absent to fetching.
//
// If this process already has a fetch in flight for the chunk it returns
// ErrAlreadyFetching without blocking. If another process holds the chunk,
// BeginFetch blocks until that fetch resolves; when the chunk came out
// present it returns ErrChunkPresent, otherwise the claim succeeds and the
// caller must finish with CommitFetch or AbortFetch.
func (s *Store) BeginFetch(ctx context.Context, index int64) (*Token, error) {
	if err := s.checkIndex(index); err != nil {
		return nil, err
	}
	if present, err := s.present(index); err != nil {
		return nil, err
	} else if present {
		return nil, ErrChunkPresent
	}

	s.mu.Lock()
	if _, fetching := s.inflight[index]; fetching {
		s.mu.Unlock()
		return nil, ErrAlreadyFetching
	}
	done := make(chan struct{})
	s.inflight[index] = done
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.inflight, index)
		s.mu.Unlock()
		close(done)
	}

	unlock, err := s.locker.Lock(ctx, index)
	if err != nil {
		release()
		return nil, err
	}

	// Another process may have committed the chunk while we waited for
	// the lock; presence is authoritative.
	if present, err := s.present(index); err != nil || present {
		uerr := unlock()
		release()
		if err != nil {
			return nil, err
		}
		if uerr != nil {
			return nil, uerr
		}
		return nil, ErrChunkPresent
	}

	return &Token{store: s, index: index, unlock: unlock, done: done}, nil
}

// CommitFetch writes b at the chunk's aligned offset and marks it present.
// b must be exactly the chunk's length (truncated for the final chunk).
func (s *Store) CommitFetch(tok *Token, b []byte) error {
	want := s.ChunkLen(tok.index)
	if int64(len(b)) != want {
		s.finish(tok)
		return fmt.Errorf("%w: chunk %d got %d bytes, want %d", ErrShortWrite, tok.index, len(b), want)
	}
	off := tok.index * s.chunkSize
	if _, err := s.data.WriteAt(b, off); err != nil {
		s.finish(tok)
		return err
	}
	if s.sync {
		if err := s.data.Sync(); err != nil {
			s.finish(tok)
			return err
		}
	}
	if err := s.setPresent(tok.index); err != nil {
		s.finish(tok)
		return err
	}
	s.log().Debug("chunk committed", "index", tok.index, "bytes", len(b))
	s.finish(tok)
	return nil
}

// AbortFetch returns the chunk to absent so a later caller can retry.
func (s *Store) AbortFetch(tok *Token) {
	s.log().Debug("chunk fetch aborted", "index", tok.index)
	s.finish(tok)
}

func (s *Store) finish(tok *Token) {
	if tok.unlock != nil {
		if err := tok.unlock(); err != nil {
			s.log().Warn("chunk unlock failed", "index", tok.index, "error", err)
		}
		tok.unlock = nil
	}
	s.mu.Lock()
	if s.inflight[tok.index] == tok.done {
		delete(s.inflight, tok.index)
	}
	s.mu.Unlock()
	if tok.done != nil {
		close(tok.done)
		tok.done = nil
	}
}

// WaitChunk blocks until an in-flight fetch of the chunk resolves, then
// reports the resulting state. If no fetch is in flight it returns the
// current state immediately.
func (s *Store) WaitChunk(ctx context.Context, index int64) (State, error) {
	if err := s.checkIndex(index); err != nil {
		return StateAbsent, err
	}
	s.mu.Lock()
	done, fetching := s.inflight[index]
	s.mu.Unlock()
	if fetching {
		select {
		case <-done:
		case <-ctx.Done():
			return StateFetching, ctx.Err()
		}
	}
	return s.ChunkState(index)
}

// Read returns the bytes in [off, off+length). All covering chunks must
// be present; otherwise Read fails with ErrNotCached.
func (s *Store) Read(off, length int64) ([]byte, error) {
	if off < 0 || length < 0 || off+length > s.objectSize {
		return nil, fmt.Errorf("cache: read [%d,%d) outside object of %d bytes", off, off+length, s.objectSize)
	}
	if length == 0 {
		return nil, nil
	}
	for index := off / s.chunkSize; index <= (off+length-1)/s.chunkSize; index++ {
		present, err := s.present(index)
		if err != nil {
			return nil, err
		}
		if !present {
			return nil, fmt.Errorf("%w: chunk %d", ErrNotCached, index)
		}
	}
	b := make([]byte, length)
	if _, err := s.data.ReadAt(b, off); err != nil {
		return nil, err
	}
	return b, nil
}

// ChunkLen returns the length of the chunk at index, truncated to the
// object size for the final chunk.
func (s *Store) ChunkLen(index int64) int64 {
	start := index * s.chunkSize
	if remaining := s.objectSize - start; remaining < s.chunkSize {
		return remaining
	}
	return s.chunkSize
}

func (s *Store) checkIndex(index int64) error {
	if index < 0 || index >= s.chunks {
		return fmt.Errorf("cache: chunk index %d out of range [0,%d)", index, s.chunks)
	}
	return nil
}

func (s *Store) present(index int64) (bool, error) {
	var b [1]byte
	if _, err := s.state.ReadAt(b[:], s.presentOff+index); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (s *Store) setPresent(index int64) error {
	if _, err := s.state.WriteAt([]byte{1}, s.presentOff+index); err != nil {
		return err
	}
	if s.sync {
		return s.state.Sync()
	}
	return nil
}

// loadOrInitState validates the sidecar against identity and geometry,
// initializing a fresh presence record when it is new or stale.
func (s *Store) loadOrInitState() error {
	fi, err := s.state.Stat()
	if err != nil {
		return err
	}
	if fi.Size() > 0 {
		ok, presentOff, err := s.matchState(fi.Size())
		if err != nil {
			return err
		}
		if ok {
			s.presentOff = presentOff
			return nil
		}
		s.log().Info("discarding stale cache state", "source_id", s.sourceID)
	}
	return s.initState()
}

func (s *Store) matchState(size int64) (bool, int64, error) {
	var fixed [8]byte
	if _, err := s.state.ReadAt(fixed[:], 0); err != nil {
		return false, 0, nil //nolint:nilerr // unreadable prologue means reinitialize
	}
	if string(fixed[:4]) != stateMagic {
		return false, 0, nil
	}
	hdrLen := int64(binary.BigEndian.Uint32(fixed[4:]))
	presentOff := 8 + hdrLen
	if hdrLen <= 0 || presentOff+s.chunks > size {
		return false, 0, nil
	}
	raw := make([]byte, hdrLen)
	if _, err := s.state.ReadAt(raw, 8); err != nil {
		return false, 0, nil //nolint:nilerr // truncated header means reinitialize
	}
	var hdr stateHeader
	if err := cbor.Unmarshal(raw, &hdr); err != nil {
		return false, 0, nil
	}
	match := hdr.Format == stateFormat &&
		hdr.SourceID == s.sourceID &&
		hdr.ObjectSize == s.objectSize &&
		hdr.ChunkSize == s.chunkSize
	return match, presentOff, nil
}

func (s *Store) initState() error {
	raw, err := cbor.Marshal(stateHeader{
		Format:     stateFormat,
		SourceID:   s.sourceID,
		ObjectSize: s.objectSize,
		ChunkSize:  s.chunkSize,
	})
	if err != nil {
		return err
	}
	buf := make([]byte, 8+len(raw))
	copy(buf, stateMagic)
	binary.BigEndian.PutUint32(buf[4:], uint32(len(raw)))
	copy(buf[8:], raw)

	if err := s.state.Truncate(0); err != nil {
		return err
	}
	if _, err := s.state.WriteAt(buf, 0); err != nil {
		return err
	}
	s.presentOff = int64(len(buf))
	// Materialize the presence array so per-chunk reads never hit EOF.
	if err := s.state.Truncate(s.presentOff + s.chunks); err != nil {
		return err
	}
	if err := s.state.Sync(); err != nil {
		return err
	}
	s.fresh = true
	return nil
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}
