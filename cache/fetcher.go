package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Source provides ranged access to the remote object backing a store.
type Source interface {
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)
	Size() int64
}

// DefaultMaxFetchChunks caps how many adjacent absent chunks are coalesced
// into a single remote range request.
const DefaultMaxFetchChunks = 16

// Fetcher populates a Store from a Source one aligned chunk at a time.
//
// For a requested byte range it claims the absent covering chunks,
// coalesces adjacent claims into single remote requests, and waits on
// chunks already being fetched by other callers — so across arbitrary
// concurrent overlapping reads, each chunk is transferred at most once.
// Remote failures abort the affected claims and surface to the caller;
// the engine never retries on its own.
type Fetcher struct {
	store          *Store
	src            Source
	maxFetchChunks int
	logger         *slog.Logger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithMaxFetchChunks caps chunks per coalesced remote request.
// Values <= 0 restore the default.
func WithMaxFetchChunks(n int) FetcherOption {
	return func(f *Fetcher) {
		f.maxFetchChunks = n
	}
}

// WithFetcherLogger sets the logger used for fetch events.
func WithFetcherLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// NewFetcher creates a Fetcher reading from src into store.
func NewFetcher(store *Store, src Source, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		store:          store,
		src:            src,
		maxFetchChunks: DefaultMaxFetchChunks,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(f)
	}
	if f.maxFetchChunks <= 0 {
		f.maxFetchChunks = DefaultMaxFetchChunks
	}
	return f
}

// Size returns the logical size of the backing object.
func (f *Fetcher) Size() int64 {
	return f.store.ObjectSize()
}

// Store returns the sparse store the fetcher populates.
func (f *Fetcher) Store() *Store {
	return f.store
}

// ReadRange returns the bytes in [off, off+length), fetching any chunks
// not yet present in the store.
func (f *Fetcher) ReadRange(ctx context.Context, off, length int64) ([]byte, error) {
	if err := f.Ensure(ctx, off, length); err != nil {
		return nil, err
	}
	return f.store.Read(off, length)
}

// Ensure makes all chunks covering [off, off+length) present without
// returning their bytes. A zero-length range fetches nothing.
func (f *Fetcher) Ensure(ctx context.Context, off, length int64) error {
	if off < 0 || length < 0 || off+length > f.store.ObjectSize() {
		return fmt.Errorf("cache: range [%d,%d) outside object of %d bytes", off, off+length, f.store.ObjectSize())
	}
	if length == 0 {
		return nil
	}

	first := off / f.store.ChunkSize()
	last := (off + length - 1) / f.store.ChunkSize()
	for {
		var tokens []*Token
		var waiting []int64
		for index := first; index <= last; index++ {
			state, err := f.store.ChunkState(index)
			if err != nil {
				f.abort(tokens)
				return err
			}
			if state == StatePresent {
				continue
			}
			tok, err := f.store.BeginFetch(ctx, index)
			switch {
			case err == nil:
				tokens = append(tokens, tok)
			case errors.Is(err, ErrChunkPresent):
				// resolved while we were claiming
			case errors.Is(err, ErrAlreadyFetching):
				waiting = append(waiting, index)
			default:
				f.abort(tokens)
				return err
			}
		}

		if len(tokens) == 0 && len(waiting) == 0 {
			return nil
		}
		if len(tokens) > 0 {
			if err := f.fetchTokens(ctx, tokens); err != nil {
				return err
			}
		}
		for _, index := range waiting {
			if _, err := f.store.WaitChunk(ctx, index); err != nil {
				return err
			}
		}
		if len(waiting) == 0 {
			return nil
		}
		// A waited-on fetch may have aborted; re-classify and claim what
		// is still absent. Each pass either completes the range or takes
		// ownership of the remaining chunks, so the loop terminates.
	}
}

func (f *Fetcher) abort(tokens []*Token) {
	for _, tok := range tokens {
		f.store.AbortFetch(tok)
	}
}

// fetchTokens transfers the claimed chunks, one remote request per run of
// adjacent indices. The transfers are detached from ctx: if the caller
// goes away they still settle every claim (commit or abort), because
// other callers may be waiting on the same chunks.
func (f *Fetcher) fetchTokens(ctx context.Context, tokens []*Token) error {
	runs := splitRuns(tokens, f.maxFetchChunks)
	detached := context.WithoutCancel(ctx)

	var g errgroup.Group
	for _, run := range runs {
		g.Go(func() error {
			return f.fetchRun(detached, run)
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fetchRun issues one remote request covering a run of adjacent chunks
// and commits each chunk as its bytes arrive.
func (f *Fetcher) fetchRun(ctx context.Context, run []*Token) error {
	start := run[0].Index() * f.store.ChunkSize()
	var length int64
	for _, tok := range run {
		length += f.store.ChunkLen(tok.Index())
	}
	f.log().Debug("fetching range", "offset", start, "length", length, "chunks", len(run))

	rc, err := f.src.ReadRange(ctx, start, length)
	if err != nil {
		f.abort(run)
		return err
	}
	defer rc.Close()

	for i, tok := range run {
		b := make([]byte, f.store.ChunkLen(tok.Index()))
		if _, err := io.ReadFull(rc, b); err != nil {
			f.abort(run[i:])
			return fmt.Errorf("cache: fetch chunk %d: %w", tok.Index(), err)
		}
		if err := f.store.CommitFetch(tok, b); err != nil {
			f.abort(run[i+1:])
			return err
		}
	}
	return nil
}

// splitRuns groups tokens (already ordered by index) into runs of
// adjacent chunk indices, capped at maxLen chunks per run.
func splitRuns(tokens []*Token, maxLen int) [][]*Token {
	var runs [][]*Token
	for len(tokens) > 0 {
		end := 1
		for end < len(tokens) && end < maxLen && tokens[end].Index() == tokens[end-1].Index()+1 {
			end++
		}
		runs = append(runs, tokens[:end])
		tokens = tokens[end:]
	}
	return runs
}

func (f *Fetcher) log() *slog.Logger {
	if f.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return f.logger
}
