package sqfstest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// Range records one ReadRange call.
type Range struct {
	Off    int64
	Length int64
}

// StreamSource serves an in-memory image as a streaming ranged source,
// the shape archive-level and cache-level code consumes. It records
// every range request so tests can assert on fetch behavior.
type StreamSource struct {
	Data []byte
	ID   string

	// Err, when set, fails every subsequent ReadRange.
	Err error

	mu       sync.Mutex
	requests []Range
}

func (s *StreamSource) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	s.mu.Lock()
	s.requests = append(s.requests, Range{Off: off, Length: length})
	err := s.Err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if off < 0 || length < 0 || off+length > int64(len(s.Data)) {
		return nil, fmt.Errorf("range [%d, %d) outside %d byte source", off, off+length, len(s.Data))
	}
	return io.NopCloser(bytes.NewReader(s.Data[off : off+length])), nil
}

func (s *StreamSource) Size() int64 { return int64(len(s.Data)) }

func (s *StreamSource) SourceID() string {
	if s.ID == "" {
		return "sqfstest-image"
	}
	return s.ID
}

// Requests returns a copy of the recorded range requests.
func (s *StreamSource) Requests() []Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Range(nil), s.requests...)
}

// RequestCount returns how many range requests have been made.
func (s *StreamSource) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Fail makes every subsequent ReadRange return err.
func (s *StreamSource) Fail(err error) {
	s.mu.Lock()
	s.Err = err
	s.mu.Unlock()
}
