// Package http provides an arcfs.Source backed by HTTP range requests.
//
// The source pins the object revision observed at construction time with
// an If-Match precondition on every subsequent request, so a replaced
// backing object surfaces as ErrVersionMismatch instead of silently mixing
// bytes from two revisions.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
)

// Sentinel errors used to classify remote failures.
var (
	// ErrNotFound is returned when the backing object does not exist.
	ErrNotFound = errors.New("arcfs/http: object not found")

	// ErrVersionMismatch is returned when the backing object no longer
	// matches the entity tag observed at construction time.
	ErrVersionMismatch = errors.New("arcfs/http: object version changed")

	// ErrTransient marks remote failures that a caller may retry:
	// transport errors and 5xx responses.
	ErrTransient = errors.New("arcfs/http: transient fetch failure")

	// ErrRangeUnsupported is returned when the remote ignores Range
	// headers and answers with a full-body 200.
	ErrRangeUnsupported = errors.New("arcfs/http: range requests not supported")
)

const metadataHeaderPrefix = "X-Amz-Meta-"

// Source implements random access reads via HTTP range requests.
// It satisfies arcfs.Source and arcfs.MetadataSource.
type Source struct {
	url      string
	client   *nethttp.Client
	headers  nethttp.Header
	size     int64
	etag     string
	metadata map[string]string
}

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(s *Source) {
		if headers == nil {
			return
		}
		s.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// S3URL builds the virtual-hosted URL for an object in an S3 bucket.
func S3URL(region, bucket, key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, region, strings.TrimPrefix(key, "/"))
}

// NewSource creates a Source backed by HTTP range requests.
// It probes the remote to determine the content size and entity tag.
func NewSource(ctx context.Context, url string, opts ...Option) (*Source, error) {
	s := &Source{
		url:    url,
		client: nethttp.DefaultClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}

	if err := s.probe(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Size returns the total size of the remote object.
func (s *Source) Size() int64 {
	return s.size
}

// ETag returns the entity tag observed at construction time.
func (s *Source) ETag() string {
	return s.etag
}

// SourceID returns a stable identity for this object revision.
func (s *Source) SourceID() string {
	return s.url + "@" + s.etag
}

// Metadata returns the object metadata entries attached to the backing
// object (x-amz-meta-* headers, keys lowercased without the prefix).
func (s *Source) Metadata() map[string]string {
	return s.metadata
}

// ReadRange returns a reader over [off, off+length) of the object.
//
// The request carries an If-Match precondition for the entity tag seen at
// construction; a 412 response surfaces as ErrVersionMismatch.
func (s *Source) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if length < 0 {
		return nil, fmt.Errorf("read range length %d: negative length", length)
	}
	if off < 0 {
		return nil, fmt.Errorf("read range %d: negative offset", off)
	}
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	if off >= s.size {
		return io.NopCloser(bytes.NewReader(nil)), io.EOF
	}
	if length > s.size-off {
		length = s.size - off
	}

	req, err := s.newRequest(ctx, nethttp.MethodGet)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+length-1))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == nethttp.StatusPartialContent:
		// ok
	case resp.StatusCode == nethttp.StatusPreconditionFailed:
		drain(resp)
		return nil, ErrVersionMismatch
	case resp.StatusCode == nethttp.StatusNotFound:
		drain(resp)
		return nil, ErrNotFound
	case resp.StatusCode == nethttp.StatusOK:
		drain(resp)
		return nil, ErrRangeUnsupported
	case resp.StatusCode >= 500:
		drain(resp)
		return nil, fmt.Errorf("%w: %s", ErrTransient, resp.Status)
	default:
		drain(resp)
		return nil, fmt.Errorf("range request failed: %s", resp.Status)
	}

	return &rangeReadCloser{
		body:   resp.Body,
		reader: io.LimitReader(resp.Body, length),
	}, nil
}

// probe determines size, entity tag, and attached metadata via a HEAD
// request, falling back to a one-byte range probe for servers that do not
// answer HEAD.
func (s *Source) probe(ctx context.Context) error {
	if resp, err := s.doHead(ctx); err == nil {
		defer drain(resp)
		switch {
		case resp.StatusCode == nethttp.StatusOK:
			if resp.ContentLength >= 0 {
				s.size = resp.ContentLength
				s.etag = resp.Header.Get("ETag")
				s.metadata = collectMetadata(resp.Header)
				return nil
			}
		case resp.StatusCode == nethttp.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: %s", ErrTransient, resp.Status)
		}
	}
	return s.rangeProbe(ctx)
}

func (s *Source) rangeProbe(ctx context.Context) error {
	req, err := s.newRequest(ctx, nethttp.MethodGet)
	if err != nil {
		return err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == nethttp.StatusPartialContent:
		// ok
	case resp.StatusCode == nethttp.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == nethttp.StatusOK:
		return ErrRangeUnsupported
	default:
		return fmt.Errorf("range probe failed: %s", resp.Status)
	}

	crange := resp.Header.Get("Content-Range")
	if crange == "" {
		return errors.New("range probe missing Content-Range")
	}
	size, err := parseContentRange(crange)
	if err != nil {
		return err
	}

	s.size = size
	s.etag = resp.Header.Get("ETag")
	s.metadata = collectMetadata(resp.Header)
	return nil
}

func (s *Source) doHead(ctx context.Context) (*nethttp.Response, error) {
	req, err := s.newRequest(ctx, nethttp.MethodHead)
	if err != nil {
		return nil, err
	}
	return s.client.Do(req)
}

func (s *Source) newRequest(ctx context.Context, method string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, method, s.url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	if method == nethttp.MethodGet && s.etag != "" && req.Header.Get("If-Match") == "" {
		req.Header.Set("If-Match", s.etag)
	}
	return req, nil
}

func collectMetadata(h nethttp.Header) map[string]string {
	var meta map[string]string
	for key, values := range h {
		if !strings.HasPrefix(key, metadataHeaderPrefix) || len(values) == 0 {
			continue
		}
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[strings.ToLower(strings.TrimPrefix(key, metadataHeaderPrefix))] = values[0]
	}
	return meta
}

func drain(resp *nethttp.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

type rangeReadCloser struct {
	body   io.ReadCloser
	reader io.Reader
}

func (r *rangeReadCloser) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

func (r *rangeReadCloser) Close() error {
	_, _ = io.Copy(io.Discard, r.body)
	return r.body.Close()
}

func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	parts := strings.SplitN(strings.TrimPrefix(value, "bytes "), "/", 2)
	if len(parts) != 2 || parts[1] == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return size, nil
}
