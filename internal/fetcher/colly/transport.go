package collyfetcher

import (
	"bufio"
	"compress/flate"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/JakeFAU/icon-resolver/internal/policy/ratelimit"
)

// contextTransport binds every request issued by one collector to the
// caller's context so cancellation aborts in-flight I/O.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("context transport received nil request")
	}
	resp, err := t.base.RoundTrip(req.WithContext(t.ctx))
	if err != nil {
		return nil, fmt.Errorf("context transport roundtrip: %w", err)
	}
	return resp, nil
}

// limitedTransport waits on the per-host limiter before each hop, redirects
// included.
type limitedTransport struct {
	base    http.RoundTripper
	limiter *ratelimit.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context(), req.URL.String()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

// decodingTransport advertises gzip and deflate and inflates deflate bodies.
// Colly inflates gzip itself.
type decodingTransport struct {
	base http.RoundTripper
}

func (t *decodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Body = req.Body
	if clone.Header.Get("Accept-Encoding") == "" {
		clone.Header.Set("Accept-Encoding", "gzip, deflate")
	}
	resp, err := t.base.RoundTrip(clone)
	if err != nil {
		return nil, err //nolint:wrapcheck // surfaced by contextTransport
	}
	if !strings.EqualFold(strings.TrimSpace(resp.Header.Get("Content-Encoding")), "deflate") {
		return resp, nil
	}
	body, err := inflate(resp.Body)
	if err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("inflate response: %w", err)
	}
	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return resp, nil
}

// inflate accepts both zlib-wrapped and raw deflate streams; servers send
// either under the same Content-Encoding.
func inflate(body io.ReadCloser) (io.ReadCloser, error) {
	br := bufio.NewReader(body)
	header, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(header) == 2 && header[0]&0x0f == 8 && (uint16(header[0])<<8|uint16(header[1]))%31 == 0 {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, err
		}
		return &readCloser{Reader: zr, closers: []io.Closer{zr, body}}, nil
	}
	fr := flate.NewReader(br)
	return &readCloser{Reader: fr, closers: []io.Closer{fr, body}}, nil
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloser) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
