// Package collyfetcher retrieves pages and icon assets over HTTP using
// gocolly, one cookie jar per resolution session.
package collyfetcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/net/html/charset"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/icon-resolver/internal/metrics"
	"github.com/JakeFAU/icon-resolver/internal/policy/ratelimit"
	"github.com/JakeFAU/icon-resolver/internal/resolver"
)

const (
	// DefaultUserAgent presents the resolver as a desktop browser.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	defaultAccept = "text/html,application/xhtml+xml,application/xml;q=0.9," +
		"image/avif,image/webp,image/apng,*/*;q=0.8"
	defaultConnectTimeout = 15 * time.Second
	defaultMaxRedirects   = 10
	defaultMaxBodySize    = 10 * 1024 * 1024
)

// browserHeaders are sent with every request.
var browserHeaders = http.Header{
	"Accept":                    {defaultAccept},
	"Accept-Language":           {"en-US,en;q=0.9"},
	"Sec-Fetch-Dest":            {"document"},
	"Sec-Fetch-Mode":            {"navigate"},
	"Sec-Fetch-Site":            {"none"},
	"Sec-Fetch-User":            {"?1"},
	"Upgrade-Insecure-Requests": {"1"},
}

// HTTPError reports a response with a non-success status.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
}

// Is lets errors.Is(err, resolver.ErrNotFound) match gone and missing
// resources.
func (e *HTTPError) Is(target error) bool {
	return target == resolver.ErrNotFound &&
		(e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone)
}

// Config controls transport and collector behavior.
type Config struct {
	UserAgent         string
	ConnectTimeout    time.Duration
	ProxyURL          string
	AllowInvalidCerts bool
	MaxRedirects      int
	MaxBodySize       int
}

// Fetcher owns the connection pool shared by every session.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter *ratelimit.Limiter) (*Fetcher, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	base, err := newHTTPTransport(cfg)
	if err != nil {
		return nil, err
	}
	var transport http.RoundTripper = &decodingTransport{base: base}
	if limiter != nil {
		transport = &limitedTransport{base: transport, limiter: limiter}
	}
	return &Fetcher{cfg: cfg, transport: transport}, nil
}

// Session isolates cookies for one resolution. A Session is not safe for
// concurrent use.
type Session struct {
	fetcher *Fetcher
	jar     http.CookieJar
}

// NewSession returns a session with an empty cookie jar.
func (f *Fetcher) NewSession() (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Session{fetcher: f, jar: jar}, nil
}

type fetchResult struct {
	finalURL   *url.URL
	statusCode int
	headers    http.Header
	body       []byte
}

// FetchText retrieves rawURL and decodes the body using the declared or
// sniffed charset. Page.URL is the location after redirects.
func (s *Session) FetchText(ctx context.Context, rawURL string) (resolver.Page, error) {
	res, err := s.fetch(ctx, rawURL)
	if err != nil {
		return resolver.Page{}, err
	}
	contentType := res.headers.Get("Content-Type")
	// Colly already transcodes bodies whose header declares a charset.
	if strings.Contains(strings.ToLower(contentType), "charset") {
		return resolver.Page{URL: res.finalURL, Body: string(res.body)}, nil
	}
	reader, err := charset.NewReader(bytes.NewReader(res.body), contentType)
	if err != nil {
		return resolver.Page{URL: res.finalURL, Body: string(res.body)}, nil
	}
	text, err := io.ReadAll(reader)
	if err != nil {
		return resolver.Page{}, fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return resolver.Page{URL: res.finalURL, Body: string(text)}, nil
}

// FetchBytes retrieves rawURL verbatim. data: URLs are decoded locally.
func (s *Session) FetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	if isDataURL(rawURL) {
		return decodeDataURL(rawURL)
	}
	res, err := s.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return res.body, nil
}

func (s *Session) fetch(ctx context.Context, rawURL string) (fetchResult, error) {
	var (
		result   fetchResult
		fetchErr error
	)
	collector := s.buildCollector(ctx)
	s.fetcher.configureCollectorHooks(collector, &result, &fetchErr)

	err := s.fetcher.runCollector(ctx, collector, rawURL, &fetchErr)
	switch {
	case err != nil:
		outcome := "transport_error"
		if ctx.Err() != nil {
			outcome = "canceled"
		}
		metrics.ObserveFetch(rawURL, outcome, 0)
		return fetchResult{}, err
	case result.statusCode < 200 || result.statusCode > 299:
		httpErr := &HTTPError{URL: rawURL, StatusCode: result.statusCode}
		outcome := "http_error"
		if errors.Is(httpErr, resolver.ErrNotFound) {
			outcome = "not_found"
		}
		metrics.ObserveFetch(rawURL, outcome, 0)
		return fetchResult{}, httpErr
	}
	metrics.ObserveFetch(rawURL, "ok", len(result.body))
	return result, nil
}

func (s *Session) buildCollector(ctx context.Context) *colly.Collector {
	cfg := s.fetcher.cfg
	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(cfg.MaxBodySize),
		colly.UserAgent(cfg.UserAgent),
	)
	collector.WithTransport(&contextTransport{ctx: ctx, base: s.fetcher.transport})
	collector.SetCookieJar(s.jar)
	collector.SetRequestTimeout(3 * cfg.ConnectTimeout)
	maxRedirects := cfg.MaxRedirects
	collector.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	})
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	result *fetchResult,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range browserHeaders {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = fetchResult{
			statusCode: r.StatusCode,
			body:       append([]byte(nil), r.Body...),
		}
		if r.Headers != nil {
			result.headers = r.Headers.Clone()
		}
		if r.Request != nil {
			result.finalURL = r.Request.URL
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport(cfg Config) (*http.Transport, error) {
	proxy := http.ProxyFromEnvironment
	if strings.TrimSpace(cfg.ProxyURL) != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		proxy = http.ProxyURL(u)
	}
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			//nolint:gosec // opt-in via http.allow_invalid_certs
			InsecureSkipVerify: cfg.AllowInvalidCerts,
		},
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: 3 * cfg.ConnectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}, nil
}
