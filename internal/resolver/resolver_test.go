package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/icon-resolver/internal/identifier"
)

var (
	errRefused = errors.New("connection refused")
	errMissing = fmt.Errorf("HTTP 404: %w", ErrNotFound)
	errServer  = errors.New("HTTP 500")
	errInvalid = errors.New("not an icon")
)

type fakeResponse struct {
	body     string
	finalURL string
	err      error
}

// fakeSession serves canned pages and assets; unknown URLs fail with a
// transport error for pages and a 404 for assets.
type fakeSession struct {
	mu     sync.Mutex
	pages  map[string]fakeResponse
	assets map[string]fakeResponse
	calls  []string
}

func (f *fakeSession) FetchText(_ context.Context, rawURL string) (Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "page "+rawURL)
	f.mu.Unlock()
	resp, ok := f.pages[rawURL]
	if !ok {
		return Page{}, errRefused
	}
	if resp.err != nil {
		return Page{}, resp.err
	}
	final := rawURL
	if resp.finalURL != "" {
		final = resp.finalURL
	}
	u, err := url.Parse(final)
	if err != nil {
		return Page{}, err
	}
	return Page{URL: u, Body: resp.body}, nil
}

func (f *fakeSession) FetchBytes(_ context.Context, rawURL string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "asset "+rawURL)
	f.mu.Unlock()
	resp, ok := f.assets[rawURL]
	if !ok {
		return nil, errMissing
	}
	if resp.err != nil {
		return nil, resp.err
	}
	return []byte(resp.body), nil
}

func (f *fakeSession) pageCalls() []string {
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, "page ") {
			out = append(out, strings.TrimPrefix(c, "page "))
		}
	}
	return out
}

// fakeValidator accepts payloads starting with "icon:".
type fakeValidator struct{}

func (fakeValidator) Validate(data []byte, _ int) ([]byte, error) {
	if !strings.HasPrefix(string(data), "icon:") {
		return nil, errInvalid
	}
	return data, nil
}

type fakeMapper map[string]string

func (m fakeMapper) DomainFor(pkg string) (string, bool) {
	d, ok := m[strings.ToLower(pkg)]
	return d, ok
}

func newResolver(t *testing.T, session *fakeSession, autoPrefix bool) *Resolver {
	t.Helper()
	r, err := New(Options{
		NewSession:  func() (Session, error) { return session, nil },
		Validator:   fakeValidator{},
		Mapper:      fakeMapper{"com.example.app": "example.com"},
		MaxIconSize: 128,
		AutoPrefix:  autoPrefix,
	})
	require.NoError(t, err)
	return r
}

const iconHead = `<html><head><link rel="icon" href="/i.png"></head></html>`

func TestResolveDeclaredIcon(t *testing.T) {
	t.Parallel()

	s := &fakeSession{
		pages:  map[string]fakeResponse{"https://example.com": {body: iconHead, finalURL: "https://www.example.com/"}},
		assets: map[string]fakeResponse{"https://www.example.com/i.png": {body: "icon:declared"}},
	}
	out := newResolver(t, s, false).Resolve(context.Background(), Request{Identifier: "https://example.com"})

	require.Equal(t, StatusSuccess, out.Status)
	require.Equal(t, "icon:declared", string(out.Icon))
	require.Equal(t, "https://www.example.com/i.png", out.Source)
}

func TestResolveSkipsFailingCandidates(t *testing.T) {
	t.Parallel()

	s := &fakeSession{
		pages: map[string]fakeResponse{"https://example.com": {body: `<head>
<link rel="apple-touch-icon" href="/broken.png">
<link rel="icon" href="/garbage.png">
</head>`}},
		assets: map[string]fakeResponse{
			"https://example.com/broken.png":  {err: errServer},
			"https://example.com/garbage.png": {body: "<html>"},
			"https://example.com/favicon.ico": {body: "icon:ico"},
		},
	}
	out := newResolver(t, s, false).Resolve(context.Background(), Request{Identifier: "https://example.com"})

	require.Equal(t, StatusSuccess, out.Status)
	require.Equal(t, "https://example.com/favicon.ico", out.Source)
}

func TestResolveBareHostSwapsToHTTP(t *testing.T) {
	t.Parallel()

	s := &fakeSession{
		pages:  map[string]fakeResponse{"http://example.com": {body: iconHead}},
		assets: map[string]fakeResponse{"http://example.com/i.png": {body: "icon:plain"}},
	}
	out := newResolver(t, s, true).Resolve(context.Background(), Request{Identifier: "example.com"})

	require.Equal(t, StatusSuccess, out.Status)
	require.Equal(t, []string{"https://example.com", "http://example.com"}, s.pageCalls())
}

func TestResolveBareHostRejectedWithoutPolicy(t *testing.T) {
	t.Parallel()

	s := &fakeSession{}
	out := newResolver(t, s, false).Resolve(context.Background(), Request{Identifier: "example.com"})
	require.Equal(t, StatusNotFound, out.Status)
	require.ErrorIs(t, out.Err, identifier.ErrUnresolvable)
	require.Empty(t, s.calls)
}

func TestResolveProviderModesAcceptBareHost(t *testing.T) {
	t.Parallel()

	t.Run("custom", func(t *testing.T) {
		t.Parallel()

		source := "https://icons.example.net/example.com?s=http"
		s := &fakeSession{assets: map[string]fakeResponse{source: {body: "icon:custom"}}}
		out := newResolver(t, s, false).Resolve(context.Background(), Request{
			Identifier: "Example.com",
			Mode:       ModeCustomProvider,
			Template:   "https://icons.example.net/{URL:HOST}?s={URL:SCM}",
		})

		require.Equal(t, StatusSuccess, out.Status)
		require.Equal(t, source, out.Source)
		require.Equal(t, []string{"asset " + source}, s.calls)
	})

	t.Run("fallback", func(t *testing.T) {
		t.Parallel()

		source := "https://icons.duckduckgo.com/ip3/example.com.ico"
		s := &fakeSession{assets: map[string]fakeResponse{source: {body: "icon:ddg"}}}
		out := newResolver(t, s, false).Resolve(context.Background(), Request{
			Identifier: "example.com",
			Mode:       ModeWithFallback,
		})

		require.Equal(t, StatusSuccess, out.Status)
		require.Equal(t, source, out.Source)
		require.Empty(t, s.pageCalls())
	})

	t.Run("fallback keys google by http", func(t *testing.T) {
		t.Parallel()

		s := &fakeSession{}
		out := newResolver(t, s, false).Resolve(context.Background(), Request{
			Identifier: "example.com",
			Mode:       ModeWithFallback,
		})

		require.Equal(t, StatusNotFound, out.Status)
		require.Contains(t, s.calls, "asset https://www.google.com/s2/favicons?domain=http://example.com&sz=128")
	})

	t.Run("garbage stays unresolvable", func(t *testing.T) {
		t.Parallel()

		s := &fakeSession{}
		out := newResolver(t, s, false).Resolve(context.Background(), Request{
			Identifier: "not a host",
			Mode:       ModeWithFallback,
		})

		require.Equal(t, StatusNotFound, out.Status)
		require.ErrorIs(t, out.Err, identifier.ErrUnresolvable)
		require.Empty(t, s.calls)
	})
}

func TestResolveNotFoundIsNotRetried(t *testing.T) {
	t.Parallel()

	s := &fakeSession{pages: map[string]fakeResponse{"https://example.com/a": {err: errMissing}}}
	out := newResolver(t, s, true).Resolve(context.Background(), Request{Identifier: "example.com/a"})

	require.Equal(t, StatusNotFound, out.Status)
	require.ErrorIs(t, out.Err, ErrNotFound)
	require.Equal(t, []string{"https://example.com/a"}, s.pageCalls())
}

func TestResolveExplicitSchemeNotSwapped(t *testing.T) {
	t.Parallel()

	s := &fakeSession{}
	out := newResolver(t, s, true).Resolve(context.Background(), Request{Identifier: "https://down.example"})

	require.Equal(t, StatusTransientError, out.Status)
	require.ErrorIs(t, out.Err, errRefused)
	require.Equal(t, []string{"https://down.example"}, s.pageCalls())
}

func TestResolveStripsPathBeforeGivingUp(t *testing.T) {
	t.Parallel()

	s := &fakeSession{
		pages: map[string]fakeResponse{
			"https://example.com/deep/page?x=1": {body: "<head></head>"},
			"https://example.com":               {body: `<head><link rel="icon" href="/root.png"></head>`},
		},
		assets: map[string]fakeResponse{"https://example.com/root.png": {body: "icon:root"}},
	}
	out := newResolver(t, s, false).Resolve(context.Background(), Request{Identifier: "https://example.com/deep/page?x=1"})

	require.Equal(t, StatusSuccess, out.Status)
	require.Equal(t, "https://example.com/root.png", out.Source)
	require.Equal(t, []string{"https://example.com/deep/page?x=1", "https://example.com"}, s.pageCalls())
}

func TestResolveRootWithoutCandidatesIsNotFound(t *testing.T) {
	t.Parallel()

	s := &fakeSession{pages: map[string]fakeResponse{"https://example.com/": {body: "<head></head>"}}}
	out := newResolver(t, s, false).Resolve(context.Background(), Request{Identifier: "https://example.com/"})

	require.Equal(t, StatusNotFound, out.Status)
	require.ErrorIs(t, out.Err, ErrNoCandidate)
	require.Len(t, s.pageCalls(), 1)
}

func TestResolveSwapAndStripStayWithinBudget(t *testing.T) {
	t.Parallel()

	s := &fakeSession{pages: map[string]fakeResponse{
		"https://example.com/a": {body: "<head></head>"},
		"http://example.com/a":  {body: "<head></head>"},
		"http://example.com":    {body: "<head></head>"},
	}}
	out := newResolver(t, s, true).Resolve(context.Background(), Request{Identifier: "example.com/a"})

	require.Equal(t, StatusNotFound, out.Status)
	require.Equal(t, []string{
		"https://example.com/a",
		"https://example.com",
		"http://example.com/a",
		"http://example.com",
	}, s.pageCalls())
}

func TestFetchPageEnforcesAttemptCap(t *testing.T) {
	t.Parallel()

	r := newResolver(t, &fakeSession{}, true)
	run := &directRun{r: r, session: &fakeSession{}, current: "https://example.com", attempts: maxAttempts}
	require.Equal(t, stateDone, run.step(context.Background(), stateFetchingPage))
	require.Equal(t, StatusTransientError, run.outcome.Status)
	require.ErrorIs(t, run.outcome.Err, ErrAttemptsExhausted)
}

func TestResolveAndroidPackage(t *testing.T) {
	t.Parallel()

	s := &fakeSession{
		pages:  map[string]fakeResponse{"https://example.com": {body: iconHead}},
		assets: map[string]fakeResponse{"https://example.com/i.png": {body: "icon:app"}},
	}
	r := newResolver(t, s, false)
	out := r.Resolve(context.Background(), Request{Identifier: "androidapp://com.Example.App"})
	require.Equal(t, StatusSuccess, out.Status)

	s.calls = nil
	out = r.Resolve(context.Background(), Request{Identifier: "androidapp://xx"})
	require.Equal(t, StatusNotFound, out.Status)
	require.Empty(t, s.calls)
}

func TestResolveFallbackProviders(t *testing.T) {
	t.Parallel()

	google := "https://www.google.com/s2/favicons?domain=https://example.com&sz=128"
	s := &fakeSession{
		pages: map[string]fakeResponse{"https://example.com": {err: errMissing}},
		assets: map[string]fakeResponse{
			"https://icons.duckduckgo.com/ip3/example.com.ico": {body: "tiny"},
			google: {body: "icon:google"},
		},
	}
	out := newResolver(t, s, false).Resolve(context.Background(), Request{
		Identifier: "https://Example.com",
		Mode:       ModeWithFallback,
	})

	require.Equal(t, StatusSuccess, out.Status)
	require.Equal(t, google, out.Source)
	require.NotContains(t, s.calls, "asset https://icon.horse/icon/example.com")
}

func TestResolveFallbackExhausted(t *testing.T) {
	t.Parallel()

	s := &fakeSession{}
	out := newResolver(t, s, false).Resolve(context.Background(), Request{
		Identifier: "androidapp://com.example.app",
		Mode:       ModeWithFallback,
	})

	require.Equal(t, StatusNotFound, out.Status)
	require.Contains(t, s.calls, "asset https://favicon.yandex.net/favicon/example.com")
	require.Contains(t, s.calls, "asset https://www.google.com/s2/favicons?domain=https://example.com&sz=128")
}

func TestResolveCustomProvider(t *testing.T) {
	t.Parallel()

	const template = "https://icons.example.net/{url:host}?s={URL:SCM}&size={Yafd:Icon_Size}"
	tests := []struct {
		name       string
		identifier string
		asset      fakeResponse
		wantURL    string
		wantStatus Status
	}{
		{
			name:       "success",
			identifier: "http://shop.example.com/cart",
			asset:      fakeResponse{body: "icon:custom"},
			wantURL:    "https://icons.example.net/shop.example.com?s=http&size=128",
			wantStatus: StatusSuccess,
		},
		{
			name:       "android",
			identifier: "androidapp://com.example.app",
			asset:      fakeResponse{body: "icon:custom"},
			wantURL:    "https://icons.example.net/example.com?s=https&size=128",
			wantStatus: StatusSuccess,
		},
		{
			name:       "missing",
			identifier: "https://example.com",
			asset:      fakeResponse{err: errMissing},
			wantURL:    "https://icons.example.net/example.com?s=https&size=128",
			wantStatus: StatusNotFound,
		},
		{
			name:       "server error",
			identifier: "https://example.com",
			asset:      fakeResponse{err: errServer},
			wantURL:    "https://icons.example.net/example.com?s=https&size=128",
			wantStatus: StatusTransientError,
		},
		{
			name:       "invalid image",
			identifier: "https://example.com",
			asset:      fakeResponse{body: "<html>"},
			wantURL:    "https://icons.example.net/example.com?s=https&size=128",
			wantStatus: StatusNotFound,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := &fakeSession{assets: map[string]fakeResponse{tc.wantURL: tc.asset}}
			out := newResolver(t, s, false).Resolve(context.Background(), Request{
				Identifier: tc.identifier,
				Mode:       ModeCustomProvider,
				Template:   template,
			})
			require.Equal(t, tc.wantStatus, out.Status)
			require.Equal(t, []string{"asset " + tc.wantURL}, s.calls)
		})
	}
}

func TestResolveHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &fakeSession{}
	out := newResolver(t, s, false).Resolve(ctx, Request{Identifier: "https://example.com", Mode: ModeWithFallback})

	require.Equal(t, StatusTransientError, out.Status)
	require.ErrorIs(t, out.Err, context.Canceled)
	require.Empty(t, s.calls)
}

func TestResolveSessionFailureIsTransient(t *testing.T) {
	t.Parallel()

	r, err := New(Options{
		NewSession: func() (Session, error) { return nil, errors.New("jar") },
		Validator:  fakeValidator{},
		Mapper:     fakeMapper{},
	})
	require.NoError(t, err)
	out := r.Resolve(context.Background(), Request{Identifier: "https://example.com"})
	require.Equal(t, StatusTransientError, out.Status)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{NewSession: func() (Session, error) { return nil, nil }})
	require.Error(t, err)
	_, err = New(Options{NewSession: func() (Session, error) { return nil, nil }, Validator: fakeValidator{}})
	require.Error(t, err)
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for _, m := range []Mode{ModeDirect, ModeWithFallback, ModeCustomProvider} {
		got, err := ParseMode(strings.ToUpper(m.String()))
		require.NoError(t, err)
		require.Equal(t, m, got)
	}
	_, err := ParseMode("sideways")
	require.Error(t, err)
}

func TestExpandTemplate(t *testing.T) {
	t.Parallel()

	got := ExpandTemplate("{URL:SCM}://{url:host}/{URL:HOST}/{YAFD:ICON_SIZE}/{OTHER}", "a.example", "https", 64)
	require.Equal(t, "https://a.example/a.example/64/{OTHER}", got)
}

func TestSiteHost(t *testing.T) {
	t.Parallel()

	r := newResolver(t, &fakeSession{}, false)
	require.Equal(t, "example.com", r.SiteHost(Request{Identifier: "androidapp://com.example.app"}))
	require.Equal(t, "www.example.org", r.SiteHost(Request{Identifier: "https://WWW.Example.org/login"}))
	require.Equal(t, "", r.SiteHost(Request{Identifier: "example.net"}))
	require.Equal(t, "example.net", r.SiteHost(Request{Identifier: "example.net", Mode: ModeCustomProvider}))
	require.Equal(t, "example.net", r.SiteHost(Request{Identifier: "example.net", Mode: ModeWithFallback}))
	require.Equal(t, "", r.SiteHost(Request{Identifier: "androidapp://unknown"}))
}
