package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/icon-resolver/internal/progress"
	"github.com/JakeFAU/icon-resolver/internal/resolver"
	"github.com/JakeFAU/icon-resolver/internal/storage/memory"
	"github.com/JakeFAU/icon-resolver/internal/store"
)

type fakeRecord struct {
	key      string
	url      string
	title    string
	iconHash string
}

func (r fakeRecord) Key() string             { return r.key }
func (r fakeRecord) ReadURLField() string    { return r.url }
func (r fakeRecord) ReadTitleField() string  { return r.title }
func (r fakeRecord) HasExistingIcon() bool   { return r.iconHash != "" }
func (r fakeRecord) CurrentIconHash() string { return r.iconHash }

type fakeResolver struct {
	outcomes map[string]resolver.Outcome
	calls    atomic.Int32
	started  chan string
	release  chan struct{}

	mu   sync.Mutex
	reqs []resolver.Request
}

func (f *fakeResolver) Resolve(_ context.Context, req resolver.Request) resolver.Outcome {
	f.calls.Add(1)
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- req.Identifier
	}
	if f.release != nil {
		<-f.release
	}
	if req.Identifier == "panic.example" {
		panic("boom")
	}
	if out, ok := f.outcomes[req.Identifier]; ok {
		return out
	}
	return resolver.Outcome{Status: resolver.StatusNotFound, Err: resolver.ErrNoCandidate}
}

func (f *fakeResolver) SiteHost(req resolver.Request) string {
	host := req.Identifier
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	return strings.SplitN(host, "/", 2)[0]
}

func (f *fakeResolver) requests() []resolver.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]resolver.Request(nil), f.reqs...)
}

type assignment struct {
	key  string
	hash string
}

type fakeCommitter struct {
	mu      sync.Mutex
	assigns []assignment
	fail    map[string]bool
}

func (c *fakeCommitter) AssignIcon(_ context.Context, key, hash string, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail[key] {
		return errors.New("store unavailable")
	}
	c.assigns = append(c.assigns, assignment{key: key, hash: hash})
	return nil
}

// richCommitter also implements Nameable and Timestamped.
type richCommitter struct {
	fakeCommitter
	names   map[string]string
	touched []string
}

func (c *richCommitter) SetIconName(_ context.Context, hash, name string) error {
	c.names[hash] = name
	return nil
}

func (c *richCommitter) Touch(_ context.Context, key string, _ time.Time) error {
	c.touched = append(c.touched, key)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (l *eventLog) Emit(evt progress.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) all() []progress.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]progress.Event(nil), l.events...)
}

func ok(icon string) resolver.Outcome {
	return resolver.Outcome{Status: resolver.StatusSuccess, Icon: []byte(icon), Source: "https://src/" + icon}
}

func newCoordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestRunDeduplicatesIdenticalIcons(t *testing.T) {
	t.Parallel()

	res := &fakeResolver{outcomes: map[string]resolver.Outcome{
		"https://a.example": ok("same-bytes"),
		"https://b.example": ok("same-bytes"),
	}}
	committer := &fakeCommitter{}
	records := make([]Record, 0, 10)
	records = append(records, fakeRecord{key: "a", url: "https://a.example"}, fakeRecord{key: "b", url: "https://b.example"})
	for i := range 8 {
		records = append(records, fakeRecord{key: fmt.Sprintf("n%d", i), url: fmt.Sprintf("https://none%d.example", i)})
	}

	c := newCoordinator(t, Options{Resolver: res, Committer: committer})
	result, err := c.Run(context.Background(), uuid.Nil, records, resolver.ModeDirect)
	require.NoError(t, err)

	require.NotEqual(t, uuid.Nil, result.BatchID)
	require.Len(t, result.Icons, 1)
	require.Equal(t, "yafd-a.example", result.Icons[0].Name)
	require.Equal(t, "https://src/same-bytes", result.Icons[0].Source)
	require.Equal(t, progress.Counts{Success: 2, NotFound: 8}, result.Counts)
	require.Equal(t, result.Items[0].IconHash, result.Items[1].IconHash)
	require.Len(t, committer.assigns, 2)
	require.Equal(t, 2, result.Changed)
	require.Equal(t, "Success: 2 / Skipped: 0 / Not Found: 8 / Error: 0", result.Summary())
}

func TestRunCancellationStopsScheduling(t *testing.T) {
	t.Parallel()

	outcomes := make(map[string]resolver.Outcome)
	records := make([]Record, 10)
	for i := range records {
		url := fmt.Sprintf("https://site%d.example", i)
		outcomes[url] = ok(fmt.Sprintf("icon-%d", i))
		records[i] = fakeRecord{key: fmt.Sprint(i), url: url}
	}
	res := &fakeResolver{
		outcomes: outcomes,
		started:  make(chan string, 10),
		release:  make(chan struct{}),
	}
	events := &eventLog{}
	c := newCoordinator(t, Options{
		Resolver:  res,
		Committer: &fakeCommitter{},
		Emitter:   events,
		Settings:  Settings{MaxConcurrency: 3},
	})

	ctx, cancel := context.WithCancel(context.Background())
	type runResult struct {
		res *Result
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		res, err := c.Run(ctx, uuid.New(), records, resolver.ModeDirect)
		done <- runResult{res: res, err: err}
	}()

	for range 3 {
		<-res.started
	}
	cancel()
	close(res.release)

	var result *Result
	select {
	case got := <-done:
		require.NoError(t, got.err)
		result = got.res
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish after cancellation")
	}

	require.EqualValues(t, 3, res.calls.Load())
	require.Equal(t, 3, result.Counts.Success)
	require.Equal(t, 7, result.Counts.Canceled)
	require.Len(t, result.Icons, 3)
	require.Equal(t, "Success: 3 / Skipped: 0 / Not Found: 0 / Error: 0 / Canceled: 7", result.Summary())

	all := events.all()
	last := all[len(all)-1]
	require.Equal(t, progress.StageBatchCanceled, last.Stage)
	require.Equal(t, 10, last.Completed)
}

func TestRunPolicies(t *testing.T) {
	t.Parallel()

	res := &fakeResolver{outcomes: map[string]resolver.Outcome{
		"https://url.example":  ok("url"),
		"http://title.example": ok("title"),
		"https://t.example/x":  ok("title-with-scheme"),
		"https://err.example":  {Status: resolver.StatusTransientError, Err: errors.New("dial tcp: timeout")},
		"https://lost.example": {Status: resolver.StatusNotFound, Err: resolver.ErrNoCandidate},
	}}
	records := []Record{
		fakeRecord{key: "existing", url: "https://url.example", iconHash: "old"},
		fakeRecord{key: "url", url: "https://url.example"},
		fakeRecord{key: "title", title: "title.example"},
		fakeRecord{key: "title-scheme", title: "https://t.example/x"},
		fakeRecord{key: "empty"},
		fakeRecord{key: "err", url: "https://err.example"},
		fakeRecord{key: "lost", url: "https://lost.example"},
		fakeRecord{key: "panic", url: "panic.example"},
	}
	c := newCoordinator(t, Options{
		Resolver:  res,
		Committer: &fakeCommitter{},
		Settings:  Settings{SkipExisting: true, UseTitle: true, UseFallback: true},
	})
	result, err := c.Run(context.Background(), uuid.New(), records, c.Settings().DefaultMode())
	require.NoError(t, err)

	want := []progress.Outcome{
		progress.OutcomeSkipped,
		progress.OutcomeSuccess,
		progress.OutcomeSuccess,
		progress.OutcomeSuccess,
		progress.OutcomeNotFound,
		progress.OutcomeError,
		progress.OutcomeNotFound,
		progress.OutcomeError,
	}
	for i, w := range want {
		require.Equal(t, w, result.Items[i].Outcome, records[i].Key())
	}
	require.ErrorIs(t, result.Items[4].Err, errNoURL)
	require.ErrorContains(t, result.Items[7].Err, "internal fault")
	require.Equal(t, progress.Counts{Success: 3, NotFound: 2, Error: 2, Skipped: 1}, result.Counts)

	var requested []string
	for _, req := range res.requests() {
		require.Equal(t, resolver.ModeWithFallback, req.Mode)
		requested = append(requested, req.Identifier)
	}
	require.Contains(t, requested, "http://title.example")
	require.Contains(t, requested, "https://t.example/x")
	require.NotContains(t, requested, "title.example")
	require.Equal(t, 1, countOf(requested, "https://url.example"))
}

func countOf(values []string, want string) int {
	n := 0
	for _, v := range values {
		if v == want {
			n++
		}
	}
	return n
}

func TestRunSkipsExistingBeforeScheduling(t *testing.T) {
	t.Parallel()

	res := &fakeResolver{outcomes: map[string]resolver.Outcome{"https://new.example": ok("new")}}
	records := []Record{
		fakeRecord{key: "kept", url: "https://kept.example", iconHash: "old"},
		fakeRecord{key: "new", url: "https://new.example"},
	}
	c := newCoordinator(t, Options{
		Resolver:  res,
		Committer: &fakeCommitter{},
		Settings:  Settings{SkipExisting: true},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := c.Run(ctx, uuid.New(), records, resolver.ModeDirect)
	require.NoError(t, err)

	require.Equal(t, progress.OutcomeSkipped, result.Items[0].Outcome)
	require.Equal(t, progress.OutcomeCanceled, result.Items[1].Outcome)
	require.Equal(t, progress.Counts{Skipped: 1, Canceled: 1}, result.Counts)
	require.Empty(t, res.requests())
}

func TestRunExpandsPlaceholders(t *testing.T) {
	t.Parallel()

	res := &fakeResolver{outcomes: map[string]resolver.Outcome{
		"https://shop.example/login": ok("shop"),
	}}
	entry := store.Entry{ID: "e1", URL: "https://{S:host}/login", Fields: map[string]string{"host": "shop.example"}}
	c := newCoordinator(t, Options{Resolver: res, Committer: &fakeCommitter{}})
	result, err := c.Run(context.Background(), uuid.New(), []Record{entry}, resolver.ModeDirect)
	require.NoError(t, err)
	require.Equal(t, progress.OutcomeSuccess, result.Items[0].Outcome)
	require.Equal(t, "https://shop.example/login", result.Items[0].Identifier)
	require.Equal(t, "yafd-shop.example", result.Icons[0].Name)
}

func TestCommitCapabilities(t *testing.T) {
	t.Parallel()

	res := &fakeResolver{outcomes: map[string]resolver.Outcome{
		"https://a.example": ok("shared"),
		"https://b.example": ok("shared"),
		"https://c.example": ok("unchanged"),
	}}
	c0 := newCoordinator(t, Options{Resolver: res, Committer: &fakeCommitter{}})
	unchangedHash, err := c0.hasher.Hash([]byte("unchanged"))
	require.NoError(t, err)

	committer := &richCommitter{names: map[string]string{}}
	blobs := memory.NewBlobStore()
	c := newCoordinator(t, Options{
		Resolver:  res,
		Committer: committer,
		Exporter:  blobs,
		Settings: Settings{
			UpdateLastModified: true,
			IconNamePrefix:     "icon-",
			ExportPrefix:       "exports",
		},
	})
	records := []Record{
		fakeRecord{key: "a", url: "https://a.example"},
		fakeRecord{key: "b", url: "https://b.example"},
		fakeRecord{key: "c", url: "https://c.example", iconHash: unchangedHash},
	}
	result, err := c.Run(context.Background(), uuid.New(), records, resolver.ModeDirect)
	require.NoError(t, err)

	require.Len(t, result.Icons, 2)
	require.Equal(t, 2, result.Changed)
	require.Equal(t, []assignment{
		{key: "a", hash: result.Icons[0].Hash},
		{key: "b", hash: result.Icons[0].Hash},
	}, committer.assigns)
	require.Equal(t, map[string]string{result.Icons[0].Hash: "icon-a.example"}, committer.names)
	require.Equal(t, []string{"a", "b"}, committer.touched)

	require.Len(t, blobs.Paths(), 2)
	for _, icon := range result.Icons {
		require.Equal(t, "memory://exports/"+icon.Hash+".png", icon.URI)
	}
}

func TestRunReportsCommitFailures(t *testing.T) {
	t.Parallel()

	res := &fakeResolver{outcomes: map[string]resolver.Outcome{"https://a.example": ok("a")}}
	events := &eventLog{}
	c := newCoordinator(t, Options{
		Resolver:  res,
		Committer: &fakeCommitter{fail: map[string]bool{"a": true}},
		Emitter:   events,
	})
	result, err := c.Run(context.Background(), uuid.New(), []Record{fakeRecord{key: "a", url: "https://a.example"}}, resolver.ModeDirect)
	require.Error(t, err)
	require.Zero(t, result.Changed)
	require.ErrorContains(t, result.Items[0].Err, "assign icon")

	all := events.all()
	require.Equal(t, progress.StageBatchError, all[len(all)-1].Stage)
}

func TestRunEmitsMonotonicProgress(t *testing.T) {
	t.Parallel()

	outcomes := map[string]resolver.Outcome{}
	records := make([]Record, 25)
	for i := range records {
		url := fmt.Sprintf("https://p%d.example", i)
		if i%2 == 0 {
			outcomes[url] = ok(url)
		}
		records[i] = fakeRecord{key: fmt.Sprint(i), url: url}
	}
	events := &eventLog{}
	c := newCoordinator(t, Options{
		Resolver:  &fakeResolver{outcomes: outcomes},
		Committer: &fakeCommitter{},
		Emitter:   events,
		Settings:  Settings{MaxConcurrency: 4},
	})
	batchID := uuid.New()
	_, err := c.Run(context.Background(), batchID, records, resolver.ModeDirect)
	require.NoError(t, err)

	all := events.all()
	require.Equal(t, progress.StageBatchStart, all[0].Stage)
	require.Equal(t, progress.StageBatchDone, all[len(all)-1].Stage)
	prev := 0
	for _, evt := range all {
		require.NoError(t, evt.Validate())
		require.Equal(t, batchID, evt.BatchUUID())
		require.Equal(t, 25, evt.Total)
		require.GreaterOrEqual(t, evt.Completed, prev)
		require.Equal(t, evt.Completed, evt.Counts.Total())
		prev = evt.Completed
	}
	require.Equal(t, 25, prev)

	snap := ProgressOf(all[len(all)-2])
	require.Equal(t, 0, snap.Remaining)
}

func TestRunEmptyBatch(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, Options{Resolver: &fakeResolver{}, Committer: &fakeCommitter{}})
	result, err := c.Run(context.Background(), uuid.New(), nil, resolver.ModeDirect)
	require.NoError(t, err)
	require.Empty(t, result.Items)
	require.Equal(t, "Success: 0 / Skipped: 0 / Not Found: 0 / Error: 0", result.Summary())
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Committer: &fakeCommitter{}})
	require.Error(t, err)
	_, err = New(Options{Resolver: &fakeResolver{}})
	require.Error(t, err)
}

func TestDefaultMode(t *testing.T) {
	t.Parallel()

	require.Equal(t, resolver.ModeDirect, Settings{}.DefaultMode())
	require.Equal(t, resolver.ModeWithFallback, Settings{UseFallback: true}.DefaultMode())
	require.Equal(t, resolver.ModeCustomProvider,
		Settings{UseFallback: true, CustomTemplate: "https://x/{URL:HOST}"}.DefaultMode())
}

func TestProgressOf(t *testing.T) {
	t.Parallel()

	p := ProgressOf(progress.Event{Completed: 3, Total: 10, Counts: progress.Counts{Success: 3}})
	require.Equal(t, Progress{Completed: 3, Total: 10, Remaining: 7, Counts: progress.Counts{Success: 3}}, p)
}
