package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/icon-resolver/internal/extractor"
	"github.com/JakeFAU/icon-resolver/internal/identifier"
)

// maxAttempts caps top-level page fetches: the original URL, one path-strip
// and up to two scheme swaps.
const maxAttempts = 4

type state int

const (
	stateClassified state = iota
	stateFetchingPage
	stateRanking
	stateFetchingAsset
	stateRetrying
	stateDone
)

func (s state) String() string {
	switch s {
	case stateClassified:
		return "classified"
	case stateFetchingPage:
		return "fetching_page"
	case stateRanking:
		return "ranking"
	case stateFetchingAsset:
		return "fetching_asset"
	case stateRetrying:
		return "retrying"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// directRun is the state of one primary resolution.
type directRun struct {
	r       *Resolver
	session Session
	id      identifier.Identifier

	// origin is the input before any scheme was added.
	origin    string
	hasScheme bool
	current   string
	attempts  int

	page       Page
	candidates []extractor.Candidate
	outcome    Outcome
}

func (r *Resolver) resolveDirect(ctx context.Context, session Session, id identifier.Identifier) Outcome {
	run := &directRun{r: r, session: session, id: id}
	for s := stateClassified; s != stateDone; {
		if err := ctx.Err(); err != nil {
			return transient(fmt.Errorf("resolution canceled: %w", err))
		}
		r.logger.Debug("resolver state",
			zap.String("identifier", id.Raw),
			zap.Stringer("state", s),
			zap.String("url", run.current),
			zap.Int("attempt", run.attempts))
		s = run.step(ctx, s)
	}
	return run.outcome
}

func (d *directRun) step(ctx context.Context, s state) state {
	switch s {
	case stateClassified:
		return d.classified()
	case stateFetchingPage:
		return d.fetchPage(ctx)
	case stateRanking:
		return d.rank()
	case stateFetchingAsset:
		return d.fetchAssets(ctx)
	case stateRetrying:
		return d.retry()
	default:
		d.outcome = transient(fmt.Errorf("unexpected resolver state %d", s))
		return stateDone
	}
}

func (d *directRun) finish(out Outcome) state {
	d.outcome = out
	return stateDone
}

// classified fixes the starting URL. Mapped Android domains and bare hosts
// default to https.
func (d *directRun) classified() state {
	switch d.id.Kind {
	case identifier.KindMobilePackage:
		domain, ok := d.r.mapper.DomainFor(d.id.Package)
		if !ok {
			return d.finish(notFound(fmt.Errorf("no domain for package %q", d.id.Package)))
		}
		d.origin = domain
		d.current = "https://" + domain
	case identifier.KindWebURL:
		d.origin = d.id.Raw
		d.hasScheme = true
		d.current = d.id.Raw
	case identifier.KindBareHost:
		d.origin = d.id.Raw
		current, err := d.id.WithScheme("https")
		if err != nil {
			return d.finish(notFound(err))
		}
		d.current = current
	default:
		return d.finish(notFound(identifier.ErrUnresolvable))
	}
	return stateFetchingPage
}

func (d *directRun) fetchPage(ctx context.Context) state {
	d.attempts++
	if d.attempts > maxAttempts {
		return d.finish(transient(fmt.Errorf("%w after %d attempts", ErrAttemptsExhausted, maxAttempts)))
	}
	page, err := d.session.FetchText(ctx, d.current)
	if err == nil {
		d.page = page
		return stateRanking
	}
	if errors.Is(err, ErrNotFound) {
		return d.finish(notFound(err))
	}
	if !d.hasScheme && strings.HasPrefix(strings.ToLower(d.current), "https://") {
		d.r.logger.Debug("page fetch failed over https, retrying over http",
			zap.String("url", d.current), zap.Error(err))
		d.current = "http://" + d.origin
		return stateFetchingPage
	}
	return d.finish(transient(fmt.Errorf("fetch page %s: %w", d.current, err)))
}

func (d *directRun) rank() state {
	base := d.page.URL
	if base == nil {
		parsed, err := url.Parse(d.current)
		if err != nil {
			return d.finish(notFound(fmt.Errorf("parse %s: %w", d.current, err)))
		}
		base = parsed
	}
	d.candidates = extractor.Extract(base, d.page.Body, d.r.maxIconSize)
	return stateFetchingAsset
}

// fetchAssets tries candidates in priority order. Failed candidates are
// skipped, not retried.
func (d *directRun) fetchAssets(ctx context.Context) state {
	for _, c := range d.candidates {
		if ctx.Err() != nil {
			return d.finish(transient(fmt.Errorf("resolution canceled: %w", ctx.Err())))
		}
		source := c.URL.String()
		data, err := d.session.FetchBytes(ctx, source)
		if err != nil {
			d.r.logger.Debug("candidate fetch failed", zap.String("candidate", source), zap.Error(err))
			continue
		}
		icon, err := d.r.validate(data)
		if err != nil {
			d.r.logger.Debug("candidate rejected", zap.String("candidate", source), zap.Error(err))
			continue
		}
		return d.finish(success(icon, source))
	}
	return stateRetrying
}

// retry strips the path and query once the candidates of a non-root page
// are exhausted.
func (d *directRun) retry() state {
	u, err := url.Parse(d.current)
	if err != nil || u.Host == "" {
		return d.finish(notFound(ErrNoCandidate))
	}
	if isRoot(u) {
		return d.finish(notFound(ErrNoCandidate))
	}
	d.current = u.Scheme + "://" + u.Host
	return stateFetchingPage
}

func isRoot(u *url.URL) bool {
	return (u.Path == "" || u.Path == "/") && u.RawQuery == ""
}
