// Package resolver turns one site identifier into one validated icon,
// walking page markup, conventional locations and optional third-party
// providers under a bounded retry budget.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/icon-resolver/internal/identifier"
	"github.com/JakeFAU/icon-resolver/internal/metrics"
)

var (
	// ErrNotFound marks a fetch that the origin answered with 404 or 410.
	ErrNotFound = errors.New("resource not found")
	// ErrAttemptsExhausted is reported when the top-level retry budget runs out.
	ErrAttemptsExhausted = errors.New("resolution attempts exhausted")
	// ErrNoCandidate is reported when nothing fetched validates as an icon.
	ErrNoCandidate = errors.New("no candidate validated")
)

// Page is a fetched document decoded to UTF-8. URL is the location after
// redirects.
type Page struct {
	URL  *url.URL
	Body string
}

// Session fetches on behalf of a single resolution and owns its cookies.
type Session interface {
	FetchText(ctx context.Context, rawURL string) (Page, error)
	FetchBytes(ctx context.Context, rawURL string) ([]byte, error)
}

// Validator accepts or normalizes candidate icon bytes.
type Validator interface {
	Validate(data []byte, maxDimension int) ([]byte, error)
}

// DomainMapper maps Android package names to web domains.
type DomainMapper interface {
	DomainFor(pkg string) (string, bool)
}

// Status is the terminal state of a resolution.
type Status int

const (
	StatusSuccess Status = iota + 1
	StatusNotFound
	StatusTransientError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNotFound:
		return "not_found"
	case StatusTransientError:
		return "transient_error"
	default:
		return "unknown"
	}
}

// Mode selects the resolution strategy.
type Mode int

const (
	ModeDirect Mode = iota
	ModeWithFallback
	ModeCustomProvider
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeWithFallback:
		return "fallback"
	case ModeCustomProvider:
		return "custom"
	default:
		return "unknown"
	}
}

// ParseMode parses the names produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "direct":
		return ModeDirect, nil
	case "fallback":
		return ModeWithFallback, nil
	case "custom":
		return ModeCustomProvider, nil
	default:
		return ModeDirect, fmt.Errorf("unknown resolution mode %q", s)
	}
}

// Outcome is the terminal result of one resolution.
type Outcome struct {
	Status Status
	Icon   []byte
	// Source is the URL the accepted icon was fetched from.
	Source string
	Err    error
}

func success(icon []byte, source string) Outcome {
	return Outcome{Status: StatusSuccess, Icon: icon, Source: source}
}

func notFound(err error) Outcome {
	return Outcome{Status: StatusNotFound, Err: err}
}

func transient(err error) Outcome {
	return Outcome{Status: StatusTransientError, Err: err}
}

// Request describes one resolution.
type Request struct {
	Identifier string
	Mode       Mode
	// Template is the custom provider URL used by ModeCustomProvider.
	Template string
}

// Options wires a Resolver.
type Options struct {
	NewSession  func() (Session, error)
	Validator   Validator
	Mapper      DomainMapper
	Logger      *zap.Logger
	MaxIconSize int
	AutoPrefix  bool
	// Providers overrides the fallback provider list.
	Providers []Provider
}

// Resolver runs resolutions. It holds no per-run state and is safe for
// concurrent use.
type Resolver struct {
	newSession  func() (Session, error)
	validator   Validator
	mapper      DomainMapper
	logger      *zap.Logger
	maxIconSize int
	autoPrefix  bool
	providers   []Provider
}

// New validates opts and builds a Resolver.
func New(opts Options) (*Resolver, error) {
	if opts.NewSession == nil {
		return nil, errors.New("resolver requires a session factory")
	}
	if opts.Validator == nil {
		return nil, errors.New("resolver requires a validator")
	}
	if opts.Mapper == nil {
		return nil, errors.New("resolver requires a domain mapper")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	return &Resolver{
		newSession:  opts.NewSession,
		validator:   opts.Validator,
		mapper:      opts.Mapper,
		logger:      logger,
		maxIconSize: opts.MaxIconSize,
		autoPrefix:  opts.AutoPrefix,
		providers:   providers,
	}, nil
}

// Resolve runs one resolution to a terminal outcome. Failures are reported
// in the Outcome, never as a panic or error return.
func (r *Resolver) Resolve(ctx context.Context, req Request) Outcome {
	start := time.Now()
	metrics.IncInflight()
	defer metrics.DecInflight()

	out := r.resolve(ctx, req)
	metrics.ObserveResolution(req.Mode.String(), out.Status.String(), time.Since(start))

	fields := []zap.Field{
		zap.String("identifier", req.Identifier),
		zap.Stringer("mode", req.Mode),
		zap.Stringer("status", out.Status),
		zap.Duration("elapsed", time.Since(start)),
	}
	if out.Err != nil {
		fields = append(fields, zap.Error(out.Err))
	}
	if out.Source != "" {
		fields = append(fields, zap.String("source", out.Source))
	}
	r.logger.Debug("resolution finished", fields...)
	return out
}

func (r *Resolver) resolve(ctx context.Context, req Request) Outcome {
	id := r.classify(req)
	keyed := r.providerIdentifier(req, id)
	if keyed.Kind == identifier.KindUnresolvable {
		return notFound(identifier.ErrUnresolvable)
	}
	session, err := r.newSession()
	if err != nil {
		return transient(fmt.Errorf("open session: %w", err))
	}

	switch req.Mode {
	case ModeCustomProvider:
		return r.resolveCustom(ctx, session, keyed, req.Template)
	case ModeWithFallback:
		out := notFound(identifier.ErrUnresolvable)
		if id.Kind != identifier.KindUnresolvable {
			out = r.resolveDirect(ctx, session, id)
			if out.Status == StatusSuccess || ctx.Err() != nil {
				return out
			}
		}
		r.logger.Debug("primary resolution failed, trying providers",
			zap.String("identifier", req.Identifier), zap.Stringer("status", out.Status), zap.Error(out.Err))
		return r.resolveProviders(ctx, session, keyed)
	default:
		return r.resolveDirect(ctx, session, id)
	}
}

// classify applies the auto-prefix policy used for page fetches.
func (r *Resolver) classify(req Request) identifier.Identifier {
	return identifier.Classify(req.Identifier, identifier.Options{AutoPrefix: r.autoPrefix})
}

// providerIdentifier returns the identifier provider lookups are keyed by.
// Providers only need a host, so scheme-less input is accepted regardless of
// the auto-prefix policy.
func (r *Resolver) providerIdentifier(req Request, id identifier.Identifier) identifier.Identifier {
	if id.Kind != identifier.KindUnresolvable {
		return id
	}
	if req.Mode != ModeCustomProvider && req.Mode != ModeWithFallback {
		return id
	}
	return identifier.Classify(req.Identifier, identifier.Options{Forced: true})
}

// SiteHost returns the host req resolves against, or "" when the identifier
// does not classify. Android packages report their mapped domain.
func (r *Resolver) SiteHost(req Request) string {
	id := r.providerIdentifier(req, r.classify(req))
	if id.Kind == identifier.KindUnresolvable {
		return ""
	}
	host, _, _ := r.target(id)
	return host
}

// target derives the host and scheme providers are keyed by.
func (r *Resolver) target(id identifier.Identifier) (host, scheme string, ok bool) {
	if id.Kind == identifier.KindMobilePackage {
		domain, found := r.mapper.DomainFor(id.Package)
		if !found {
			return "", "", false
		}
		return domain, "https", true
	}
	host = id.Host()
	if host == "" {
		return "", "", false
	}
	// Bare hosts are keyed as http URLs.
	scheme = strings.ToLower(id.Scheme())
	if scheme != "http" && scheme != "https" {
		scheme = "http"
	}
	return host, scheme, true
}

func (r *Resolver) validate(data []byte) ([]byte, error) {
	icon, err := r.validator.Validate(data, r.maxIconSize)
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return icon, nil
}
