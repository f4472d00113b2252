package resolver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/icon-resolver/internal/identifier"
)

// Provider is a third-party icon service keyed by host.
type Provider struct {
	Name string
	URL  func(host, scheme string) string
}

// DefaultProviders returns the fallback services in the order they are
// consulted.
func DefaultProviders() []Provider {
	return []Provider{
		{Name: "duckduckgo", URL: func(host, _ string) string {
			return "https://icons.duckduckgo.com/ip3/" + host + ".ico"
		}},
		{Name: "google", URL: func(host, scheme string) string {
			return "https://www.google.com/s2/favicons?domain=" + scheme + "://" + host + "&sz=128"
		}},
		{Name: "iconhorse", URL: func(host, _ string) string {
			return "https://icon.horse/icon/" + host
		}},
		{Name: "yandex", URL: func(host, _ string) string {
			return "https://favicon.yandex.net/favicon/" + host
		}},
	}
}

func (r *Resolver) resolveProviders(ctx context.Context, session Session, id identifier.Identifier) Outcome {
	host, scheme, ok := r.target(id)
	if !ok {
		return notFound(fmt.Errorf("no host for %q", id.Raw))
	}
	for _, p := range r.providers {
		if ctx.Err() != nil {
			return transient(fmt.Errorf("resolution canceled: %w", ctx.Err()))
		}
		source := p.URL(host, scheme)
		data, err := session.FetchBytes(ctx, source)
		if err != nil {
			r.logger.Debug("provider fetch failed", zap.String("provider", p.Name), zap.Error(err))
			continue
		}
		icon, err := r.validate(data)
		if err != nil {
			r.logger.Debug("provider icon rejected", zap.String("provider", p.Name), zap.Error(err))
			continue
		}
		return success(icon, source)
	}
	return notFound(ErrNoCandidate)
}

var (
	hostToken = regexp.MustCompile(`(?i)\{URL:HOST\}`)
	scmToken  = regexp.MustCompile(`(?i)\{URL:SCM\}`)
	sizeToken = regexp.MustCompile(`(?i)\{YAFD:ICON_SIZE\}`)
)

// ExpandTemplate fills the host, scheme and icon size tokens of a custom
// provider template.
func ExpandTemplate(template, host, scheme string, iconSize int) string {
	out := hostToken.ReplaceAllLiteralString(template, host)
	out = scmToken.ReplaceAllLiteralString(out, scheme)
	return sizeToken.ReplaceAllLiteralString(out, strconv.Itoa(iconSize))
}

// resolveCustom fetches exactly one templated URL with no retries.
func (r *Resolver) resolveCustom(ctx context.Context, session Session, id identifier.Identifier, template string) Outcome {
	if template == "" {
		return notFound(errors.New("custom provider template is empty"))
	}
	host, scheme, ok := r.target(id)
	if !ok {
		return notFound(fmt.Errorf("no host for %q", id.Raw))
	}
	source := ExpandTemplate(template, host, scheme, r.maxIconSize)
	data, err := session.FetchBytes(ctx, source)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return notFound(err)
		}
		return transient(fmt.Errorf("fetch %s: %w", source, err))
	}
	icon, err := r.validate(data)
	if err != nil {
		return notFound(err)
	}
	return success(icon, source)
}
