// Package identifier classifies site identifiers and maps Android package
// names to web domains.
package identifier

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// ErrUnresolvable is returned when an input cannot name a site.
var ErrUnresolvable = errors.New("identifier is unresolvable")

// Kind labels the shape of a classified identifier.
type Kind string

// Supported identifier kinds.
const (
	KindUnresolvable  Kind = "unresolvable"
	KindWebURL        Kind = "web_url"
	KindBareHost      Kind = "bare_host"
	KindMobilePackage Kind = "mobile_package"
)

// Identifier is an immutable, classified site identifier.
type Identifier struct {
	// Raw is the trimmed input string.
	Raw string
	// Kind is the classification result.
	Kind Kind
	// URL is set for KindWebURL (as given) and KindBareHost (scheme-less,
	// parsed with a placeholder scheme so Host and Path are populated).
	URL *url.URL
	// Package is the Android package name for KindMobilePackage.
	Package string
}

// Options carries the prefix policy used by Classify.
type Options struct {
	// AutoPrefix permits scheme-less inputs to be treated as bare hosts.
	AutoPrefix bool
	// Forced accepts scheme-less inputs regardless of AutoPrefix. Callers set
	// it for mapped Android domains and title-field fallbacks.
	Forced bool
}

var (
	androidSchema = regexp.MustCompile(`(?i)^androidapp://([a-zA-Z0-9_.]+)`)
	httpSchema    = regexp.MustCompile(`(?i)^https?://.+`)
)

// Classify inspects input and returns its Identifier.
func Classify(input string, opts Options) Identifier {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Identifier{Raw: raw, Kind: KindUnresolvable}
	}
	if m := androidSchema.FindStringSubmatch(raw); m != nil {
		return Identifier{Raw: raw, Kind: KindMobilePackage, Package: m[1]}
	}
	if httpSchema.MatchString(raw) {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			return Identifier{Raw: raw, Kind: KindUnresolvable}
		}
		return Identifier{Raw: raw, Kind: KindWebURL, URL: u}
	}
	if !opts.AutoPrefix && !opts.Forced {
		return Identifier{Raw: raw, Kind: KindUnresolvable}
	}
	if strings.Contains(raw, "://") {
		return Identifier{Raw: raw, Kind: KindUnresolvable}
	}
	u, err := url.Parse("http://" + raw)
	if err != nil || u.Hostname() == "" {
		return Identifier{Raw: raw, Kind: KindUnresolvable}
	}
	u.Scheme = ""
	return Identifier{Raw: raw, Kind: KindBareHost, URL: u}
}

// HasScheme reports whether the input carried an explicit http(s) scheme.
func (id Identifier) HasScheme() bool {
	return id.Kind == KindWebURL
}

// WithScheme renders the identifier as an absolute URL. Web URLs are returned
// unchanged; bare hosts get scheme prepended to the raw input.
func (id Identifier) WithScheme(scheme string) (string, error) {
	switch id.Kind {
	case KindWebURL:
		return id.Raw, nil
	case KindBareHost:
		return scheme + "://" + id.Raw, nil
	default:
		return "", ErrUnresolvable
	}
}

// Host returns the lower-cased host name, or "" when there is none.
func (id Identifier) Host() string {
	if id.URL == nil {
		return ""
	}
	return strings.ToLower(id.URL.Hostname())
}

// Scheme returns the explicit scheme of a web URL, or "" otherwise.
func (id Identifier) Scheme() string {
	if id.Kind != KindWebURL {
		return ""
	}
	return strings.ToLower(id.URL.Scheme)
}
