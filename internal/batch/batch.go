// Package batch resolves icons for many records at once. A Coordinator fans
// one resolution per record out over a bounded worker pool, aggregates
// outcomes, and after every worker has joined commits the deduplicated icons
// to the record store on a single goroutine.
package batch

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/icon-resolver/internal/placeholder"
	"github.com/JakeFAU/icon-resolver/internal/resolver"
)

// Record is one entry whose URL or title names a site.
type Record interface {
	Key() string
	ReadURLField() string
	ReadTitleField() string
	HasExistingIcon() bool
}

// IconHasher is implemented by records that know the hash of their current
// icon, letting the commit step skip no-op reassignments.
type IconHasher interface {
	CurrentIconHash() string
}

// Resolver runs a single resolution.
type Resolver interface {
	Resolve(ctx context.Context, req resolver.Request) resolver.Outcome
	SiteHost(req resolver.Request) string
}

// PlaceholderResolver substitutes field placeholders in a raw record field.
type PlaceholderResolver interface {
	Resolve(rec Record, raw string) string
}

// PlaceholderFunc adapts a function to PlaceholderResolver.
type PlaceholderFunc func(rec Record, raw string) string

// Resolve calls f.
func (f PlaceholderFunc) Resolve(rec Record, raw string) string {
	return f(rec, raw)
}

// FieldPlaceholders expands placeholders for records that expose their
// fields, and returns other input unchanged.
var FieldPlaceholders = PlaceholderFunc(func(rec Record, raw string) string {
	src, ok := rec.(placeholder.Source)
	if !ok {
		return raw
	}
	return placeholder.Expand(src, raw)
})

// Committer associates a resolved icon with a record.
type Committer interface {
	AssignIcon(ctx context.Context, key, hash string, data []byte) error
}

// Nameable is implemented by committers that can label stored icons.
type Nameable interface {
	SetIconName(ctx context.Context, hash, name string) error
}

// Timestamped is implemented by committers that track record modification
// times.
type Timestamped interface {
	Touch(ctx context.Context, key string, at time.Time) error
}

// Hasher digests icon bytes.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Exporter writes unique icons to a blob store.
type Exporter interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock supplies commit timestamps.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints batch IDs.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// DefaultIconNamePrefix prefixes the names of committed icons.
const DefaultIconNamePrefix = "yafd-"

// Settings carries the typed policy knobs of a batch.
type Settings struct {
	SkipExisting       bool
	UseTitle           bool
	UpdateLastModified bool
	// MaxConcurrency caps in-flight resolutions; 0 runs one per record.
	MaxConcurrency int
	IconNamePrefix string
	CustomTemplate string
	UseFallback    bool
	// ExportPrefix is the object prefix for exported icons.
	ExportPrefix string
}

// DefaultMode picks custom, fallback or direct resolution from the settings.
func (s Settings) DefaultMode() resolver.Mode {
	switch {
	case strings.TrimSpace(s.CustomTemplate) != "":
		return resolver.ModeCustomProvider
	case s.UseFallback:
		return resolver.ModeWithFallback
	default:
		return resolver.ModeDirect
	}
}
