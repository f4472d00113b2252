// Package placeholder expands field references such as {TITLE}, {URL},
// {USERNAME} and {S:name} inside record fields.
package placeholder

import (
	"regexp"
	"strings"
)

// maxDepth bounds nested expansion so self-referencing fields terminate.
const maxDepth = 5

// Source exposes the fields of one record.
type Source interface {
	Field(name string) (string, bool)
}

var token = regexp.MustCompile(`(?i)\{(S:[^{}]+|TITLE|URL|USERNAME|NOTES)\}`)

// Expand replaces every known placeholder in raw with the field value from
// src. Unknown custom fields expand to the empty string; unrecognized tokens
// are left untouched.
func Expand(src Source, raw string) string {
	if src == nil || !strings.Contains(raw, "{") {
		return raw
	}
	out := raw
	for range maxDepth {
		next := token.ReplaceAllStringFunc(out, func(m string) string {
			name := m[1 : len(m)-1]
			if len(name) > 2 && strings.EqualFold(name[:2], "S:") {
				name = name[2:]
			}
			v, _ := src.Field(name)
			return v
		})
		if next == out {
			break
		}
		out = next
	}
	return out
}
