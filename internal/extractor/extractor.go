// Package extractor discovers and ranks icon candidates declared in an HTML
// document head.
package extractor

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Candidate is a ranked, not yet fetched icon location.
type Candidate struct {
	URL       *url.URL
	Priority  int
	Size      int
	MediaType string
}

// Base priorities per link relation.
const (
	priorityAppleTouch = 1000
	priorityIcon       = 500
	priorityMaskIcon   = 100
)

type fallback struct {
	path      string
	priority  int
	size      int
	mediaType string
}

// Conventional locations tried when markup declares nothing usable.
var fallbacks = []fallback{
	{path: "/favicon.ico", priority: 50, size: 16, mediaType: "image/x-icon"},
	{path: "/apple-touch-icon.png", priority: 200, size: 180, mediaType: "image/png"},
	{path: "/apple-touch-icon-precomposed.png", priority: 195, size: 180, mediaType: "image/png"},
	{path: "/favicon-32x32.png", priority: 150, size: 32, mediaType: "image/png"},
}

var (
	headTag     = regexp.MustCompile(`(?is)<head\b.*?>.*?</head>`)
	commentTag  = regexp.MustCompile(`(?s)<!--.*?-->`)
	scriptTag   = regexp.MustCompile(`(?is)<script\b.*?>.*?</script>`)
	styleTag    = regexp.MustCompile(`(?is)<style\b.*?>.*?</style>`)
	sizesToken  = regexp.MustCompile(`(?i)(\d+)x\d+`)
	hrefCleaner = strings.NewReplacer("\t", "", "\n", "", "\r", "")
	qualityHint = []string{"favicon-32x32", "favicon-96x96", "favicon-192x192"}
)

// Extract returns the icon candidates for markup fetched from base, ordered
// by priority descending with ties kept in discovery order. targetSize is
// the preferred icon dimension used to score sized icons.
func Extract(base *url.URL, markup string, targetSize int) []Candidate {
	var candidates []Candidate
	head, ok := isolateHead(markup)
	if ok {
		base, candidates = scanHead(base, head, targetSize)
	}
	for _, fb := range fallbacks {
		ref, err := url.Parse(fb.path)
		if err != nil || base == nil {
			continue
		}
		candidates = append(candidates, Candidate{
			URL:       base.ResolveReference(ref),
			Priority:  fb.priority,
			Size:      fb.size,
			MediaType: fb.mediaType,
		})
	}
	candidates = dedupe(candidates)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})
	return candidates
}

func isolateHead(markup string) (string, bool) {
	markup = commentTag.ReplaceAllString(markup, "")
	head := headTag.FindString(markup)
	if head == "" {
		return "", false
	}
	head = scriptTag.ReplaceAllString(head, "")
	head = styleTag.ReplaceAllString(head, "")
	return head, true
}

func scanHead(base *url.URL, head string, targetSize int) (*url.URL, []Candidate) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(head))
	if err != nil {
		return base, nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, ok := resolveHref(base, href); ok {
			base = resolved
		}
	}

	var candidates []Candidate
	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		resolved, ok := resolveHref(base, href)
		if !ok {
			return
		}
		size := parseSize(s.AttrOr("sizes", ""))
		mediaType := strings.ToLower(strings.TrimSpace(s.AttrOr("type", "")))
		if strings.Contains(mediaType, "svg") {
			return
		}
		priority, ok := score(s.AttrOr("rel", ""), cleanHref(href), size, targetSize)
		if !ok {
			return
		}
		candidates = append(candidates, Candidate{
			URL:       resolved,
			Priority:  priority,
			Size:      size,
			MediaType: mediaType,
		})
	})
	return base, candidates
}

// score ranks a link by relation; ok is false for unrecognized relations.
func score(rel, href string, size, targetSize int) (int, bool) {
	tokens := strings.Fields(strings.ToLower(rel))
	switch {
	case hasToken(tokens, "apple-touch-icon", "apple-touch-icon-precomposed"):
		priority := priorityAppleTouch
		switch {
		case size >= 180:
			priority += 200
		case size >= 152:
			priority += 150
		case size >= 120:
			priority += 100
		default:
			priority += size
		}
		return priority, true
	case hasToken(tokens, "icon"):
		priority := priorityIcon
		if size > 0 {
			if size >= targetSize {
				priority += 100 + (200 - abs(size-targetSize))
			} else {
				priority += size
			}
		}
		lower := strings.ToLower(href)
		switch {
		case strings.HasSuffix(lower, ".png"):
			priority += 50
		case strings.HasSuffix(lower, ".ico"):
			priority += 25
		}
		for _, hint := range qualityHint {
			if strings.Contains(href, hint) {
				priority += 75
				break
			}
		}
		return priority, true
	case hasToken(tokens, "mask-icon"):
		return priorityMaskIcon, true
	default:
		return 0, false
	}
}

// resolveHref resolves href against base and keeps data, http and https
// targets only.
func resolveHref(base *url.URL, href string) (*url.URL, bool) {
	ref, err := url.Parse(cleanHref(href))
	if err != nil {
		return nil, false
	}
	resolved := ref
	if base != nil {
		resolved = base.ResolveReference(ref)
	}
	switch strings.ToLower(resolved.Scheme) {
	case "data", "http", "https":
		return resolved, true
	default:
		return nil, false
	}
}

func cleanHref(href string) string {
	return hrefCleaner.Replace(strings.TrimSpace(href))
}

// parseSize returns the width of the first WxH token, or 0.
func parseSize(sizes string) int {
	m := sizesToken.FindStringSubmatch(sizes)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func dedupe(candidates []Candidate) []Candidate {
	seen := make(map[string]struct{}, len(candidates))
	out := candidates[:0]
	for _, c := range candidates {
		key := c.URL.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

func hasToken(tokens []string, want ...string) bool {
	for _, t := range tokens {
		for _, w := range want {
			if t == w {
				return true
			}
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
