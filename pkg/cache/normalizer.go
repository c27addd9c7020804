package cache

import (
	"regexp"
	"strings"
)

// ContentNormalizer preprocesses request content before fingerprinting so
// that logically equivalent requests produce the same cache key.
type ContentNormalizer interface {
	Normalize(contentType, content string) string
}

// DefaultContentNormalizer implements the documented normalization:
// trim, whitespace collapse, case folding where the content type allows,
// and stripping of volatile fields such as timestamps and request IDs.
type DefaultContentNormalizer struct {
	whitespaceRegex *regexp.Regexp
	volatileRegexes []*regexp.Regexp
	caseSensitive   map[string]bool
}

// NewContentNormalizer creates a normalizer with default settings
func NewContentNormalizer() ContentNormalizer {
	return &DefaultContentNormalizer{
		whitespaceRegex: regexp.MustCompile(`\s+`),
		volatileRegexes: []*regexp.Regexp{
			// ISO-8601 timestamps
			regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})?`),
			// Unix epoch fields
			regexp.MustCompile(`(?i)"(?:timestamp|ts|epoch)"\s*:\s*\d+`),
			// Request/trace identifiers
			regexp.MustCompile(`(?i)"(?:request_id|trace_id|span_id|correlation_id)"\s*:\s*"[^"]*"`),
		},
		caseSensitive: map[string]bool{
			// Code-like content must not be case folded
			"code":      true,
			"embedding": true,
		},
	}
}

// NewContentNormalizerWithOptions creates a normalizer with explicit
// case-sensitivity per content type.
func NewContentNormalizerWithOptions(caseSensitive map[string]bool) ContentNormalizer {
	n := NewContentNormalizer().(*DefaultContentNormalizer)
	for ct, cs := range caseSensitive {
		n.caseSensitive[ct] = cs
	}
	return n
}

// Normalize processes content for consistent fingerprinting
func (n *DefaultContentNormalizer) Normalize(contentType, content string) string {
	if content == "" {
		return ""
	}

	normalized := content
	for _, re := range n.volatileRegexes {
		normalized = re.ReplaceAllString(normalized, "")
	}

	normalized = strings.TrimSpace(normalized)
	normalized = n.whitespaceRegex.ReplaceAllString(normalized, " ")

	if !n.caseSensitive[contentType] {
		normalized = strings.ToLower(normalized)
	}

	return normalized
}
