// Package sanitize cleans untrusted HTML and text before it is stored.
package sanitize

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer cleans untrusted markup.
type Sanitizer interface {
	// Clean returns HTML safe to render, keeping basic formatting.
	Clean(raw string) string
	// Text strips all markup and returns HTML-escaped text.
	Text(raw string) string
}

// Policy is a bluemonday-backed Sanitizer.
type Policy struct {
	ugc    *bluemonday.Policy
	strict *bluemonday.Policy
}

// New returns the default sanitizer: user-generated-content rules for HTML,
// with links forced to nofollow and opened in a new tab.
func New() *Policy {
	ugc := bluemonday.UGCPolicy()
	ugc.RequireNoFollowOnLinks(true)
	ugc.AddTargetBlankToFullyQualifiedLinks(true)
	return &Policy{ugc: ugc, strict: bluemonday.StrictPolicy()}
}

func (p *Policy) Clean(raw string) string {
	return strings.TrimSpace(p.ugc.Sanitize(raw))
}

// Text strips all tags. The result stays HTML-escaped ("&amp;", "&lt;") so
// it is safe to render as-is; escaped markup in the input is never turned
// back into tags.
func (p *Policy) Text(raw string) string {
	return strings.TrimSpace(p.strict.Sanitize(raw))
}

// OptionalHTML cleans *raw with s, returning nil when the result is empty.
func OptionalHTML(s Sanitizer, raw *string) *string {
	if raw == nil {
		return nil
	}
	out := s.Clean(*raw)
	if out == "" {
		return nil
	}
	return &out
}
