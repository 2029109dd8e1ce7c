// Package markup converts model output to sanitized HTML for notes and HTML
// fields, and flattens stored HTML back to plain text.
package markup

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

var (
	markdown = goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Footnote,
			admonitionExtension{},
		),
		goldmark.WithParserOptions(parser.WithAttribute()),
		goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
	)

	ugcPolicy   = newUGCPolicy()
	stripPolicy = bluemonday.StrictPolicy()

	breakTags  = regexp.MustCompile(`(?i)<\s*(br\s*/?|/p|/div|/li|/tr|/h[1-6])\s*>`)
	whitespace = regexp.MustCompile(`\s+`)
)

func newUGCPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("div", "span", "section", "sup", "hr")
	p.AllowAttrs("class", "id").Globally()
	return p
}

// ToHTML renders markdown to HTML safe to store on a record. Empty input
// yields an empty string.
func ToHTML(src string) (string, error) {
	if strings.TrimSpace(src) == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(stripFrontMatter(src)), &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return ugcPolicy.Sanitize(buf.String()), nil
}

// ToText strips all markup from an HTML fragment and collapses whitespace.
func ToText(fragment string) string {
	if fragment == "" {
		return ""
	}
	s := breakTags.ReplaceAllString(fragment, " ")
	s = html.UnescapeString(stripPolicy.Sanitize(s))
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

func stripFrontMatter(src string) string {
	normalized := strings.ReplaceAll(src, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return src
	}
	rest := normalized[len("---\n"):]
	for offset := 0; offset < len(rest); {
		end := strings.IndexByte(rest[offset:], '\n')
		line := rest[offset:]
		if end >= 0 {
			line = rest[offset : offset+end]
		}
		if strings.TrimRight(line, " \t") == "---" {
			if end < 0 {
				return ""
			}
			return rest[offset+end+1:]
		}
		if end < 0 {
			break
		}
		offset += end + 1
	}
	return src
}
