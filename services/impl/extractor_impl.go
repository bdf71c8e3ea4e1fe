package impl

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/ragserve/services"
)

// PlainTextExtractor converts plain-text and markdown uploads into
// page-tagged text. Binary formats need their own PageExtractor; this
// one rejects them as unsupported rather than guessing at the bytes.
type PlainTextExtractor struct{}

// NewPlainTextExtractor creates a new plain text extractor
func NewPlainTextExtractor() *PlainTextExtractor {
	return &PlainTextExtractor{}
}

var supportedTextTypes = map[string]bool{
	"text/plain":    true,
	"text/markdown": true,
	".txt":          true,
	".md":           true,
	".markdown":     true,
}

var (
	spaceRunRegex = regexp.MustCompile(" +")
	blankRunRegex = regexp.MustCompile(`\n\s*\n`)
)

// Extract splits the document into pages and normalizes the text of each.
// Pages are delimited by form-feed characters and numbered from 1; pages
// left empty after normalization are skipped but keep their number so
// citations still line up with the source document.
func (e *PlainTextExtractor) Extract(blob []byte, declaredType string) ([]services.Page, error) {
	kind := canonicalDocumentType(declaredType)
	if !supportedTextTypes[kind] {
		return nil, services.NewError(services.KindUnsupportedFormat,
			fmt.Sprintf("unsupported document type %q", declaredType))
	}
	if len(blob) == 0 {
		return nil, services.NewError(services.KindCorruptInput, "document is empty")
	}
	if !utf8.Valid(blob) {
		return nil, services.NewError(services.KindCorruptInput, "document is not valid UTF-8 text")
	}

	raw := strings.ReplaceAll(string(blob), "\r\n", "\n")

	var pages []services.Page
	for i, pageText := range strings.Split(raw, "\f") {
		cleaned := normalizeText(pageText)
		if cleaned == "" {
			continue
		}
		pages = append(pages, services.Page{Number: i + 1, Text: cleaned})
	}
	if len(pages) == 0 {
		return nil, services.NewError(services.KindCorruptInput, "document contains no extractable text")
	}
	return pages, nil
}

// canonicalDocumentType lowercases the declared type and strips MIME
// parameters, so "text/plain; charset=utf-8" and ".TXT" both resolve.
func canonicalDocumentType(declaredType string) string {
	kind := strings.ToLower(strings.TrimSpace(declaredType))
	if idx := strings.IndexByte(kind, ';'); idx >= 0 {
		kind = strings.TrimSpace(kind[:idx])
	}
	return kind
}

// normalizeText applies NFC normalization and collapses the whitespace
// noise common in extracted documents: tabs become spaces, control
// characters other than newline are dropped along with NUL and BOM,
// space runs collapse to one space, blank-line runs to one blank line,
// and every line is trimmed.
func normalizeText(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\uFEFF", "")
	text = strings.ReplaceAll(text, "\t", " ")

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	text = b.String()

	text = spaceRunRegex.ReplaceAllString(text, " ")
	text = blankRunRegex.ReplaceAllString(text, "\n\n")

	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
