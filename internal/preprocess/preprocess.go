// Package preprocess sanitizes raw operator text and extracts the literal
// structured candidates (HTTP methods, URLs, header lines, JSON blocks) that
// seed the rest of the pipeline. Preprocessing never fails: malformed input
// degrades to weaker or empty extraction, not to an error.
package preprocess

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/normanking/loadspec/internal/spec"
)

// DefaultMaxInputLength caps input size. Longer input is truncated, never
// rejected.
const DefaultMaxInputLength = 10000

var (
	methodRe = regexp.MustCompile(`(?i)\b(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS)\b`)
	urlRe    = regexp.MustCompile(`https?://[^\s"'<>\)\]]+`)
	// Root-relative paths like /api/users, but not bare "/" or JSON escapes.
	relPathRe = regexp.MustCompile(`(?:^|\s)(/[A-Za-z0-9_\-./]{2,})`)
	headerRe  = regexp.MustCompile(`(?m)^\s*([A-Za-z][A-Za-z0-9\-]*):\s*(\S[^\r\n]*)$`)
)

// headerBlocklist filters header-shaped prose lines ("Note: blah") that are
// not plausible HTTP headers.
var knownHeaderPrefixes = []string{
	"authorization", "content-", "accept", "x-", "user-agent", "cookie",
	"cache-", "host", "origin", "referer", "api-key", "bearer",
}

// Preprocessor holds the (small) configuration of the extraction stage.
type Preprocessor struct {
	maxLength int
}

// New creates a Preprocessor. maxLength <= 0 selects the default cap.
func New(maxLength int) *Preprocessor {
	if maxLength <= 0 {
		maxLength = DefaultMaxInputLength
	}
	return &Preprocessor{maxLength: maxLength}
}

// Sanitize normalizes whitespace, strips control characters and enforces the
// length cap.
func (p *Preprocessor) Sanitize(input string) string {
	if len(input) > p.maxLength {
		cut := p.maxLength
		// Back up to a rune boundary so the cap never splits a multibyte
		// character.
		for cut > 0 && !utf8.RuneStart(input[cut]) {
			cut--
		}
		input = input[:cut]
	}
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case unicode.IsControl(r):
			// drop
		default:
			b.WriteRune(r)
		}
	}
	// Collapse runs of spaces while keeping newlines, which header and raw
	// HTTP extraction depend on.
	lines := strings.Split(b.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Extract pulls literal structured candidates out of sanitized input.
func (p *Preprocessor) Extract(cleaned string) spec.StructuredData {
	data := spec.StructuredData{Headers: map[string]string{}}

	for _, m := range methodRe.FindAllString(cleaned, -1) {
		data.Methods = appendUnique(data.Methods, strings.ToUpper(m))
	}

	for _, u := range urlRe.FindAllString(cleaned, -1) {
		data.URLs = appendUnique(data.URLs, strings.TrimRight(u, ".,;"))
	}
	for _, m := range relPathRe.FindAllStringSubmatch(cleaned, -1) {
		path := m[1]
		if !containedInAny(path, data.URLs) {
			data.URLs = appendUnique(data.URLs, path)
		}
	}

	for _, m := range headerRe.FindAllStringSubmatch(cleaned, -1) {
		name, value := m[1], strings.TrimSpace(m[2])
		if looksLikeHeader(name) {
			data.Headers[http1CanonicalKey(name)] = value
		}
	}

	data.JSONBlocks = ExtractJSONBlocks(cleaned)
	return data
}

// Run sanitizes and extracts in one step.
func (p *Preprocessor) Run(input string) (cleaned string, data spec.StructuredData) {
	cleaned = p.Sanitize(input)
	return cleaned, p.Extract(cleaned)
}

// ExtractJSONBlocks returns the top-level brace-matched {...} substrings of
// the input, in order of appearance. Matching is string- and escape-aware so
// nested objects and braces inside string literals do not confuse it. Blocks
// that fail json.Valid are still returned when they look like JSON (quoted
// key followed by a colon); the classifier downgrades their confidence.
func ExtractJSONBlocks(input string) []string {
	var blocks []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, r := range input {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					block := input[start : i+1]
					if json.Valid([]byte(block)) || looksLikeJSON(block) {
						blocks = append(blocks, block)
					}
					start = -1
				}
			}
		}
	}
	return blocks
}

// looksLikeJSON reports whether a brace-matched block that failed strict
// parsing still resembles a JSON object worth keeping at low confidence.
var jsonKeyRe = regexp.MustCompile(`["'][\w\-]+["']?\s*:`)

func looksLikeJSON(block string) bool {
	return jsonKeyRe.MatchString(block)
}

func looksLikeHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range knownHeaderPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// http1CanonicalKey title-cases header names the way net/http renders them.
func http1CanonicalKey(name string) string {
	parts := strings.Split(strings.ToLower(name), "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func containedInAny(path string, urls []string) bool {
	for _, u := range urls {
		if strings.Contains(u, path) {
			return true
		}
	}
	return false
}
