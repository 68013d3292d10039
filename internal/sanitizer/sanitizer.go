// Package sanitizer applies a stateless pre-write filter to every
// MemoryItem before it reaches a storage.Backend: secret redaction, an
// injection heuristic, tag normalization, and content-length caps
// (spec.md §4.3), in the idiom of the teacher's size-cap validation in
// its sqlite store and MycelicMemory's tag-normalization helper.
package sanitizer

import (
	"regexp"
	"strings"

	"github.com/cortexmem/engine/pkg/errs"
	"github.com/cortexmem/engine/pkg/types"
)

// Config tunes the sanitizer's caps and pattern sets.
type Config struct {
	MaxContentBytes int
	MaxTagLength    int
	MaxTags         int

	// RedactPatterns are applied in order; any match is replaced with
	// RedactPlaceholder. Defaults cover API keys, bearer tokens, and
	// private-key PEM headers.
	RedactPatterns []*regexp.Regexp
	RedactPlaceholder string

	// InjectionPatterns flag content suspected of targeting the agent
	// rather than describing something to remember. Any match rejects
	// the write.
	InjectionPatterns []*regexp.Regexp
}

var defaultRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(sk|pk|api)[-_][a-zA-Z0-9]{16,}\b`),
	regexp.MustCompile(`(?i)\bbearer\s+[a-zA-Z0-9._-]{16,}\b`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)\b[a-zA-Z0-9_-]*\.ey[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`), // JWT-shaped
}

var defaultInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore ((all|previous|prior) )+instructions`),
	regexp.MustCompile(`(?i)you are now (in|a) (developer|debug|unrestricted) mode`),
	regexp.MustCompile(`(?i)disregard (your|the) (system|safety) prompt`),
}

// DefaultConfig returns the spec.md §4.3 defaults.
func DefaultConfig() Config {
	return Config{
		MaxContentBytes:   32 * 1024,
		MaxTagLength:      64,
		MaxTags:           32,
		RedactPatterns:    defaultRedactPatterns,
		RedactPlaceholder: "[REDACTED]",
		InjectionPatterns: defaultInjectionPatterns,
	}
}

// Sanitizer is a stateless pre-write filter.
type Sanitizer struct {
	cfg Config
}

// New constructs a Sanitizer with cfg.
func New(cfg Config) *Sanitizer {
	return &Sanitizer{cfg: cfg}
}

// Sanitize validates and transforms item in place, returning it on success
// or a KindRejected error (non-retriable) on failure. The caller must not
// write a rejected item.
func (s *Sanitizer) Sanitize(item *types.MemoryItem) (*types.MemoryItem, error) {
	if len(item.Content) > s.cfg.MaxContentBytes {
		return nil, errs.E(errs.KindRejected, "sanitizer: content exceeds %d bytes", s.cfg.MaxContentBytes)
	}

	for _, pat := range s.cfg.InjectionPatterns {
		if pat.MatchString(item.Content) {
			return nil, errs.E(errs.KindRejected, "sanitizer: content matches injection heuristic %q", pat.String())
		}
	}

	item.Content = s.redact(item.Content)
	item.Summary = s.redact(item.Summary)

	tags, err := s.normalizeTags(item.Tags)
	if err != nil {
		return nil, err
	}
	item.Tags = tags

	return item, nil
}

func (s *Sanitizer) redact(text string) string {
	for _, pat := range s.cfg.RedactPatterns {
		text = pat.ReplaceAllString(text, s.cfg.RedactPlaceholder)
	}
	return text
}

// normalizeTags coerces tags to a deduplicated set of lowercased, trimmed
// strings, dropping empties, and enforces the per-tag length cap and the
// total-tag-count cap.
func (s *Sanitizer) normalizeTags(tags []string) ([]string, error) {
	if len(tags) > s.cfg.MaxTags {
		return nil, errs.E(errs.KindRejected, "sanitizer: %d tags exceeds cap of %d", len(tags), s.cfg.MaxTags)
	}

	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		normalized := strings.ToLower(strings.TrimSpace(tag))
		if normalized == "" {
			continue
		}
		if len(normalized) > s.cfg.MaxTagLength {
			return nil, errs.E(errs.KindRejected, "sanitizer: tag %q exceeds %d bytes", tag, s.cfg.MaxTagLength)
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out, nil
}
