// Package model parses canonical model identifiers and answers capability
// questions (context windows, PDF limits, larger-context modes) about them.
package model

import (
	"fmt"
	"regexp"
	"strings"
)

// Provider identifies a model provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderOllama    Provider = "ollama"
)

// ValidateProvider validates if a string is a known provider.
func ValidateProvider(provider string) (Provider, bool) {
	switch Provider(provider) {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
		return Provider(provider), true
	default:
		return "", false
	}
}

// ID is a parsed canonical model identifier of the shape "provider:model-id".
type ID struct {
	Provider Provider
	Model    string
}

// String returns the canonical provider:model-id form.
func (id ID) String() string {
	return fmt.Sprintf("%s:%s", id.Provider, id.Model)
}

// idPattern: lowercase provider segment, then a model segment that allows
// dots, dashes and digits (e.g. "anthropic:claude-3-5-sonnet-latest").
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*:[A-Za-z0-9][A-Za-z0-9._:-]*$`)

// Parse validates and splits a canonical model identifier.
func Parse(s string) (ID, error) {
	if s == "" {
		return ID{}, fmt.Errorf("model identifier is required")
	}
	if !idPattern.MatchString(s) {
		return ID{}, fmt.Errorf("malformed model identifier %q: want provider:model-id", s)
	}
	provider, rest, _ := strings.Cut(s, ":")
	p, ok := ValidateProvider(provider)
	if !ok {
		return ID{}, fmt.Errorf("unknown provider %q in model identifier %q", provider, s)
	}
	return ID{Provider: p, Model: rest}, nil
}

// Capabilities describes what the session core needs to know about a model.
type Capabilities struct {
	ContextTokens      int   // standard context window
	LargeContextTokens int   // larger-context mode window, 0 when unsupported
	SupportsPDF        bool  // whether PDF attachments are accepted
	MaxPDFBytes        int64 // 0 means provider default applies
	MaxPDFPages        int
}

// SupportsLargeContext reports whether a larger-context mode exists.
func (c Capabilities) SupportsLargeContext() bool {
	return c.LargeContextTokens > c.ContextTokens
}

// Default capability values per provider, used for models absent from the
// catalog. Conservative: no PDF, standard window only.
var providerDefaults = map[Provider]Capabilities{
	ProviderAnthropic: {ContextTokens: 200_000, SupportsPDF: true, MaxPDFBytes: 32 << 20, MaxPDFPages: 100},
	ProviderOpenAI:    {ContextTokens: 128_000, SupportsPDF: true, MaxPDFBytes: 32 << 20, MaxPDFPages: 100},
	ProviderGoogle:    {ContextTokens: 1_000_000, SupportsPDF: true, MaxPDFBytes: 50 << 20, MaxPDFPages: 1000},
	ProviderOllama:    {ContextTokens: 32_000},
}

// catalog holds per-model overrides keyed by canonical identifier prefix.
// Matched by exact model name first, then longest prefix.
var catalog = map[string]Capabilities{
	"anthropic:claude-3-5-sonnet-latest": {ContextTokens: 200_000, SupportsPDF: true, MaxPDFBytes: 32 << 20, MaxPDFPages: 100},
	"anthropic:claude-sonnet-4":          {ContextTokens: 200_000, LargeContextTokens: 1_000_000, SupportsPDF: true, MaxPDFBytes: 32 << 20, MaxPDFPages: 100},
	"anthropic:claude-opus-4":            {ContextTokens: 200_000, SupportsPDF: true, MaxPDFBytes: 32 << 20, MaxPDFPages: 100},
	"anthropic:claude-3-5-haiku":         {ContextTokens: 200_000, SupportsPDF: false},
	"openai:gpt-4o":                      {ContextTokens: 128_000, SupportsPDF: true, MaxPDFBytes: 32 << 20, MaxPDFPages: 100},
	"openai:o3":                          {ContextTokens: 200_000, SupportsPDF: true, MaxPDFBytes: 32 << 20, MaxPDFPages: 100},
	"openai:o3-mini":                     {ContextTokens: 200_000, SupportsPDF: false},
	"google:gemini-2.5-pro":              {ContextTokens: 1_000_000, SupportsPDF: true, MaxPDFBytes: 50 << 20, MaxPDFPages: 1000},
}

// Lookup returns capabilities for a parsed identifier. Unknown models fall
// back to provider defaults.
func Lookup(id ID) Capabilities {
	canonical := id.String()
	if caps, ok := catalog[canonical]; ok {
		return caps
	}

	// Longest matching catalog prefix wins, so versioned IDs like
	// "anthropic:claude-sonnet-4-20250514" resolve to their family entry.
	var best string
	for key := range catalog {
		if strings.HasPrefix(canonical, key) && len(key) > len(best) {
			best = key
		}
	}
	if best != "" {
		return catalog[best]
	}

	return providerDefaults[id.Provider]
}

// CheckPDF validates a PDF attachment's size and page count against the
// model's declared limits.
func CheckPDF(id ID, sizeBytes int64, pages int) error {
	caps := Lookup(id)
	if !caps.SupportsPDF {
		return fmt.Errorf("model %s does not accept PDF attachments", id)
	}
	if caps.MaxPDFBytes > 0 && sizeBytes > caps.MaxPDFBytes {
		return fmt.Errorf("PDF is %d bytes, exceeding the %d byte limit for %s", sizeBytes, caps.MaxPDFBytes, id)
	}
	if caps.MaxPDFPages > 0 && pages > caps.MaxPDFPages {
		return fmt.Errorf("PDF has %d pages, exceeding the %d page limit for %s", pages, caps.MaxPDFPages, id)
	}
	return nil
}
