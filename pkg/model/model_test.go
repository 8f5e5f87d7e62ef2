package model

import "testing"

func TestParseCanonicalIdentifiers(t *testing.T) {
	tests := []struct {
		in       string
		provider Provider
		model    string
		wantErr  bool
	}{
		{"anthropic:claude-3-5-sonnet-latest", ProviderAnthropic, "claude-3-5-sonnet-latest", false},
		{"openai:gpt-4o", ProviderOpenAI, "gpt-4o", false},
		{"google:gemini-2.5-pro", ProviderGoogle, "gemini-2.5-pro", false},
		{"ollama:llama3.1:8b", ProviderOllama, "llama3.1:8b", false},
		{"", "", "", true},
		{"claude-3-5-sonnet", "", "", true}, // no provider prefix
		{"mystery:model", "", "", true},      // unknown provider
		{"anthropic:", "", "", true},         // empty model segment
		{"Anthropic:claude", "", "", true},   // provider must be lowercase
	}

	for _, tt := range tests {
		id, err := Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.in, err)
			continue
		}
		if id.Provider != tt.provider || id.Model != tt.model {
			t.Errorf("Parse(%q) = %+v", tt.in, id)
		}
		if id.String() != tt.in {
			t.Errorf("round trip %q -> %q", tt.in, id.String())
		}
	}
}

func TestLookupExactAndPrefix(t *testing.T) {
	exact, _ := Parse("anthropic:claude-sonnet-4")
	if caps := Lookup(exact); !caps.SupportsLargeContext() {
		t.Error("claude-sonnet-4 should support the larger context mode")
	}

	versioned, _ := Parse("anthropic:claude-sonnet-4-20250514")
	if caps := Lookup(versioned); !caps.SupportsLargeContext() {
		t.Error("versioned id should resolve to its family entry")
	}

	unknown, _ := Parse("anthropic:claude-99-experimental")
	caps := Lookup(unknown)
	if caps.ContextTokens != 200_000 {
		t.Errorf("unknown anthropic model should use provider defaults, got %d", caps.ContextTokens)
	}
	if caps.SupportsLargeContext() {
		t.Error("provider defaults must not claim large-context support")
	}
}

func TestCheckPDFLimits(t *testing.T) {
	sonnet, _ := Parse("anthropic:claude-3-5-sonnet-latest")
	if err := CheckPDF(sonnet, 1<<20, 10); err != nil {
		t.Errorf("small PDF rejected: %v", err)
	}
	if err := CheckPDF(sonnet, 64<<20, 10); err == nil {
		t.Error("oversized PDF accepted")
	}
	if err := CheckPDF(sonnet, 1<<20, 500); err == nil {
		t.Error("over-page PDF accepted")
	}

	haiku, _ := Parse("anthropic:claude-3-5-haiku")
	if err := CheckPDF(haiku, 1<<20, 1); err == nil {
		t.Error("PDF accepted by a model without PDF support")
	}
}
