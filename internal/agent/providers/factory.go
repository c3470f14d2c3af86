package providers

import (
	"fmt"
	"strings"

	"github.com/convoyhq/convoy/internal/agent"
)

// Credentials holds one provider's API key and optional base URL override,
// keyed by provider name ("openai", "anthropic", "google").
type Credentials struct {
	APIKey  string
	BaseURL string
}

// Resolve builds the LLMProvider named by a "provider:model" selector
// (e.g. "openai:gpt-4o-mini", "google:gemini-2.0-flash") using the given
// per-provider credentials. The model name itself is carried by the
// caller's CompletionRequest.Model field, not consumed here.
func Resolve(selector string, creds map[string]Credentials) (agent.LLMProvider, string, error) {
	providerName, model, ok := strings.Cut(selector, ":")
	if !ok {
		return nil, "", fmt.Errorf("invalid model selector %q, want \"provider:model\"", selector)
	}

	cred := creds[providerName]

	switch providerName {
	case "openai":
		return NewOpenAIProvider(cred.APIKey), model, nil
	case "anthropic":
		p, err := NewAnthropicProvider(AnthropicConfig{APIKey: cred.APIKey, BaseURL: cred.BaseURL})
		if err != nil {
			return nil, "", fmt.Errorf("build anthropic provider: %w", err)
		}
		return p, model, nil
	case "google":
		p, err := NewGoogleProvider(GoogleConfig{APIKey: cred.APIKey})
		if err != nil {
			return nil, "", fmt.Errorf("build google provider: %w", err)
		}
		return p, model, nil
	default:
		return nil, "", fmt.Errorf("unknown LLM provider %q", providerName)
	}
}
