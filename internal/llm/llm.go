// Package llm defines the narrow contract action handlers use to call a
// language model. The core never depends on which provider answers a
// completion (§6): it only sees complete(system, user) -> text.
package llm

import "context"

// Provider answers a single-turn completion request.
type Provider interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Config selects and configures a provider from environment (§6:
// LLM_PROVIDER, per-provider base URL/model/credentials).
type Config struct {
	Provider string
	BaseURL  string
	Model    string
	APIKey   string
}

// New resolves a Config into a concrete Provider. Unknown or empty
// provider names fall back to the stub so handlers never see a nil
// provider; callers that require a real model should check Config.Provider
// explicitly at boot.
func New(cfg Config) Provider {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(cfg)
	default:
		return NewStubProvider()
	}
}
