package llm

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// envProvider selects the vendor backing the planner. Callers only see the
// Client interface; which API serves it is an environment concern.
const envProvider = "LLM_PROVIDER" // "anthropic" or "openai"

// NewClientFromEnv builds a client for the configured provider, defaulting to
// Anthropic when LLM_PROVIDER is unset.
func NewClientFromEnv() (Client, error) {
	return NewClientWithLogger(zerolog.Nop())
}

// NewClientWithLogger is NewClientFromEnv with per-request tracing attached.
func NewClientWithLogger(logger zerolog.Logger) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv(envProvider)))
	if provider == "" {
		provider = "anthropic"
	}

	switch provider {
	case "openai":
		return NewOpenAIWithLogger(logger)
	case "anthropic":
		return NewAnthropicWithLogger(logger)
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (use 'anthropic' or 'openai')", provider)
	}
}
