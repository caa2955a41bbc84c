// Package llm provides the vision-LLM client used throughout the crawler:
// a single Request/Response shape carrying optional screenshot images, and
// three provider backends (Anthropic, OpenAI, and Bailian/SiliconFlow's
// OpenAI-compatible Qwen3-VL endpoint) selected by configuration.
//
// Ported from the reference agent's internal/llm package; extended with
// image content blocks so a Request can carry a Set-of-Mark screenshot
// alongside its text prompt.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pinkllo/autospider-go/internal/config"
)

// Client is the provider-agnostic vision-LLM interface every pipeline
// stage talks to.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

// Message is one turn in the conversation. Images, when present, are
// attached alongside Text as base64-encoded content blocks in the order
// given.
type Message struct {
	Role   string
	Text   string
	Images [][]byte
}

// Tool describes a function the model may call, used for structured
// decision responses.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is one provider-agnostic generation request.
type Request struct {
	System      string
	Messages    []Message
	Tools       []Tool
	Temperature float32
	MaxTokens   int
}

// Response is the provider-agnostic generation result.
type Response struct {
	Text string
}

// NewFromConfig dispatches to the configured provider ("anthropic" when
// unset). "bailian" and "siliconflow" are treated as OpenAI-compatible
// vision endpoints, reusing the openAIClient with cfg's API base (the
// SiliconFlow endpoint when unset); any other provider name is an error.
func NewFromConfig(cfg config.LLMConfig, logger zerolog.Logger) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "anthropic"
	}
	switch provider {
	case "anthropic":
		return newAnthropicClient(cfg, logger)
	case "openai":
		return newOpenAIClient(cfg, logger, "https://api.openai.com/v1/chat/completions")
	case "bailian", "siliconflow":
		base := cfg.APIBase
		if base == "" {
			base = "https://api.siliconflow.cn/v1"
		}
		return newOpenAIClient(cfg, logger, strings.TrimRight(base, "/")+"/chat/completions")
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}
