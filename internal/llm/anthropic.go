package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pinkllo/autospider-go/internal/config"
)

const (
	anthropicDefaultModel = "claude-sonnet-4-5-20250929"

	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicAPIBeta    = "tools-2024-04-04"
	anthropicMaxTokens  = 900
	anthropicTimeout    = 60 * time.Second

	anthropicMaxRetries     = 3
	anthropicRetryBaseDelay = 500 * time.Millisecond
	anthropicMaxRequestSize = 200000
)

type anthropicClient struct {
	apiKey string
	model  string
	http   *http.Client
	logger zerolog.Logger
}

func newAnthropicClient(cfg config.LLMConfig, logger zerolog.Logger) (Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, fmt.Errorf("llm: missing anthropic api key")
	}
	model := strings.Trim(strings.TrimSpace(cfg.Model), "\"'")
	if model == "" {
		model = anthropicDefaultModel
	}
	return &anthropicClient{
		apiKey: key,
		model:  model,
		http:   &http.Client{Timeout: anthropicTimeout},
		logger: logger,
	}, nil
}

func (c *anthropicClient) Name() string { return c.model }

func (c *anthropicClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("no messages")
	}

	for i, m := range req.Messages {
		if len(m.Text) > anthropicMaxRequestSize {
			c.logger.Warn().Int("message_idx", i).Int("size", len(m.Text)).Msg("message too large, truncating")
			req.Messages[i].Text = m.Text[:anthropicMaxRequestSize] + "... [truncated]"
		}
	}
	if len(req.System) > anthropicMaxRequestSize {
		c.logger.Warn().Int("size", len(req.System)).Msg("system prompt too large, truncating")
		req.System = req.System[:anthropicMaxRequestSize] + "... [truncated]"
	}

	var lastErr error
	for attempt := 0; attempt <= anthropicMaxRetries; attempt++ {
		if attempt > 0 {
			delay := anthropicRetryBaseDelay * time.Duration(1<<uint(attempt-1))
			c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("retrying Anthropic API call")
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		payload := anthropicPayload{
			Model:       c.model,
			MaxTokens:   maxInt(req.MaxTokens, anthropicMaxTokens),
			Temperature: float64(req.Temperature),
		}
		if req.System != "" {
			payload.System = req.System
		}
		for _, m := range req.Messages {
			payload.Messages = append(payload.Messages, anthropicMessage{
				Role:    m.Role,
				Content: buildAnthropicContent(m),
			})
		}
		for _, t := range req.Tools {
			payload.Tools = append(payload.Tools, anthropicTool(t))
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return Response{}, fmt.Errorf("marshal payload: %w", err)
		}

		c.logger.Debug().
			Str("model", c.model).
			Int("messages", len(payload.Messages)).
			Int("tools", len(payload.Tools)).
			Int("payload_size", len(body)).
			Msg("Anthropic API request")

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicAPIURL, bytes.NewReader(body))
		if err != nil {
			return Response{}, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
		httpReq.Header.Set("anthropic-beta", anthropicAPIBeta)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			if attempt < anthropicMaxRetries {
				continue
			}
			return Response{}, lastErr
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			if attempt < anthropicMaxRetries {
				continue
			}
			return Response{}, lastErr
		}

		c.logger.Debug().Int("status", resp.StatusCode).Int("response_size", len(data)).Msg("Anthropic API response")

		if resp.StatusCode >= 400 {
			var apiErr anthropicError
			rawError := string(data)
			if err := json.Unmarshal(data, &apiErr); err != nil {
				lastErr = fmt.Errorf("anthropic %d: %s", resp.StatusCode, truncateString(rawError, 500))
			} else {
				lastErr = fmt.Errorf("anthropic %d: %s (type: %s)", resp.StatusCode, apiErr.Error(), apiErr.Type)
			}
			c.logger.Error().Int("status", resp.StatusCode).Str("raw_response", rawError).Int("attempt", attempt).Msg("Anthropic API error")

			if resp.StatusCode == 400 && apiErr.Type == "invalid_request_error" && strings.Contains(apiErr.Message, "API usage limits") {
				return Response{}, fmt.Errorf("API usage limit reached: %s", apiErr.Message)
			}
			if (resp.StatusCode == 429 || resp.StatusCode >= 500) && attempt < anthropicMaxRetries {
				continue
			}
			return Response{}, lastErr
		}

		var ar anthropicResponse
		if err := json.Unmarshal(data, &ar); err != nil {
			lastErr = fmt.Errorf("parse response: %w", err)
			if attempt < anthropicMaxRetries {
				continue
			}
			return Response{}, lastErr
		}

		var buf bytes.Buffer
		for _, content := range ar.Content {
			if content.Type == "text" {
				buf.WriteString(content.Text)
			}
		}
		c.logger.Debug().Int("response_length", buf.Len()).Msg("Anthropic API success")
		return Response{Text: buf.String()}, nil
	}

	return Response{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func buildAnthropicContent(m Message) []anthropicContent {
	content := make([]anthropicContent, 0, len(m.Images)+1)
	for _, img := range m.Images {
		content = append(content, anthropicContent{
			Type: "image",
			Source: &anthropicImageSource{
				Type:      "base64",
				MediaType: "image/png",
				Data:      base64.StdEncoding.EncodeToString(img),
			},
		})
	}
	if m.Text != "" {
		content = append(content, anthropicContent{Type: "text", Text: m.Text})
	}
	return content
}

type anthropicPayload struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e anthropicError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Type
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
