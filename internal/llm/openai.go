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
	openAIDefaultModel = "gpt-4o-mini"

	openAIMaxTokens   = 900
	openAITimeout     = 60 * time.Second

	openAIMaxRetries     = 3
	openAIRetryBaseDelay = 500 * time.Millisecond
	openAIMaxRequestSize = 200000
)

type openAIClient struct {
	apiKey string
	model  string
	url    string
	http   *http.Client
	logger zerolog.Logger
}

type openAIPayload struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

// openAIMessage's Content is either a plain string (text-only turns) or a
// list of content parts (text + image_url) when images are attached; it is
// marshaled by buildOpenAIMessages, which always picks the richer shape
// once at least one image is present.
type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIContentPart struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	ImageURL *openAIImageURL  `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIResponse struct {
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

func newOpenAIClient(cfg config.LLMConfig, logger zerolog.Logger, url string) (Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, fmt.Errorf("llm: missing api key for %s", url)
	}
	model := strings.Trim(strings.TrimSpace(cfg.Model), "\"'")
	if model == "" {
		model = openAIDefaultModel
	}
	return &openAIClient{
		apiKey: key,
		model:  model,
		url:    url,
		http:   &http.Client{Timeout: openAITimeout},
		logger: logger,
	}, nil
}

func (c *openAIClient) Name() string { return c.model }

func buildOpenAIMessages(req Request) []openAIMessage {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		if len(m.Images) == 0 {
			messages = append(messages, openAIMessage{Role: m.Role, Content: m.Text})
			continue
		}
		parts := make([]openAIContentPart, 0, len(m.Images)+1)
		if m.Text != "" {
			parts = append(parts, openAIContentPart{Type: "text", Text: m.Text})
		}
		for _, img := range m.Images {
			dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(img)
			parts = append(parts, openAIContentPart{Type: "image_url", ImageURL: &openAIImageURL{URL: dataURL}})
		}
		messages = append(messages, openAIMessage{Role: m.Role, Content: parts})
	}
	return messages
}

func (c *openAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("no messages")
	}

	for i, m := range req.Messages {
		if len(m.Text) > openAIMaxRequestSize {
			c.logger.Warn().Int("message_idx", i).Int("size", len(m.Text)).Msg("message too large, truncating")
			req.Messages[i].Text = m.Text[:openAIMaxRequestSize] + "... [truncated]"
		}
	}
	if len(req.System) > openAIMaxRequestSize {
		c.logger.Warn().Int("size", len(req.System)).Msg("system prompt too large, truncating")
		req.System = req.System[:openAIMaxRequestSize] + "... [truncated]"
	}

	var lastErr error
	for attempt := 0; attempt <= openAIMaxRetries; attempt++ {
		if attempt > 0 {
			delay := openAIRetryBaseDelay * time.Duration(1<<uint(attempt-1))
			c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("retrying OpenAI-compatible API call")
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		messages := buildOpenAIMessages(req)

		tools := make([]openAITool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, openAITool{
				Type:     "function",
				Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: t.InputSchema},
			})
		}

		payload := openAIPayload{
			Model:       c.model,
			Messages:    messages,
			Temperature: float64(req.Temperature),
			MaxTokens:   maxInt(req.MaxTokens, openAIMaxTokens),
		}
		if len(tools) > 0 {
			payload.Tools = tools
			payload.ToolChoice = "auto"
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return Response{}, fmt.Errorf("marshal payload: %w", err)
		}

		c.logger.Debug().
			Str("model", c.model).
			Int("messages", len(messages)).
			Int("tools", len(tools)).
			Int("payload_size", len(body)).
			Msg("OpenAI-compatible API request")

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return Response{}, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			if attempt < openAIMaxRetries {
				continue
			}
			return Response{}, lastErr
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			if attempt < openAIMaxRetries {
				continue
			}
			return Response{}, lastErr
		}

		c.logger.Debug().Int("status", resp.StatusCode).Int("response_size", len(data)).Msg("OpenAI-compatible API response")

		if resp.StatusCode >= 400 {
			var apiResp openAIResponse
			rawError := string(data)
			if err := json.Unmarshal(data, &apiResp); err != nil || apiResp.Error == nil {
				lastErr = fmt.Errorf("openai %d: %s", resp.StatusCode, truncateString(rawError, 500))
			} else {
				lastErr = fmt.Errorf("openai %d: %s (type: %s, code: %s)", resp.StatusCode, apiResp.Error.Message, apiResp.Error.Type, apiResp.Error.Code)
			}
			c.logger.Error().Int("status", resp.StatusCode).Str("raw_response", rawError).Int("attempt", attempt).Msg("OpenAI-compatible API error")

			if (resp.StatusCode == 429 || resp.StatusCode >= 500) && attempt < openAIMaxRetries {
				continue
			}
			return Response{}, lastErr
		}

		var apiResp openAIResponse
		if err := json.Unmarshal(data, &apiResp); err != nil {
			return Response{}, fmt.Errorf("parse response: %w (raw: %s)", err, string(data))
		}
		if len(apiResp.Choices) == 0 {
			return Response{}, fmt.Errorf("no choices in response")
		}

		choice := apiResp.Choices[0]
		if len(choice.Message.ToolCalls) > 0 {
			toolCall := choice.Message.ToolCalls[0]
			c.logger.Debug().Str("tool_name", toolCall.Function.Name).Str("tool_args", truncateString(toolCall.Function.Arguments, 200)).Msg("tool call")
			toolResponse := map[string]any{"action": toolCall.Function.Name, "input": map[string]any{}}
			if toolCall.Function.Arguments != "" {
				var args map[string]any
				if err := json.Unmarshal([]byte(toolCall.Function.Arguments), &args); err == nil {
					toolResponse["input"] = args
				}
			}
			jsonBytes, err := json.Marshal(toolResponse)
			if err != nil {
				return Response{}, fmt.Errorf("marshal tool call: %w", err)
			}
			return Response{Text: string(jsonBytes)}, nil
		}

		text := choice.Message.Content
		if text == "" {
			return Response{}, fmt.Errorf("empty response content")
		}

		c.logger.Debug().
			Str("finish_reason", choice.FinishReason).
			Int("total_tokens", apiResp.Usage.TotalTokens).
			Str("response_preview", truncateString(text, 200)).
			Msg("OpenAI-compatible API success")

		return Response{Text: text}, nil
	}

	return Response{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}
