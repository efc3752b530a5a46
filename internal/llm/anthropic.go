package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	envAPIKey    = "ANTHROPIC_API_KEY"
	envModel     = "ANTHROPIC_MODEL"
	defaultModel = "claude-sonnet-4-5-20250929"

	apiURL      = "https://api.anthropic.com/v1/messages"
	apiVersion  = "2023-06-01"
	maxTokens   = 900
	timeoutSecs = 60

	maxRetries     = 3
	retryBaseDelay = 500 * time.Millisecond
	maxRequestSize = 200000 // ~200KB limit for safety
)

// Client is the minimal text-generation surface the planner needs.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

type Request struct {
	System      string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response carries the generated text plus token usage so callers can
// account for what a cached replay avoids spending.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// TotalTokens is the request's full token cost.
func (r Response) TotalTokens() int { return r.InputTokens + r.OutputTokens }

type anthropicClient struct {
	apiKey string
	model  string
	http   *http.Client
	logger zerolog.Logger
}

func NewAnthropicFromEnv() (Client, error) {
	key := strings.TrimSpace(os.Getenv(envAPIKey))
	if key == "" {
		return nil, fmt.Errorf("missing %s", envAPIKey)
	}
	model := strings.TrimSpace(os.Getenv(envModel))
	if model == "" {
		model = defaultModel
	}
	model = strings.Trim(model, "\"'")
	return &anthropicClient{
		apiKey: key,
		model:  model,
		http: &http.Client{
			Timeout: timeoutSecs * time.Second,
		},
		logger: zerolog.Nop(), // Will be set by caller if needed
	}, nil
}

// NewAnthropicWithLogger creates client with logger for detailed tracing
func NewAnthropicWithLogger(logger zerolog.Logger) (Client, error) {
	client, err := NewAnthropicFromEnv()
	if err != nil {
		return nil, err
	}
	if ac, ok := client.(*anthropicClient); ok {
		ac.logger = logger
	}
	return client, nil
}

func (c *anthropicClient) Name() string { return c.model }

func (c *anthropicClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("no messages")
	}

	for i, m := range req.Messages {
		if len(m.Content) > maxRequestSize {
			c.logger.Warn().Int("message_idx", i).Int("size", len(m.Content)).Msg("message too large, truncating")
			req.Messages[i].Content = m.Content[:maxRequestSize] + "... [truncated]"
		}
	}
	if len(req.System) > maxRequestSize {
		c.logger.Warn().Int("size", len(req.System)).Msg("system prompt too large, truncating")
		req.System = req.System[:maxRequestSize] + "... [truncated]"
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
			c.logger.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying Anthropic API call")
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		payload := anthropicPayload{
			Model:       c.model,
			MaxTokens:   max(req.MaxTokens, maxTokens),
			Temperature: float64(req.Temperature),
		}
		if req.System != "" {
			payload.System = req.System
		}
		for _, m := range req.Messages {
			payload.Messages = append(payload.Messages, anthropicMessage{
				Role:    m.Role,
				Content: []anthropicContent{{Type: "text", Text: m.Content}},
			})
		}

		body, err := json.Marshal(payload)
		if err != nil {
			return Response{}, fmt.Errorf("marshal payload: %w", err)
		}

		c.logger.Debug().
			Str("model", c.model).
			Int("messages", len(payload.Messages)).
			Int("payload_size", len(body)).
			Int("max_tokens", payload.MaxTokens).
			Msg("Anthropic API request")

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
		if err != nil {
			return Response{}, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", apiVersion)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			if attempt < maxRetries {
				continue
			}
			return Response{}, lastErr
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			if attempt < maxRetries {
				continue
			}
			return Response{}, lastErr
		}

		c.logger.Debug().
			Int("status", resp.StatusCode).
			Int("response_size", len(data)).
			Msg("Anthropic API response")

		if resp.StatusCode >= 400 {
			var apiErr anthropicError
			rawError := string(data)
			if err := json.Unmarshal(data, &apiErr); err != nil {
				errorMsg := rawError
				if len(errorMsg) > 500 {
					errorMsg = errorMsg[:500] + "..."
				}
				lastErr = fmt.Errorf("anthropic %d: %s (raw, parse err: %v)", resp.StatusCode, errorMsg, err)
			} else {
				errorMsg := apiErr.Error()
				if errorMsg == "" {
					errorMsg = rawError
					if len(errorMsg) > 500 {
						errorMsg = errorMsg[:500] + "..."
					}
				}
				lastErr = fmt.Errorf("anthropic %d: %s (type: %s)", resp.StatusCode, errorMsg, apiErr.Type)
			}

			c.logger.Error().
				Int("status", resp.StatusCode).
				Str("error_type", apiErr.Type).
				Str("error_msg", apiErr.Message).
				Int("attempt", attempt).
				Msg("Anthropic API error")

			// A hard usage-limit rejection never resolves by retrying.
			if resp.StatusCode == 400 {
				if apiErr.Type == "invalid_request_error" &&
					strings.Contains(apiErr.Message, "API usage limits") {
					c.logger.Warn().
						Str("error_msg", apiErr.Message).
						Msg("API usage limit reached - skipping retries")
					return Response{}, fmt.Errorf("API usage limit reached: %s", apiErr.Message)
				}
			}

			// Retry on 429 (rate limit) and 5xx errors
			if (resp.StatusCode == 429 || resp.StatusCode >= 500) && attempt < maxRetries {
				continue
			}
			return Response{}, lastErr
		}

		var ar anthropicResponse
		if err := json.Unmarshal(data, &ar); err != nil {
			lastErr = fmt.Errorf("parse response: %w", err)
			if attempt < maxRetries {
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

		c.logger.Debug().
			Int("response_length", buf.Len()).
			Int("input_tokens", ar.Usage.InputTokens).
			Int("output_tokens", ar.Usage.OutputTokens).
			Msg("Anthropic API success")

		return Response{
			Text:         buf.String(),
			InputTokens:  ar.Usage.InputTokens,
			OutputTokens: ar.Usage.OutputTokens,
		}, nil
	}

	return Response{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

type anthropicPayload struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
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

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
