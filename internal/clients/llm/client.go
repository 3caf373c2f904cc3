package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	maxAttempts    = 3
	defaultTimeout = 30 * time.Second
)

// Config selects an OpenAI-compatible chat-completions provider. APIBase
// already includes the version prefix (e.g. https://api.deepseek.com/v1).
type Config struct {
	Provider string
	APIKey   string
	APIBase  string
	Model    string
	Timeout  time.Duration
}

// Client is a minimal chat-completions client. It works against any
// provider that speaks the OpenAI wire format: deepseek, openai, grok,
// gemini's compatibility endpoint, ollama, vllm.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logger.With().Str("client", "llm").Str("provider", cfg.Provider).Str("model", cfg.Model).Logger(),
	}
}

// Provider returns the configured provider name for audit rows.
func (c *Client) Provider() string { return c.cfg.Provider }

// Model returns the configured model name for audit rows.
func (c *Client) Model() string { return c.cfg.Model }

// Completion is one successful model reply.
type Completion struct {
	Content   string
	LatencyMs int64
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends a system+user prompt pair and returns the first choice.
// Transport failures, 429s, and 5xx responses are retried up to three
// attempts with doubling backoff; anything else fails immediately.
func (c *Client) Complete(ctx context.Context, system, user string) (*Completion, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(1<<attempt) * 500 * time.Millisecond):
			}
		}

		content, retryable, err := c.once(ctx, body)
		if err == nil {
			return &Completion{Content: content, LatencyMs: time.Since(start).Milliseconds()}, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("LLM call failed, retrying")
	}
	return nil, lastErr
}

// once performs a single round trip. The bool reports whether the failure
// is worth another attempt.
func (c *Client) once(ctx context.Context, body []byte) (string, bool, error) {
	url := strings.TrimSuffix(c.cfg.APIBase, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("llm: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("llm: reading response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("llm: http %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", false, fmt.Errorf("llm: malformed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(raw)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", false, fmt.Errorf("llm: http %d: %s", resp.StatusCode, msg)
	}
	if len(parsed.Choices) == 0 {
		return "", false, fmt.Errorf("llm: empty choices")
	}
	return parsed.Choices[0].Message.Content, false, nil
}

// ExtractJSON returns the first balanced JSON object in s. Models wrap
// their JSON in prose and code fences; brace counting ignores braces
// inside string literals.
func ExtractJSON(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, r := range s {
		if start == -1 {
			if r == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}
