// Package llm selects the language model and talks to it through the
// Ollama HTTP API.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ollisten/internal/domain"
)

// DefaultTimeout bounds one chat round trip, model load included.
const DefaultTimeout = 2 * time.Minute

// ErrEmptyAnswer is returned when the model replies with no content.
var ErrEmptyAnswer = errors.New("ollama returned empty response content")

// Client is a minimal Ollama API client.
type Client struct {
	endpoint string
	http     *http.Client
	retry    RetryConfig
	sleep    func(context.Context, time.Duration) error
}

// NewClient creates a client for the server at endpoint, e.g.
// "http://127.0.0.1:11434".
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		http:     &http.Client{Timeout: DefaultTimeout},
		retry:    DefaultRetryConfig,
		sleep:    sleepContext,
	}
}

// Endpoint returns the server base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []chatMessage   `json:"messages"`
	Format   json.RawMessage `json:"format,omitempty"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// Chat sends prompt as a single user message. A non-empty schema is passed
// as the response format so the answer is constrained JSON.
func (c *Client) Chat(ctx context.Context, model, prompt, schema string) (string, error) {
	body := chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}
	if strings.TrimSpace(schema) != "" {
		if !json.Valid([]byte(schema)) {
			return "", fmt.Errorf("structured output schema is not valid JSON")
		}
		body.Format = json.RawMessage(schema)
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	payload, err := c.do(ctx, http.MethodPost, "/api/chat", buf)
	if err != nil {
		return "", err
	}
	var parsed chatResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", fmt.Errorf("ollama returned non-json payload: %w", err)
	}
	content := strings.TrimSpace(parsed.Message.Content)
	if content == "" {
		return "", ErrEmptyAnswer
	}
	return content, nil
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
		Size uint64 `json:"size"`
	} `json:"models"`
}

// Models lists locally installed models.
func (c *Client) Models(ctx context.Context) ([]domain.LlmModel, error) {
	payload, err := c.do(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch available models: %w", err)
	}
	var parsed tagsResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}

	models := make([]domain.LlmModel, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		models = append(models, domain.LlmModel{
			Name:        m.Name,
			Description: "(" + friendlySize(m.Size) + ")",
		})
	}
	return models, nil
}

// Ping reports whether the server answers.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/version", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama http %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	resp, err := doWithRetry(ctx, c.retry, c.sleep, func() (*http.Response, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return c.http.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("ollama request failed on %s: %w", path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read ollama response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama http %d: %s", resp.StatusCode, compactSingleLine(string(payload), 240))
	}
	return payload, nil
}

func compactSingleLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

func friendlySize(bytes uint64) string {
	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(bytes)
	i := 0
	for size > 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.2f%s", size, units[i])
}
