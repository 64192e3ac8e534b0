package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/odooforge/odooforge-backend/internal/logger"
)

// Client is the generation collaborator: one LLM service behind three narrow
// operations. Implementations must be safe for concurrent use across sessions.
type Client interface {
	GenerateSpecification(ctx context.Context, req SpecificationRequest) (string, error)
	GeneratePlan(ctx context.Context, req PlanRequest) (string, error)
	GenerateModuleFiles(ctx context.Context, req ModuleRequest) (*ModuleResult, error)
}

type SpecificationRequest struct {
	Requirements string
	ModuleName   string
	OdooVersion  int
}

type PlanRequest struct {
	Specification string
	OdooVersion   int
}

type ModuleRequest struct {
	Specification string
	Plan          string
	ModuleName    string
	OdooVersion   int
	// Feedback from a failed test run or rejected acceptance; empty on the
	// first attempt.
	Feedback string
}

// ModuleResult is one generated module: relative file path to file content.
type ModuleResult struct {
	ModuleName string
	Files      map[string]string
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client

	maxRetries int
}

func New(log *logger.Logger) (Client, error) {
	apiKey := os.Getenv("LLM_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("missing LLM_API_KEY")
	}
	baseURL := os.Getenv("LLM_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	model := os.Getenv("LLM_MODEL")
	if model == "" {
		model = "gpt-4o"
	}

	// Module generation regularly runs for minutes; keep the transport timeout
	// high and let callers bound waits via ctx.
	timeoutSec := 300
	if v := os.Getenv("LLM_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}
	maxRetries := 4
	if v := os.Getenv("LLM_MAX_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed >= 0 {
			maxRetries = parsed
		}
	}

	return &client{
		log:        log.With("client", "LLMClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
	}, nil
}

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("llm http %d: %s", e.StatusCode, e.Body)
}

func isRetryableHTTP(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

func isRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var hErr *httpError
	if errors.As(err, &hErr) {
		return isRetryableHTTP(hErr.StatusCode)
	}
	return false
}

func jitterSleep(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delta := base.Seconds() * 0.2
	low := base.Seconds() - delta
	high := base.Seconds() + delta
	if low < 0 {
		low = 0
	}
	v := low + rand.Float64()*(high-low)
	return time.Duration(v * float64(time.Second))
}

func (c *client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("llm decode error: %w; raw=%s", uErr, string(raw))
			}
			return nil
		}
		if !isRetryableErr(err) {
			return err
		}
		if attempt == c.maxRetries {
			return err
		}

		sleepFor := backoff
		if resp != nil {
			if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
				if secs, parseErr := strconv.Atoi(ra); parseErr == nil && secs > 0 {
					sleepFor = time.Duration(secs) * time.Second
				}
			}
		}
		if sleepFor > 10*time.Second {
			sleepFor = 10 * time.Second
		}
		sleepFor = jitterSleep(sleepFor)

		c.log.Warn("LLM request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		time.Sleep(sleepFor)
		backoff *= 2
	}
	return fmt.Errorf("unreachable retry loop")
}

type responsesRequest struct {
	Model string `json:"model"`
	Input []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"input"`
	Text *struct {
		Format map[string]any `json:"format"`
	} `json:"text,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
	Refusal string `json:"refusal,omitempty"`
}

func (c *client) generateText(ctx context.Context, system, user string) (string, error) {
	req := responsesRequest{
		Model: c.model,
		Input: []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.3,
	}
	var resp responsesResponse
	if err := c.do(ctx, "POST", "/v1/responses", req, &resp); err != nil {
		return "", err
	}
	if resp.Refusal != "" {
		return "", fmt.Errorf("model refused: %s", resp.Refusal)
	}
	text := collectOutputText(resp)
	if text == "" {
		return "", fmt.Errorf("no output_text found in response")
	}
	return text, nil
}

func (c *client) generateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any, out any) error {
	req := responsesRequest{
		Model: c.model,
		Input: []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	}
	req.Text = &struct {
		Format map[string]any `json:"format"`
	}{
		Format: map[string]any{
			"type":   "json_schema",
			"name":   schemaName,
			"schema": schema,
			"strict": true,
		},
	}
	var resp responsesResponse
	if err := c.do(ctx, "POST", "/v1/responses", req, &resp); err != nil {
		return err
	}
	if resp.Refusal != "" {
		return fmt.Errorf("model refused: %s", resp.Refusal)
	}
	text := collectOutputText(resp)
	if text == "" {
		return fmt.Errorf("no output_text found in response")
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("failed to parse model JSON: %w; text=%s", err, text)
	}
	return nil
}

func collectOutputText(resp responsesResponse) string {
	var text string
	for _, item := range resp.Output {
		if item.Type == "message" && item.Role == "assistant" {
			for _, part := range item.Content {
				if part.Type == "output_text" && part.Text != "" {
					text += part.Text
				}
			}
		}
	}
	return text
}
