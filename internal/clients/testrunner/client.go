package testrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odooforge/odooforge-backend/internal/logger"
)

// Client talks to the test-runner service, which installs the generated module
// into a disposable Odoo container and runs the generated test suite against it.
type Client interface {
	Run(ctx context.Context, req RunRequest) (*Verdict, error)
	// Teardown releases the container set held for a session's test run. Always
	// called once a verdict is recorded, pass or fail.
	Teardown(ctx context.Context, sessionID uuid.UUID) error
}

type RunRequest struct {
	SessionID     uuid.UUID         `json:"session_id"`
	ModuleName    string            `json:"module_name"`
	Files         map[string]string `json:"module_code"`
	Specification string            `json:"specification"`
	OdooVersion   int               `json:"odoo_version"`
}

type Verdict struct {
	Passed        bool    `json:"passed"`
	Feedback      string  `json:"feedback"`
	TotalTests    int     `json:"total_tests"`
	PassedTests   int     `json:"passed_tests"`
	FailedTests   int     `json:"failed_tests"`
	ExecutionSecs float64 `json:"execution_time"`
}

type client struct {
	log        *logger.Logger
	baseURL    string
	httpClient *http.Client
}

func New(log *logger.Logger) (Client, error) {
	baseURL := strings.TrimRight(os.Getenv("TEST_RUNNER_URL"), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8001"
	}
	// Installing a module and running browser tests takes minutes.
	timeoutSec := 900
	if v := os.Getenv("TEST_RUNNER_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}
	return &client{
		log:        log.With("client", "TestRunnerClient"),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

func (c *client) Run(ctx context.Context, req RunRequest) (*Verdict, error) {
	if req.SessionID == uuid.Nil {
		return nil, fmt.Errorf("missing session id")
	}
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("no module files to test")
	}
	var verdict Verdict
	if err := c.post(ctx, "/tests/run", req, &verdict); err != nil {
		return nil, err
	}
	return &verdict, nil
}

func (c *client) Teardown(ctx context.Context, sessionID uuid.UUID) error {
	if sessionID == uuid.Nil {
		return nil
	}
	body := map[string]string{"session_id": sessionID.String()}
	return c.post(ctx, "/tests/teardown", body, nil)
}

func (c *client) post(ctx context.Context, path string, body any, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("test runner http %d: %s", resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
