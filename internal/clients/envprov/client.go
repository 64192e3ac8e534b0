package envprov

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

// Client talks to the environment provisioner: it allocates a review Odoo
// instance with the generated module installed, reports its status, and tears
// it down. The provisioner owns admission control over the Docker host; this
// client only requests and releases.
type Client interface {
	Provision(ctx context.Context, req ProvisionRequest) (*Environment, error)
	Status(ctx context.Context, envID string) (*Environment, error)
	Teardown(ctx context.Context, envID string) error
}

type ProvisionRequest struct {
	SessionID   uuid.UUID         `json:"session_id"`
	ModuleName  string            `json:"module_name"`
	Files       map[string]string `json:"module_code"`
	OdooVersion int               `json:"odoo_version"`
}

type Environment struct {
	ID        string    `json:"env_id"`
	Status    string    `json:"status"` // initializing|active|expired|stopped
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

type client struct {
	log        *logger.Logger
	baseURL    string
	httpClient *http.Client
}

func New(log *logger.Logger) (Client, error) {
	baseURL := strings.TrimRight(os.Getenv("ENV_PROVISIONER_URL"), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8002"
	}
	timeoutSec := 300
	if v := os.Getenv("ENV_PROVISIONER_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}
	return &client{
		log:        log.With("client", "EnvProvisionerClient"),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

func (c *client) Provision(ctx context.Context, req ProvisionRequest) (*Environment, error) {
	if req.SessionID == uuid.Nil {
		return nil, fmt.Errorf("missing session id")
	}
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("no module files to install")
	}
	var env Environment
	if err := c.do(ctx, http.MethodPost, "/environments", req, &env); err != nil {
		return nil, err
	}
	if env.ID == "" {
		return nil, fmt.Errorf("provisioner returned no environment id")
	}
	return &env, nil
}

func (c *client) Status(ctx context.Context, envID string) (*Environment, error) {
	if strings.TrimSpace(envID) == "" {
		return nil, fmt.Errorf("missing environment id")
	}
	var env Environment
	if err := c.do(ctx, http.MethodGet, "/environments/"+envID, nil, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *client) Teardown(ctx context.Context, envID string) error {
	if strings.TrimSpace(envID) == "" {
		return nil
	}
	return c.do(ctx, http.MethodDelete, "/environments/"+envID, nil, nil)
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
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
		return fmt.Errorf("env provisioner http %d: %s", resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
