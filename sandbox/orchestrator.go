package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// OrchestratorClient talks to the fleet orchestrator managing sandbox
// lifecycles. The core RPC layer treats it as an opaque collaborator: it
// produces the connection address of a freshly created sandbox and handles
// list/kill/deactivate, nothing more.
type OrchestratorClient struct {
	log        *zap.SugaredLogger
	baseURL    string
	httpClient *http.Client
}

// SandboxSpec is the creation request sent to the orchestrator.
type SandboxSpec struct {
	SandboxID         string            `json:"sandboxID"`
	TemplateID        string            `json:"templateID"`
	KernelVersion     string            `json:"kernelVersion"`
	MaxInstanceLength int               `json:"maxInstanceLength"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// RunningSandbox describes one live sandbox as reported by the orchestrator.
type RunningSandbox struct {
	SandboxID  string            `json:"sandboxID"`
	TemplateID string            `json:"templateID"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	StartedAt  time.Time         `json:"startedAt"`
}

type createSandboxResponse struct {
	PrivateIP string `json:"privateIP"`
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewOrchestratorClient builds a client for the orchestrator at addr:port.
func NewOrchestratorClient(log *zap.Logger, addr string, port int) *OrchestratorClient {
	sugar := log.Named("orchestrator_client").Sugar()

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.Logger = &logAdapter{SugaredLogger: sugar}

	return &OrchestratorClient{
		log:        sugar,
		baseURL:    fmt.Sprintf("http://%s:%d", addr, port),
		httpClient: retryClient.StandardClient(),
	}
}

// Create provisions a sandbox and returns its private IP, the address used
// to reach envd through the backend proxy.
func (c *OrchestratorClient) Create(ctx context.Context, spec SandboxSpec) (string, error) {
	var resp createSandboxResponse
	err := c.do(ctx, http.MethodPost, "/sandboxes", spec, &resp)
	if err != nil {
		return "", fmt.Errorf("creating sandbox: %w", err)
	}
	c.log.Debugf("created sandbox %s (private ip: %s)", spec.SandboxID, resp.PrivateIP)
	return resp.PrivateIP, nil
}

// List returns all running sandboxes.
func (c *OrchestratorClient) List(ctx context.Context) ([]RunningSandbox, error) {
	var sandboxes []RunningSandbox
	err := c.do(ctx, http.MethodGet, "/sandboxes", nil, &sandboxes)
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}
	return sandboxes, nil
}

// Kill destroys the sandbox with the given id.
func (c *OrchestratorClient) Kill(ctx context.Context, sandboxID string) error {
	err := c.do(ctx, http.MethodDelete, "/sandboxes/"+sandboxID, nil, nil)
	if err != nil {
		return fmt.Errorf("killing sandbox %s: %w", sandboxID, err)
	}
	return nil
}

// Deactivate demotes the sandbox's memory to a lower tier (e.g. swap) to
// increase density on the host.
func (c *OrchestratorClient) Deactivate(ctx context.Context, sandboxID string) error {
	err := c.do(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/deactivate", nil, nil)
	if err != nil {
		return fmt.Errorf("deactivating sandbox %s: %w", sandboxID, err)
	}
	return nil
}

func (c *OrchestratorClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("unexpected status code %d", resp.StatusCode)
		}
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, b)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
