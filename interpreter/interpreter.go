// Package interpreter extends a sandbox with stateful code execution
// against Jupyter kernels running inside it.
//
// Executions reuse the same send/await/dispatch shape as the sandbox RPC
// layer, against the kernel messaging vocabulary: an execute request is
// answered by a multi-frame lifecycle (input accepted, streaming output,
// result values, terminal status) that a per-execution state machine merges
// into one Execution record.
package interpreter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/boxfleet/sandboxsdk/sandbox"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// DefaultTemplate is the sandbox template with a Jupyter server baked in.
const DefaultTemplate = "default-code-interpreter"

const (
	kernelPort       = 8888
	kernelIDFilePath = "/home/user/.jupyter/kernel_id"
	defaultKernelCWD = "/home/user"
)

// Interpreter is a sandbox with interactive code execution. The embedded
// Sandbox keeps its full process/terminal/filesystem surface.
type Interpreter struct {
	*sandbox.Sandbox

	log        *zap.SugaredLogger
	logger     *zap.Logger
	httpClient *http.Client

	mu              sync.Mutex
	kernels         map[string]*KernelConn
	defaultKernelID string
}

// New creates a code-interpreter sandbox and connects to its default
// kernel.
func New(ctx context.Context, cfg sandbox.Config) (*Interpreter, error) {
	if cfg.Template == "" {
		cfg.Template = DefaultTemplate
	}
	sb, err := sandbox.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("interpreter").Sugar()

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.Logger = nil

	it := &Interpreter{
		Sandbox:    sb,
		log:        log,
		logger:     logger,
		httpClient: retryClient.StandardClient(),
		kernels:    map[string]*KernelConn{},
	}

	kernelID, err := sb.Filesystem.Read(ctx, kernelIDFilePath)
	if err != nil {
		sb.Close()
		return nil, fmt.Errorf("reading default kernel id: %w", err)
	}
	kernelID = strings.TrimSpace(kernelID)
	log.Debugf("default kernel id: %s", kernelID)

	if _, err := it.connectKernel(ctx, kernelID); err != nil {
		sb.Close()
		return nil, err
	}
	it.defaultKernelID = kernelID
	return it, nil
}

type execConfig struct {
	kernelID string
	cb       Callbacks
}

type ExecOption func(*execConfig)

// WithKernel executes on a specific kernel instead of the default one.
func WithKernel(kernelID string) ExecOption {
	return func(c *execConfig) { c.kernelID = kernelID }
}

// WithOnStdout registers a callback for stdout lines as they stream in.
func WithOnStdout(f func(sandbox.ProcessMessage)) ExecOption {
	return func(c *execConfig) { c.cb.OnStdout = f }
}

// WithOnStderr registers a callback for stderr lines as they stream in.
func WithOnStderr(f func(sandbox.ProcessMessage)) ExecOption {
	return func(c *execConfig) { c.cb.OnStderr = f }
}

// WithOnResult registers a callback for results and display data.
func WithOnResult(f func(Result)) ExecOption {
	return func(c *execConfig) { c.cb.OnResult = f }
}

// ExecCell executes code on a kernel and waits for the full execution
// record.
func (it *Interpreter) ExecCell(ctx context.Context, code string, opts ...ExecOption) (*Execution, error) {
	var cfg execConfig
	for _, o := range opts {
		o(&cfg)
	}
	kernelID := cfg.kernelID
	if kernelID == "" {
		kernelID = it.defaultKernelID
	}
	it.log.Debugf("executing code on kernel %s", kernelID)

	conn, err := it.kernelConn(ctx, kernelID)
	if err != nil {
		return nil, err
	}
	msgID, err := conn.Send(ctx, code, cfg.cb)
	if err != nil {
		return nil, err
	}
	return conn.GetResult(ctx, msgID)
}

// DefaultKernelID returns the id of the sandbox's default kernel.
func (it *Interpreter) DefaultKernelID() string { return it.defaultKernelID }

// CreateKernel starts a new kernel, giving an independent execution
// environment within the same sandbox. An empty kernelName selects the
// server default ("python3"); an empty cwd defaults to the user's home.
func (it *Interpreter) CreateKernel(ctx context.Context, cwd, kernelName string) (string, error) {
	if kernelName == "" {
		kernelName = "python3"
	}
	if cwd == "" {
		cwd = defaultKernelCWD
	}

	body := map[string]any{
		"path":   uuid.NewString(),
		"kernel": map[string]string{"name": kernelName},
		"type":   "notebook",
		"name":   uuid.NewString(),
	}
	var created struct {
		ID     string `json:"id"`
		Kernel struct {
			ID string `json:"id"`
		} `json:"kernel"`
	}
	if err := it.kernelAPI(ctx, http.MethodPost, "/api/sessions", body, &created); err != nil {
		return "", fmt.Errorf("creating kernel: %w", err)
	}

	patch := map[string]string{"path": cwd}
	if err := it.kernelAPI(ctx, http.MethodPatch, "/api/sessions/"+created.ID, patch, nil); err != nil {
		return "", fmt.Errorf("setting kernel cwd: %w", err)
	}
	it.log.Debugf("created kernel %s", created.Kernel.ID)
	return created.Kernel.ID, nil
}

// RestartKernel restarts a kernel, resetting its state. The connection is
// re-established lazily on the next execution.
func (it *Interpreter) RestartKernel(ctx context.Context, kernelID string) error {
	it.dropKernelConn(kernelID)
	if err := it.kernelAPI(ctx, http.MethodPost, "/api/kernels/"+kernelID+"/restart", nil, nil); err != nil {
		return fmt.Errorf("restarting kernel %s: %w", kernelID, err)
	}
	it.log.Debugf("restarted kernel %s", kernelID)
	return nil
}

// ShutdownKernel terminates a kernel's process.
func (it *Interpreter) ShutdownKernel(ctx context.Context, kernelID string) error {
	it.dropKernelConn(kernelID)
	if err := it.kernelAPI(ctx, http.MethodDelete, "/api/kernels/"+kernelID, nil, nil); err != nil {
		return fmt.Errorf("shutting down kernel %s: %w", kernelID, err)
	}
	it.log.Debugf("shut down kernel %s", kernelID)
	return nil
}

// InterruptKernel interrupts whatever the kernel is currently executing.
func (it *Interpreter) InterruptKernel(ctx context.Context, kernelID string) error {
	if err := it.kernelAPI(ctx, http.MethodPost, "/api/kernels/"+kernelID+"/interrupt", nil, nil); err != nil {
		return fmt.Errorf("interrupting kernel %s: %w", kernelID, err)
	}
	return nil
}

// ListKernels returns the ids of all kernels running in the sandbox.
func (it *Interpreter) ListKernels(ctx context.Context) ([]string, error) {
	var kernels []struct {
		ID string `json:"id"`
	}
	if err := it.kernelAPI(ctx, http.MethodGet, "/api/kernels", nil, &kernels); err != nil {
		return nil, fmt.Errorf("listing kernels: %w", err)
	}
	ids := make([]string, len(kernels))
	for i, k := range kernels {
		ids[i] = k.ID
	}
	return ids, nil
}

// Close closes every kernel connection and the underlying sandbox. The
// kernels themselves keep running.
func (it *Interpreter) Close() error {
	it.mu.Lock()
	kernels := it.kernels
	it.kernels = map[string]*KernelConn{}
	it.mu.Unlock()

	for _, conn := range kernels {
		conn.Close()
	}
	return it.Sandbox.Close()
}

func (it *Interpreter) kernelConn(ctx context.Context, kernelID string) (*KernelConn, error) {
	it.mu.Lock()
	conn := it.kernels[kernelID]
	it.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	return it.connectKernel(ctx, kernelID)
}

func (it *Interpreter) connectKernel(ctx context.Context, kernelID string) (*KernelConn, error) {
	it.log.Debugf("connecting to kernel %s", kernelID)
	wsURL := fmt.Sprintf("%s://%s/api/kernels/%s/channels", it.Protocol("ws"), it.HostURL(kernelPort), kernelID)

	conn, err := DialKernel(ctx, wsURL, uuid.NewString(), WithKernelLogger(it.logger))
	if err != nil {
		return nil, fmt.Errorf("connecting to kernel %s: %w", kernelID, err)
	}

	it.mu.Lock()
	it.kernels[kernelID] = conn
	it.mu.Unlock()
	it.log.Debugf("connected to kernel %s", kernelID)
	return conn, nil
}

func (it *Interpreter) dropKernelConn(kernelID string) {
	it.mu.Lock()
	conn := it.kernels[kernelID]
	delete(it.kernels, kernelID)
	it.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (it *Interpreter) kernelAPI(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	u := fmt.Sprintf("%s://%s%s", it.Protocol("http"), it.HostURL(kernelPort), path)
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := it.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
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
