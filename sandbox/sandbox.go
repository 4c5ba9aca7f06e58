package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Sandbox is a handle to one remote sandboxed execution environment: an RPC
// connection to its envd daemon plus managers for processes, terminals and
// the filesystem, and plain HTTP file transfer.
type Sandbox struct {
	*Connection

	Process    *ProcessManager
	Filesystem *FilesystemManager
	Terminal   *TerminalManager

	log        *zap.SugaredLogger
	cfg        Config
	sandboxID  string
	privateIP  string
	orch       *OrchestratorClient
	httpClient *http.Client

	closeOnce sync.Once
}

// New creates a sandbox via the orchestrator and connects to its envd
// daemon. The returned Sandbox must be Closed when done; closing does not
// kill the remote sandbox.
func New(ctx context.Context, cfg Config) (*Sandbox, error) {
	cfg = cfg.withDefaults()
	log := cfg.Logger.Named("sandbox").Sugar()

	orch := NewOrchestratorClient(cfg.Logger, cfg.TargetAddr, cfg.OrchestratorPort)

	sandboxID := uuid.NewString()
	privateIP, err := orch.Create(ctx, SandboxSpec{
		SandboxID:         sandboxID,
		TemplateID:        cfg.Template,
		KernelVersion:     guestKernelVersion,
		MaxInstanceLength: 3,
		Metadata:          cfg.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("acquiring sandbox: %w", err)
	}
	log.Debugf("sandbox %s (template %s) created", sandboxID, cfg.Template)

	wsURL := fmt.Sprintf("%s://%s%s", protocol("ws", cfg.Secure), sandboxURL(cfg, privateIP, cfg.EnvdPort), wsRoute)
	conn, err := Dial(ctx, wsURL, WithLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.Logger = &logAdapter{SugaredLogger: log.Named("http")}

	s := &Sandbox{
		Connection: conn,
		log:        log,
		cfg:        cfg,
		sandboxID:  sandboxID,
		privateIP:  privateIP,
		orch:       orch,
		httpClient: retryClient.StandardClient(),
	}
	s.attachManagers()

	if cfg.CWD != "" {
		if err := s.Filesystem.MakeDir(ctx, cfg.CWD); err != nil {
			conn.Close()
			return nil, fmt.Errorf("creating cwd %s: %w", cfg.CWD, err)
		}
	}
	log.Infof("sandbox %s opened", sandboxID)
	return s, nil
}

func (s *Sandbox) attachManagers() {
	s.Process = &ProcessManager{sb: s, log: s.log.Named("process")}
	s.Filesystem = &FilesystemManager{sb: s, log: s.log.Named("filesystem")}
	s.Terminal = &TerminalManager{sb: s, log: s.log.Named("terminal")}
}

// ID returns the sandbox id, usable with Kill and List.
func (s *Sandbox) ID() string { return s.sandboxID }

// CWD returns the default working directory, or "" if none was configured.
func (s *Sandbox) CWD() string { return s.cfg.CWD }

// EnvVars returns the default environment applied to every process.
func (s *Sandbox) EnvVars() map[string]string { return s.cfg.EnvVars }

// HostURL returns the backend-proxied host address reaching the given port
// inside the sandbox, without a scheme.
func (s *Sandbox) HostURL(port int) string {
	return sandboxURL(s.cfg, s.privateIP, port)
}

// Protocol returns base ("ws" or "http") with "s" appended when the sandbox
// uses a secure connection.
func (s *Sandbox) Protocol(base string) string {
	return protocol(base, s.cfg.Secure)
}

// FileURL returns the sandbox's HTTP endpoint for file upload and download.
func (s *Sandbox) FileURL() string {
	return fmt.Sprintf("%s://%s%s", protocol("http", s.cfg.Secure), sandboxURL(s.cfg, s.privateIP, s.cfg.EnvdPort), fileRoute)
}

// UploadFile uploads contents under the given name into the sandbox user's
// home directory, overwriting any existing file. It returns the remote path.
func (s *Sandbox) UploadFile(ctx context.Context, name string, contents io.Reader) (string, error) {
	var body multipartBody
	if err := body.write("file", name, contents); err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.FileURL(), &body.buf)
	if err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", body.contentType)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("failed to upload file: %s %s", resp.Status, b)
	}
	return path.Join(homeDir, path.Base(name)), nil
}

// DownloadFile fetches a file from the sandbox and returns its content.
func (s *Sandbox) DownloadFile(ctx context.Context, remotePath string) ([]byte, error) {
	u := fmt.Sprintf("%s?path=%s", s.FileURL(), url.QueryEscape(remotePath))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", remotePath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download %s: %s", remotePath, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// Deactivate demotes the sandbox's memory server-side. The connection stays
// usable; the first subsequent operation reactivates the sandbox.
func (s *Sandbox) Deactivate(ctx context.Context) error {
	return s.orch.Deactivate(ctx, s.sandboxID)
}

// Close closes the connection to the sandbox and unblocks every outstanding
// call. The remote sandbox keeps running; use Kill to destroy it.
func (s *Sandbox) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.Connection.Close()
		s.log.Infof("sandbox %s closed", s.sandboxID)
	})
	return err
}

// List returns all sandboxes currently running on the backend.
func List(ctx context.Context, log *zap.Logger, targetAddr string) ([]RunningSandbox, error) {
	return NewOrchestratorClient(log, targetAddr, defaultOrchestratorPort).List(ctx)
}

// Kill destroys the running sandbox with the given id.
func Kill(ctx context.Context, log *zap.Logger, targetAddr, sandboxID string) error {
	return NewOrchestratorClient(log, targetAddr, defaultOrchestratorPort).Kill(ctx, sandboxID)
}

type multipartBody struct {
	buf         bytes.Buffer
	contentType string
}

func (b *multipartBody) write(field, name string, contents io.Reader) error {
	w := multipart.NewWriter(&b.buf)
	part, err := w.CreateFormFile(field, name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, contents); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	b.contentType = w.FormDataContentType()
	return nil
}
