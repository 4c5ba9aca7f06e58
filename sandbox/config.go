package sandbox

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds sandbox operations whose caller passes a context
// without a deadline.
const DefaultTimeout = 60 * time.Second

const (
	defaultSandboxPort      = 6666
	defaultEnvdPort         = 49982
	defaultOrchestratorPort = 5000

	wsRoute   = "/ws"
	fileRoute = "/file"

	guestKernelVersion = "5.10.186"
	homeDir            = "/home/user"
)

// Config describes how to create and reach a sandbox.
type Config struct {
	// Template is the sandbox template id. Defaults to "default-sandbox".
	Template string

	// CWD is the default working directory for processes and terminals.
	CWD string

	// EnvVars are merged into the environment of every process.
	EnvVars map[string]string

	// Metadata is stored alongside the running sandbox and visible in List.
	Metadata map[string]string

	// TargetAddr is the backend host reaching both the orchestrator and the
	// sandbox proxy. Defaults to $SANDBOX_BACKEND_ADDR.
	TargetAddr string

	SandboxPort      int
	EnvdPort         int
	OrchestratorPort int

	// Secure selects wss/https over ws/http.
	Secure bool

	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Template == "" {
		c.Template = "default-sandbox"
	}
	if c.TargetAddr == "" {
		c.TargetAddr = os.Getenv("SANDBOX_BACKEND_ADDR")
	}
	if c.SandboxPort == 0 {
		c.SandboxPort = envInt("SANDBOX_PROXY_PORT", defaultSandboxPort)
	}
	if c.EnvdPort == 0 {
		c.EnvdPort = defaultEnvdPort
	}
	if c.OrchestratorPort == 0 {
		c.OrchestratorPort = defaultOrchestratorPort
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// protocol returns base ("ws" or "http") with an "s" appended when secure.
func protocol(base string, secure bool) string {
	if secure {
		return base + "s"
	}
	return base
}

func envInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// sandboxURL builds the host part of a URL reaching the given port inside
// the sandbox, routed through the backend proxy by private IP.
func sandboxURL(cfg Config, privateIP string, port int) string {
	return fmt.Sprintf("%s:%d/%s/%d", cfg.TargetAddr, cfg.SandboxPort, privateIP, port)
}
