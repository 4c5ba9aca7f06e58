package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var noBackoff = []time.Duration{0, 0, 0}

// envdMethod serves one RPC method of the fake daemon.
type envdMethod func(params []json.RawMessage) (any, *rpcErrorBody)

// fakeEnvd is an in-process envd daemon speaking the real wire protocol over
// a WebSocket endpoint. Subscribe and unsubscribe work for any service out of
// the box; other methods must be registered with handle. Tests push
// notifications with notify.
type fakeEnvd struct {
	t *testing.T

	mu       sync.Mutex
	methods  map[string]envdMethod
	subs     map[string]string
	unsubbed []string
	nextSub  int

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func newFakeEnvd(t *testing.T) *fakeEnvd {
	return &fakeEnvd{
		t:       t,
		methods: map[string]envdMethod{},
		subs:    map[string]string{},
	}
}

func (e *fakeEnvd) handle(method string, fn envdMethod) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.methods[method] = fn
}

func (e *fakeEnvd) serveWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()

	ctx := r.Context()
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req struct {
			ID     int64             `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(frame, &req); err != nil {
			continue
		}
		result, errBody := e.dispatch(req.Method, req.Params)
		reply := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if errBody != nil {
			reply["error"] = errBody
		} else {
			reply["result"] = result
		}
		e.writeJSON(ctx, reply)
	}
}

func (e *fakeEnvd) dispatch(method string, params []json.RawMessage) (any, *rpcErrorBody) {
	e.mu.Lock()
	fn := e.methods[method]
	e.mu.Unlock()
	if fn != nil {
		return fn(params)
	}

	switch {
	case strings.HasSuffix(method, "_subscribe"):
		service := strings.TrimSuffix(method, "_subscribe")
		e.mu.Lock()
		e.nextSub++
		subID := fmt.Sprintf("sub-%d", e.nextSub)
		e.subs[subKey(service, params)] = subID
		e.mu.Unlock()
		return subID, nil
	case strings.HasSuffix(method, "_unsubscribe"):
		var subID string
		if len(params) > 0 {
			json.Unmarshal(params[0], &subID)
		}
		e.mu.Lock()
		e.unsubbed = append(e.unsubbed, subID)
		e.mu.Unlock()
		return true, nil
	}
	return nil, &rpcErrorBody{Code: -32601, Message: "method not found: " + method}
}

// subID returns the subscription id the daemon issued for the given
// subscription, waiting for it to be established.
func (e *fakeEnvd) subID(service, eventMethod string, params ...any) string {
	raw := make([]json.RawMessage, 0, len(params)+1)
	for _, p := range append([]any{eventMethod}, params...) {
		b, err := json.Marshal(p)
		require.NoError(e.t, err)
		raw = append(raw, b)
	}
	key := subKey(service, raw)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		subID, ok := e.subs[key]
		e.mu.Unlock()
		if ok {
			return subID
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.t.Fatalf("no subscription established for %s", key)
	return ""
}

// notify pushes a notification for a subscription.
func (e *fakeEnvd) notify(subID string, result any) {
	e.writeJSON(context.Background(), map[string]any{
		"jsonrpc": "2.0",
		"method":  "subscription",
		"params":  map[string]any{"subscription": subID, "result": result},
	})
}

// sendRaw pushes an arbitrary frame, valid or not.
func (e *fakeEnvd) sendRaw(frame string) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	require.NotNil(e.t, conn)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	require.NoError(e.t, conn.Write(context.Background(), websocket.MessageText, []byte(frame)))
}

func (e *fakeEnvd) writeJSON(ctx context.Context, v any) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return
	}
	b, err := json.Marshal(v)
	require.NoError(e.t, err)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	conn.Write(ctx, websocket.MessageText, b)
}

// unsubscribedIDs returns the subscription ids unsubscribed so far.
func (e *fakeEnvd) unsubscribedIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.unsubbed))
	copy(out, e.unsubbed)
	return out
}

// waitUnsubscribed waits until subID has been unsubscribed.
func (e *fakeEnvd) waitUnsubscribed(subID string) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, id := range e.unsubscribedIDs() {
			if id == subID {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.t.Fatalf("subscription %s never unsubscribed", subID)
}

func subKey(service string, params []json.RawMessage) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, service)
	for _, p := range params {
		parts = append(parts, string(p))
	}
	return strings.Join(parts, "/")
}

// fakeBackend is an in-process stand-in for the whole remote side: the
// orchestrator HTTP API, the sandbox proxy with its envd WebSocket and file
// endpoints.
type fakeBackend struct {
	t    *testing.T
	envd *fakeEnvd

	orchServer  *httptest.Server
	proxyServer *httptest.Server

	mu      sync.Mutex
	created []SandboxSpec
	killed  []string
	files   map[string][]byte
}

const fakePrivateIP = "10.0.2.15"

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{
		t:     t,
		envd:  newFakeEnvd(t),
		files: map[string][]byte{},
	}

	orch := httprouter.New()
	orch.POST("/sandboxes", b.createSandbox)
	orch.GET("/sandboxes", b.listSandboxes)
	orch.DELETE("/sandboxes/:id", b.killSandbox)
	orch.POST("/sandboxes/:id/deactivate", b.deactivateSandbox)
	b.orchServer = httptest.NewServer(orch)
	t.Cleanup(b.orchServer.Close)

	proxy := httprouter.New()
	proxy.GET("/:ip/:port/ws", b.envd.serveWS)
	proxy.GET("/:ip/:port/file", b.downloadFile)
	proxy.POST("/:ip/:port/file", b.uploadFile)
	b.proxyServer = httptest.NewServer(proxy)
	t.Cleanup(b.proxyServer.Close)

	return b
}

// config returns a Config pointing at the fake backend.
func (b *fakeBackend) config() Config {
	return Config{
		TargetAddr:       "127.0.0.1",
		SandboxPort:      serverPort(b.t, b.proxyServer),
		OrchestratorPort: serverPort(b.t, b.orchServer),
		Logger:           zap.NewNop(),
	}
}

func (b *fakeBackend) createSandbox(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var spec SandboxSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.created = append(b.created, spec)
	b.mu.Unlock()
	json.NewEncoder(w).Encode(createSandboxResponse{PrivateIP: fakePrivateIP})
}

func (b *fakeBackend) listSandboxes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	b.mu.Lock()
	sandboxes := make([]RunningSandbox, 0, len(b.created))
	for _, spec := range b.created {
		sandboxes = append(sandboxes, RunningSandbox{
			SandboxID:  spec.SandboxID,
			TemplateID: spec.TemplateID,
			Metadata:   spec.Metadata,
		})
	}
	b.mu.Unlock()
	json.NewEncoder(w).Encode(sandboxes)
}

func (b *fakeBackend) killSandbox(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	b.mu.Lock()
	b.killed = append(b.killed, ps.ByName("id"))
	b.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (b *fakeBackend) deactivateSandbox(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}

func (b *fakeBackend) uploadFile(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	contents, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	b.mu.Lock()
	b.files[path.Join(homeDir, path.Base(header.Filename))] = contents
	b.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (b *fakeBackend) downloadFile(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	b.mu.Lock()
	contents, ok := b.files[r.URL.Query().Get("path")]
	b.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Write(contents)
}

func serverPort(t *testing.T, server *httptest.Server) int {
	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(server.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

// newTestSandbox builds a Sandbox against a fresh fake backend. The setup
// funcs run before the sandbox is created, so they can register envd methods
// New itself depends on.
func newTestSandbox(t *testing.T, setup ...func(*fakeBackend, *Config)) (*Sandbox, *fakeBackend) {
	b := newFakeBackend(t)
	cfg := b.config()
	for _, s := range setup {
		s(b, &cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sb, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { sb.Close() })
	return sb, b
}

// newTestConnection dials the fake envd directly, without the orchestrator.
func newTestConnection(t *testing.T) (*Connection, *fakeEnvd) {
	b := newFakeBackend(t)
	wsURL := fmt.Sprintf("ws://127.0.0.1:%d/%s/%d/ws", serverPort(t, b.proxyServer), fakePrivateIP, defaultEnvdPort)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := Dial(ctx, wsURL, WithDialBackoff(noBackoff))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, b.envd
}
