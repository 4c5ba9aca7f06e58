package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrCWDDoesNotExist is returned by ProcessManager.Start when the requested
// working directory does not exist in the sandbox.
var ErrCWDDoesNotExist = errors.New("sandbox: working directory does not exist")

// The quoted id is a generated uuid, so it can contain hyphens.
var cwdErrorRe = regexp.MustCompile(`error starting process '[^']+': fork/exec /bin/bash: no such file or directory`)

const processService = "process"

// ProcessMessage is one line of process output.
type ProcessMessage struct {
	Line string `json:"line"`
	// Error is true for stderr lines.
	Error bool `json:"error"`
	// Timestamp is Unix epoch nanoseconds.
	Timestamp int64 `json:"timestamp"`
}

func (m ProcessMessage) String() string { return m.Line }

// ProcessOutput accumulates the output of one process. Stdout and stderr
// lines are kept in a single log ordered by timestamp, with ties broken by
// arrival order.
type ProcessOutput struct {
	mu       sync.Mutex
	messages []ProcessMessage
	exitCode int
	exited   bool
	hasErr   bool
}

// Stdout returns the stdout lines joined with newlines.
func (o *ProcessOutput) Stdout() string { return o.join(false) }

// Stderr returns the stderr lines joined with newlines.
func (o *ProcessOutput) Stderr() string { return o.join(true) }

func (o *ProcessOutput) join(wantErr bool) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var lines []string
	for _, m := range o.messages {
		if m.Error == wantErr {
			lines = append(lines, m.Line)
		}
	}
	return strings.Join(lines, "\n")
}

// Messages returns a snapshot of the merged output log.
func (o *ProcessOutput) Messages() []ProcessMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ProcessMessage, len(o.messages))
	copy(out, o.messages)
	return out
}

// HasError reports whether the process wrote anything to stderr.
func (o *ProcessOutput) HasError() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hasErr
}

// ExitCode returns the exit code once the process has exited.
func (o *ProcessOutput) ExitCode() (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exitCode, o.exited
}

func (o *ProcessOutput) addMessage(m ProcessMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m.Error {
		o.hasErr = true
	}
	// Stable insertion by timestamp: equal timestamps keep arrival order.
	i := len(o.messages) - 1
	for i >= 0 && o.messages[i].Timestamp > m.Timestamp {
		i--
	}
	o.messages = append(o.messages, ProcessMessage{})
	copy(o.messages[i+2:], o.messages[i+1:])
	o.messages[i+1] = m
}

func (o *ProcessOutput) setExitCode(code int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exitCode = code
	o.exited = true
}

// StartProcessRequest describes a process to start in the sandbox.
type StartProcessRequest struct {
	Cmd string

	// EnvVars are merged over the sandbox defaults.
	EnvVars map[string]string

	// CWD defaults to the sandbox's configured working directory.
	CWD string

	// ProcessID identifies the process within the sandbox. Generated when
	// empty. This is not the system pid.
	ProcessID string

	OnStdout func(ProcessMessage)
	OnStderr func(ProcessMessage)
	OnExit   func(exitCode int)
}

// Process is a handle to a process running in the sandbox.
type Process struct {
	id       string
	sb       *Sandbox
	output   *ProcessOutput
	finished chan struct{}
	finishFn func()
}

// ID returns the sandbox-scoped process id.
func (p *Process) ID() string { return p.id }

// Output returns the accumulated output so far.
func (p *Process) Output() *ProcessOutput { return p.output }

// Finished returns a channel closed when the process exits.
func (p *Process) Finished() <-chan struct{} { return p.finished }

// Wait blocks until the process exits and returns its output.
func (p *Process) Wait(ctx context.Context) (*ProcessOutput, error) {
	select {
	case <-p.finished:
		return p.output, nil
	case <-ctx.Done():
		return nil, timeoutOrErr("waiting for process "+p.id, ctx.Err())
	}
}

// SendStdin writes data to the process stdin.
func (p *Process) SendStdin(ctx context.Context, data string) error {
	_, err := p.sb.Call(ctx, processService, "stdin", p.id, data)
	if err != nil {
		return fmt.Errorf("sending stdin to process %s: %w", p.id, err)
	}
	return nil
}

// Kill terminates the process.
func (p *Process) Kill(ctx context.Context) error {
	_, err := p.sb.Call(ctx, processService, "kill", p.id)
	p.finishFn()
	if err != nil {
		return fmt.Errorf("killing process %s: %w", p.id, err)
	}
	return nil
}

// ProcessManager starts and interacts with processes in the sandbox. It is a
// thin facade over the connection's call/subscribe primitives.
type ProcessManager struct {
	sb  *Sandbox
	log *zap.SugaredLogger
}

// Start launches a process: it subscribes to the process's exit, stdout and
// stderr events (rolling back all three if any subscription fails), then
// issues the start call.
func (m *ProcessManager) Start(ctx context.Context, req StartProcessRequest) (*Process, error) {
	m.log.Infof("starting process: %s", req.Cmd)

	envVars := mergeEnvVars(m.sb.cfg.EnvVars, req.EnvVars)
	processID := req.ProcessID
	if processID == "" {
		processID = uuid.NewString()
	}
	cwd := req.CWD
	if cwd == "" {
		cwd = m.sb.cfg.CWD
	}

	output := &ProcessOutput{}
	finished := make(chan struct{})
	var finishOnce sync.Once
	finish := func() { finishOnce.Do(func() { close(finished) }) }

	handleExit := func(result json.RawMessage) {
		var exitCode int
		if err := json.Unmarshal(result, &exitCode); err != nil {
			m.log.Errorf("process %s: bad exit payload %s: %s", processID, result, err)
		}
		output.setExitCode(exitCode)
		m.log.Infof("process %s exited with exit code %d", processID, exitCode)
		finish()
	}
	handleStdout := outputHandler(m.log, processID, false, output, req.OnStdout)
	handleStderr := outputHandler(m.log, processID, true, output, req.OnStderr)

	unsubAll, err := m.sb.SubscribeAll(ctx,
		SubscriptionRequest{Service: processService, Method: "onExit", Params: []any{processID}, Handler: handleExit},
		SubscriptionRequest{Service: processService, Method: "onStdout", Params: []any{processID}, Handler: handleStdout},
		SubscriptionRequest{Service: processService, Method: "onStderr", Params: []any{processID}, Handler: handleStderr},
	)
	if err != nil {
		return nil, fmt.Errorf("subscribing to process events: %w", err)
	}
	m.log.Debugf("process subscribed (id: %s)", processID)

	go func() {
		<-finished
		if req.OnExit != nil {
			code, _ := output.ExitCode()
			req.OnExit(code)
		}
		unsubCtx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if err := unsubAll(unsubCtx); err != nil {
			m.log.Debugf("unsubscribing process %s: %s", processID, err)
		}
	}()

	_, err = m.sb.Call(ctx, processService, "start", processID, req.Cmd, envVars, cwd)
	if err != nil {
		finish()
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && cwdErrorRe.MatchString(rpcErr.Message) {
			return nil, fmt.Errorf("%w: %s", ErrCWDDoesNotExist, cwd)
		}
		return nil, fmt.Errorf("starting process: %w", err)
	}
	m.log.Infof("started process (id: %s)", processID)

	return &Process{
		id:       processID,
		sb:       m.sb,
		output:   output,
		finished: finished,
		finishFn: finish,
	}, nil
}

// StartAndWait starts a process and waits for it to exit.
func (m *ProcessManager) StartAndWait(ctx context.Context, req StartProcessRequest) (*ProcessOutput, error) {
	p, err := m.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

func outputHandler(log *zap.SugaredLogger, processID string, isErr bool, output *ProcessOutput, cb func(ProcessMessage)) NotificationHandler {
	return func(result json.RawMessage) {
		var msg ProcessMessage
		if err := json.Unmarshal(result, &msg); err != nil {
			log.Errorf("process %s: bad output payload %s: %s", processID, result, err)
			return
		}
		msg.Error = isErr
		if msg.Timestamp == 0 {
			msg.Timestamp = time.Now().UnixNano()
		}
		output.addMessage(msg)
		if cb != nil {
			cb(msg)
		}
	}
}

func mergeEnvVars(base, extra map[string]string) map[string]string {
	merged := map[string]string{"PYTHONUNBUFFERED": "1"}
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
