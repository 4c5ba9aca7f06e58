package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const terminalService = "terminal"

// TerminalOutput accumulates everything a terminal session has written.
type TerminalOutput struct {
	mu   sync.Mutex
	data strings.Builder
}

// Data returns the output written so far.
func (o *TerminalOutput) Data() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.data.String()
}

func (o *TerminalOutput) addData(data string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.data.WriteString(data)
}

// StartTerminalRequest describes an interactive terminal session to start.
type StartTerminalRequest struct {
	// OnData receives terminal output as it arrives.
	OnData func(data string)

	Cols uint
	Rows uint

	// CWD defaults to the sandbox's configured working directory.
	CWD string

	// TerminalID identifies the session. Generated when empty.
	TerminalID string

	// Cmd, when set, is executed in the terminal and the session exits when
	// it does. Otherwise an interactive shell runs.
	Cmd string

	EnvVars map[string]string

	OnExit func()
}

// Terminal is a handle to an interactive terminal session in the sandbox.
type Terminal struct {
	id       string
	sb       *Sandbox
	output   *TerminalOutput
	finished chan struct{}
	finishFn func()
}

// ID returns the terminal session id.
func (t *Terminal) ID() string { return t.id }

// Output returns the session's accumulated output.
func (t *Terminal) Output() *TerminalOutput { return t.output }

// Finished returns a channel closed when the session exits.
func (t *Terminal) Finished() <-chan struct{} { return t.finished }

// Wait blocks until the terminal session exits.
func (t *Terminal) Wait(ctx context.Context) (*TerminalOutput, error) {
	select {
	case <-t.finished:
		return t.output, nil
	case <-ctx.Done():
		return nil, timeoutOrErr("waiting for terminal "+t.id, ctx.Err())
	}
}

// SendData writes data to the terminal's standard input.
func (t *Terminal) SendData(ctx context.Context, data string) error {
	_, err := t.sb.Call(ctx, terminalService, "data", t.id, data)
	if err != nil {
		return fmt.Errorf("sending data to terminal %s: %w", t.id, err)
	}
	return nil
}

// Resize resizes the terminal tty.
func (t *Terminal) Resize(ctx context.Context, cols, rows uint) error {
	_, err := t.sb.Call(ctx, terminalService, "resize", t.id, cols, rows)
	if err != nil {
		return fmt.Errorf("resizing terminal %s: %w", t.id, err)
	}
	return nil
}

// Kill terminates the terminal session.
func (t *Terminal) Kill(ctx context.Context) error {
	_, err := t.sb.Call(ctx, terminalService, "destroy", t.id)
	t.finishFn()
	if err != nil {
		return fmt.Errorf("killing terminal %s: %w", t.id, err)
	}
	return nil
}

// TerminalManager starts and interacts with terminal sessions in the
// sandbox.
type TerminalManager struct {
	sb  *Sandbox
	log *zap.SugaredLogger
}

// Start opens a terminal session: it subscribes to the session's data and
// exit events (rolling back both if either subscription fails), then issues
// the start call.
func (m *TerminalManager) Start(ctx context.Context, req StartTerminalRequest) (*Terminal, error) {
	envVars := mergeEnvVars(m.sb.cfg.EnvVars, req.EnvVars)
	terminalID := req.TerminalID
	if terminalID == "" {
		terminalID = uuid.NewString()
	}
	cwd := req.CWD
	if cwd == "" {
		cwd = m.sb.cfg.CWD
	}

	output := &TerminalOutput{}
	finished := make(chan struct{})
	var finishOnce sync.Once
	finish := func() { finishOnce.Do(func() { close(finished) }) }

	handleData := func(result json.RawMessage) {
		var data string
		if err := json.Unmarshal(result, &data); err != nil {
			m.log.Errorf("terminal %s: bad data payload %s: %s", terminalID, result, err)
			return
		}
		output.addData(data)
		if req.OnData != nil {
			req.OnData(data)
		}
	}

	unsubAll, err := m.sb.SubscribeAll(ctx,
		SubscriptionRequest{Service: terminalService, Method: "onData", Params: []any{terminalID}, Handler: handleData},
		SubscriptionRequest{Service: terminalService, Method: "onExit", Params: []any{terminalID}, Handler: func(json.RawMessage) { finish() }},
	)
	if err != nil {
		return nil, fmt.Errorf("subscribing to terminal events: %w", err)
	}
	m.log.Debugf("terminal subscribed (id: %s)", terminalID)

	go func() {
		<-finished
		unsubCtx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if err := unsubAll(unsubCtx); err != nil {
			m.log.Debugf("unsubscribing terminal %s: %s", terminalID, err)
		}
		if req.OnExit != nil {
			req.OnExit()
		}
	}()

	var cmd any
	if req.Cmd != "" {
		cmd = req.Cmd
	}
	_, err = m.sb.Call(ctx, terminalService, "start", terminalID, req.Cols, req.Rows, envVars, cmd, cwd)
	if err != nil {
		finish()
		return nil, fmt.Errorf("starting terminal: %w", err)
	}
	m.log.Infof("started terminal (id: %s)", terminalID)

	return &Terminal{
		id:       terminalID,
		sb:       m.sb,
		output:   output,
		finished: finished,
		finishFn: finish,
	}, nil
}
