package sandbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalLifecycle(t *testing.T) {
	type startCall struct {
		id   string
		cols uint
		rows uint
		cmd  *string
		cwd  string
	}
	calls := make(chan startCall, 1)

	sb, b := newTestSandbox(t)
	b.envd.handle("terminal_start", func(params []json.RawMessage) (any, *rpcErrorBody) {
		var call startCall
		require.NoError(t, json.Unmarshal(params[0], &call.id))
		require.NoError(t, json.Unmarshal(params[1], &call.cols))
		require.NoError(t, json.Unmarshal(params[2], &call.rows))
		require.NoError(t, json.Unmarshal(params[4], &call.cmd))
		require.NoError(t, json.Unmarshal(params[5], &call.cwd))
		calls <- call
		return nil, nil
	})

	dataCh := make(chan string, 2)
	term, err := sb.Terminal.Start(context.Background(), StartTerminalRequest{
		TerminalID: "term-1",
		Cols:       80,
		Rows:       24,
		CWD:        "/tmp",
		OnData:     func(data string) { dataCh <- data },
	})
	require.NoError(t, err)
	assert.Equal(t, "term-1", term.ID())

	call := <-calls
	assert.Equal(t, "term-1", call.id)
	assert.EqualValues(t, 80, call.cols)
	assert.EqualValues(t, 24, call.rows)
	assert.Nil(t, call.cmd)
	assert.Equal(t, "/tmp", call.cwd)

	dataSub := b.envd.subID("terminal", "onData", "term-1")
	exitSub := b.envd.subID("terminal", "onExit", "term-1")

	b.envd.notify(dataSub, "$ ")
	b.envd.notify(dataSub, "ls\r\n")
	assert.Equal(t, "$ ", <-dataCh)
	assert.Equal(t, "ls\r\n", <-dataCh)

	require.Eventually(t, func() bool {
		return term.Output().Data() == "$ ls\r\n"
	}, 5*time.Second, 5*time.Millisecond)

	b.envd.notify(exitSub, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	output, err := term.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "$ ls\r\n", output.Data())

	b.envd.waitUnsubscribed(dataSub)
	b.envd.waitUnsubscribed(exitSub)
}

func TestTerminalRunsCommand(t *testing.T) {
	cmds := make(chan *string, 1)
	sb, b := newTestSandbox(t)
	b.envd.handle("terminal_start", func(params []json.RawMessage) (any, *rpcErrorBody) {
		var cmd *string
		require.NoError(t, json.Unmarshal(params[4], &cmd))
		cmds <- cmd
		return nil, nil
	})

	_, err := sb.Terminal.Start(context.Background(), StartTerminalRequest{
		TerminalID: "term-2",
		Cols:       80,
		Rows:       24,
		Cmd:        "htop",
	})
	require.NoError(t, err)

	cmd := <-cmds
	require.NotNil(t, cmd)
	assert.Equal(t, "htop", *cmd)
}

func TestTerminalSendDataResizeAndKill(t *testing.T) {
	sb, b := newTestSandbox(t)
	b.envd.handle("terminal_start", func(params []json.RawMessage) (any, *rpcErrorBody) {
		return nil, nil
	})
	data := make(chan string, 1)
	b.envd.handle("terminal_data", func(params []json.RawMessage) (any, *rpcErrorBody) {
		var d string
		require.NoError(t, json.Unmarshal(params[1], &d))
		data <- d
		return nil, nil
	})
	resized := make(chan [2]uint, 1)
	b.envd.handle("terminal_resize", func(params []json.RawMessage) (any, *rpcErrorBody) {
		var cols, rows uint
		require.NoError(t, json.Unmarshal(params[1], &cols))
		require.NoError(t, json.Unmarshal(params[2], &rows))
		resized <- [2]uint{cols, rows}
		return nil, nil
	})
	destroyed := make(chan string, 1)
	b.envd.handle("terminal_destroy", func(params []json.RawMessage) (any, *rpcErrorBody) {
		var id string
		require.NoError(t, json.Unmarshal(params[0], &id))
		destroyed <- id
		return nil, nil
	})

	term, err := sb.Terminal.Start(context.Background(), StartTerminalRequest{
		TerminalID: "term-3",
		Cols:       80,
		Rows:       24,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, term.SendData(ctx, "exit\n"))
	assert.Equal(t, "exit\n", <-data)

	require.NoError(t, term.Resize(ctx, 120, 40))
	assert.Equal(t, [2]uint{120, 40}, <-resized)

	require.NoError(t, term.Kill(ctx))
	assert.Equal(t, "term-3", <-destroyed)

	select {
	case <-term.Finished():
	case <-time.After(5 * time.Second):
		t.Fatal("Kill did not finish the terminal")
	}
}
