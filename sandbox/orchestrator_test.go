package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOrchestratorCreate(t *testing.T) {
	b := newFakeBackend(t)
	client := NewOrchestratorClient(zap.NewNop(), "127.0.0.1", serverPort(t, b.orchServer))

	privateIP, err := client.Create(context.Background(), SandboxSpec{
		SandboxID:     "sbx-1",
		TemplateID:    "default-sandbox",
		KernelVersion: guestKernelVersion,
		Metadata:      map[string]string{"owner": "tests"},
	})
	require.NoError(t, err)
	assert.Equal(t, fakePrivateIP, privateIP)

	require.Len(t, b.created, 1)
	assert.Equal(t, "sbx-1", b.created[0].SandboxID)
	assert.Equal(t, "default-sandbox", b.created[0].TemplateID)
	assert.Equal(t, map[string]string{"owner": "tests"}, b.created[0].Metadata)
}

func TestOrchestratorListAndKill(t *testing.T) {
	b := newFakeBackend(t)
	client := NewOrchestratorClient(zap.NewNop(), "127.0.0.1", serverPort(t, b.orchServer))

	ctx := context.Background()
	_, err := client.Create(ctx, SandboxSpec{SandboxID: "sbx-1", TemplateID: "tpl-a"})
	require.NoError(t, err)
	_, err = client.Create(ctx, SandboxSpec{SandboxID: "sbx-2", TemplateID: "tpl-b"})
	require.NoError(t, err)

	sandboxes, err := client.List(ctx)
	require.NoError(t, err)
	require.Len(t, sandboxes, 2)
	assert.Equal(t, "sbx-1", sandboxes[0].SandboxID)
	assert.Equal(t, "tpl-b", sandboxes[1].TemplateID)

	require.NoError(t, client.Kill(ctx, "sbx-1"))
	assert.Equal(t, []string{"sbx-1"}, b.killed)
}

func TestOrchestratorDeactivate(t *testing.T) {
	b := newFakeBackend(t)
	client := NewOrchestratorClient(zap.NewNop(), "127.0.0.1", serverPort(t, b.orchServer))

	require.NoError(t, client.Deactivate(context.Background(), "sbx-1"))
}

func TestOrchestratorSurfacesHTTPErrors(t *testing.T) {
	b := newFakeBackend(t)

	// The proxy server serves no orchestrator routes, so every call 404s.
	client := NewOrchestratorClient(zap.NewNop(), "127.0.0.1", serverPort(t, b.proxyServer))

	_, err := client.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code")
}
