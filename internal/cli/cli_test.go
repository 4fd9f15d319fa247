package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/collab-sync/internal/document"
	"github.com/example/collab-sync/internal/httpapi"
	"github.com/example/collab-sync/internal/snapshot"
	"github.com/example/collab-sync/internal/storage"
	"github.com/example/collab-sync/internal/ws"
)

func startServer(t *testing.T) string {
	t.Helper()
	logger := zerolog.Nop()
	gateway := storage.NewGateway(storage.NewMemoryBackend(), time.Second, logger)
	store := document.NewStore(gateway, logger)
	deb := snapshot.NewDebouncer(store, gateway.Store, 50*time.Millisecond, 100*time.Millisecond, logger)
	m := ws.NewMultiplexer(store, deb, nil, ws.NewConnectionRegistry(), logger)
	sessions, err := ws.NewGateway(m, logger, ws.GatewayConfig{})
	require.NoError(t, err)

	srv := httptest.NewServer(httpapi.NewRouter(sessions, store, m, logger))
	t.Cleanup(func() {
		sessions.Shutdown()
		srv.Close()
		_ = deb.Close(context.Background())
	})
	return srv.URL
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func TestAppendThenCat(t *testing.T) {
	url := startServer(t)

	_, _, err := execute(t, "--server", url, "-d", "notes", "append", "--settle", "300ms", "hello", "world")
	require.NoError(t, err)

	out, _, err := execute(t, "--server", url, "-d", "notes", "cat")
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", out)
}

func TestAppendBootstrapOnlyWhenEmpty(t *testing.T) {
	url := startServer(t)

	_, _, err := execute(t, "--server", url, "-d", "tmpl", "append", "--bootstrap", "--settle", "300ms", "# Title")
	require.NoError(t, err)

	_, stderr, err := execute(t, "--server", url, "-d", "tmpl", "append", "--bootstrap", "--settle", "300ms", "# Other")
	require.NoError(t, err)
	assert.Contains(t, stderr, "not empty")

	out, _, err := execute(t, "--server", url, "-d", "tmpl", "cat")
	require.NoError(t, err)
	assert.Equal(t, "# Title\n", out)
}

func TestCatRequiresDocument(t *testing.T) {
	url := startServer(t)
	_, _, err := execute(t, "--server", url, "cat")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--document")
}

func TestEmptyServerRejected(t *testing.T) {
	_, _, err := execute(t, "--server", " ", "-d", "doc", "cat")
	require.Error(t, err)
}

func TestLoadTestReportsSamples(t *testing.T) {
	url := startServer(t)
	out, _, err := execute(t, "--server", url, "-d", "bench", "--timeout", "3s",
		"loadtest", "--clients", "3", "--edits", "3", "--interval", "20ms")
	require.NoError(t, err)
	assert.Contains(t, out, "Samples: 6")
}

func TestReportWithoutSamples(t *testing.T) {
	ch := make(chan latencySample)
	close(ch)
	var buf bytes.Buffer
	report(&buf, ch, 50*time.Millisecond)
	assert.Equal(t, "no samples collected\n", buf.String())
}

func TestReportSummary(t *testing.T) {
	ch := make(chan latencySample, 2)
	ch <- latencySample{dur: 10 * time.Millisecond}
	ch <- latencySample{dur: 90 * time.Millisecond}
	close(ch)
	var buf bytes.Buffer
	report(&buf, ch, 50*time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, "Samples: 2")
	assert.Contains(t, out, "Avg latency: 50ms")
	assert.Contains(t, out, "Max latency: 90ms")
	assert.True(t, strings.Contains(out, "warning:"))
}
