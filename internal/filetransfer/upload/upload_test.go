package upload

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relayforge/relayforge/internal/filetransfer/download"
	"github.com/relayforge/relayforge/internal/filetransfer/planner"
	"github.com/relayforge/relayforge/internal/filetransfer/plugin"
	"github.com/relayforge/relayforge/internal/filetransfer/summary"
	"github.com/relayforge/relayforge/internal/filetransfer/wire"
)

func pipeDuplex(t *testing.T) (wire.Duplex, wire.Duplex) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

type fakeCapabilityRunner struct {
	multiFile bool
}

func (f fakeCapabilityRunner) Probe(ctx context.Context, path string) ([]byte, error) {
	return []byte(fmt.Sprintf("SupportedMethods = \"test\"\nMultipleFileSupport = %t\n", f.multiFile)), nil
}

func TestUploadDownload_PlainFileAndDirectoryRoundTrip(t *testing.T) {
	iwd := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(iwd, "outdir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(iwd, "results.txt"), []byte("job output"), 0o644))

	items := []planner.TransferItem{
		{SourceName: "outdir", IsDirectory: true, FileMode: 0o755},
		{SourceName: "results.txt", FileSize: int64(len("job output"))},
	}

	a, b := pipeDuplex(t)
	up := New(a, Options{Items: items, Iwd: iwd})

	sandboxDir := filepath.Join(t.TempDir(), "sandbox")
	dl := download.New(b, download.Options{SandboxDir: sandboxDir, Final: true})

	upDone := make(chan error, 1)
	go func() {
		_, err := up.Run(context.Background())
		upDone <- err
	}()

	dlResult, dlErr := dl.Run(context.Background())
	require.NoError(t, dlErr)
	require.NoError(t, <-upDone)
	require.True(t, dlResult.Success)

	info, err := os.Stat(filepath.Join(sandboxDir, "outdir"))
	require.NoError(t, err)
	require.True(t, info.IsDir())

	data, err := os.ReadFile(filepath.Join(sandboxDir, "results.txt"))
	require.NoError(t, err)
	require.Equal(t, "job output", string(data))
}

func TestUploadDownload_SourceURLRoundTrip(t *testing.T) {
	scriptDir := t.TempDir()
	scriptPath := writeScript(t, scriptDir, "fetch.sh", `cat > "$2" <<'EOF'
fetched-content
EOF
exit 0
`)

	reg := plugin.New()
	require.NoError(t, reg.Discover(context.Background(), fakeCapabilityRunner{multiFile: false}, []string{scriptPath}))

	items := []planner.TransferItem{
		{SourceName: "test://payload", SourceScheme: "test"},
	}

	a, b := pipeDuplex(t)
	up := New(a, Options{Items: items, Plugins: reg})

	sandboxDir := filepath.Join(t.TempDir(), "sandbox")
	dl := download.New(b, download.Options{SandboxDir: sandboxDir, Final: true, Plugins: reg})

	upDone := make(chan error, 1)
	go func() {
		_, err := up.Run(context.Background())
		upDone <- err
	}()

	dlResult, dlErr := dl.Run(context.Background())
	require.NoError(t, dlErr)
	require.NoError(t, <-upDone)
	require.True(t, dlResult.Success)

	data, err := os.ReadFile(filepath.Join(sandboxDir, "payload"))
	require.NoError(t, err)
	require.Contains(t, string(data), "fetched-content")
}

func TestUploadDownload_DestURLPushRoundTrip(t *testing.T) {
	scriptDir := t.TempDir()
	body := `while [ "$1" != "-outfile" ]; do shift; done
shift
outfile="$1"
cat > "$outfile" <<'EOF'
TransferFileName = "results.txt"
TransferUrl = "test://out/results.txt"
TransferSuccess = true
TransferFileBytes = 4
TransferProtocol = "test"
EOF
exit 0
`
	scriptPath := writeScript(t, scriptDir, "push.sh", body)

	reg := plugin.New()
	require.NoError(t, reg.Discover(context.Background(), fakeCapabilityRunner{multiFile: true}, []string{scriptPath}))

	iwd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(iwd, "results.txt"), []byte("data"), 0o644))

	items := []planner.TransferItem{
		{SourceName: "results.txt", DestURL: "test://out/results.txt", FileSize: 4},
	}

	a, b := pipeDuplex(t)
	up := New(a, Options{Items: items, Iwd: iwd, Plugins: reg})

	sandboxDir := filepath.Join(t.TempDir(), "sandbox")
	dl := download.New(b, download.Options{SandboxDir: sandboxDir, Final: true})

	type uploadOutcome struct {
		result summary.Result
		err    error
	}
	upResultCh := make(chan uploadOutcome, 1)
	go func() {
		result, err := up.Run(context.Background())
		upResultCh <- uploadOutcome{result: result, err: err}
	}()

	dlResult, dlErr := dl.Run(context.Background())
	require.NoError(t, dlErr)
	require.True(t, dlResult.Success)
	require.Equal(t, 1, dlResult.FilesTransferred)

	upOutcome := <-upResultCh
	require.NoError(t, upOutcome.err)
	require.True(t, upOutcome.result.Success)
}
