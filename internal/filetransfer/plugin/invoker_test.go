package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestInvokeSingle_Success(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "plugin.sh", `echo 'TransferProtocol = "http"'
echo 'TransferFileBytes = 10'
exit 0
`)
	reg := &Registration{Path: path}

	stats, err := InvokeSingle(context.Background(), reg, "http://x/y", filepath.Join(dir, "out"), InvokeOptions{})
	require.NoError(t, err)
	proto, ok := stats.GetString("TransferProtocol")
	require.True(t, ok)
	require.Equal(t, "http", proto)
}

func TestInvokeSingle_NonZeroExitFails(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "plugin.sh", "exit 1\n")
	reg := &Registration{Path: path}

	_, err := InvokeSingle(context.Background(), reg, "http://x/y", filepath.Join(dir, "out"), InvokeOptions{})
	require.Error(t, err)
}

func TestInvokeMulti_ParsesOutfile(t *testing.T) {
	dir := t.TempDir()
	body := fmt.Sprintf(`while [ "$1" != "-outfile" ]; do shift; done
shift
outfile="$1"
cat > "$outfile" <<'EOF'
TransferFileName = "a.txt"
TransferUrl = "http://x/a.txt"
TransferSuccess = true

TransferFileName = "b.txt"
TransferUrl = "http://x/b.txt"
TransferSuccess = false
TransferError = "connect failed"
EOF
exit 0
`)
	path := writeScript(t, dir, "plugin.sh", body)
	reg := &Registration{Path: path, MultiFile: true}

	requests := []TransferRequest{
		{URL: "http://x/a.txt", LocalFileName: "a.txt"},
		{URL: "http://x/b.txt", LocalFileName: "b.txt"},
	}
	results, err := InvokeMulti(context.Background(), reg, requests, false, InvokeOptions{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.True(t, results[0].TransferSuccess)
	require.False(t, results[1].TransferSuccess)
	require.Equal(t, "connect failed", results[1].TransferError)
}
