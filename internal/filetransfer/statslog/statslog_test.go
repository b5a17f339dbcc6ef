package statslog

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relayforge/relayforge/internal/classad"
)

func TestWrite_AppendsRecordWithTimestamp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.log")

	log, err := Open(path)
	require.NoError(t, err)
	defer log.Close()

	rec := classad.New()
	rec.SetString("TransferFileName", "a.txt")
	rec.SetInt("TransferFileBytes", 1024)
	require.NoError(t, log.Write(rec))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "TransferFileName")
	require.Contains(t, string(data), "Timestamp")
}

func TestWrite_MultipleRecordsAreParseable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.log")

	log, err := Open(path)
	require.NoError(t, err)
	defer log.Close()

	for i := 0; i < 3; i++ {
		rec := classad.New()
		rec.SetString("TransferFileName", "f")
		require.NoError(t, log.Write(rec))
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := classad.ParseAll(f)
	require.NoError(t, err)
	require.Len(t, records, 3)
}

func TestWrite_RotatesPastMaxSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.log")

	log, err := Open(path)
	require.NoError(t, err)
	defer log.Close()
	log.size = MaxSize + 1

	rec := classad.New()
	rec.SetString("X", "y")
	require.NoError(t, log.Write(rec))

	_, err = os.Stat(path + ".old")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "X"))
}

func TestOpen_ResumesExistingSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.log")
	require.NoError(t, os.WriteFile(path, []byte("existing content\n"), 0644))

	log, err := Open(path)
	require.NoError(t, err)
	defer log.Close()
	require.EqualValues(t, len("existing content\n"), log.size)
}

func TestWrite_RecordsAreLineTerminated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.log")

	log, err := Open(path)
	require.NoError(t, err)
	defer log.Close()

	rec := classad.New()
	rec.SetString("A", "1")
	require.NoError(t, log.Write(rec))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines int
	for scanner.Scan() {
		lines++
	}
	require.Greater(t, lines, 0)
}
