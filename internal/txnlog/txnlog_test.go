package txnlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cuemby/dswarm/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenTxnLogWritesStartRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txn.log")
	tl, err := OpenTxnLog(path)
	require.NoError(t, err)
	require.NoError(t, tl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "MANAGER START")
	assert.Contains(t, lines[1], "MANAGER END")
}

func TestTxnLogRecordsTaskAndWorkerEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txn.log")
	tl, err := OpenTxnLog(path)
	require.NoError(t, err)

	tl.WriteWorkerEvent("w1#1", "10.0.0.1:9000", "CONNECTED", "")
	tl.WriteTaskEvent(42, types.TaskRunning, "w1#1", "")
	tl.WriteTaskDone(&types.Task{ID: 42, Result: types.ResultSuccess, ExitCode: 0, TryCount: 1, Category: "default"})
	require.NoError(t, tl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "WORKER w1#1 10.0.0.1:9000 CONNECTED")
	assert.Contains(t, content, "TASK 42 RUNNING w1#1")
	assert.Contains(t, content, "TASK 42 DONE")
}

func TestOpenPerfLogWritesHeaderOnceOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perf.log")

	p1, err := OpenPerfLog(path)
	require.NoError(t, err)
	p1.Write(Snapshot{WorkersConnected: 2, TasksRunning: 1})
	require.NoError(t, p1.Close())

	p2, err := OpenPerfLog(path)
	require.NoError(t, err)
	p2.Write(Snapshot{WorkersConnected: 3})
	require.NoError(t, p2.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	headerCount := 0
	for _, l := range lines {
		if strings.HasPrefix(l, "#") {
			headerCount++
		}
	}
	assert.Equal(t, 1, headerCount)
	assert.Len(t, lines, 3) // 1 header + 2 data rows
}
