// Package txnlog implements the two append-only log writers component
// C12 names: a transaction log of discrete state-change records, and a
// periodic perf-log snapshot of queue-wide counters. Grounded on the
// write call sites in original_source's ds_manager.c (ds_txn_log_write*
// / ds_perf_log_write*), restyled as small typed Write* methods that
// format each line with fmt.Fprintf.
package txnlog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/dswarm/internal/types"
)

// TxnLog appends one line per manager/worker/task/category state
// change, in the style of ds_manager.c's ds_txn_log_write family.
type TxnLog struct {
	mu   sync.Mutex
	w    io.WriteCloser
}

// OpenTxnLog opens path for appending and writes a "MANAGER START"
// record (mirrors "MANAGER START" at manager startup). No header line
// is written.
func OpenTxnLog(path string) (*TxnLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening txn log %s: %w", path, err)
	}
	t := &TxnLog{w: f}
	t.WriteManagerEvent("START")
	return t, nil
}

// Close writes "MANAGER END" and closes the underlying file.
func (t *TxnLog) Close() error {
	t.WriteManagerEvent("END")
	return t.w.Close()
}

func (t *TxnLog) writeRaw(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "%d %s\n", time.Now().UnixMicro(), line)
}

// WriteManagerEvent records a manager-lifecycle transition (START,
// RUNNING, END).
func (t *TxnLog) WriteManagerEvent(what string) {
	t.writeRaw(fmt.Sprintf("MANAGER %s", what))
}

// WriteWorkerEvent records a worker connecting, disconnecting, or
// being removed, with an optional reason (empty for a clean connect).
func (t *TxnLog) WriteWorkerEvent(key, addr, what, reason string) {
	if reason == "" {
		t.writeRaw(fmt.Sprintf("WORKER %s %s %s", key, addr, what))
		return
	}
	t.writeRaw(fmt.Sprintf("WORKER %s %s %s %s", key, addr, what, reason))
}

// WriteWorkerResources records a worker's advertised resource vector
// (mirrors ds_txn_log_write_worker_resources, called on every
// "resource" line received).
func (t *TxnLog) WriteWorkerResources(key string, r types.ResourceVector) {
	t.writeRaw(fmt.Sprintf("WORKER %s RESOURCES cores %d mem %d disk %d gpus %d",
		key, r.Cores.Total, r.Memory.Total, r.Disk.Total, r.GPUs.Total))
}

// WriteTaskEvent records a task state transition: submission,
// dispatch, completion, or cancellation.
func (t *TxnLog) WriteTaskEvent(taskID int64, state types.TaskState, workerKey string, extra string) {
	line := fmt.Sprintf("TASK %d %s", taskID, state)
	if workerKey != "" {
		line += " " + workerKey
	}
	if extra != "" {
		line += " " + extra
	}
	t.writeRaw(line)
}

// WriteTaskDone records a task's terminal result, mirroring
// ds_txn_log_write_task at retrieval time.
func (t *TxnLog) WriteTaskDone(task *types.Task) {
	t.writeRaw(fmt.Sprintf("TASK %d DONE %s exit=%d try=%d category=%s",
		task.ID, task.Result, task.ExitCode, task.TryCount, task.Category))
}

// WriteCategoryEvent records a category policy change (min/max/mode/
// fast-abort multiplier set via a "category" line).
func (t *TxnLog) WriteCategoryEvent(cat *types.Category) {
	t.writeRaw(fmt.Sprintf("CATEGORY %s MODE %s MIN cores=%d mem=%d disk=%d gpus=%d MAX cores=%d mem=%d disk=%d gpus=%d",
		cat.Name, cat.Mode,
		cat.Min.Cores, cat.Min.Memory, cat.Min.Disk, cat.Min.GPUs,
		cat.Max.Cores, cat.Max.Memory, cat.Max.Disk, cat.Max.GPUs))
}

// PerfLog periodically snapshots queue-wide counters, one line per
// snapshot, preceded by a single header line naming the columns
// (mirrors ds_perf_log_write_header / ds_perf_log_write_update).
type PerfLog struct {
	mu     sync.Mutex
	w      io.WriteCloser
	fields []string
}

var perfLogFields = []string{
	"timestamp",
	"workers_connected",
	"workers_busy",
	"tasks_waiting",
	"tasks_running",
	"tasks_waiting_retrieval",
	"tasks_dispatched",
	"tasks_completed",
	"tasks_failed",
	"capacity_cores",
	"capacity_memory",
}

// OpenPerfLog opens path for appending and writes the column header if
// the file is new (empty).
func OpenPerfLog(path string) (*PerfLog, error) {
	info, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening perf log %s: %w", path, err)
	}
	p := &PerfLog{w: f, fields: perfLogFields}
	if statErr != nil || info.Size() == 0 {
		fmt.Fprintf(f, "# %s\n", strings.Join(p.fields, " "))
	}
	return p, nil
}

// Close closes the underlying file.
func (p *PerfLog) Close() error { return p.w.Close() }

// Snapshot is one row of queue-wide counters written to the perf log.
type Snapshot struct {
	WorkersConnected int
	WorkersBusy      int
	TasksWaiting     int
	TasksRunning     int
	TasksWaitingRet  int
	TasksDispatched  int64
	TasksCompleted   int64
	TasksFailed      int64
	CapacityCores    int64
	CapacityMemory   int64
}

// Write appends one snapshot row, space-separated in perfLogFields
// order.
func (p *PerfLog) Write(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%d %d %d %d %d %d %d %d %d %d %d\n",
		time.Now().Unix(),
		s.WorkersConnected, s.WorkersBusy,
		s.TasksWaiting, s.TasksRunning, s.TasksWaitingRet,
		s.TasksDispatched, s.TasksCompleted, s.TasksFailed,
		s.CapacityCores, s.CapacityMemory)
}
