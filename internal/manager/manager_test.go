package manager

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/cuemby/dswarm/internal/bstore"
	"github.com/cuemby/dswarm/internal/config"
	"github.com/cuemby/dswarm/internal/metrics"
	"github.com/cuemby/dswarm/internal/types"
	"github.com/cuemby/dswarm/internal/wire"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	store, err := bstore.Open(cfg.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m, err := newManagerNoListen(cfg, store)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// newManagerNoListen is New without requiring a live TCP listener, so
// unit tests can exercise the loop goroutine's helper methods directly
// without binding a port.
func newManagerNoListen(cfg *config.Config, store *bstore.Store) (*Manager, error) {
	return New(cfg, store)
}

// connectedWorker wires a worker into m with a real net.Pipe connection
// so commit()'s WriteLine/WritePayload calls have somewhere to go; the
// client half is drained on a background goroutine.
func connectedWorker(t *testing.T, m *Manager, key string, cores, mem int64) *types.Worker {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	go io.Copy(io.Discard, client)

	w := &types.Worker{
		Key:          key,
		RemoteAddr:   &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000},
		Type:         types.WorkerTypeWorker,
		Features:     map[string]struct{}{},
		Cache:        map[string]types.CacheEntry{},
		CurrentTasks: map[int64]*types.Task{},
		TaskBoxes:    map[int64]types.ResourceSpec{},
		Resources: types.ResourceVector{
			Cores:  types.ResourceCounter{Total: cores, Largest: cores},
			Memory: types.ResourceCounter{Total: mem, Largest: mem},
		},
		ConnectedAt:     time.Now(),
		LastMsgRecvTime: time.Now(),
	}
	m.workers[key] = w
	m.conns[key] = wire.NewConn(server)
	return w
}

func TestHandleSubmitAssignsMonotonicIDs(t *testing.T) {
	m := newTestManager(t)
	r1 := make(chan int64, 1)
	r2 := make(chan int64, 1)
	m.handleSubmit(submitRequest{task: &types.Task{Command: "echo a"}, reply: r1})
	m.handleSubmit(submitRequest{task: &types.Task{Command: "echo b"}, reply: r2})

	id1, id2 := <-r1, <-r2
	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), id2)
	assert.Equal(t, types.TaskReady, m.tasks[id1].State)
}

func TestDispatchCommitsReadyTaskToFittingWorker(t *testing.T) {
	m := newTestManager(t)
	connectedWorker(t, m, "w1#1", 8, 16384)

	task := &types.Task{Command: "echo hi", Category: "default", Request: types.ResourceSpec{Cores: 2}}
	reply := make(chan int64, 1)
	m.handleSubmit(submitRequest{task: task, reply: reply})
	<-reply

	dispatched := m.dispatchOneReadyTask()
	require.True(t, dispatched)
	assert.Equal(t, types.TaskRunning, task.State)
	assert.Equal(t, "w1#1", task.WorkerKey)
	assert.Equal(t, int64(1), task.TryCount)
}

func TestDispatchHonorsWaitForWorkersGate(t *testing.T) {
	m := newTestManager(t)
	m.cfg.Tunables.WaitForWorkers = 2
	connectedWorker(t, m, "w1#1", 8, 16384)

	task := &types.Task{Command: "echo hi"}
	reply := make(chan int64, 1)
	m.handleSubmit(submitRequest{task: task, reply: reply})
	<-reply

	assert.False(t, m.dispatchOneReadyTask(), "must not dispatch below wait_for_workers")
}

func TestHandleResultTransitionsToWaitingRetrieval(t *testing.T) {
	m := newTestManager(t)
	w := connectedWorker(t, m, "w1#1", 8, 16384)

	task := &types.Task{ID: 7, Category: "default", WorkerKey: w.Key, CommitEndTime: time.Now().Add(-time.Second)}
	m.tasks[7] = task
	w.CurrentTasks[7] = task
	w.TaskBoxes[7] = types.ResourceSpec{Cores: 2}

	msg, err := wire.ParseLine("result 0 0 12 500000 7\n")
	require.NoError(t, err)
	m.handleResult(w, msg, []byte("hello stdout"))

	assert.Equal(t, types.TaskWaitingRetrieval, task.State)
	assert.Equal(t, types.ResultSuccess, task.Result)
	assert.Equal(t, "hello stdout", string(task.Stdout))
	assert.NotContains(t, w.CurrentTasks, int64(7))
}

func TestHandleResultIgnoresMismatchedWorker(t *testing.T) {
	m := newTestManager(t)
	owner := connectedWorker(t, m, "owner#1", 4, 4096)
	reporter := connectedWorker(t, m, "reporter#2", 4, 4096)

	task := &types.Task{ID: 9, WorkerKey: owner.Key, State: types.TaskRunning}
	m.tasks[9] = task

	msg, err := wire.ParseLine("result 0 0 0 1000 9\n")
	require.NoError(t, err)
	m.handleResult(reporter, msg, nil)

	assert.Equal(t, types.TaskRunning, task.State, "a result from a non-owning worker must not mutate task state")
}

func TestRemoveWorkerRequeuesInFlightTasks(t *testing.T) {
	m := newTestManager(t)
	w := connectedWorker(t, m, "w1#1", 8, 16384)

	task := &types.Task{ID: 3, State: types.TaskRunning, WorkerKey: w.Key}
	m.tasks[3] = task
	w.CurrentTasks[3] = task

	m.removeWorker(w, "keepalive_timeout")

	assert.Equal(t, types.TaskReady, task.State)
	assert.Equal(t, "", task.WorkerKey)
	assert.Contains(t, m.readyOrder, int64(3))
	assert.NotContains(t, m.workers, w.Key)
}

func TestInvalidateCacheKillsAndRequeuesDependentRunningTask(t *testing.T) {
	m := newTestManager(t)
	w := connectedWorker(t, m, "w1#1", 8, 16384)
	w.Cache["data.bin"] = types.CacheEntry{Size: 1024}

	task := &types.Task{
		ID:        5,
		State:     types.TaskRunning,
		WorkerKey: w.Key,
		Inputs:    []types.InputFile{{RemoteName: "data.bin", Cache: true}},
	}
	m.tasks[5] = task
	w.CurrentTasks[5] = task
	w.TaskBoxes[5] = types.ResourceSpec{Cores: 1}

	m.InvalidateCache("data.bin")

	assert.NotContains(t, w.Cache, "data.bin")
	assert.Equal(t, types.TaskReady, task.State)
	assert.NotContains(t, w.CurrentTasks, int64(5))
}

func TestInvalidateCacheNoOpWhenNowhereCached(t *testing.T) {
	m := newTestManager(t)
	connectedWorker(t, m, "w1#1", 8, 16384)
	assert.NotPanics(t, func() { m.InvalidateCache("nonexistent.bin") })
}

func TestRunFastAbortCancelsSlowTaskThenBlocksRepeatOffender(t *testing.T) {
	m := newTestManager(t)
	m.cfg.Tunables.CategorySteadyNTasks = 1
	m.cfg.Tunables.FastAbortMultiplier = 2.0
	for i := 0; i < 3; i++ {
		m.categories.RecordCompletion("default", time.Second, time.Second, time.Second, nil)
	}

	w := connectedWorker(t, m, "w1#1", 8, 16384)
	task := &types.Task{ID: 11, Category: "default", State: types.TaskRunning, WorkerKey: w.Key,
		CommitEndTime: time.Now().Add(-time.Hour)}
	m.tasks[11] = task
	w.CurrentTasks[11] = task
	w.TaskBoxes[11] = types.ResourceSpec{Cores: 1}

	m.runFastAbort(time.Now())
	assert.True(t, w.FastAbortAlarm)
	assert.Equal(t, types.TaskReady, task.State)
	assert.Equal(t, 1, task.FastAbortStrikes)
	_, stillConnected := m.workers[w.Key]
	assert.True(t, stillConnected, "first strike only cancels the task, worker stays connected")

	// Second offense on the same worker escalates to a block + removal.
	task2 := &types.Task{ID: 12, Category: "default", State: types.TaskRunning, WorkerKey: w.Key,
		CommitEndTime: time.Now().Add(-time.Hour)}
	m.tasks[12] = task2
	w.CurrentTasks[12] = task2
	w.TaskBoxes[12] = types.ResourceSpec{Cores: 1}

	m.runFastAbort(time.Now())
	_, stillConnected = m.workers[w.Key]
	assert.False(t, stillConnected, "repeat offender must be removed")
	assert.True(t, m.blocklist.IsBlocked(hostOf(w.RemoteAddr), time.Now()))
}

func TestHandleCancelRunningTaskTransitionsImmediately(t *testing.T) {
	m := newTestManager(t)
	w := connectedWorker(t, m, "w1#1", 8, 16384)
	task := &types.Task{ID: 20, State: types.TaskRunning, WorkerKey: w.Key}
	m.tasks[20] = task
	w.CurrentTasks[20] = task

	reply := make(chan bool, 1)
	m.handleCancel(cancelRequest{taskID: 20, reply: reply})

	assert.True(t, <-reply)
	assert.Equal(t, types.TaskCanceled, task.State)
	assert.NotContains(t, m.tasks, int64(20))
}

func TestHandleCancelUnknownTaskReturnsFalse(t *testing.T) {
	m := newTestManager(t)
	reply := make(chan bool, 1)
	m.handleCancel(cancelRequest{taskID: 999, reply: reply})
	assert.False(t, <-reply)
}

func TestHandleResultResourceExhaustionRequeuesAtFrontAndEscalatesLabel(t *testing.T) {
	m := newTestManager(t)
	w := connectedWorker(t, m, "w1#1", 8, 16384)

	task := &types.Task{ID: 30, WorkerKey: w.Key, CommitEndTime: time.Now().Add(-time.Second),
		RequestLabel: types.ResourceRequestFirst, MaxRetries: 5}
	m.tasks[30] = task
	w.CurrentTasks[30] = task
	w.TaskBoxes[30] = types.ResourceSpec{Cores: 2}
	m.readyOrder = nil

	msg, err := wire.ParseLine("result 2 0 0 500 30\n")
	require.NoError(t, err)
	m.handleResult(w, msg, nil)

	assert.Equal(t, types.TaskReady, task.State, "must retry, not hand back to the client yet")
	assert.Equal(t, types.ResourceRequestMax, task.RequestLabel)
	require.Len(t, m.readyOrder, 1)
	assert.Equal(t, int64(30), m.readyOrder[0], "resubmission requeues at the head")
}

func TestHandleResultResourceExhaustionGivesUpAtErrorLabel(t *testing.T) {
	m := newTestManager(t)
	w := connectedWorker(t, m, "w1#1", 8, 16384)

	task := &types.Task{ID: 31, WorkerKey: w.Key, CommitEndTime: time.Now().Add(-time.Second),
		RequestLabel: types.ResourceRequestMax, MaxRetries: 5}
	m.tasks[31] = task
	w.CurrentTasks[31] = task
	w.TaskBoxes[31] = types.ResourceSpec{Cores: 2}

	msg, err := wire.ParseLine("result 2 0 0 500 31\n")
	require.NoError(t, err)
	m.handleResult(w, msg, nil)

	assert.Equal(t, types.TaskWaitingRetrieval, task.State, "ERROR label means give up, surface the result")
	assert.Equal(t, types.ResourceRequestError, task.RequestLabel)
	assert.Equal(t, types.ResultResourceExhaustion, task.Result)
}

func TestHandleResultForsakenRequeuesWithoutChargingTry(t *testing.T) {
	m := newTestManager(t)
	w := connectedWorker(t, m, "w1#1", 8, 16384)

	task := &types.Task{ID: 32, WorkerKey: w.Key, CommitEndTime: time.Now().Add(-time.Second),
		TryCount: 1, MaxRetries: 1}
	m.tasks[32] = task
	w.CurrentTasks[32] = task
	w.TaskBoxes[32] = types.ResourceSpec{Cores: 2}

	msg, err := wire.ParseLine("result 3 0 0 500 32\n")
	require.NoError(t, err)
	m.handleResult(w, msg, nil)

	assert.Equal(t, types.TaskReady, task.State, "FORSAKEN must not count against max_retries")
	assert.Equal(t, types.ResultForsaken, task.Result)
	assert.Equal(t, 0, task.TryCount, "the failed attempt must not be charged")
}

func TestRequeueTaskExceedingMaxRetriesTerminatesInstead(t *testing.T) {
	m := newTestManager(t)
	w := connectedWorker(t, m, "w1#1", 8, 16384)

	task := &types.Task{ID: 33, State: types.TaskRunning, WorkerKey: w.Key, TryCount: 2, MaxRetries: 1}
	m.tasks[33] = task
	w.CurrentTasks[33] = task

	m.removeWorker(w, "keepalive_timeout")

	assert.Equal(t, types.TaskWaitingRetrieval, task.State)
	assert.Equal(t, types.ResultMaxRetries, task.Result)
	assert.NotContains(t, m.readyOrder, int64(33), "an exhausted task must not requeue again")
}

func TestExpireWaitingTasksTimesOutReadyTaskPastDeadline(t *testing.T) {
	m := newTestManager(t)
	task := &types.Task{ID: 40, State: types.TaskReady, Request: types.ResourceSpec{End: time.Now().Add(-time.Second)}}
	m.tasks[40] = task
	m.readyOrder = []int64{40}

	expired := m.expireWaitingTasks(time.Now())

	assert.True(t, expired)
	assert.Equal(t, types.TaskWaitingRetrieval, task.State)
	assert.Equal(t, types.ResultTaskTimeout, task.Result)
	assert.NotContains(t, m.readyOrder, int64(40))
}

func TestHandleResourcePreservesInUseAndParsesSmallestLargest(t *testing.T) {
	m := newTestManager(t)
	w := connectedWorker(t, m, "w1#1", 8, 16384)
	w.Resources.Cores.InUse = 3

	msg, err := wire.ParseLine("resource cores 8 1 8\n")
	require.NoError(t, err)
	m.handleResource(w, msg)

	assert.Equal(t, int64(8), w.Resources.Cores.Total)
	assert.Equal(t, int64(1), w.Resources.Cores.Smallest)
	assert.Equal(t, int64(8), w.Resources.Cores.Largest)
	assert.Equal(t, int64(3), w.Resources.Cores.InUse, "inuse is derived state, must not be clobbered")
}

func TestHandleResourceTagVariantIsANoOp(t *testing.T) {
	m := newTestManager(t)
	w := connectedWorker(t, m, "w1#1", 8, 16384)

	msg, err := wire.ParseLine("resource tag somelabel\n")
	require.NoError(t, err)
	assert.NotPanics(t, func() { m.handleResource(w, msg) })
	assert.Equal(t, int64(8), w.Resources.Cores.Total, "a tag message must not touch counted dimensions")
}

func TestHandleInfoFromFactorySetsFactory(t *testing.T) {
	m := newTestManager(t)
	w := connectedWorker(t, m, "w1#1", 8, 16384)

	msg, err := wire.ParseLine("info from-factory pool-a\n")
	require.NoError(t, err)
	m.handleInfo(w, msg)

	assert.Equal(t, "pool-a", w.Factory)
}

func TestCacheInvalidationMatchesOutputsToo(t *testing.T) {
	task := &types.Task{Outputs: []types.OutputFile{{RemoteName: "result.bin", CachedName: "result.bin"}}}
	assert.True(t, taskReferencesName(task, "result.bin"))
	assert.False(t, taskReferencesName(task, "other.bin"))
}

func TestHandleCancelRunningTaskDecrementsRunningNotReadyGauge(t *testing.T) {
	m := newTestManager(t)
	w := connectedWorker(t, m, "w1#1", 8, 16384)
	task := &types.Task{ID: 50, State: types.TaskRunning, WorkerKey: w.Key}
	m.tasks[50] = task
	w.CurrentTasks[50] = task

	runningGauge := metrics.TasksByState.WithLabelValues(string(types.TaskRunning))
	before := testutil.ToFloat64(runningGauge)

	reply := make(chan bool, 1)
	m.handleCancel(cancelRequest{taskID: 50, reply: reply})
	require.True(t, <-reply)

	assert.Equal(t, before-1, testutil.ToFloat64(runningGauge), "canceling a RUNNING task must decrement the RUNNING gauge, not READY")
}
