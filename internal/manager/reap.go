package manager

import (
	"time"

	"github.com/cuemby/dswarm/internal/metrics"
	"github.com/cuemby/dswarm/internal/scheduler"
	"github.com/cuemby/dswarm/internal/types"
	"github.com/cuemby/dswarm/internal/wire"
)

// handleResult processes a `result` line plus its framed stdout
// payload (spec.md sec 4.7 "Task completion"). A worker may report a
// task ID that no longer belongs to it (e.g. after a retry elsewhere);
// the open-question decision in DESIGN.md preserves the original
// log-and-continue behavior rather than treating it as fatal.
func (m *Manager) handleResult(w *types.Worker, msg *wire.Message, payload []byte) {
	taskID, err := msg.IntField(4)
	if err != nil {
		return
	}
	task, ok := m.tasks[taskID]
	if !ok {
		return
	}
	if task.WorkerKey != w.Key {
		m.logger.Warn().Int64("task", taskID).Str("result_worker", w.Key).Str("owner_worker", task.WorkerKey).
			Msg("result reported by a worker that does not own this task; continuing per preserved anomaly")
		return
	}

	exitCode, _ := msg.IntField(1)
	outLen, _ := msg.IntField(2)
	execUsec, _ := msg.IntField(3)

	task.ExitCode = int(exitCode)
	task.RetrievalTime = time.Now()

	if int64(len(payload)) > types.MaxStdoutBytes {
		task.Stdout = append(payload[:types.MaxStdoutBytes-int64(len(types.TruncationMarker))], []byte(types.TruncationMarker)...)
		task.Truncated = true
	} else {
		task.Stdout = payload
	}
	_ = outLen

	task.Measured = &types.ResourceMeasured{
		CPUTime: time.Duration(execUsec) * time.Microsecond,
	}

	switch msg.Field(0) {
	case "0":
		task.Result = types.ResultSuccess
	case "1":
		task.Result = types.ResultSignal
	case "2":
		task.Result = types.ResultResourceExhaustion
	case "3":
		task.Result = types.ResultForsaken
	default:
		task.Result = types.ResultUnknown
	}

	delete(w.CurrentTasks, taskID)
	delete(w.TaskBoxes, taskID)
	recountInUse(w)

	sendTime := task.RetrievalTime.Sub(task.CommitEndTime)
	recvTime := time.Since(task.RetrievalTime)

	switch task.Result {
	case types.ResultResourceExhaustion:
		// spec sec 4.4: escalate FIRST -> MAX -> ERROR and retry with a
		// bigger box; only give up for good once ERROR is reached
		// (ds_manager.c:1101-1129).
		task.RequestLabel = scheduler.NextResourceRequestLabel(task.RequestLabel)
		if task.RequestLabel != types.ResourceRequestError {
			w.Stats.TasksFailed++
			m.requeueTask(task, true)
			return
		}
		m.finishTerminal(task, w, execUsec, sendTime, recvTime)

	case types.ResultForsaken:
		// spec sec 4.7: FORSAKEN requeues READY without charging the
		// try against max_retries (ds_manager.c:1420).
		w.Stats.TasksFailed++
		task.TryCount--
		m.requeueTask(task, true)

	default:
		m.finishTerminal(task, w, execUsec, sendTime, recvTime)
	}
}

// finishTerminal moves task from RUNNING to WAITING_RETRIEVAL: the
// result is final and the client will observe it on the next
// receiveOneOutput/finalizeRetrieved pass (spec.md sec 4.10 steps 1,4).
func (m *Manager) finishTerminal(task *types.Task, w *types.Worker, execUsec int64, sendTime, recvTime time.Duration) {
	task.State = types.TaskWaitingRetrieval
	w.Stats.TasksCompleted++
	w.FinishedTasks++

	execTime := time.Duration(execUsec) * time.Microsecond
	if task.Result == types.ResultSuccess {
		m.categories.RecordCompletion(task.Category, sendTime, execTime, recvTime, task.Measured)
	}

	metrics.TasksByState.WithLabelValues(string(types.TaskRunning)).Dec()
	metrics.TasksByState.WithLabelValues(string(types.TaskWaitingRetrieval)).Inc()
	m.txn.WriteTaskDone(task)
}

// handleUpdate processes a streamed `update` line for a watched output
// file while the task is still running (spec.md sec 3 OutputFile
// "Watched"). The core only needs to acknowledge receipt; the byte
// transfer mechanics belong to the out-of-scope transfer orchestrator.
func (m *Manager) handleUpdate(w *types.Worker, msg *wire.Message, payload []byte) {
	taskID, err := msg.IntField(0)
	if err != nil {
		return
	}
	if task, ok := m.tasks[taskID]; ok {
		w.Stats.BytesReceived += int64(len(payload))
		_ = task
	}
}

// handleSendResultsEnd marks that a worker has finished replying to a
// `send_results -1` drain request (spec.md sec 4.10 step 3).
func (m *Manager) handleSendResultsEnd(w *types.Worker) {
	w.LastUpdateMsgTime = time.Now()
}

// receiveOneOutput implements spec.md sec 4.10 step 4: attempt to
// finish exactly one task currently in WAITING_RETRIEVAL, transitioning
// it to RETRIEVED. Real manager APIs deliver it to whichever caller is
// waiting; that handoff lives in loop.go's dispatchCompletedToWaiters.
//
// A task flagged RESOURCE_EXHAUSTION is reclassified as TASK_TIMEOUT
// when its Measured.TimeExpired flag is set. handleResult fills only
// Measured.CPUTime and nothing in this package sets TimeExpired or
// Overflowed, so the reported result is kept as is. The owning
// worker's finished-but-unretrieved count is decremented.
func (m *Manager) receiveOneOutput() (*types.Task, bool) {
	for _, task := range m.tasks {
		if task.State != types.TaskWaitingRetrieval {
			continue
		}
		if task.Result == types.ResultResourceExhaustion && task.Measured != nil {
			switch {
			case task.Measured.TimeExpired:
				task.Result = types.ResultTaskTimeout
			case task.Measured.Overflowed:
				task.Result = types.ResultResourceExhaustion
			}
		}
		if w, ok := m.workers[task.WorkerKey]; ok && w.FinishedTasks > 0 {
			w.FinishedTasks--
		}
		task.State = types.TaskRetrieved
		return task, true
	}
	return nil, false
}

// finalizeRetrieved implements step 1 of spec.md sec 4.10: a RETRIEVED
// task transitions to DONE and leaves the manager's task index
// (invariant 6).
func (m *Manager) finalizeRetrieved(tag string) *types.Task {
	for id, task := range m.tasks {
		if task.State != types.TaskRetrieved {
			continue
		}
		if tag != "" && task.Tag != tag {
			continue
		}
		task.State = types.TaskDone
		task.DoneTime = time.Now()
		delete(m.tasks, id)
		metrics.TasksByState.WithLabelValues(string(types.TaskWaitingRetrieval)).Dec()
		metrics.TasksCompletedTotal.WithLabelValues(string(task.Result)).Inc()
		return task
	}
	return nil
}

// requeueTask returns an in-flight task to READY, used on worker
// failure and cancellation recovery (spec.md sec 4.8). A task that has
// already exhausted max_retries does not requeue again; it terminates
// as MAX_RETRIES instead (ds_manager.c:1201).
func (m *Manager) requeueTask(task *types.Task, toFront bool) {
	if task.TryCount > task.MaxRetries {
		task.Result = types.ResultMaxRetries
		task.State = types.TaskWaitingRetrieval
		task.WorkerKey = ""
		task.Allocated = types.ResourceSpec{}
		metrics.TasksByState.WithLabelValues(string(types.TaskRunning)).Dec()
		metrics.TasksByState.WithLabelValues(string(types.TaskWaitingRetrieval)).Inc()
		m.txn.WriteTaskDone(task)
		return
	}

	task.State = types.TaskReady
	task.WorkerKey = ""
	task.Allocated = types.ResourceSpec{}
	if toFront {
		m.pushReadyFront(task.ID)
	} else {
		m.pushReadyBack(task.ID)
	}
	metrics.TasksByState.WithLabelValues(string(types.TaskRunning)).Dec()
	metrics.TasksByState.WithLabelValues(string(types.TaskReady)).Inc()
	m.txn.WriteTaskEvent(task.ID, types.TaskReady, "", "requeued")
}
