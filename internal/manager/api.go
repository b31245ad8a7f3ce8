// api.go is the minimal public surface the event loop itself relies
// on: submit, cancel and wait. spec.md scopes the full client
// embedding SDK (create/submit/wait/cancel/delete as a library facade)
// out of the core; this is only the contract the loop needs to accept
// work and hand back results, expressed as channel round-trips into
// the loop goroutine (spec.md sec 9 "Global process state": explicit
// construction/parameters, no package-level globals).
package manager

import (
	"time"

	"github.com/cuemby/dswarm/internal/metrics"
	"github.com/cuemby/dswarm/internal/types"
	"github.com/cuemby/dswarm/internal/wire"
)

// Submit enqueues task as READY and returns its assigned task ID.
// The ID, state, SubmitTime, resource-request label and (when unset)
// MaxRetries are set by the loop goroutine so that
// next_taskid remains strictly monotonic regardless of caller
// concurrency (spec.md sec 8 invariant 4).
func (m *Manager) Submit(task *types.Task) int64 {
	reply := make(chan int64, 1)
	m.submitCh <- submitRequest{task: task, reply: reply}
	return <-reply
}

// Cancel requests task's removal. The task transitions to CANCELED
// immediately regardless of whether its worker acknowledges the kill
// (spec.md sec 5 "Cancellation & timeout"). Returns false if the task
// is unknown or already terminal.
func (m *Manager) Cancel(taskID int64) bool {
	reply := make(chan bool, 1)
	m.cancelCh <- cancelRequest{taskID: taskID, reply: reply}
	return <-reply
}

// Wait blocks for up to timeout for one completed task (optionally
// filtered by tag). It does not step the event loop itself: it
// registers a waiter with the loop already running in Run, which hands
// it the first matching completed task, or nil once timeout has
// passed. With a zero timeout it returns only a task that is already
// completed when the loop next checks its waiters.
func (m *Manager) Wait(timeout time.Duration, tag string) *types.Task {
	reply := make(chan *types.Task, 1)
	m.waitCh <- waitRequest{timeout: timeout, tag: tag, reply: reply}
	return <-reply
}

func (m *Manager) handleSubmit(req submitRequest) {
	task := req.task
	task.ID = m.nextTaskID
	m.nextTaskID++
	task.State = types.TaskReady
	task.SubmitTime = time.Now()
	task.RequestLabel = types.ResourceRequestFirst
	if task.MaxRetries == 0 {
		task.MaxRetries = 1
	}

	m.tasks[task.ID] = task
	m.pushReadyBack(task.ID)

	metrics.TasksByState.WithLabelValues(string(types.TaskReady)).Inc()
	m.txn.WriteTaskEvent(task.ID, types.TaskReady, "", "submitted")
	req.reply <- task.ID
}

func (m *Manager) handleCancel(req cancelRequest) {
	task, ok := m.tasks[req.taskID]
	if !ok || task.State == types.TaskDone || task.State == types.TaskCanceled {
		req.reply <- false
		return
	}

	wasRunning := task.State == types.TaskRunning
	if wasRunning {
		if w, exists := m.workers[task.WorkerKey]; exists {
			if c, connOK := m.conns[w.Key]; connOK {
				_ = c.WriteLine(time.Now().Add(m.cfg.Tunables.ShortTimeout), wire.Kill(task.ID))
			}
			delete(w.CurrentTasks, task.ID)
			delete(w.TaskBoxes, task.ID)
			recountInUse(w)
		}
	} else {
		m.removeFromReadyOrder(task.ID)
	}

	task.State = types.TaskCanceled
	task.DoneTime = time.Now()
	delete(m.tasks, task.ID)
	if wasRunning {
		metrics.TasksByState.WithLabelValues(string(types.TaskRunning)).Dec()
	} else {
		metrics.TasksByState.WithLabelValues(string(types.TaskReady)).Dec()
	}
	m.txn.WriteTaskEvent(task.ID, types.TaskCanceled, "", "client_cancel")
	req.reply <- true
}

func (m *Manager) removeFromReadyOrder(id int64) {
	for i, rid := range m.readyOrder {
		if rid == id {
			m.readyOrder = append(m.readyOrder[:i], m.readyOrder[i+1:]...)
			return
		}
	}
}

