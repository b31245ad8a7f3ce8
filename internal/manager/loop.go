package manager

import (
	"time"

	"github.com/cuemby/dswarm/internal/metrics"
	"github.com/cuemby/dswarm/internal/txnlog"
	"github.com/cuemby/dswarm/internal/types"
)

// Run is the single-threaded cooperative event loop (spec.md sec 4.10,
// component C9). It owns every piece of manager state; all other
// goroutines in this package (greet, readWorker) only perform blocking
// I/O and communicate back over channels.
func (m *Manager) Run() {
	defer close(m.done)
	m.txn.WriteManagerEvent("RUNNING")

	for {
		select {
		case <-m.stop:
			return
		default:
		}

		iterStart := time.Now()
		hadActivity := m.iterate()
		metrics.EventLoopIterationDuration.Observe(time.Since(iterStart).Seconds())

		activityValue := 0.0
		if hadActivity {
			activityValue = 1.0
		}
		m.load = m.load*(1-loadAlpha) + activityValue*loadAlpha
		metrics.EventLoopLoad.Set(m.load)
		m.busyWaiting = !hadActivity
	}
}

// iterate runs one pass of steps 1-12 from spec.md sec 4.10 and
// reports whether any event occurred.
func (m *Manager) iterate() bool {
	now := time.Now()
	eventOccurred := false

	if task := m.finalizeRetrieved(""); task != nil {
		eventOccurred = true
		m.completedQueue = append(m.completedQueue, task)
	}
	m.dispatchCompletedToWaiters(now)

	if now.Sub(m.lastCatalogPush) >= updateInterval {
		m.publishCatalog()
		m.lastCatalogPush = now
	}
	if now.Sub(m.lastResourceSample) >= resourceMeasurementInterval {
		m.perf.Write(m.perfSnapshot())
		m.lastResourceSample = now
	}

	pollTimeout := time.Millisecond
	if m.busyWaiting {
		pollTimeout = time.Second
	}
	if m.pollOnce(pollTimeout) {
		eventOccurred = true
	}

	if task, ok := m.receiveOneOutput(); ok {
		eventOccurred = true
		_ = task
	}

	if m.expireWaitingTasks(now) {
		eventOccurred = true
	}

	if m.dispatchOneReadyTask() {
		eventOccurred = true
	}

	m.issueKeepalives(now)
	m.runFastAbort(now)
	m.sweepDrainedWorkers()
	m.trimFactories()
	for _, host := range m.blocklist.ExpireStale(now) {
		m.logger.Debug().Str("host", host).Msg("block expired")
	}

	m.acceptNewConnections()

	if now.Sub(m.lastLargeTaskCheck) >= largeTaskCheckInterval {
		m.reportUnsatisfiableTasks()
		m.lastLargeTaskCheck = now
	}

	return eventOccurred
}

// pollOnce drains any admission or worker-message events already
// queued. If none are pending it blocks up to timeout for the first
// one to arrive (spec.md sec 4.10 step 3's "poll all links" translated
// to this package's channel fan-in).
func (m *Manager) pollOnce(timeout time.Duration) bool {
	got := false
	for m.handleOneEvent(0) {
		got = true
	}
	if got {
		return true
	}
	return m.handleOneEvent(timeout)
}

// handleOneEvent waits up to timeout for a single queued event and
// processes it. timeout=0 means non-blocking.
func (m *Manager) handleOneEvent(timeout time.Duration) bool {
	var after <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		after = t.C
	}
	select {
	case a := <-m.admitCh:
		m.handleAdmission(a)
		return true
	case wm := <-m.inbound:
		m.handleWorkerMsg(wm)
		return true
	case req := <-m.submitCh:
		m.handleSubmit(req)
		return true
	case req := <-m.cancelCh:
		m.handleCancel(req)
		return true
	case req := <-m.waitCh:
		m.waiters = append(m.waiters, waiter{deadline: time.Now().Add(req.timeout), tag: req.tag, reply: req.reply})
		return true
	case <-after:
		return false
	default:
		if timeout == 0 {
			return false
		}
		select {
		case a := <-m.admitCh:
			m.handleAdmission(a)
			return true
		case wm := <-m.inbound:
			m.handleWorkerMsg(wm)
			return true
		case req := <-m.submitCh:
			m.handleSubmit(req)
			return true
		case req := <-m.cancelCh:
			m.handleCancel(req)
			return true
		case req := <-m.waitCh:
			m.waiters = append(m.waiters, waiter{deadline: time.Now().Add(req.timeout), tag: req.tag, reply: req.reply})
			return true
		case <-after:
			return false
		}
	}
}

// dispatchCompletedToWaiters matches queued completed tasks against
// pending Wait() calls (oldest waiter first) and replies to any waiter
// whose deadline has passed with nil (spec.md sec 8 boundary: "With
// wait(timeout=0), the wait executes exactly one loop iteration").
func (m *Manager) dispatchCompletedToWaiters(now time.Time) {
	var stillWaiting []waiter
	for _, w := range m.waiters {
		matched := false
		for i, task := range m.completedQueue {
			if w.tag != "" && task.Tag != w.tag {
				continue
			}
			w.reply <- task
			m.completedQueue = append(m.completedQueue[:i], m.completedQueue[i+1:]...)
			matched = true
			break
		}
		if matched {
			continue
		}
		if now.After(w.deadline) {
			w.reply <- nil
			continue
		}
		stillWaiting = append(stillWaiting, w)
	}
	m.waiters = stillWaiting
}

// expireWaitingTasks enforces declared wall-time deadlines for both
// RUNNING tasks (cancel+requeue through the usual retry path) and READY
// tasks that never got dispatched before their deadline passed, which
// go straight to a terminal TASK_TIMEOUT (spec.md sec 4.8 bounds).
func (m *Manager) expireWaitingTasks(now time.Time) bool {
	expired := false
	for _, task := range m.tasks {
		switch task.State {
		case types.TaskReady:
			if task.Request.End.IsZero() || now.Before(task.Request.End) {
				continue
			}
			m.removeFromReadyOrder(task.ID)
			task.Result = types.ResultTaskTimeout
			task.State = types.TaskWaitingRetrieval
			metrics.TasksByState.WithLabelValues(string(types.TaskReady)).Dec()
			metrics.TasksByState.WithLabelValues(string(types.TaskWaitingRetrieval)).Inc()
			m.txn.WriteTaskDone(task)
			expired = true

		case types.TaskRunning:
			if task.Allocated.End.IsZero() || now.Before(task.Allocated.End) {
				continue
			}
			w, ok := m.workers[task.WorkerKey]
			if !ok {
				continue
			}
			task.Result = types.ResultTaskTimeout
			m.cancelRunningTask(task, w)
			expired = true
		}
	}
	return expired
}

// reportUnsatisfiableTasks logs READY tasks whose request cannot fit
// any connected worker, every largeTaskCheckInterval (spec.md sec 3
// "LARGE_TASK_CHECK_INTERVAL", supplemented from original_source).
func (m *Manager) reportUnsatisfiableTasks() {
	for _, id := range m.readyOrder {
		task := m.tasks[id]
		if task == nil {
			continue
		}
		if m.sched.ChooseWorker(task, m.workers, time.Now()) != nil || len(m.workers) == 0 {
			continue
		}
		if fitsAnyWorker(task, m.workers) {
			continue
		}
		var maxC, maxM, maxD, maxG int64
		for _, w := range m.workers {
			maxC, maxM = max(maxC, w.Resources.Cores.Largest), max(maxM, w.Resources.Memory.Largest)
			maxD, maxG = max(maxD, w.Resources.Disk.Largest), max(maxG, w.Resources.GPUs.Largest)
		}
		var unmet []string // dimensions no single connected worker can cover
		for name, short := range map[string]bool{"cores": task.Request.Cores > maxC, "memory": task.Request.Memory > maxM,
			"disk": task.Request.Disk > maxD, "gpus": task.Request.GPUs > maxG} {
			if short {
				unmet = append(unmet, name)
			}
		}
		m.logger.Warn().Int64("task", task.ID).Strs("unmet", unmet).Msg("task cannot fit any connected worker")
	}
}

func fitsAnyWorker(task *types.Task, workers map[string]*types.Worker) bool {
	for _, w := range workers {
		if w.Resources.Cores.Largest >= task.Request.Cores &&
			w.Resources.Memory.Largest >= task.Request.Memory &&
			w.Resources.Disk.Largest >= task.Request.Disk &&
			w.Resources.GPUs.Largest >= task.Request.GPUs {
			return true
		}
	}
	return false
}

func (m *Manager) perfSnapshot() txnlog.Snapshot {
	s := txnlog.Snapshot{}
	for _, w := range m.workers {
		if w.Type != types.WorkerTypeWorker {
			continue
		}
		s.WorkersConnected++
		if len(w.CurrentTasks) > 0 {
			s.WorkersBusy++
		}
		s.CapacityCores += w.Resources.Cores.Total
		s.CapacityMemory += w.Resources.Memory.Total
	}
	for _, task := range m.tasks {
		switch task.State {
		case types.TaskReady:
			s.TasksWaiting++
		case types.TaskRunning:
			s.TasksRunning++
		case types.TaskWaitingRetrieval:
			s.TasksWaitingRet++
		}
	}
	return s
}
