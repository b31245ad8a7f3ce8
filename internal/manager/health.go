package manager

import (
	"time"

	"github.com/cuemby/dswarm/internal/metrics"
	"github.com/cuemby/dswarm/internal/types"
	"github.com/cuemby/dswarm/internal/wire"
)

// removeWorker tears down a worker's record: every in-flight task is
// requeued READY, its cache index is discarded, the connection is
// closed, and the removal is logged to the txn log (spec.md sec 5
// "Cancellation & timeout": "the worker is unilaterally removed and
// all of its in-flight tasks are requeued READY").
func (m *Manager) removeWorker(w *types.Worker, reason string) {
	for _, task := range w.CurrentTasks {
		m.requeueTask(task, false)
	}

	delete(m.workers, w.Key)
	if c, ok := m.conns[w.Key]; ok {
		_ = c.Close()
		delete(m.conns, w.Key)
	}

	metrics.WorkersConnected.WithLabelValues(workerTypeLabel(w.Type)).Dec()
	metrics.WorkersRemovedTotal.WithLabelValues(reason).Inc()
	m.txn.WriteWorkerEvent(w.Key, w.RemoteAddr.String(), "DISCONNECTED", reason)
	m.logger.Info().Str("worker", w.Key).Str("reason", reason).Msg("worker removed")
}

func workerTypeLabel(t types.WorkerType) string {
	switch t {
	case types.WorkerTypeWorker:
		return "worker"
	case types.WorkerTypeStatus:
		return "status"
	default:
		return "unknown"
	}
}

// issueKeepalives sends a `check` keepalive to every worker that has gone
// silent for keepalive-interval, and removes any worker silent past
// keepalive-timeout (spec.md sec 4.10 step 7, sec 6 tunables). A
// timeout of 0 disables both the check and the culling (spec.md sec 8
// boundary behavior).
func (m *Manager) issueKeepalives(now time.Time) {
	if m.cfg.Tunables.KeepaliveTimeout == 0 {
		return
	}
	for key, w := range m.workers {
		if w.Type != types.WorkerTypeWorker {
			continue
		}
		silent := now.Sub(w.LastMsgRecvTime)
		if silent > m.cfg.Tunables.KeepaliveTimeout {
			m.removeWorker(w, "keepalive_timeout")
			continue
		}
		if silent > m.cfg.Tunables.KeepaliveInterval {
			if c, ok := m.conns[key]; ok {
				_ = c.WriteLine(now.Add(m.cfg.Tunables.ShortTimeout), wire.Check())
			}
		}
	}
}

// runFastAbort cancels tasks running far beyond their category's
// average and escalates repeat offenders to a block (spec.md sec 4.9
// "Fast abort", seed scenario 5).
func (m *Manager) runFastAbort(now time.Time) {
	for _, task := range m.tasks {
		if task.State != types.TaskRunning {
			continue
		}
		avg, multiplier, ok := m.categories.FastAbortThreshold(
			task.Category, m.cfg.Tunables.FastAbortMultiplier, m.cfg.Tunables.CategorySteadyNTasks)
		if !ok {
			continue
		}

		threshold := time.Duration(float64(avg) * multiplier)
		running := now.Sub(task.CommitEndTime)
		if running <= threshold {
			continue
		}

		w, exists := m.workers[task.WorkerKey]
		if !exists {
			continue
		}

		if w.FastAbortAlarm {
			host := hostOf(w.RemoteAddr)
			m.blocklist.Block(host, "fast abort repeat offender", time.Time{})
			m.removeWorker(w, "fast_abort_blocked")
			continue
		}

		w.FastAbortAlarm = true
		task.FastAbortStrikes++
		m.cancelRunningTask(task, w)
		metrics.TasksFastAbortedTotal.Inc()
		m.logger.Warn().Int64("task", task.ID).Str("worker", w.Key).Msg("fast-abort cancelled slow task")
	}
}

// sweepDrainedWorkers removes any worker marked draining once it has
// no in-flight tasks left (spec.md sec 4.10 step 7 "drained-worker
// sweep").
func (m *Manager) sweepDrainedWorkers() {
	for _, w := range m.workers {
		if w.Draining && len(w.CurrentTasks) == 0 {
			m.removeWorker(w, "drained")
		}
	}
}

// trimFactories asks the factory registry which idle workers must be
// shut down to respect a factory's declared cap, and removes them
// (spec.md sec 4.9 "Factory trim").
func (m *Manager) trimFactories() {
	byFactory := make(map[string][]*types.Worker)
	for _, w := range m.workers {
		if w.Factory != "" {
			byFactory[w.Factory] = append(byFactory[w.Factory], w)
		}
	}
	for factory, workers := range byFactory {
		for _, w := range m.factories.ExcessWorkers(factory, workers) {
			if c, ok := m.conns[w.Key]; ok {
				_ = c.WriteLine(time.Now().Add(m.cfg.Tunables.ShortTimeout), wire.Exit())
			}
			m.removeWorker(w, "factory_trim")
		}
	}
}
