package manager

import (
	"time"

	"github.com/cuemby/dswarm/internal/types"
	"github.com/cuemby/dswarm/internal/wire"
)

// handleCacheUpdate records a file a worker has confirmed holding
// (spec.md sec 4.3 "Cache file index").
func (m *Manager) handleCacheUpdate(w *types.Worker, msg *wire.Message) {
	name := msg.Field(0)
	if name == "" {
		return
	}
	size, _ := msg.IntField(1)
	transferUsec, _ := msg.IntField(2)
	w.Cache[name] = types.CacheEntry{
		Size:         size,
		TransferTime: time.Duration(transferUsec) * time.Microsecond,
	}
}

// InvalidateCache removes name from every worker's cache index and
// sends `unlink name`; any task whose input or output list references name and
// that is currently RUNNING on one of those workers is cancelled and
// requeued (spec.md sec 4.3 "Cross-worker invalidation", seed scenario
// 6). Invalidating a name absent from every worker's cache is a no-op
// (spec.md sec 8 round-trip property).
func (m *Manager) InvalidateCache(name string) {
	for key, w := range m.workers {
		if _, cached := w.Cache[name]; !cached {
			continue
		}
		delete(w.Cache, name)

		for taskID, task := range w.CurrentTasks {
			if !taskReferencesName(task, name) {
				continue
			}
			m.cancelRunningTask(task, w)
			_ = taskID
		}

		if c, ok := m.conns[key]; ok {
			deadline := time.Now().Add(m.cfg.Tunables.ShortTimeout)
			_ = c.WriteLine(deadline, wire.Unlink(name))
		}
	}
}

// taskReferencesName reports whether name appears in task's input or
// output list (spec.md sec 4.3: invalidation applies to either side).
func taskReferencesName(task *types.Task, name string) bool {
	for _, in := range task.Inputs {
		if in.CachedName == name || in.RemoteName == name {
			return true
		}
	}
	for _, out := range task.Outputs {
		if out.CachedName == name || out.RemoteName == name {
			return true
		}
	}
	return false
}

// cancelRunningTask kills a task on its worker and requeues it READY,
// used by cache invalidation, fast abort and running-task deadline
// expiry (spec.md sec 5 "Cancellation & timeout"). Client-initiated
// cancellation does not requeue and is handled by handleCancel.
func (m *Manager) cancelRunningTask(task *types.Task, w *types.Worker) {
	if c, ok := m.conns[w.Key]; ok {
		deadline := time.Now().Add(m.cfg.Tunables.ShortTimeout)
		_ = c.WriteLine(deadline, wire.Kill(task.ID))
	}
	delete(w.CurrentTasks, task.ID)
	delete(w.TaskBoxes, task.ID)
	recountInUse(w)
	m.requeueTask(task, true)
}
