package manager

import (
	"sort"
	"time"

	"github.com/cuemby/dswarm/internal/metrics"
	"github.com/cuemby/dswarm/internal/scheduler"
	"github.com/cuemby/dswarm/internal/types"
	"github.com/cuemby/dswarm/internal/wire"
)

// dispatchOneReadyTask implements spec.md sec 4.10 step 6: if the
// minimum-worker gate is satisfied, choose one READY task and commit
// it to a worker. Higher priority is strictly preferred; among equal
// priority, order is the arrival order recorded in readyOrder.
func (m *Manager) dispatchOneReadyTask() bool {
	if len(m.workers) < m.cfg.Tunables.WaitForWorkers {
		return false
	}

	id, ok := m.popReadyTask()
	if !ok {
		return false
	}
	task := m.tasks[id]

	timer := metrics.NewTimer()
	w := m.sched.ChooseWorker(task, m.workers, time.Now())
	if w == nil {
		m.readyOrder = append(m.readyOrder, id) // put it back, nothing available yet
		return false
	}

	cat := m.categories.Get(task.Category)
	box := scheduler.ChooseResources(w.Resources, task, cat, m.cfg.Tunables.ForceProportionalResources)
	if task.RequestLabel == types.ResourceRequestMax {
		// A resource-exhaustion resubmission at the MAX label asks for
		// the whole worker rather than the category/task-derived box
		// (spec.md sec 4.4 "Resubmission after RESOURCE_EXHAUSTION").
		box = types.ResourceSpec{
			Cores:    w.Resources.Cores.Largest,
			Memory:   w.Resources.Memory.Largest,
			Disk:     w.Resources.Disk.Largest,
			GPUs:     w.Resources.GPUs.Largest,
			Start:    box.Start,
			End:      box.End,
			WallTime: box.WallTime,
		}
	}
	timer.ObserveDuration(metrics.SchedulingLatency)

	m.commit(w, task, box)
	return true
}

// popReadyTask removes and returns the highest-priority ready task id.
func (m *Manager) popReadyTask() (int64, bool) {
	if len(m.readyOrder) == 0 {
		return 0, false
	}
	sort.SliceStable(m.readyOrder, func(i, j int) bool {
		return m.tasks[m.readyOrder[i]].Priority > m.tasks[m.readyOrder[j]].Priority
	})
	id := m.readyOrder[0]
	m.readyOrder = m.readyOrder[1:]
	return id, true
}

// pushReadyFront requeues a task at the head of the ready list, used
// for RESOURCE_EXHAUSTION resubmission and worker-failure recovery
// (spec.md sec 4.4, sec 4.8).
func (m *Manager) pushReadyFront(id int64) {
	m.readyOrder = append([]int64{id}, m.readyOrder...)
}

func (m *Manager) pushReadyBack(id int64) {
	m.readyOrder = append(m.readyOrder, id)
}

// commit sends a task's inputs and command to a worker (GLOSSARY
// "Commit"), transitions it to RUNNING and recounts the worker's inuse
// resources from its task boxes (spec.md sec 5 "Shared resources").
func (m *Manager) commit(w *types.Worker, task *types.Task, box types.ResourceSpec) {
	c, ok := m.conns[w.Key]
	if !ok {
		m.pushReadyFront(task.ID)
		return
	}

	deadline := time.Now().Add(m.cfg.Tunables.ShortTimeout)

	// Any header write failure here means the socket is dead; the task
	// must not transition to RUNNING against it (spec.md sec 4.8).
	// Collected through a shared err rather than checked line by line:
	// once one write fails, every later write of the header is skipped.
	var writeErr error
	writeLine := func(line string) {
		if writeErr != nil {
			return
		}
		writeErr = c.WriteLine(deadline, line)
	}
	writePayload := func(p []byte) {
		if writeErr != nil {
			return
		}
		writeErr = c.WritePayload(deadline, p)
	}

	lines := wire.TaskHeader(task.ID)
	lines += wire.FramedLine("cmd", []byte(task.Command))
	writeLine(lines)
	writePayload([]byte(task.Command))

	writeLine(wire.Category(task.Category))
	writeLine(wire.ResourceLine("cores", box.Cores))
	writeLine(wire.ResourceLine("memory", box.Memory))
	writeLine(wire.ResourceLine("disk", box.Disk))
	if box.GPUs > 0 {
		writeLine(wire.ResourceLine("gpus", box.GPUs))
	}
	if !box.End.IsZero() {
		writeLine(wire.EndTimeLine(box.End.Unix()))
	}
	if box.WallTime > 0 {
		writeLine(wire.WallTimeLine(int64(box.WallTime.Seconds())))
	}
	for _, in := range task.Inputs {
		if in.IsDir {
			writeLine(wire.DirLine(in.RemoteName))
			continue
		}
		writeLine(wire.InfileLine(in.Cache, in.RemoteName, ""))
	}
	for _, out := range task.Outputs {
		writeLine(wire.OutfileLine(out.Cache, out.RemoteName, ""))
	}
	writeLine(wire.EndLine())

	if writeErr != nil {
		m.logger.Warn().Err(writeErr).Int64("task", task.ID).Str("worker", w.Key).Msg("commit failed, worker assumed dead")
		m.pushReadyFront(task.ID)
		m.removeWorker(w, "commit_failed")
		return
	}

	task.State = types.TaskRunning
	task.WorkerKey = w.Key
	task.Allocated = box
	task.CommitStartTime = time.Now()
	task.TryCount++

	w.CurrentTasks[task.ID] = task
	w.TaskBoxes[task.ID] = box
	recountInUse(w)

	w.Stats.TasksDispatched++
	metrics.TasksDispatchedTotal.Inc()
	metrics.TasksByState.WithLabelValues(string(types.TaskReady)).Dec()
	metrics.TasksByState.WithLabelValues(string(types.TaskRunning)).Inc()

	task.CommitEndTime = time.Now()
	m.txn.WriteTaskEvent(task.ID, types.TaskRunning, w.Key, "")
	m.logger.Debug().Int64("task", task.ID).Str("worker", w.Key).Msg("task committed")
}

// recountInUse rebuilds a worker's inuse counters from its current
// task boxes (spec.md sec 5 "Shared resources": inuse is derived
// state, recomputed whenever a box is inserted or removed).
func recountInUse(w *types.Worker) {
	var cores, mem, disk, gpus int64
	for _, box := range w.TaskBoxes {
		cores += box.Cores
		mem += box.Memory
		disk += box.Disk
		gpus += box.GPUs
	}
	w.Resources.Cores.InUse = cores
	w.Resources.Memory.InUse = mem
	w.Resources.Disk.InUse = disk
	w.Resources.GPUs.InUse = gpus
}
