package catalog

import (
	"encoding/json"
	"time"

	"github.com/cuemby/dswarm/internal/types"
)

// Snapshot is the manager-state view handed to the status/catalog
// publisher each time it runs (component C10).
type Snapshot struct {
	Name      string
	StartTime time.Time
	Workers   []*types.Worker
	Tasks     []*types.Task
	Categories []*types.Category
	Blocklist []*types.BlockEntry

	TasksDispatched int64
	TasksCompleted  int64
	TasksFailed     int64
}

// WorkerSummary is the per-worker aggregate shown in the full status
// JSON.
type WorkerSummary struct {
	Key          string            `json:"key"`
	Hostname     string            `json:"hostname"`
	Type         string            `json:"type"`
	Cores        int64             `json:"cores_total"`
	CoresInUse   int64             `json:"cores_inuse"`
	Memory       int64             `json:"memory_total"`
	MemoryInUse  int64             `json:"memory_inuse"`
	TasksRunning int               `json:"tasks_running"`
	Draining     bool              `json:"draining"`
	Factory      string            `json:"factory,omitempty"`
	Features     []string          `json:"features,omitempty"`
}

// CategorySummary is the per-category breakdown in the full status.
type CategorySummary struct {
	Name            string  `json:"name"`
	Mode            string  `json:"mode"`
	TasksDone       int64   `json:"tasks_done"`
	AverageTaskTime float64 `json:"average_task_time_seconds"`
}

// FullStatus is the complete queue summary: all stats, per-category
// breakdown, per-worker aggregate resources, blocklist, and total
// resources needed (spec.md sec 4.11).
type FullStatus struct {
	Project          string              `json:"project"`
	StartTime        int64               `json:"start_time"`
	TasksWaiting     int                 `json:"tasks_waiting"`
	TasksRunning     int                 `json:"tasks_running"`
	TasksWaitingRet  int                 `json:"tasks_waiting_retrieval"`
	TasksDispatched  int64               `json:"tasks_dispatched"`
	TasksCompleted   int64               `json:"tasks_completed"`
	TasksFailed      int64               `json:"tasks_failed"`
	Workers          []WorkerSummary     `json:"workers"`
	Categories       []CategorySummary   `json:"categories"`
	BlockedHosts     []string            `json:"blocked_hosts"`
	TotalCoresNeeded int64               `json:"total_cores_needed"`
	TotalMemNeeded   int64               `json:"total_memory_needed"`
}

// LeanStatus is the small gauge set published upstream to the catalog
// server when the full summary is too large (spec.md sec 4.11).
type LeanStatus struct {
	Project      string `json:"project"`
	TasksWaiting int    `json:"tasks_waiting"`
	TasksRunning int    `json:"tasks_running"`
	Workers      int    `json:"workers"`
	StartTime    int64  `json:"start_time"`
}

// BuildFull assembles the full status JSON from a snapshot.
func BuildFull(s Snapshot) *FullStatus {
	fs := &FullStatus{
		Project:         s.Name,
		StartTime:       s.StartTime.Unix(),
		TasksDispatched: s.TasksDispatched,
		TasksCompleted:  s.TasksCompleted,
		TasksFailed:     s.TasksFailed,
	}

	for _, t := range s.Tasks {
		switch t.State {
		case types.TaskReady:
			fs.TasksWaiting++
			fs.TotalCoresNeeded += t.Request.Cores
			fs.TotalMemNeeded += t.Request.Memory
		case types.TaskRunning:
			fs.TasksRunning++
		case types.TaskWaitingRetrieval:
			fs.TasksWaitingRet++
		}
	}

	for _, w := range s.Workers {
		features := make([]string, 0, len(w.Features))
		for f := range w.Features {
			features = append(features, f)
		}
		fs.Workers = append(fs.Workers, WorkerSummary{
			Key:          w.Key,
			Hostname:     w.Hostname,
			Type:         workerTypeName(w.Type),
			Cores:        w.Resources.Cores.Total,
			CoresInUse:   w.Resources.Cores.InUse,
			Memory:       w.Resources.Memory.Total,
			MemoryInUse:  w.Resources.Memory.InUse,
			TasksRunning: len(w.CurrentTasks),
			Draining:     w.Draining,
			Factory:      w.Factory,
			Features:     features,
		})
	}

	for _, c := range s.Categories {
		fs.Categories = append(fs.Categories, CategorySummary{
			Name:            c.Name,
			Mode:            string(c.Mode),
			TasksDone:       c.Stats.TasksDone,
			AverageTaskTime: c.Stats.AverageTaskTime.Seconds(),
		})
	}

	for _, b := range s.Blocklist {
		fs.BlockedHosts = append(fs.BlockedHosts, b.Host)
	}

	return fs
}

// BuildLean assembles the lean status used for catalog publication
// when the full payload is too large.
func BuildLean(s Snapshot) *LeanStatus {
	ls := &LeanStatus{
		Project:   s.Name,
		StartTime: s.StartTime.Unix(),
		Workers:   len(s.Workers),
	}
	for _, t := range s.Tasks {
		switch t.State {
		case types.TaskReady:
			ls.TasksWaiting++
		case types.TaskRunning:
			ls.TasksRunning++
		}
	}
	return ls
}

func workerTypeName(t types.WorkerType) string {
	switch t {
	case types.WorkerTypeWorker:
		return "worker"
	case types.WorkerTypeStatus:
		return "status"
	default:
		return "unknown"
	}
}

// MarshalForCatalog returns the full payload, falling back to lean if
// it exceeds maxBytes (spec.md sec 4.11 "if the payload is too large,
// the lean one is sent").
func MarshalForCatalog(s Snapshot, maxBytes int) ([]byte, error) {
	full, err := json.Marshal(BuildFull(s))
	if err != nil {
		return nil, err
	}
	if len(full) <= maxBytes {
		return full, nil
	}
	return json.Marshal(BuildLean(s))
}
