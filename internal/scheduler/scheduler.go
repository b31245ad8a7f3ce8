// Package scheduler implements the manager's worker-selection and
// resource-allocation decisions (spec.md sec 4.4, component C6),
// grounded on warren's pkg/scheduler selection loop but generalized
// from warren's single "fewest containers" rule into the pluggable
// algorithms spec.md calls for.
package scheduler

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/cuemby/dswarm/internal/log"
	"github.com/cuemby/dswarm/internal/types"
	"github.com/rs/zerolog"
)

// Algorithm selects the tie-breaking policy among resource-eligible
// workers (spec.md sec 4.4 "pluggable").
type Algorithm string

const (
	AlgorithmFCFS   Algorithm = "fcfs"
	AlgorithmFiles  Algorithm = "files"
	AlgorithmTime   Algorithm = "time"
	AlgorithmRandom Algorithm = "random"
)

// Scheduler holds the selection policy. It carries no mutable cluster
// state of its own: every decision is a pure function of the task and
// worker snapshot handed to it by the event loop.
type Scheduler struct {
	algorithm Algorithm
	logger    zerolog.Logger
	rng       *rand.Rand
}

// New creates a Scheduler using the given worker-selection algorithm.
func New(algorithm Algorithm, seed int64) *Scheduler {
	if algorithm == "" {
		algorithm = AlgorithmFCFS
	}
	return &Scheduler{
		algorithm: algorithm,
		logger:    log.WithComponent("scheduler"),
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// ChooseWorker implements the C6 contract: choose_worker(task) ->
// worker | none. It never returns a worker unable to satisfy the
// task's minimum resources, and honors the task's declared start time.
func (s *Scheduler) ChooseWorker(task *types.Task, workers map[string]*types.Worker, now time.Time) *types.Worker {
	if !task.Request.Start.IsZero() && now.Before(task.Request.Start) {
		return nil
	}

	eligible := make([]*types.Worker, 0, len(workers))
	for _, w := range workers {
		if w.Type != types.WorkerTypeWorker || w.Draining {
			continue
		}
		if !fits(w, task.Request) {
			continue
		}
		eligible = append(eligible, w)
	}
	if len(eligible) == 0 {
		return nil
	}

	// Deterministic base order so FCFS and tie-breaks are stable
	// across iterations (connection order is not otherwise ordered).
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Key < eligible[j].Key })

	switch s.algorithm {
	case AlgorithmRandom:
		return eligible[s.rng.Intn(len(eligible))]
	case AlgorithmFiles:
		return pickByFileOverlap(task, eligible)
	case AlgorithmTime:
		return pickByFastest(eligible)
	default:
		return eligible[0]
	}
}

// fits reports whether w's largest resources can accommodate every
// resource req specifies; the zero value of a dimension means
// unspecified and is always satisfied.
func fits(w *types.Worker, req types.ResourceSpec) bool {
	if req.Cores > 0 && w.Resources.Cores.Largest < req.Cores {
		return false
	}
	if req.Memory > 0 && w.Resources.Memory.Largest < req.Memory {
		return false
	}
	if req.Disk > 0 && w.Resources.Disk.Largest < req.Disk {
		return false
	}
	if req.GPUs > 0 && w.Resources.GPUs.Largest < req.GPUs {
		return false
	}
	return true
}

// pickByFileOverlap favors the worker already caching the most of the
// task's inputs (spec.md sec 4.3: "the scheduler treats a worker that
// already holds a task's inputs as cheaper").
func pickByFileOverlap(task *types.Task, eligible []*types.Worker) *types.Worker {
	best := eligible[0]
	bestScore := -1
	for _, w := range eligible {
		score := 0
		for _, in := range task.Inputs {
			if in.CachedName == "" {
				continue
			}
			if _, ok := w.Cache[in.CachedName]; ok {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = w
		}
	}
	return best
}

// pickByFastest favors the worker with the fewest currently-assigned
// tasks (first in key order on a tie). Per-worker completion times are
// not tracked and play no part in the choice.
func pickByFastest(eligible []*types.Worker) *types.Worker {
	best := eligible[0]
	bestLoad := math.MaxInt64
	for _, w := range eligible {
		load := len(w.CurrentTasks)
		if load < bestLoad {
			bestLoad = load
			best = w
		}
	}
	return best
}

// ChooseResources derives the concrete resource box to send to the
// worker and account against its inuse counters (spec.md sec 4.4
// "Resource decision"). Factored as a pure function of the worker's
// largest vector rather than a throwaway worker object, per the
// REDESIGN FLAGS note on "Resource box allocation".
func ChooseResources(workerLargest types.ResourceVector, task *types.Task, cat *types.Category, forceProportional bool) types.ResourceSpec {
	req := task.Request

	// Step 1: category max overrides the task-specific request,
	// field by field, wherever the category declares one.
	if cat != nil {
		if cat.Max.Cores > 0 {
			req.Cores = cat.Max.Cores
		}
		if cat.Max.Memory > 0 {
			req.Memory = cat.Max.Memory
		}
		if cat.Max.Disk > 0 {
			req.Disk = cat.Max.Disk
		}
		if cat.Max.GPUs > 0 {
			req.GPUs = cat.Max.GPUs
		}
		if cat.Max.WallTime > 0 {
			req.WallTime = cat.Max.WallTime
		}
	}

	wholeWorker := func() types.ResourceSpec {
		return types.ResourceSpec{
			Cores:    workerLargest.Cores.Largest,
			Memory:   workerLargest.Memory.Largest,
			Disk:     workerLargest.Disk.Largest,
			GPUs:     workerLargest.GPUs.Largest,
			Start:    req.Start,
			End:      req.End,
			WallTime: req.WallTime,
		}
	}

	anySpecified := req.Cores > 0 || req.Memory > 0 || req.Disk > 0 || req.GPUs > 0

	var box types.ResourceSpec
	switch {
	case !anySpecified:
		// Step 3.
		box = wholeWorker()

	case exceedsLargest(req, workerLargest):
		// Step 4.
		box = wholeWorker()

	case (cat != nil && cat.Mode == types.CategoryFixed) || forceProportional:
		// Step 2.
		ratio := maxRatio(req, workerLargest)
		if ratio > 1 {
			box = wholeWorker()
		} else {
			n := math.Floor(1 / ratio)
			if n < 1 {
				n = 1
			}
			fraction := 1 / n
			box = types.ResourceSpec{
				Cores:    int64(math.Ceil(fraction * float64(workerLargest.Cores.Largest))),
				Memory:   int64(math.Ceil(fraction * float64(workerLargest.Memory.Largest))),
				Disk:     int64(math.Ceil(fraction * float64(workerLargest.Disk.Largest))),
				GPUs:     int64(math.Ceil(fraction * float64(workerLargest.GPUs.Largest))),
				Start:    req.Start,
				End:      req.End,
				WallTime: req.WallTime,
			}
			if req.GPUs > 0 {
				box.Cores = 0
			} else if box.Cores < 1 {
				box.Cores = 1
			}
		}

	default:
		// Pass the specified request straight through.
		box = req
	}

	// Step 5: raise to at least the category minimum.
	if cat != nil {
		box.Cores = maxInt64(box.Cores, cat.Min.Cores)
		box.Memory = maxInt64(box.Memory, cat.Min.Memory)
		box.Disk = maxInt64(box.Disk, cat.Min.Disk)
		box.GPUs = maxInt64(box.GPUs, cat.Min.GPUs)
	}

	return box
}

func exceedsLargest(req types.ResourceSpec, largest types.ResourceVector) bool {
	if req.Cores > 0 && req.Cores >= largest.Cores.Largest && largest.Cores.Largest > 0 {
		return true
	}
	if req.Memory > 0 && req.Memory >= largest.Memory.Largest && largest.Memory.Largest > 0 {
		return true
	}
	if req.Disk > 0 && req.Disk >= largest.Disk.Largest && largest.Disk.Largest > 0 {
		return true
	}
	if req.GPUs > 0 && req.GPUs >= largest.GPUs.Largest && largest.GPUs.Largest > 0 {
		return true
	}
	return false
}

func maxRatio(req types.ResourceSpec, largest types.ResourceVector) float64 {
	ratio := 0.0
	consider := func(r, l int64) {
		if r > 0 && l > 0 {
			v := float64(r) / float64(l)
			if v > ratio {
				ratio = v
			}
		}
	}
	consider(req.Cores, largest.Cores.Largest)
	consider(req.Memory, largest.Memory.Largest)
	consider(req.Disk, largest.Disk.Largest)
	consider(req.GPUs, largest.GPUs.Largest)
	if ratio == 0 {
		ratio = 1
	}
	return ratio
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// NextResourceRequestLabel advances FIRST -> MAX -> ERROR on repeated
// resource exhaustion (spec.md sec 4.4 "Resubmission after
// RESOURCE_EXHAUSTION").
func NextResourceRequestLabel(current types.ResourceRequestLabel) types.ResourceRequestLabel {
	switch current {
	case types.ResourceRequestFirst:
		return types.ResourceRequestMax
	default:
		return types.ResourceRequestError
	}
}
