// Package catalog implements the bookkeeping tables that sit beside
// the core task/worker tables: category statistics and allocation
// policy (C3), the blocklist and factory registry (C11), and the
// status/catalog publisher (C10).
package catalog

import (
	"sync"
	"time"

	"github.com/cuemby/dswarm/internal/bstore"
	"github.com/cuemby/dswarm/internal/types"
)

// CategoryTable owns every named category's policy and running
// statistics (spec.md sec 3 "Category", component C3).
type CategoryTable struct {
	mu         sync.RWMutex
	categories map[string]*types.Category
	store      *bstore.Store // optional; nil disables persistence
}

// NewCategoryTable creates an empty table, optionally backed by a
// bolt store for restart recovery of policy and stats (not task
// state, which spec.md's Non-goals explicitly exempts from
// durability).
func NewCategoryTable(store *bstore.Store) *CategoryTable {
	t := &CategoryTable{
		categories: make(map[string]*types.Category),
		store:      store,
	}
	if store != nil {
		if cats, err := store.ListCategories(); err == nil {
			for _, c := range cats {
				t.categories[c.Name] = c
			}
		}
	}
	return t
}

// Get returns the named category, creating it with zero-value policy
// on first reference.
func (t *CategoryTable) Get(name string) *types.Category {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.categories[name]
	if !ok {
		c = &types.Category{Name: name, Mode: types.CategoryMax, FastAbortMultiplier: -1}
		t.categories[name] = c
	}
	return c
}

// Set installs or replaces a category's policy (min/max/mode/
// fast-abort multiplier), leaving its statistics untouched.
func (t *CategoryTable) Set(policy *types.Category) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.categories[policy.Name]
	if ok {
		policy.Stats = existing.Stats
	}
	t.categories[policy.Name] = policy
	t.persist(policy)
}

// List returns every known category.
func (t *CategoryTable) List() []*types.Category {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*types.Category, 0, len(t.categories))
	for _, c := range t.categories {
		out = append(out, c)
	}
	return out
}

// RecordCompletion accumulates per-category statistics for one
// successfully finished task (spec.md sec 4.7 "accumulate per-category
// statistics").
//
// sendTime/recvTime/execTime are the three components of observed
// task time. Per the open question on the time_send_good
// self-subtraction bug (DESIGN.md), time_send_good is computed as
// retrieval-commit_end by the caller, not hardcoded to zero here.
func (t *CategoryTable) RecordCompletion(name string, sendTime, execTime, recvTime time.Duration, measured *types.ResourceMeasured) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.categories[name]
	if !ok {
		c = &types.Category{Name: name, Mode: types.CategoryMax, FastAbortMultiplier: -1}
		t.categories[name] = c
	}
	c.Stats.TasksDone++
	c.Stats.TimeExecuteGood += execTime
	c.Stats.TimeSendGood += sendTime
	c.Stats.TimeReceiveGood += recvTime
	total := c.Stats.TimeExecuteGood + c.Stats.TimeSendGood + c.Stats.TimeReceiveGood
	c.Stats.AverageTaskTime = total / time.Duration(c.Stats.TasksDone)

	if measured != nil {
		if measured.MaxMemory > c.Stats.MaxResourcesSeen.Memory {
			c.Stats.MaxResourcesSeen.Memory = measured.MaxMemory
		}
		if measured.MaxDisk > c.Stats.MaxResourcesSeen.Disk {
			c.Stats.MaxResourcesSeen.Disk = measured.MaxDisk
		}
	}
	t.persist(c)
}

// RecordWorkerFailureCharge attributes a failed in-flight task's
// commit-time cost to time_workers_execute_failure (spec.md sec 4.8
// "Worker failure").
func (t *CategoryTable) RecordWorkerFailureCharge(name string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.categories[name]
	if !ok {
		c = &types.Category{Name: name, Mode: types.CategoryMax, FastAbortMultiplier: -1}
		t.categories[name] = c
	}
	c.Stats.TimeWorkersExecFail += d
	t.persist(c)
}

// FastAbortThreshold returns the category's average successful task
// time and effective multiplier once at least steadyNTasks have
// completed (spec.md sec 4.9 "Fast abort"). ok is false when fast
// abort is not yet actionable for this category (disabled multiplier,
// or too few completions).
func (t *CategoryTable) FastAbortThreshold(name string, managerDefault float64, steadyNTasks int) (avg time.Duration, multiplier float64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, exists := t.categories[name]
	if !exists {
		return 0, 0, false
	}

	multiplier = c.FastAbortMultiplier
	switch {
	case multiplier == 0:
		return 0, 0, false // explicitly disabled
	case multiplier < 0:
		multiplier = managerDefault
		if multiplier <= 0 {
			return 0, 0, false
		}
	}

	if int(c.Stats.TasksDone) < steadyNTasks {
		return 0, 0, false
	}

	return c.Stats.AverageTaskTime, multiplier, true
}

func (t *CategoryTable) persist(c *types.Category) {
	if t.store == nil {
		return
	}
	_ = t.store.PutCategory(c)
}
