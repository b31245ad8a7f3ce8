package scheduler

import (
	"testing"
	"time"

	"github.com/cuemby/dswarm/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func worker(key string, cores, mem int64) *types.Worker {
	return &types.Worker{
		Key:  key,
		Type: types.WorkerTypeWorker,
		Resources: types.ResourceVector{
			Cores:  types.ResourceCounter{Total: cores, Largest: cores},
			Memory: types.ResourceCounter{Total: mem, Largest: mem},
		},
		CurrentTasks: map[int64]*types.Task{},
		Cache:        map[string]types.CacheEntry{},
	}
}

func TestChooseWorkerRejectsUndersizedWorkers(t *testing.T) {
	s := New(AlgorithmFCFS, 1)
	small := worker("w1", 1, 512)
	big := worker("w2", 8, 16384)

	task := &types.Task{Request: types.ResourceSpec{Cores: 4}}
	got := s.ChooseWorker(task, map[string]*types.Worker{"w1": small, "w2": big}, time.Now())
	require.NotNil(t, got)
	assert.Equal(t, "w2", got.Key)
}

func TestChooseWorkerReturnsNoneWhenNoFit(t *testing.T) {
	s := New(AlgorithmFCFS, 1)
	small := worker("w1", 1, 512)
	task := &types.Task{Request: types.ResourceSpec{Cores: 4}}
	got := s.ChooseWorker(task, map[string]*types.Worker{"w1": small}, time.Now())
	assert.Nil(t, got)
}

func TestChooseWorkerHonorsStartTime(t *testing.T) {
	s := New(AlgorithmFCFS, 1)
	w := worker("w1", 4, 4096)
	task := &types.Task{Request: types.ResourceSpec{Start: time.Now().Add(time.Hour)}}
	got := s.ChooseWorker(task, map[string]*types.Worker{"w1": w}, time.Now())
	assert.Nil(t, got)
}

func TestChooseWorkerSkipsDrainingAndStatusWorkers(t *testing.T) {
	s := New(AlgorithmFCFS, 1)
	w := worker("w1", 4, 4096)
	w.Draining = true
	status := worker("w2", 4, 4096)
	status.Type = types.WorkerTypeStatus

	task := &types.Task{}
	got := s.ChooseWorker(task, map[string]*types.Worker{"w1": w, "w2": status}, time.Now())
	assert.Nil(t, got)
}

func TestChooseResourcesWholeWorkerWhenUnspecified(t *testing.T) {
	largest := types.ResourceVector{
		Cores:  types.ResourceCounter{Largest: 8},
		Memory: types.ResourceCounter{Largest: 16384},
	}
	box := ChooseResources(largest, &types.Task{}, nil, false)
	assert.Equal(t, int64(8), box.Cores)
	assert.Equal(t, int64(16384), box.Memory)
}

func TestChooseResourcesWholeWorkerWhenExceedsLargest(t *testing.T) {
	largest := types.ResourceVector{Cores: types.ResourceCounter{Largest: 4}}
	task := &types.Task{Request: types.ResourceSpec{Cores: 8}}
	box := ChooseResources(largest, task, nil, false)
	assert.Equal(t, int64(4), box.Cores)
}

func TestChooseResourcesRaisesToCategoryMin(t *testing.T) {
	largest := types.ResourceVector{
		Cores:  types.ResourceCounter{Largest: 8},
		Memory: types.ResourceCounter{Largest: 16384},
	}
	cat := &types.Category{Min: types.ResourceSpec{Cores: 2, Memory: 1024}}
	task := &types.Task{Request: types.ResourceSpec{Cores: 1}}
	box := ChooseResources(largest, task, cat, false)
	assert.Equal(t, int64(2), box.Cores)
	assert.Equal(t, int64(1024), box.Memory)
}

func TestChooseResourcesFixedModeShrinksToIntegralFraction(t *testing.T) {
	largest := types.ResourceVector{
		Cores:  types.ResourceCounter{Largest: 10},
		Memory: types.ResourceCounter{Largest: 10000},
	}
	cat := &types.Category{Mode: types.CategoryFixed}
	task := &types.Task{Request: types.ResourceSpec{Cores: 4}}
	box := ChooseResources(largest, task, cat, false)
	// ratio 4/10=0.4 -> floor(1/0.4)=2 -> fraction 0.5 -> 5 cores
	assert.Equal(t, int64(5), box.Cores)
}

func TestNextResourceRequestLabelEscalates(t *testing.T) {
	assert.Equal(t, types.ResourceRequestMax, NextResourceRequestLabel(types.ResourceRequestFirst))
	assert.Equal(t, types.ResourceRequestError, NextResourceRequestLabel(types.ResourceRequestMax))
}
