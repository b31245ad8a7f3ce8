package catalog

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/dswarm/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFullCountsTasksByState(t *testing.T) {
	s := Snapshot{
		Name:      "proj",
		StartTime: time.Now(),
		Tasks: []*types.Task{
			{State: types.TaskReady, Request: types.ResourceSpec{Cores: 2, Memory: 100}},
			{State: types.TaskRunning},
			{State: types.TaskWaitingRetrieval},
		},
	}
	fs := BuildFull(s)
	assert.Equal(t, 1, fs.TasksWaiting)
	assert.Equal(t, 1, fs.TasksRunning)
	assert.Equal(t, 1, fs.TasksWaitingRet)
	assert.Equal(t, int64(2), fs.TotalCoresNeeded)
	assert.Equal(t, int64(100), fs.TotalMemNeeded)
}

func TestBuildFullSummarizesWorkers(t *testing.T) {
	w := &types.Worker{
		Key:      "w1#1",
		Hostname: "host1",
		Type:     types.WorkerTypeWorker,
		Resources: types.ResourceVector{
			Cores:  types.ResourceCounter{Total: 8, InUse: 4},
			Memory: types.ResourceCounter{Total: 16384, InUse: 1024},
		},
		CurrentTasks: map[int64]*types.Task{1: {}},
		Features:     map[string]struct{}{"gpu": {}},
	}
	fs := BuildFull(Snapshot{Workers: []*types.Worker{w}})
	require.Len(t, fs.Workers, 1)
	ws := fs.Workers[0]
	assert.Equal(t, "host1", ws.Hostname)
	assert.Equal(t, int64(8), ws.Cores)
	assert.Equal(t, int64(4), ws.CoresInUse)
	assert.Equal(t, 1, ws.TasksRunning)
	assert.Contains(t, ws.Features, "gpu")
}

func TestMarshalForCatalogFallsBackToLeanWhenOversized(t *testing.T) {
	var workers []*types.Worker
	for i := 0; i < 500; i++ {
		workers = append(workers, &types.Worker{
			Key:          string(rune('a' + i%26)),
			Hostname:     "host-with-a-very-long-name-to-inflate-payload-size-considerably",
			CurrentTasks: map[int64]*types.Task{},
		})
	}
	s := Snapshot{Name: "proj", Workers: workers}

	body, err := MarshalForCatalog(s, 256)
	require.NoError(t, err)

	var lean LeanStatus
	require.NoError(t, json.Unmarshal(body, &lean))
	assert.Equal(t, "proj", lean.Project)
}

func TestMarshalForCatalogReturnsFullWhenSmall(t *testing.T) {
	s := Snapshot{Name: "proj"}
	body, err := MarshalForCatalog(s, 1<<20)
	require.NoError(t, err)

	var full FullStatus
	require.NoError(t, json.Unmarshal(body, &full))
	assert.Equal(t, "proj", full.Project)
}
