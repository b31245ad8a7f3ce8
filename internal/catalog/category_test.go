package catalog

import (
	"testing"
	"time"

	"github.com/cuemby/dswarm/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryTableGetCreatesDefault(t *testing.T) {
	ct := NewCategoryTable(nil)
	c := ct.Get("render")
	require.NotNil(t, c)
	assert.Equal(t, "render", c.Name)
	assert.Equal(t, types.CategoryMax, c.Mode)
}

func TestCategoryTableSetPreservesStats(t *testing.T) {
	ct := NewCategoryTable(nil)
	ct.RecordCompletion("render", time.Second, time.Second, time.Second, nil)

	ct.Set(&types.Category{Name: "render", Mode: types.CategoryFixed})

	c := ct.Get("render")
	assert.Equal(t, types.CategoryFixed, c.Mode)
	assert.Equal(t, int64(1), c.Stats.TasksDone)
}

func TestRecordCompletionAccumulatesAverage(t *testing.T) {
	ct := NewCategoryTable(nil)
	ct.RecordCompletion("render", time.Second, 2*time.Second, time.Second, nil)
	ct.RecordCompletion("render", time.Second, 4*time.Second, time.Second, nil)

	c := ct.Get("render")
	assert.Equal(t, int64(2), c.Stats.TasksDone)
	// totals: send=2s, exec=6s, recv=2s -> 10s / 2 tasks = 5s
	assert.Equal(t, 5*time.Second, c.Stats.AverageTaskTime)
}

func TestFastAbortThresholdRequiresSteadyState(t *testing.T) {
	ct := NewCategoryTable(nil)
	ct.RecordCompletion("render", time.Second, time.Second, time.Second, nil)

	_, _, ok := ct.FastAbortThreshold("render", 2.0, 10)
	assert.False(t, ok, "only one completion recorded, below steadyNTasks")

	for i := 0; i < 9; i++ {
		ct.RecordCompletion("render", time.Second, time.Second, time.Second, nil)
	}
	avg, multiplier, ok := ct.FastAbortThreshold("render", 2.0, 10)
	require.True(t, ok)
	assert.Equal(t, 2.0, multiplier)
	assert.Equal(t, 3*time.Second, avg)
}

func TestFastAbortThresholdDisabledWhenMultiplierZero(t *testing.T) {
	ct := NewCategoryTable(nil)
	ct.Set(&types.Category{Name: "render", FastAbortMultiplier: 0})
	for i := 0; i < 20; i++ {
		ct.RecordCompletion("render", time.Second, time.Second, time.Second, nil)
	}
	_, _, ok := ct.FastAbortThreshold("render", 2.0, 10)
	assert.False(t, ok)
}

func TestFastAbortThresholdUnknownCategory(t *testing.T) {
	ct := NewCategoryTable(nil)
	_, _, ok := ct.FastAbortThreshold("nope", 2.0, 10)
	assert.False(t, ok)
}
