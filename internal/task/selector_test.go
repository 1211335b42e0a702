package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckQueueEmpty(t *testing.T) {
	st := CheckQueue(nil, 3)
	assert.Equal(t, QueueEmpty, st.State)
	assert.Equal(t, 0, st.WorkableCount())
	assert.Equal(t, 0, st.StalledCount())

	st = CheckQueue([]Task{}, 3)
	assert.Equal(t, QueueEmpty, st.State)
}

func TestCheckQueueWorkable(t *testing.T) {
	tasks := []Task{
		{Description: "a", Status: StatusPending, Passes: 0},
		{Description: "b", Status: StatusPending, Passes: 3},
		{Description: "c", Status: StatusBlocked},
	}

	st := CheckQueue(tasks, 3)
	assert.Equal(t, QueueWorkable, st.State)
	require.Equal(t, 1, st.WorkableCount())
	assert.Equal(t, "a", st.Workable[0].Description)
	assert.Equal(t, 2, st.StalledCount())
}

func TestCheckQueueStalled(t *testing.T) {
	tasks := []Task{
		{Description: "a", Status: StatusPending, Passes: 3},
		{Description: "b", Status: StatusBlocked},
	}

	st := CheckQueue(tasks, 3)
	assert.Equal(t, QueueStalled, st.State)
	assert.Equal(t, 0, st.WorkableCount())
	assert.Equal(t, 2, st.StalledCount())
}

func TestStalledExclusionIgnoresStatus(t *testing.T) {
	// A task at the pass ceiling is excluded no matter its status field.
	for _, status := range []Status{StatusPending, "", StatusInProgress, StatusCompleted, StatusBlocked} {
		st := CheckQueue([]Task{{Description: "x", Status: status, Passes: 3}}, 3)
		assert.Equal(t, 0, st.WorkableCount(), "status %q", status)
	}
}

func TestStallThenResetScenario(t *testing.T) {
	tasks := []Task{{Description: "x", Status: StatusPending, Passes: 3}}
	assert.Equal(t, QueueStalled, CheckQueue(tasks, 3).State)

	// Human resets the pass counter.
	tasks[0].Passes = 0
	assert.Equal(t, QueueWorkable, CheckQueue(tasks, 3).State)
}
