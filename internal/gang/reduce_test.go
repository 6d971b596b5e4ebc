package gang

import (
	"testing"

	"gotest.tools/assert"

	"github.com/meridian-ml/meridian/pkg/model"
)

func TestReduceFollowsLeaderByDefault(t *testing.T) {
	order := []model.TaskID{"lead", "w1", "w2"}

	cases := []struct {
		name   string
		states map[model.TaskID]model.TaskState
		want   model.TaskState
	}{
		{
			name: "leader running, worker failed",
			states: map[model.TaskID]model.TaskState{
				"lead": model.TaskStateRunning,
				"w1":   model.TaskStateFailedEvicted,
				"w2":   model.TaskStateRunning,
			},
			want: model.TaskStateRunning,
		},
		{
			name: "leader completed, workers running",
			states: map[model.TaskID]model.TaskState{
				"lead": model.TaskStateCompleted,
				"w1":   model.TaskStateRunning,
				"w2":   model.TaskStateRunning,
			},
			want: model.TaskStateCompleted,
		},
		{
			name: "leader failed",
			states: map[model.TaskID]model.TaskState{
				"lead": model.TaskStateFailed,
				"w1":   model.TaskStateRunning,
				"w2":   model.TaskStateCompleted,
			},
			want: model.TaskStateFailed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Reduce("lead", true, order, tc.states))
		})
	}
}

func TestReduceStrictPolicy(t *testing.T) {
	order := []model.TaskID{"lead", "w1", "w2"}

	// Any member failure fails the group.
	assert.Equal(t, model.TaskStateFailedEvicted, Reduce("lead", false, order,
		map[model.TaskID]model.TaskState{
			"lead": model.TaskStateRunning,
			"w1":   model.TaskStateFailedEvicted,
			"w2":   model.TaskStateRunning,
		}))

	// The group is only as far along as its least progressed member.
	assert.Equal(t, model.TaskStateInitializing, Reduce("lead", false, order,
		map[model.TaskID]model.TaskState{
			"lead": model.TaskStateRunning,
			"w1":   model.TaskStateInitializing,
			"w2":   model.TaskStateRunning,
		}))

	// Completion requires every member to complete.
	assert.Equal(t, model.TaskStateRunning, Reduce("lead", false, order,
		map[model.TaskID]model.TaskState{
			"lead": model.TaskStateCompleted,
			"w1":   model.TaskStateCompleted,
			"w2":   model.TaskStateRunning,
		}))
	assert.Equal(t, model.TaskStateCompleted, Reduce("lead", false, order,
		map[model.TaskID]model.TaskState{
			"lead": model.TaskStateCompleted,
			"w1":   model.TaskStateCompleted,
			"w2":   model.TaskStateCompleted,
		}))
}

func TestReducePrefersRootCauseOverCancellations(t *testing.T) {
	order := []model.TaskID{"lead", "w1"}

	// The sibling cancellation is a consequence, not the cause: the group
	// carries the originating failure even though the canceled member sorts
	// first in order.
	assert.Equal(t, model.TaskStateFailedImagePull, Reduce("lead", false, order,
		map[model.TaskID]model.TaskState{
			"lead": model.TaskStateFailedCanceled,
			"w1":   model.TaskStateFailedImagePull,
		}))

	// All members canceled: the cancellation stands.
	assert.Equal(t, model.TaskStateFailedCanceled, Reduce("lead", false, order,
		map[model.TaskID]model.TaskState{
			"lead": model.TaskStateFailedCanceled,
			"w1":   model.TaskStateFailedCanceled,
		}))
}

func TestReduceEmptyGroup(t *testing.T) {
	assert.Equal(t, model.TaskStatePending, Reduce("lead", false, nil, nil))
}
