package dag

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-ml/meridian/pkg/model"
)

func group(id model.GroupID, tasks ...model.TaskSpec) model.GroupSpec {
	return model.GroupSpec{ID: id, Tasks: tasks}
}

func task(id model.TaskID, upstream ...model.TaskID) model.TaskSpec {
	return model.TaskSpec{ID: id, Upstream: upstream}
}

func TestBuildPromotesCrossGroupEdges(t *testing.T) {
	g, err := Build([]model.GroupSpec{
		group("prep", task("extract"), task("clean", "extract")),
		group("train", task("fit", "clean")),
		group("eval", task("score", "fit")),
	})
	require.NoError(t, err)

	// The intra-group edge clean -> extract must not barrier the prep group.
	require.False(t, g.HasUpstream("prep"))
	require.Equal(t, []model.GroupID{"prep"}, g.UpstreamGroups("train"))
	require.Equal(t, []model.GroupID{"train"}, g.UpstreamGroups("eval"))
	require.Equal(t, []model.TaskID{"clean"}, g.UpstreamTasks("fit"))

	owner, ok := g.GroupOf("clean")
	require.True(t, ok)
	require.Equal(t, model.GroupID("prep"), owner)
}

func TestBuildRejectsDuplicatesAndUnknowns(t *testing.T) {
	_, err := Build([]model.GroupSpec{
		group("a", task("t1")),
		group("a", task("t2")),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate group id")

	_, err = Build([]model.GroupSpec{
		group("a", task("t1"), task("t1")),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate task id")

	_, err = Build([]model.GroupSpec{
		group("a", task("t1", "ghost")),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "depends on unknown task")
}

func TestBuildDetectsTaskCycle(t *testing.T) {
	_, err := Build([]model.GroupSpec{
		group("a", task("t1", "t3"), task("t2", "t1"), task("t3", "t2")),
	})
	require.Error(t, err)
	var cycleErr CycleError
	require.ErrorAs(t, err, &cycleErr)
	require.False(t, cycleErr.GroupLevel)
	require.ElementsMatch(t, []string{"t1", "t2", "t3"}, cycleErr.Members)
}

func TestBuildDetectsPromotedGroupCycle(t *testing.T) {
	// No task-level cycle exists here; the cycle only appears once the
	// cross-group edges are promoted to group edges.
	_, err := Build([]model.GroupSpec{
		group("a", task("a1", "b1"), task("a2")),
		group("b", task("b1"), task("b2", "a2")),
	})
	require.Error(t, err)
	var cycleErr CycleError
	require.ErrorAs(t, err, &cycleErr)
	require.True(t, cycleErr.GroupLevel)
	require.ElementsMatch(t, []string{"a", "b"}, cycleErr.Members)
}

func TestReady(t *testing.T) {
	g, err := Build([]model.GroupSpec{
		group("prep", task("extract")),
		group("train", task("fit", "extract")),
	})
	require.NoError(t, err)

	states := map[model.GroupID]model.TaskState{
		"prep":  model.TaskStateRunning,
		"train": model.TaskStateWaiting,
	}
	stateOf := func(id model.GroupID) model.TaskState { return states[id] }

	require.True(t, g.Ready("prep", stateOf))
	require.False(t, g.Ready("train", stateOf))

	states["prep"] = model.TaskStateFailed
	require.False(t, g.Ready("train", stateOf), "a failed upstream is not a satisfied upstream")

	states["prep"] = model.TaskStateCompleted
	require.True(t, g.Ready("train", stateOf))
}

func TestTaskReady(t *testing.T) {
	g, err := Build([]model.GroupSpec{
		group("a", task("t1"), task("t2", "t1")),
	})
	require.NoError(t, err)

	states := map[model.TaskID]model.TaskState{
		"t1": model.TaskStateRunning,
		"t2": model.TaskStateWaiting,
	}
	stateOf := func(id model.TaskID) model.TaskState { return states[id] }

	require.False(t, g.TaskReady("t2", stateOf))
	states["t1"] = model.TaskStateCompleted
	require.True(t, g.TaskReady("t2", stateOf))
}

func TestTransitiveDownstream(t *testing.T) {
	g, err := Build([]model.GroupSpec{
		group("a", task("a1")),
		group("b", task("b1", "a1")),
		group("c", task("c1", "b1")),
		group("d", task("d1", "a1")),
		group("e", task("e1")),
	})
	require.NoError(t, err)

	require.Equal(t, []model.GroupID{"b", "c", "d"}, g.TransitiveDownstream("a"))
	require.Equal(t, []model.GroupID{"c"}, g.TransitiveDownstream("b"))
	require.Empty(t, g.TransitiveDownstream("e"))
}
