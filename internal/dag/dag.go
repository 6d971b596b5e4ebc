// Package dag resolves the dependency structure of a workflow: task-level
// edges, their promotion to group-level edges, cycle detection and readiness
// queries. A Graph is a pure query structure; it is rebuilt from the persisted
// workflow definition and holds no mutable state.
package dag

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/meridian-ml/meridian/pkg/model"
	"github.com/meridian-ml/meridian/pkg/set"
)

// CycleError reports a dependency cycle among tasks or groups.
type CycleError struct {
	// Members are the IDs participating in the cycle, sorted for determinism.
	Members []string
	// GroupLevel is true when the cycle only exists after cross-group task
	// edges were promoted to group edges.
	GroupLevel bool
}

func (e CycleError) Error() string {
	kind := "task"
	if e.GroupLevel {
		kind = "group"
	}
	return fmt.Sprintf("cyclic %s dependency: %s", kind, strings.Join(e.Members, " -> "))
}

// Graph is the resolved partial order of one workflow.
type Graph struct {
	groups     []model.GroupID
	taskGroup  map[model.TaskID]model.GroupID
	groupTasks map[model.GroupID][]model.TaskID

	upstreamTasks    map[model.TaskID]set.Set[model.TaskID]
	upstreamGroups   map[model.GroupID]set.Set[model.GroupID]
	downstreamGroups map[model.GroupID]set.Set[model.GroupID]
}

// Build validates the group/task definitions and resolves the dependency
// graph. A task depending on a task in the same group contributes intra-group
// ordering only; a task depending on a task in a different group promotes the
// edge to a group-level dependency, so the whole dependent group waits.
func Build(groups []model.GroupSpec) (*Graph, error) {
	g := &Graph{
		taskGroup:        map[model.TaskID]model.GroupID{},
		groupTasks:       map[model.GroupID][]model.TaskID{},
		upstreamTasks:    map[model.TaskID]set.Set[model.TaskID]{},
		upstreamGroups:   map[model.GroupID]set.Set[model.GroupID]{},
		downstreamGroups: map[model.GroupID]set.Set[model.GroupID]{},
	}

	for _, group := range groups {
		if _, ok := g.upstreamGroups[group.ID]; ok {
			return nil, errors.Errorf("duplicate group id %s", group.ID)
		}
		g.groups = append(g.groups, group.ID)
		g.upstreamGroups[group.ID] = set.New[model.GroupID]()
		g.downstreamGroups[group.ID] = set.New[model.GroupID]()
		for _, task := range group.Tasks {
			if _, ok := g.taskGroup[task.ID]; ok {
				return nil, errors.Errorf("duplicate task id %s", task.ID)
			}
			g.taskGroup[task.ID] = group.ID
			g.groupTasks[group.ID] = append(g.groupTasks[group.ID], task.ID)
			g.upstreamTasks[task.ID] = set.New[model.TaskID]()
		}
	}

	for _, group := range groups {
		for _, task := range group.Tasks {
			for _, up := range task.Upstream {
				upGroup, ok := g.taskGroup[up]
				if !ok {
					return nil, errors.Errorf(
						"task %s depends on unknown task %s", task.ID, up)
				}
				g.upstreamTasks[task.ID].Insert(up)
				if upGroup != group.ID {
					g.upstreamGroups[group.ID].Insert(upGroup)
					g.downstreamGroups[upGroup].Insert(group.ID)
				}
			}
		}
	}

	if cycle := findCycle(taskIDs(g), func(id model.TaskID) []model.TaskID {
		return sorted(g.upstreamTasks[id].ToSlice())
	}); cycle != nil {
		return nil, CycleError{Members: stringify(cycle)}
	}
	if cycle := findCycle(g.groups, func(id model.GroupID) []model.GroupID {
		return sorted(g.upstreamGroups[id].ToSlice())
	}); cycle != nil {
		return nil, CycleError{Members: stringify(cycle), GroupLevel: true}
	}

	return g, nil
}

// Groups returns the group IDs in submission order.
func (g *Graph) Groups() []model.GroupID {
	return g.groups
}

// GroupOf returns the owning group of a task.
func (g *Graph) GroupOf(id model.TaskID) (model.GroupID, bool) {
	gid, ok := g.taskGroup[id]
	return gid, ok
}

// UpstreamTasks returns the direct upstream task IDs of a task.
func (g *Graph) UpstreamTasks(id model.TaskID) []model.TaskID {
	return sorted(g.upstreamTasks[id].ToSlice())
}

// UpstreamGroups returns the direct upstream group IDs of a group.
func (g *Graph) UpstreamGroups(id model.GroupID) []model.GroupID {
	return sorted(g.upstreamGroups[id].ToSlice())
}

// HasUpstream reports whether the group has any upstream group dependency.
func (g *Graph) HasUpstream(id model.GroupID) bool {
	return len(g.upstreamGroups[id]) > 0
}

// Ready reports whether every upstream group of the given group is in a
// successful terminal state, per the supplied state lookup. A group with no
// upstream dependency is ready immediately.
func (g *Graph) Ready(id model.GroupID, stateOf func(model.GroupID) model.TaskState) bool {
	for up := range g.upstreamGroups[id] {
		if !stateOf(up).Successful() {
			return false
		}
	}
	return true
}

// TaskReady reports whether every upstream task of the given task is in a
// successful terminal state, i.e. its inputs are all available.
func (g *Graph) TaskReady(id model.TaskID, stateOf func(model.TaskID) model.TaskState) bool {
	for up := range g.upstreamTasks[id] {
		if !stateOf(up).Successful() {
			return false
		}
	}
	return true
}

// TransitiveDownstream returns every group reachable from the given group
// through downstream edges. Used for the DAG short-circuit on non-retryable
// failures.
func (g *Graph) TransitiveDownstream(id model.GroupID) []model.GroupID {
	seen := set.New[model.GroupID]()
	frontier := []model.GroupID{id}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for down := range g.downstreamGroups[next] {
			if seen.Contains(down) {
				continue
			}
			seen.Insert(down)
			frontier = append(frontier, down)
		}
	}
	return sorted(seen.ToSlice())
}

// findCycle runs a depth-first search over the given nodes and returns the
// members of the first cycle found, or nil.
func findCycle[T ~string](nodes []T, upstream func(T) []T) []T {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := map[T]int{}

	var stack []T
	var cycle []T
	var visit func(T) bool
	visit = func(node T) bool {
		colors[node] = gray
		stack = append(stack, node)
		for _, up := range upstream(node) {
			switch colors[up] {
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == up {
						break
					}
				}
				return true
			case white:
				if visit(up) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[node] = black
		return false
	}

	for _, node := range nodes {
		if colors[node] == white && visit(node) {
			slices.Sort(cycle)
			return cycle
		}
	}
	return nil
}

func taskIDs(g *Graph) []model.TaskID {
	return sorted(maps.Keys(g.taskGroup))
}

func sorted[T ~string](ids []T) []T {
	slices.Sort(ids)
	return ids
}

func stringify[T ~string](ids []T) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	return out
}
