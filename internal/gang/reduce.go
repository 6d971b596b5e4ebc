package gang

import "github.com/meridian-ml/meridian/pkg/model"

// Reduce computes a group's derived state from its members' states per the
// group completion policy. It is a pure function, invoked by the lifecycle on
// every member state change.
//
// With ignoreNonlead set (the default), the group follows the leader task
// alone: non-lead failures and reschedules do not disturb the group. With it
// unset, any member failure fails the group; otherwise the group is only as
// far along as its least progressed member.
func Reduce(
	leader model.TaskID,
	ignoreNonlead bool,
	order []model.TaskID,
	states map[model.TaskID]model.TaskState,
) model.TaskState {
	if len(order) == 0 {
		return model.TaskStatePending
	}

	if ignoreNonlead {
		return states[leader]
	}

	// Cancellations of sibling tasks are usually a consequence of another
	// member's failure, so a non-canceled failure wins over a canceled one.
	for _, id := range order {
		if states[id].Failure() && states[id] != model.TaskStateFailedCanceled {
			return states[id]
		}
	}
	for _, id := range order {
		if states[id].Failure() {
			return states[id]
		}
	}

	least := states[order[0]]
	for _, id := range order[1:] {
		if states[id] < least {
			least = states[id]
		}
	}
	return least
}
