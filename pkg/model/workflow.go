package model

// TaskSpec is the submitted definition of a task.
type TaskSpec struct {
	ID      TaskID          `json:"id"`
	Request ResourceRequest `json:"request"`
	// Upstream lists the task IDs whose outputs this task consumes. Upstream
	// tasks may live in the same group (intra-group ordering only) or another
	// group (promoted to a group-level dependency).
	Upstream []TaskID `json:"upstream,omitempty"`
	// Leader marks the task that drives group status when the group's
	// IgnoreNonleadStatus flag is set. Exactly one task per group is leader.
	Leader bool `json:"leader,omitempty"`
}

// GroupSpec is the submitted definition of a gang-scheduled group.
type GroupSpec struct {
	ID    GroupID    `json:"id"`
	Tasks []TaskSpec `json:"tasks"`
	// IgnoreNonleadStatus controls the group completion policy: when true (the
	// default), group status follows the leader task only and non-lead
	// failures are handled by independent reschedules; when false, any task
	// failure fails the group and any reschedule restarts the whole group.
	IgnoreNonleadStatus *bool `json:"ignore_nonlead_status,omitempty"`
}

// IgnoresNonleadStatus resolves the IgnoreNonleadStatus flag with its default.
func (g GroupSpec) IgnoresNonleadStatus() bool {
	if g.IgnoreNonleadStatus == nil {
		return true
	}
	return *g.IgnoreNonleadStatus
}

// Leader returns the group's leader task ID, or empty if none is flagged.
func (g GroupSpec) Leader() TaskID {
	for _, t := range g.Tasks {
		if t.Leader {
			return t.ID
		}
	}
	return ""
}

// ResourceSum returns the ledger demand of the whole group.
func (g GroupSpec) ResourceSum() Resources {
	var sum Resources
	for _, t := range g.Tasks {
		sum = sum.Add(t.Request.Demand())
	}
	return sum
}

// WorkflowSpec is the submitted definition of a workflow. Groups and Tasks are
// mutually exclusive: a flat task list is wrapped into one implicit group per
// task at submission.
type WorkflowSpec struct {
	Name     string      `json:"name,omitempty"`
	Owner    string      `json:"owner"`
	Pool     PoolID      `json:"pool"`
	Priority Priority    `json:"priority"`
	Groups   []GroupSpec `json:"groups,omitempty"`
	Tasks    []TaskSpec  `json:"tasks,omitempty"`
	// DisableReschedule turns off automatic resubmission after preemption and
	// other retryable failures.
	DisableReschedule bool `json:"disable_reschedule,omitempty"`
}
