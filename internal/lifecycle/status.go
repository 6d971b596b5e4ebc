package lifecycle

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/meridian-ml/meridian/pkg/model"
)

// TaskStatus is the externally visible view of one task.
type TaskStatus struct {
	ID       model.TaskID          `json:"id"`
	Instance model.InstanceID      `json:"instance"`
	Leader   bool                  `json:"leader,omitempty"`
	State    model.TaskState       `json:"state"`
	Reason   string                `json:"reason,omitempty"`
	Node     string                `json:"node,omitempty"`
	Retries  int                   `json:"retries"`
	Upstream []model.TaskID        `json:"upstream,omitempty"`
	Request  model.ResourceRequest `json:"request"`
}

// GroupStatus is the externally visible view of one gang group.
type GroupStatus struct {
	ID            model.GroupID   `json:"id"`
	State         model.TaskState `json:"state"`
	Leader        model.TaskID    `json:"leader"`
	IgnoreNonlead bool            `json:"ignore_nonlead_status"`
	Tasks         []TaskStatus    `json:"tasks"`
}

// WorkflowStatus is the externally visible view of one workflow.
type WorkflowStatus struct {
	ID         model.WorkflowID `json:"id"`
	Name       string           `json:"name"`
	Owner      string           `json:"owner,omitempty"`
	Pool       model.PoolID     `json:"pool"`
	Priority   model.Priority   `json:"priority"`
	State      model.TaskState  `json:"state"`
	SubmitTime time.Time        `json:"submit_time"`
	Groups     []GroupStatus    `json:"groups"`
}

// WorkflowSummary is the list view: everything but the group detail.
type WorkflowSummary struct {
	ID         model.WorkflowID `json:"id"`
	Name       string           `json:"name"`
	Owner      string           `json:"owner,omitempty"`
	Pool       model.PoolID     `json:"pool"`
	Priority   model.Priority   `json:"priority"`
	State      model.TaskState  `json:"state"`
	SubmitTime time.Time        `json:"submit_time"`
}

// Status returns a point-in-time snapshot of a workflow.
func (s *Service) Status(wid model.WorkflowID) (WorkflowStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[wid]
	if !ok {
		return WorkflowStatus{}, errors.Errorf("unknown workflow %s", wid)
	}

	out := WorkflowStatus{
		ID:         w.id,
		Name:       w.name,
		Owner:      w.owner,
		Pool:       w.pool,
		Priority:   w.priority,
		State:      w.state,
		SubmitTime: w.submitTime,
	}
	for _, gid := range w.groups {
		g := s.groups[gid]
		gs := GroupStatus{
			ID:            g.id,
			State:         g.state,
			Leader:        g.leader,
			IgnoreNonlead: g.ignoreNonlead,
		}
		for _, tid := range g.order {
			t := s.tasks[tid]
			gs.Tasks = append(gs.Tasks, TaskStatus{
				ID:       t.id,
				Instance: model.NewInstanceID(t.id, t.retryID),
				Leader:   t.spec.Leader,
				State:    t.state,
				Reason:   t.reason,
				Node:     t.node,
				Retries:  t.retries,
				Upstream: t.spec.Upstream,
				Request:  t.spec.Request,
			})
		}
		out.Groups = append(out.Groups, gs)
	}
	return out, nil
}

// Workflows lists every retained workflow, newest submissions first.
func (s *Service) Workflows() []WorkflowSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkflowSummary, 0, len(s.workflows))
	seqs := make(map[model.WorkflowID]uint64, len(s.workflows))
	for _, w := range s.workflows {
		seqs[w.id] = w.seq
		out = append(out, WorkflowSummary{
			ID:         w.id,
			Name:       w.name,
			Owner:      w.owner,
			Pool:       w.pool,
			Priority:   w.priority,
			State:      w.state,
			SubmitTime: w.submitTime,
		})
	}
	sort.Slice(out, func(i, j int) bool { return seqs[out[i].ID] > seqs[out[j].ID] })
	return out
}

// History returns the recorded state transitions of a workflow, oldest first.
func (s *Service) History(wid model.WorkflowID) ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[wid]; !ok {
		return nil, errors.Errorf("unknown workflow %s", wid)
	}
	return s.history.entries(wid), nil
}
