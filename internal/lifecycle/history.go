package lifecycle

import (
	"time"

	"github.com/meridian-ml/meridian/pkg/model"
)

// historyCap bounds the transitions retained per workflow; the oldest entries
// are evicted first. 64 transitions per task instance is far more than any
// real trajectory produces, so eviction only matters for pathological retry
// storms.
const historyCap = 1024

// Transition is one recorded state change of a workflow, group or task
// instance.
type Transition struct {
	Time     time.Time `json:"time"`
	Entity   string    `json:"entity"`
	Instance string    `json:"instance"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to"`
	Reason   string    `json:"reason,omitempty"`
}

// history is the per-workflow transition log. It is guarded by the service
// mutex, not its own.
type history struct {
	byWorkflow map[model.WorkflowID][]Transition
}

func newHistory() *history {
	return &history{byWorkflow: make(map[model.WorkflowID][]Transition)}
}

func (h *history) record(wid model.WorkflowID, entity, instance, from, to, reason string) {
	entries := append(h.byWorkflow[wid], Transition{
		Time:     time.Now(),
		Entity:   entity,
		Instance: instance,
		From:     from,
		To:       to,
		Reason:   reason,
	})
	if len(entries) > historyCap {
		entries = entries[len(entries)-historyCap:]
	}
	h.byWorkflow[wid] = entries
}

func (h *history) entries(wid model.WorkflowID) []Transition {
	src := h.byWorkflow[wid]
	out := make([]Transition, len(src))
	copy(out, src)
	return out
}

func (h *history) drop(wid model.WorkflowID) {
	delete(h.byWorkflow, wid)
}
