// Package queue maintains the per-pool admission queue: all group requests of
// one pool in admission order, with their scheduling state.
package queue

import (
	"strings"

	"github.com/emirpasic/gods/sets/treeset"

	"github.com/meridian-ml/meridian/internal/wproto"
	"github.com/meridian-ml/meridian/pkg/model"
)

// Queue holds the group requests of one pool ordered by (priority desc,
// queue position asc, submission sequence asc). The order is total and
// deterministic: ties are never broken randomly, so replays admit in the same
// order.
type Queue struct {
	byOrder *treeset.Set
	byID    map[model.GroupID]*wproto.GroupRequest
}

// New constructs an empty Queue.
func New() *Queue {
	return &Queue{
		byOrder: treeset.NewWith(func(a, b interface{}) int {
			r1, r2 := a.(*wproto.GroupRequest), b.(*wproto.GroupRequest)
			return groupRequestComparator(r1, r2)
		}),
		byID: make(map[model.GroupID]*wproto.GroupRequest),
	}
}

// Len gives the number of requests in the queue.
func (q *Queue) Len() int {
	return len(q.byID)
}

// ByID returns the request for a group.
func (q *Queue) ByID(id model.GroupID) (*wproto.GroupRequest, bool) {
	req, ok := q.byID[id]
	return req, ok
}

// Add inserts a request. It returns false if the group is already queued.
func (q *Queue) Add(req *wproto.GroupRequest) bool {
	if _, ok := q.byID[req.GroupID]; ok {
		return false
	}
	q.byOrder.Add(req)
	q.byID[req.GroupID] = req
	return true
}

// Remove deletes the request for a group, returning it if present.
func (q *Queue) Remove(id model.GroupID) *wproto.GroupRequest {
	req, ok := q.byID[id]
	if !ok {
		return nil
	}
	q.byOrder.Remove(req)
	delete(q.byID, id)
	return req
}

// SetScheduled marks a group's request as holding a reservation.
func (q *Queue) SetScheduled(id model.GroupID) {
	if req, ok := q.byID[id]; ok {
		req.State = wproto.SchedulingStateScheduled
	}
}

// SetQueued returns a group's request to the queued state.
func (q *Queue) SetQueued(id model.GroupID) {
	if req, ok := q.byID[id]; ok {
		req.State = wproto.SchedulingStateQueued
	}
}

// Ordered returns all requests in admission order.
func (q *Queue) Ordered() []*wproto.GroupRequest {
	reqs := make([]*wproto.GroupRequest, 0, q.byOrder.Size())
	for it := q.byOrder.Iterator(); it.Next(); {
		reqs = append(reqs, it.Value().(*wproto.GroupRequest))
	}
	return reqs
}

// Pending returns the queued (not yet scheduled) requests in admission order.
func (q *Queue) Pending() []*wproto.GroupRequest {
	reqs := make([]*wproto.GroupRequest, 0, q.byOrder.Size())
	for _, req := range q.Ordered() {
		if req.State == wproto.SchedulingStateQueued {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

// Stats summarizes the queue for observability.
type Stats struct {
	QueuedCount    int `json:"queued_count"`
	ScheduledCount int `json:"scheduled_count"`
}

// Stats reduces the queue to queued/scheduled counts.
func (q *Queue) Stats() Stats {
	var stats Stats
	for _, req := range q.byID {
		if req.State == wproto.SchedulingStateQueued {
			stats.QueuedCount++
		} else {
			stats.ScheduledCount++
		}
	}
	return stats
}

// groupRequestComparator orders requests by priority (higher first), then by
// queue position (earlier submission first), then by submission sequence, and
// finally by group ID so the order is total.
// The result is 0 if a == b, negative if a sorts first, positive otherwise.
func groupRequestComparator(a, b *wproto.GroupRequest) int {
	if a.Priority != b.Priority {
		return int(b.Priority) - int(a.Priority)
	}
	if !a.QueuePosition.Equal(b.QueuePosition) {
		return a.QueuePosition.Cmp(b.QueuePosition)
	}
	if a.Seq != b.Seq {
		if a.Seq < b.Seq {
			return -1
		}
		return 1
	}
	return strings.Compare(string(a.GroupID), string(b.GroupID))
}
