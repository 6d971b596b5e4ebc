// Package scheduler implements priority admission: per-pool queues of ready
// groups ordered by (priority, submission), admitted against the quota
// ledger, with cross-pool borrowing for LOW groups and preemption of
// borrowers when HIGH or NORMAL groups are blocked on physical capacity.
package scheduler

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/meridian-ml/meridian/internal/ledger"
	"github.com/meridian-ml/meridian/internal/prom"
	"github.com/meridian-ml/meridian/internal/queue"
	"github.com/meridian-ml/meridian/internal/wproto"
	"github.com/meridian-ml/meridian/pkg/model"
)

// actionCoolDown is the rate limit for scheduling passes kicked by events.
const actionCoolDown = 500 * time.Millisecond

// schedulerTick is the period of the unconditional per-pool admission pass.
// Event kicks cover the common paths; the tick catches capacity freed by
// activity in other pools, e.g. a donor pool regaining lent-out capacity.
const schedulerTick = 5 * time.Second

// Delegate is implemented by the lifecycle state machine; the scheduler never
// mutates workflow state itself. Calls are made outside the scheduler's locks
// and may re-enter the scheduler.
type Delegate interface {
	// GroupAdmitted reports that the group holds a ledger reservation and
	// should be handed to the gang coordinator.
	GroupAdmitted(group model.GroupID)
	// GroupPreempted reports that the group was selected for preemption.
	GroupPreempted(group model.GroupID, reason string)
}

type poolQueue struct {
	mu    sync.Mutex
	queue *queue.Queue

	// pending batches event-driven kicks behind the cool-down timer so bursts
	// of queue changes coalesce into one admission pass.
	pending   bool
	timer     *time.Timer
	tickTimer *time.Timer
}

// Scheduler is the priority admission scheduler across all pools. Admission
// passes for different pools run independently.
type Scheduler struct {
	syslog   *logrus.Entry
	ledger   *ledger.Ledger
	delegate Delegate

	mu    sync.RWMutex
	pools map[model.PoolID]*poolQueue

	closed bool
}

// New constructs a Scheduler with one queue per configured pool.
func New(l *ledger.Ledger, delegate Delegate) *Scheduler {
	s := &Scheduler{
		syslog:   logrus.WithField("component", "admission-scheduler"),
		ledger:   l,
		delegate: delegate,
		pools:    make(map[model.PoolID]*poolQueue),
	}
	for _, id := range l.Pools() {
		s.pools[id] = &poolQueue{queue: queue.New()}
	}
	for id := range s.pools {
		s.armTick(id)
	}
	return s
}

func (s *Scheduler) armTick(pool model.PoolID) {
	s.mu.RLock()
	closed := s.closed
	p, ok := s.pools[pool]
	s.mu.RUnlock()
	if closed || !ok {
		return
	}
	p.mu.Lock()
	p.tickTimer = time.AfterFunc(schedulerTick, func() {
		s.Schedule(pool)
		s.armTick(pool)
	})
	p.mu.Unlock()
}

func (s *Scheduler) pool(id model.PoolID) (*poolQueue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[id]
	if !ok {
		return nil, wproto.UnknownPoolError{Pool: id}
	}
	return p, nil
}

// Enqueue adds a ready group to its pool's queue and kicks an admission pass.
// Statically infeasible requests are rejected synchronously rather than
// queued indefinitely.
func (s *Scheduler) Enqueue(req *wproto.GroupRequest) error {
	p, err := s.pool(req.Pool)
	if err != nil {
		return err
	}

	for _, t := range req.Tasks {
		feasible, err := s.ledger.Feasible(req.Pool, t.Request)
		if err != nil {
			return err
		}
		if !feasible {
			return wproto.StaticInfeasibleError{Pool: req.Pool, Task: t.TaskID, Request: t.Request}
		}
	}

	p.mu.Lock()
	req.State = wproto.SchedulingStateQueued
	if !p.queue.Add(req) {
		p.mu.Unlock()
		return errors.Errorf("group %s is already queued in pool %s", req.GroupID, req.Pool)
	}
	depth := p.queue.Stats().QueuedCount
	p.mu.Unlock()

	prom.QueueDepth.WithLabelValues(req.Pool.String()).Set(float64(depth))
	s.Kick(req.Pool)
	return nil
}

// Remove drops a group from its pool queue, e.g. when it reaches a terminal
// state or is canceled. Ledger reservations are released by the lifecycle,
// not here.
func (s *Scheduler) Remove(pool model.PoolID, group model.GroupID) {
	p, err := s.pool(pool)
	if err != nil {
		return
	}
	p.mu.Lock()
	removed := p.queue.Remove(group)
	depth := p.queue.Stats().QueuedCount
	p.mu.Unlock()

	s.ledger.Unclaim(pool, group)
	prom.QueueDepth.WithLabelValues(pool.String()).Set(float64(depth))
	if removed != nil {
		s.Kick(pool)
	}
}

// Requeue returns an admitted group to the queued state after a failed
// placement so a later pass can retry it.
func (s *Scheduler) Requeue(pool model.PoolID, group model.GroupID) {
	p, err := s.pool(pool)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.queue.SetQueued(group)
	p.mu.Unlock()
	s.Kick(pool)
}

// Kick requests an admission pass for the pool, batched behind the cool-down.
func (s *Scheduler) Kick(pool model.PoolID) {
	s.mu.RLock()
	closed := s.closed
	p, ok := s.pools[pool]
	s.mu.RUnlock()
	if closed || !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending {
		return
	}
	p.pending = true
	p.timer = time.AfterFunc(actionCoolDown, func() { s.Schedule(pool) })
}

// Stop cancels pending admission passes and the periodic ticks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, p := range s.pools {
		p.mu.Lock()
		if p.timer != nil {
			p.timer.Stop()
		}
		if p.tickTimer != nil {
			p.tickTimer.Stop()
		}
		p.mu.Unlock()
	}
}

// Schedule runs one synchronous admission pass over the pool queue. It is
// called from the cool-down timer and directly by tests.
func (s *Scheduler) Schedule(pool model.PoolID) {
	p, err := s.pool(pool)
	if err != nil {
		return
	}

	var admitted []model.GroupID
	var preempted []ledger.Victim

	p.mu.Lock()
	p.pending = false

	// A blocked HIGH/NORMAL group stops lower-ordered non-preemptible work:
	// only LOW groups may backfill past it, and only by borrowing.
	blocked := false
	for _, req := range p.queue.Pending() {
		if blocked && !req.Priority.Preemptible() {
			continue
		}

		if s.ledger.CanAdmit(pool, req.Priority, req.Demand) {
			if err := s.ledger.Reserve(req); err == nil {
				p.queue.SetScheduled(req.GroupID)
				admitted = append(admitted, req.GroupID)
				prom.Admissions.WithLabelValues(pool.String(), req.Priority.String()).Inc()
				continue
			}
		}

		if req.Priority == model.PriorityLow {
			// LOW groups may draw on idle capacity of sibling pools sharing
			// the backend; they never preempt anything.
			edges, ok := s.ledger.PlanBorrow(pool, req.Demand)
			if ok {
				if err := s.ledger.ReserveBorrowed(req, edges); err == nil {
					p.queue.SetScheduled(req.GroupID)
					admitted = append(admitted, req.GroupID)
					prom.Admissions.WithLabelValues(pool.String(), req.Priority.String()).Inc()
					if len(edges) > 0 {
						prom.Borrows.WithLabelValues(pool.String()).Inc()
					}
					continue
				}
			}
			continue
		}

		// HIGH/NORMAL never borrow. If the class quota has headroom but the
		// pool is physically full, borrowers are holding its capacity:
		// reclaim their borrow edges and claim the freed capacity so a LOW
		// reschedule cannot re-borrow it first.
		if s.ledger.HasQuotaHeadroom(pool, req.Priority, req.Demand) {
			if victims, ok := s.ledger.PlanPreemption(pool, req.Priority, req.Demand); ok {
				s.syslog.WithField("pool", pool).Infof(
					"preempting %d borrower group(s) to admit group %s", len(victims), req.GroupID)
				s.ledger.Claim(pool, req.GroupID, req.Demand)
				preempted = append(preempted, victims...)
			}
		}
		blocked = true
	}
	depth := p.queue.Stats().QueuedCount
	p.mu.Unlock()

	prom.QueueDepth.WithLabelValues(pool.String()).Set(float64(depth))
	for _, group := range admitted {
		s.delegate.GroupAdmitted(group)
	}
	for _, victim := range preempted {
		prom.Preemptions.WithLabelValues(victim.Pool.String()).Inc()
		s.delegate.GroupPreempted(victim.Group, "preempted to reclaim capacity borrowed from pool "+pool.String())
	}
	if len(preempted) > 0 {
		// The victims' release freed this pool's lent-out capacity; run
		// another pass to offer it to the blocked group.
		s.Kick(pool)
	}
}

// Stats returns per-pool queue statistics.
func (s *Scheduler) Stats() map[model.PoolID]queue.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(map[model.PoolID]queue.Stats, len(s.pools))
	for id, p := range s.pools {
		p.mu.Lock()
		stats[id] = p.queue.Stats()
		p.mu.Unlock()
	}
	return stats
}
