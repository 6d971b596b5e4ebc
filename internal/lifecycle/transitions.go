package lifecycle

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meridian-ml/meridian/internal/gang"
	"github.com/meridian-ml/meridian/internal/prom"
	"github.com/meridian-ml/meridian/internal/wproto"
	"github.com/meridian-ml/meridian/pkg/model"
)

func (s *Service) groupStateOf(id model.GroupID) model.TaskState {
	if g, ok := s.groups[id]; ok {
		return g.state
	}
	return model.TaskStatePending
}

func (s *Service) taskStateOf(id model.TaskID) model.TaskState {
	if t, ok := s.tasks[id]; ok {
		return t.state
	}
	return model.TaskStatePending
}

// setTaskStateLocked performs one task transition: state, reason, metrics,
// history and the execution deadline attached at RUNNING entry.
func (s *Service) setTaskStateLocked(t *task, state model.TaskState, reason string) {
	if t.state == state {
		return
	}
	prom.TaskStates.WithLabelValues(t.state.String()).Dec()
	prom.TaskStates.WithLabelValues(state.String()).Inc()
	s.history.record(t.workflow, "task", instance(t), t.state.String(), state.String(), reason)

	if t.state == model.TaskStateRunning && t.execTimer != nil {
		t.execTimer.Stop()
		t.execTimer = nil
	}
	t.state = state
	t.reason = reason
	if state == model.TaskStateRunning && s.cfg.ExecTimeout > 0 {
		tid, retryID := t.id, t.retryID
		t.execTimer = time.AfterFunc(s.cfg.ExecTimeout, func() { s.onExecTimeout(tid, retryID) })
	}
}

// classifyGroupTasks moves SUBMITTING tasks to WAITING or PROCESSING based on
// unresolved upstream dependencies.
func (s *Service) classifyGroupTasks(g *group) {
	w := s.workflows[g.workflow]
	for _, tid := range g.order {
		t := s.tasks[tid]
		if t.state != model.TaskStateSubmitting {
			continue
		}
		ready := w.graph.Ready(g.id, s.groupStateOf) && w.graph.TaskReady(tid, s.taskStateOf)
		if ready {
			s.setTaskStateLocked(t, model.TaskStateProcessing, "")
		} else {
			s.setTaskStateLocked(t, model.TaskStateWaiting, "waiting on upstream dependencies")
		}
	}
	s.reduceGroupStateOnlyLocked(g)
}

// enqueueGroupLocked hands a ready group to the admission scheduler and arms
// its queue deadline. The scheduler call itself is returned as an effect.
func (s *Service) enqueueGroupLocked(w *workflow, g *group) []func() {
	if g.enqueued || g.state.Terminal() || w.cancelRequested {
		return nil
	}
	req := &wproto.GroupRequest{
		WorkflowID:    w.id,
		GroupID:       g.id,
		Pool:          w.pool,
		Priority:      w.priority,
		SubmitTime:    w.submitTime,
		Seq:           w.seq,
		QueuePosition: wproto.NewQueuePosition(w.submitTime),
	}
	for _, tid := range g.order {
		t := s.tasks[tid]
		req.Tasks = append(req.Tasks, wproto.GangTask{
			TaskID:  t.id,
			RetryID: t.retryID,
			Request: t.spec.Request,
		})
		req.Demand = req.Demand.Add(t.spec.Request.Demand())
	}
	g.enqueued = true
	if s.cfg.QueueTimeout > 0 && g.queueTimer == nil {
		gid := g.id
		g.queueTimer = time.AfterFunc(s.cfg.QueueTimeout, func() { s.onQueueTimeout(gid) })
	}

	return []func(){func() {
		if err := s.sched.Enqueue(req); err != nil {
			s.syslog.WithError(err).Errorf("enqueueing group %s", g.id)
			s.failGroup(g.id, model.TaskStateFailedSubmission, err.Error())
		}
	}}
}

// reduceGroupStateOnlyLocked recomputes the group's derived state without
// acting on a terminal outcome. Used while building up state where terminal
// handling is impossible (nothing has run).
func (s *Service) reduceGroupStateOnlyLocked(g *group) bool {
	states := make(map[model.TaskID]model.TaskState, len(g.order))
	for _, tid := range g.order {
		states[tid] = s.tasks[tid].state
	}
	next := gang.Reduce(g.leader, g.ignoreNonlead, g.order, states)
	if next == g.state {
		return false
	}
	s.history.record(g.workflow, "group", string(g.id), g.state.String(), next.String(), "")
	g.state = next
	return true
}

// reduceGroupLocked recomputes the group's derived state and, when the group
// reaches a terminal state, performs the terminal bookkeeping: releasing
// capacity, rescheduling if policy allows, short-circuiting dependents on
// failure and enqueueing them on success.
func (s *Service) reduceGroupLocked(g *group) []func() {
	wasTerminal := g.state.Terminal()
	if !s.reduceGroupStateOnlyLocked(g) {
		return nil
	}
	if !g.state.Terminal() || wasTerminal {
		return nil
	}
	return s.onGroupTerminalLocked(s.workflows[g.workflow], g)
}

func (s *Service) onGroupTerminalLocked(w *workflow, g *group) []func() {
	effects := s.releaseGroupLocked(w, g)

	switch {
	case g.state.Successful():
		w.started = true
		for _, gid := range w.groups {
			dep := s.groups[gid]
			if dep.state.Terminal() || dep.enqueued {
				continue
			}
			if w.graph.Ready(gid, s.groupStateOf) {
				s.classifyGroupTasks(dep)
				effects = append(effects, s.enqueueGroupLocked(w, dep)...)
			}
		}
	case g.state.Failure():
		if s.groupRetryableLocked(w, g) {
			return append(effects, s.rescheduleGroupLocked(w, g)...)
		}
		effects = append(effects, s.shortCircuitLocked(w, g)...)
	}
	return effects
}

// releaseGroupLocked returns a group's queue slot, ledger reservation,
// barrier and timers. Idempotent.
func (s *Service) releaseGroupLocked(w *workflow, g *group) []func() {
	var effects []func()
	if g.queueTimer != nil {
		g.queueTimer.Stop()
		g.queueTimer = nil
	}
	if g.reserved {
		g.reserved = false
		s.ledger.Release(w.pool, g.id)
	}
	if g.enqueued {
		g.enqueued = false
		gid := g.id
		effects = append(effects, func() { s.sched.Remove(w.pool, gid) })
	}
	gid := g.id
	effects = append(effects, func() { s.coord.Forget(gid) })
	return effects
}

// shortCircuitLocked fails every not-yet-started transitive dependent of a
// non-retryably failed group with FAILED_UPSTREAM, so they are never admitted
// only to fail later.
func (s *Service) shortCircuitLocked(w *workflow, g *group) []func() {
	var effects []func()
	reason := "upstream group " + string(g.id) + " failed: " + g.state.String()
	for _, gid := range w.graph.TransitiveDownstream(g.id) {
		dep, ok := s.groups[gid]
		if !ok || dep.state.Terminal() {
			continue
		}
		for _, tid := range dep.order {
			t := s.tasks[tid]
			if !t.state.Terminal() {
				s.setTaskStateLocked(t, model.TaskStateFailedUpstream, reason)
			}
		}
		s.reduceGroupStateOnlyLocked(dep)
		effects = append(effects, s.releaseGroupLocked(w, dep)...)
	}
	return effects
}

// groupRetryableLocked decides whether a failed group is automatically
// rescheduled. Preemption is policy-driven reclamation rather than a fault,
// so it bypasses the retry ceiling.
func (s *Service) groupRetryableLocked(w *workflow, g *group) bool {
	if w.cancelRequested || !w.autoReschedule {
		return false
	}
	if g.state == model.TaskStateFailedPreempted {
		return true
	}
	switch g.state.RetryPolicy() {
	case model.RetryReschedule, model.RetryBackoff:
	default:
		return false
	}
	for _, tid := range g.order {
		if s.tasks[tid].retries >= s.cfg.RetryCeiling {
			return false
		}
	}
	return true
}

// rescheduleGroupLocked retires every member instance and re-enters the group
// into admission with fresh instances. The original submission time and
// sequence are kept so the reschedule does not jump the FIFO order.
func (s *Service) rescheduleGroupLocked(w *workflow, g *group) []func() {
	preempted := g.state == model.TaskStateFailedPreempted
	delay := time.Duration(0)
	if g.state.RetryPolicy() == model.RetryBackoff {
		delay = s.nextGroupBackoffLocked(g)
	}

	for _, tid := range g.order {
		t := s.tasks[tid]
		s.history.record(w.id, "task", instance(t), t.state.String(),
			model.TaskStateRescheduled.String(), "instance retired, rescheduling")
		prom.TaskStates.WithLabelValues(t.state.String()).Dec()
		t.retryID++
		if !preempted {
			t.retries++
		}
		t.state = model.TaskStateSubmitting
		t.reason = ""
		t.node = ""
		prom.TaskStates.WithLabelValues(t.state.String()).Inc()
	}
	s.classifyGroupTasks(g)
	s.reduceGroupStateOnlyLocked(g)

	if delay == 0 {
		return s.enqueueGroupLocked(w, g)
	}
	gid := g.id
	s.syslog.Infof("rescheduling group %s after %s backoff", gid, delay)
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		g, ok := s.groups[gid]
		var effects []func()
		if ok && !g.state.Terminal() {
			effects = s.enqueueGroupLocked(s.workflows[g.workflow], g)
		}
		s.mu.Unlock()
		s.runNow(effects)
	})
	return nil
}

func (s *Service) nextGroupBackoffLocked(g *group) time.Duration {
	// One backoff source per group, carried on the leader's record.
	leader := s.tasks[g.leader]
	if leader.backoff == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 2 * time.Second
		bo.MaxInterval = 2 * time.Minute
		bo.MaxElapsedTime = 0
		leader.backoff = bo
	}
	return leader.backoff.NextBackOff()
}

// reduceWorkflowLocked recomputes the workflow's derived state from its
// groups and the DAG: PENDING until the first group runs, RUNNING while any
// group is active, WAITING between groups, and a terminal reduction once all
// groups are terminal. The first failure in DAG submission order carries its
// reason code to the workflow level.
func (s *Service) reduceWorkflowLocked(w *workflow) {
	allTerminal := true
	allSuccessful := true
	anyActive := false
	var firstFailure model.TaskState

	for _, gid := range w.groups {
		st := s.groups[gid].state
		if st >= model.TaskStateScheduling && !st.Terminal() {
			anyActive = true
			w.started = true
		}
		if !st.Terminal() {
			allTerminal = false
		}
		if !st.Successful() {
			allSuccessful = false
		}
		if st.Failure() && firstFailure == 0 {
			firstFailure = st
		}
	}

	next := w.state
	switch {
	case allTerminal && allSuccessful:
		next = model.TaskStateCompleted
	case allTerminal && firstFailure != 0:
		next = firstFailure
	case anyActive:
		next = model.TaskStateRunning
	case w.started:
		next = model.TaskStateWaiting
	default:
		next = model.TaskStatePending
	}

	if next == w.state {
		return
	}
	s.history.record(w.id, "workflow", string(w.id), w.state.String(), next.String(), "")
	w.state = next
	if next.Terminal() {
		w.terminalAt = time.Now()
		s.syslog.WithField("workflow", w.id).Infof("workflow reached %s", next)
	}
}

// failGroup fails a group outright with the given state, outside of the
// normal executor-event path (enqueue rejections, deadline expiries).
func (s *Service) failGroup(gid model.GroupID, state model.TaskState, reason string) {
	s.mu.Lock()
	g, ok := s.groups[gid]
	if !ok || g.state.Terminal() {
		s.mu.Unlock()
		return
	}
	w := s.workflows[g.workflow]

	var effects []func()
	for _, tid := range g.order {
		t := s.tasks[tid]
		if t.state.Terminal() {
			continue
		}
		if t.state.Started() {
			effects = append(effects, s.cancelTaskEffect(tid))
		}
		s.setTaskStateLocked(t, state, reason)
	}
	effects = append(effects, s.reduceGroupLocked(g)...)
	s.reduceWorkflowLocked(w)
	s.mu.Unlock()

	s.runNow(effects)
}

func (s *Service) onQueueTimeout(gid model.GroupID) {
	s.mu.Lock()
	g, ok := s.groups[gid]
	if !ok || g.state.Terminal() {
		s.mu.Unlock()
		return
	}
	for _, tid := range g.order {
		if s.tasks[tid].state.Started() {
			// The gang made it onto the backend; the queue deadline no longer
			// applies.
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()
	s.failGroup(gid, model.TaskStateFailedQueueTimeout, "group was not placed before the queue deadline")
}

func (s *Service) onExecTimeout(tid model.TaskID, retryID int) {
	s.mu.Lock()
	t, ok := s.tasks[tid]
	if !ok || t.retryID != retryID || t.state != model.TaskStateRunning {
		s.mu.Unlock()
		return
	}
	s.setTaskStateLocked(t, model.TaskStateFailedExecTimeout, "user command exceeded the execution deadline")
	effects := []func(){s.cancelTaskEffect(tid)}
	effects = append(effects, s.onTaskTerminalLocked(t)...)
	s.reduceWorkflowLocked(s.workflows[t.workflow])
	s.mu.Unlock()

	s.runNow(effects)
}
