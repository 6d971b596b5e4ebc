package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/meridian-ml/meridian/internal/prom"
	"github.com/meridian-ml/meridian/internal/wproto"
	"github.com/meridian-ml/meridian/pkg/model"
)

// GroupAdmitted implements scheduler.Delegate. The group holds a ledger
// reservation; its tasks move to SCHEDULING and the gang coordinator requests
// atomic placement.
func (s *Service) GroupAdmitted(gid model.GroupID) {
	s.mu.Lock()
	g, ok := s.groups[gid]
	if !ok {
		s.mu.Unlock()
		return
	}
	w := s.workflows[g.workflow]
	if g.state.Terminal() || w.cancelRequested {
		// Canceled or failed while the admission pass ran; return the
		// reservation immediately.
		s.ledger.Release(w.pool, gid)
		effects := s.releaseGroupLocked(w, g)
		s.mu.Unlock()
		s.runNow(effects)
		return
	}

	g.reserved = true
	w.started = true
	req := wproto.GangRequest{
		WorkflowID: w.id,
		GroupID:    gid,
		Pool:       w.pool,
	}
	for _, tid := range g.order {
		t := s.tasks[tid]
		req.Tasks = append(req.Tasks, wproto.GangTask{
			TaskID:  t.id,
			RetryID: t.retryID,
			Request: t.spec.Request,
		})
		s.setTaskStateLocked(t, model.TaskStateScheduling, "")
	}
	s.reduceGroupStateOnlyLocked(g)
	s.reduceWorkflowLocked(w)
	s.mu.Unlock()

	if err := s.coord.PlaceGroup(context.Background(), req); err != nil {
		s.syslog.WithError(err).Warnf("gang placement rejected for group %s; requeueing", gid)
		s.mu.Lock()
		if g.reserved {
			g.reserved = false
			s.ledger.Release(w.pool, gid)
		}
		for _, tid := range g.order {
			t := s.tasks[tid]
			if t.state == model.TaskStateScheduling {
				s.setTaskStateLocked(t, model.TaskStateProcessing, "placement rejected, requeued")
			}
		}
		s.reduceGroupStateOnlyLocked(g)
		s.reduceWorkflowLocked(w)
		s.mu.Unlock()
		s.sched.Requeue(w.pool, gid)
	}
}

// GroupPreempted implements scheduler.Delegate. The group's tasks transition
// to FAILED_PREEMPTED, its borrowed capacity is released, and by default the
// workflow's group is resubmitted as new task instances.
func (s *Service) GroupPreempted(gid model.GroupID, reason string) {
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
		s.setTaskStateLocked(t, model.TaskStateFailedPreempted, reason)
	}
	effects = append(effects, s.reduceGroupLocked(g)...)
	s.reduceWorkflowLocked(w)
	s.mu.Unlock()

	s.runNow(effects)
}

// GangStarted implements gang.Events: the start barrier released, so every
// member's user command begins now.
func (s *Service) GangStarted(gid model.GroupID) {
	s.mu.Lock()
	g, ok := s.groups[gid]
	if !ok || g.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if g.queueTimer != nil {
		g.queueTimer.Stop()
		g.queueTimer = nil
	}
	for _, tid := range g.order {
		t := s.tasks[tid]
		if t.state == model.TaskStateInitializing || t.state == model.TaskStateScheduling {
			s.setTaskStateLocked(t, model.TaskStateRunning, "")
		}
	}
	s.reduceGroupStateOnlyLocked(g)
	s.reduceWorkflowLocked(s.workflows[g.workflow])
	s.mu.Unlock()
}

// GangStartTimeout implements gang.Events.
func (s *Service) GangStartTimeout(gid model.GroupID, err error) {
	s.failGroup(gid, model.TaskStateFailedStartTimeout, err.Error())
}

// HandleTaskEvent consumes an asynchronous executor report. Events for a
// stale retry ID are dropped: they describe a retired instance.
func (s *Service) HandleTaskEvent(ev wproto.TaskEvent) {
	s.mu.Lock()
	t, ok := s.tasks[ev.TaskID]
	if !ok || ev.RetryID != t.retryID {
		s.mu.Unlock()
		return
	}
	g := s.groups[t.group]
	w := s.workflows[t.workflow]

	var effects []func()
	notifyReady := false
	var terminal model.TaskState

	switch ev.Phase {
	case wproto.PhasePulling:
		if t.state == model.TaskStateScheduling {
			t.node = ev.Node
			s.setTaskStateLocked(t, model.TaskStateInitializing, ev.Reason)
		}
	case wproto.PhaseReady:
		if ev.Node != "" {
			t.node = ev.Node
		}
		if t.state == model.TaskStateScheduling {
			s.setTaskStateLocked(t, model.TaskStateInitializing, "")
		}
		if g.state == model.TaskStateRunning {
			// A rescheduled member rejoining an already-running group skips
			// the barrier.
			s.setTaskStateLocked(t, model.TaskStateRunning, "")
		} else {
			notifyReady = true
		}
	case wproto.PhaseRunning:
		if t.state == model.TaskStateInitializing {
			s.setTaskStateLocked(t, model.TaskStateRunning, "")
		}
	case wproto.PhaseExited:
		if ev.ExitCode != nil && *ev.ExitCode == 0 {
			terminal = model.TaskStateCompleted
		} else {
			terminal = model.TaskStateFailed
		}
	case wproto.PhaseImagePullFailed:
		terminal = model.TaskStateFailedImagePull
	case wproto.PhaseEvicted:
		terminal = model.TaskStateFailedEvicted
	case wproto.PhaseNodeFailed:
		terminal = model.TaskStateFailedBackendError
	case wproto.PhaseStartFailed:
		terminal = model.TaskStateFailedStartError
	}

	if terminal != 0 && !t.state.Terminal() {
		reason := ev.Reason
		if terminal == model.TaskStateFailed && ev.ExitCode != nil {
			reason = fmt.Sprintf("user command exited with code %d", *ev.ExitCode)
		}
		s.setTaskStateLocked(t, terminal, reason)
		effects = append(effects, s.onTaskTerminalLocked(t)...)
	} else {
		s.reduceGroupStateOnlyLocked(g)
	}
	s.reduceWorkflowLocked(w)
	s.mu.Unlock()

	if notifyReady {
		s.coord.TaskReady(g.id, t.id)
	}
	s.runNow(effects)
}

// onTaskTerminalLocked applies the group completion policy to one task's
// terminal outcome and decides between independent reschedule, whole-group
// restart, group failure and plain reduction.
func (s *Service) onTaskTerminalLocked(t *task) []func() {
	g := s.groups[t.group]
	w := s.workflows[t.workflow]
	if g.state.Terminal() {
		return nil
	}

	if t.state.Successful() {
		if g.ignoreNonlead && t.id == g.leader {
			// The leader drives the group; stragglers are asked to stop.
			var effects []func()
			for _, tid := range g.order {
				if tid != t.id && !s.tasks[tid].state.Terminal() {
					effects = append(effects, s.cancelTaskEffect(tid))
				}
			}
			return append(effects, s.reduceGroupLocked(g)...)
		}
		return s.reduceGroupLocked(g)
	}

	if g.ignoreNonlead {
		// Leader and non-lead alike are rescheduled independently; the group
		// state keeps following the leader's trajectory throughout.
		if s.taskRetryableLocked(w, t) {
			return s.rescheduleTaskLocked(w, g, t, false)
		}
		return s.reduceGroupLocked(g)
	}

	// IgnoreNonleadStatus = false: the group lives and dies as a unit.
	if s.taskRetryableLocked(w, t) {
		return s.rescheduleTaskLocked(w, g, t, true)
	}
	var effects []func()
	for _, tid := range g.order {
		member := s.tasks[tid]
		if member.state.Terminal() {
			continue
		}
		if member.state.Started() {
			effects = append(effects, s.cancelTaskEffect(tid))
		}
		s.setTaskStateLocked(member, model.TaskStateFailedCanceled,
			fmt.Sprintf("sibling task %s failed: %s", t.id, t.state))
	}
	return append(effects, s.reduceGroupLocked(g)...)
}

func (s *Service) taskRetryableLocked(w *workflow, t *task) bool {
	if w.cancelRequested || !w.autoReschedule {
		return false
	}
	switch t.state.RetryPolicy() {
	case model.RetryReschedule, model.RetryBackoff:
	default:
		return false
	}
	return t.retries < s.cfg.RetryCeiling
}

// rescheduleTaskLocked retires one task instance and places a replacement
// with an incremented retry ID; it may land on any node satisfying the
// resource request. With restartPeers set (the strict completion policy),
// every still-running member is restarted in place to stay logically
// consistent with the fresh instance.
func (s *Service) rescheduleTaskLocked(w *workflow, g *group, t *task, restartPeers bool) []func() {
	policy := t.state.RetryPolicy()
	s.history.record(w.id, "task", instance(t), t.state.String(),
		model.TaskStateRescheduled.String(), "instance retired, rescheduling")

	prom.TaskStates.WithLabelValues(t.state.String()).Dec()
	t.retryID++
	t.retries++
	t.node = ""
	t.reason = ""
	t.state = model.TaskStateSubmitting
	prom.TaskStates.WithLabelValues(t.state.String()).Inc()
	s.setTaskStateLocked(t, model.TaskStateScheduling, "rescheduled")

	req := wproto.GangRequest{
		WorkflowID: w.id,
		GroupID:    g.id,
		Pool:       w.pool,
		Tasks: []wproto.GangTask{{
			TaskID:  t.id,
			RetryID: t.retryID,
			Request: t.spec.Request,
		}},
	}

	var effects []func()
	tid, retryID := t.id, t.retryID
	place := func() {
		if err := s.exec.PlaceGang(context.Background(), req); err != nil {
			s.syslog.WithError(err).Warnf("placement for rescheduled task %s rejected", tid)
			s.failTaskPlacement(tid, retryID)
		}
	}
	if policy == model.RetryBackoff {
		delay := s.nextTaskBackoffLocked(t)
		s.syslog.Infof("rescheduling task %s after %s backoff", tid, delay)
		effects = append(effects, func() { time.AfterFunc(delay, place) })
	} else {
		effects = append(effects, place)
	}

	if restartPeers {
		for _, peer := range g.order {
			member := s.tasks[peer]
			if peer == t.id || member.state != model.TaskStateRunning {
				continue
			}
			s.history.record(w.id, "task", instance(member), member.state.String(),
				member.state.String(), "restarted to stay consistent with rescheduled sibling")
			pid := peer
			effects = append(effects, func() {
				if err := s.exec.Restart(context.Background(), pid); err != nil {
					s.syslog.WithError(err).Warnf("restarting task %s", pid)
				}
			})
		}
	}

	s.reduceGroupStateOnlyLocked(g)
	return effects
}

func (s *Service) nextTaskBackoffLocked(t *task) time.Duration {
	if t.backoff == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 2 * time.Second
		bo.MaxInterval = 2 * time.Minute
		bo.MaxElapsedTime = 0
		t.backoff = bo
	}
	return t.backoff.NextBackOff()
}

func (s *Service) failTaskPlacement(tid model.TaskID, retryID int) {
	s.mu.Lock()
	t, ok := s.tasks[tid]
	if !ok || t.retryID != retryID || t.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.setTaskStateLocked(t, model.TaskStateFailedBackendError, "placement for rescheduled instance rejected")
	effects := s.onTaskTerminalLocked(t)
	s.reduceWorkflowLocked(s.workflows[t.workflow])
	s.mu.Unlock()
	s.runNow(effects)
}
