// Package lifecycle owns the workflow/group/task status model. All status
// mutation happens here, in response to admission decisions, gang barrier
// outcomes and executor reports; the scheduler and ledger only read it.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	petname "github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/meridian-ml/meridian/internal/dag"
	"github.com/meridian-ml/meridian/internal/gang"
	"github.com/meridian-ml/meridian/internal/ledger"
	"github.com/meridian-ml/meridian/internal/scheduler"
	"github.com/meridian-ml/meridian/internal/wproto"
	"github.com/meridian-ml/meridian/pkg/model"
	"github.com/meridian-ml/meridian/pkg/syncx/waitgroupx"
)

// Config carries the lifecycle's policy knobs.
type Config struct {
	// QueueTimeout bounds the time from admission enqueue to gang start.
	// Zero disables it.
	QueueTimeout time.Duration
	// ExecTimeout bounds user command execution. Zero disables it.
	ExecTimeout time.Duration
	// RetryCeiling caps automatic reschedules per task. Preemption-driven
	// reschedules are policy, not faults, and do not count against it.
	RetryCeiling int
	// Retention is how long terminal workflows are kept before archival.
	Retention time.Duration
}

type task struct {
	id       model.TaskID
	group    model.GroupID
	workflow model.WorkflowID
	spec     model.TaskSpec

	retryID int
	retries int
	state   model.TaskState
	reason  string
	node    string

	execTimer *time.Timer
	backoff   backoff.BackOff
}

type group struct {
	id       model.GroupID
	workflow model.WorkflowID

	leader        model.TaskID
	ignoreNonlead bool
	order         []model.TaskID

	state    model.TaskState
	enqueued bool
	reserved bool

	queueTimer *time.Timer
}

type workflow struct {
	id       model.WorkflowID
	name     string
	owner    string
	pool     model.PoolID
	priority model.Priority

	submitTime time.Time
	seq        uint64

	graph  *dag.Graph
	groups []model.GroupID

	state           model.TaskState
	started         bool
	cancelRequested bool
	autoReschedule  bool
	terminalAt      time.Time
}

// Service is the lifecycle state machine.
type Service struct {
	mu     sync.Mutex
	syslog *logrus.Entry
	cfg    Config

	ledger *ledger.Ledger
	exec   wproto.Executor
	sched  *scheduler.Scheduler
	coord  *gang.Coordinator

	seq       uint64
	workflows map[model.WorkflowID]*workflow
	groups    map[model.GroupID]*group
	tasks     map[model.TaskID]*task
	history   *history

	wg waitgroupx.Group
}

// New constructs the lifecycle service. Bind must be called with the
// scheduler and gang coordinator before the first submission.
func New(cfg Config, l *ledger.Ledger, exec wproto.Executor) *Service {
	s := &Service{
		syslog:    logrus.WithField("component", "lifecycle"),
		cfg:       cfg,
		ledger:    l,
		exec:      exec,
		workflows: make(map[model.WorkflowID]*workflow),
		groups:    make(map[model.GroupID]*group),
		tasks:     make(map[model.TaskID]*task),
		history:   newHistory(),
		wg:        waitgroupx.WithContext(context.Background()),
	}
	if cfg.Retention > 0 {
		s.wg.Go(s.archiveLoop)
	}
	return s
}

// Bind wires the admission scheduler and gang coordinator. They are created
// after the Service because both call back into it.
func (s *Service) Bind(sched *scheduler.Scheduler, coord *gang.Coordinator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sched = sched
	s.coord = coord
}

// Close stops background work.
func (s *Service) Close() {
	s.wg.Close()
}

// Submit validates a workflow definition and, if it is accepted, creates its
// records and enqueues every dependency-free group. Validation failures are
// synchronous; the workflow never enters the scheduling core.
func (s *Service) Submit(spec model.WorkflowSpec) (model.WorkflowID, error) {
	groups, err := normalizeGroups(spec)
	if err != nil {
		return "", err
	}

	wid := model.WorkflowID(uuid.New().String())
	groups = qualifyGroups(wid, groups)

	graph, err := dag.Build(groups)
	if err != nil {
		return "", err
	}

	for _, g := range groups {
		for _, t := range g.Tasks {
			feasible, err := s.ledger.Feasible(spec.Pool, t.Request)
			if err != nil {
				return "", err
			}
			if !feasible {
				return "", wproto.StaticInfeasibleError{Pool: spec.Pool, Task: t.ID, Request: t.Request}
			}
		}
	}

	name := spec.Name
	if name == "" {
		name = petname.Generate(2, "-")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	w := &workflow{
		id:             wid,
		name:           name,
		owner:          spec.Owner,
		pool:           spec.Pool,
		priority:       spec.Priority,
		submitTime:     time.Now(),
		seq:            s.seq,
		graph:          graph,
		state:          model.TaskStatePending,
		autoReschedule: !spec.DisableReschedule,
	}
	s.workflows[wid] = w

	for _, gs := range groups {
		w.groups = append(w.groups, gs.ID)
		g := &group{
			id:            gs.ID,
			workflow:      wid,
			leader:        gs.Leader(),
			ignoreNonlead: gs.IgnoresNonleadStatus(),
			state:         model.TaskStateSubmitting,
		}
		s.groups[gs.ID] = g
		for _, ts := range gs.Tasks {
			g.order = append(g.order, ts.ID)
			s.tasks[ts.ID] = &task{
				id:       ts.ID,
				group:    gs.ID,
				workflow: wid,
				spec:     ts,
				state:    model.TaskStateSubmitting,
			}
		}
	}

	s.history.record(wid, "workflow", string(wid), "", model.TaskStatePending.String(), "submitted")
	s.syslog.WithFields(logrus.Fields{
		"workflow": wid,
		"name":     name,
		"pool":     spec.Pool,
		"priority": spec.Priority,
	}).Infof("accepted workflow with %d group(s)", len(groups))

	var effects []func()
	for _, gid := range w.groups {
		s.classifyGroupTasks(s.groups[gid])
		if graph.Ready(gid, s.groupStateOf) {
			effects = append(effects, s.enqueueGroupLocked(w, s.groups[gid])...)
		}
	}
	s.reduceWorkflowLocked(w)
	s.runLater(effects)
	return wid, nil
}

// Cancel marks the workflow canceled, prevents further admission and
// propagates FAILED_CANCELED to every non-terminal task and group. Running
// tasks are asked to stop, but the state machine transitions optimistically
// without blocking on the executor's acknowledgment.
func (s *Service) Cancel(wid model.WorkflowID) error {
	s.mu.Lock()
	w, ok := s.workflows[wid]
	if !ok {
		s.mu.Unlock()
		return errors.Errorf("unknown workflow %s", wid)
	}
	if w.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	w.cancelRequested = true

	// Mark every non-terminal task first and reduce only afterwards, so the
	// first group's failure reduction cannot short-circuit downstream groups
	// into FAILED_UPSTREAM before the cancellation reaches them.
	var effects []func()
	for _, gid := range w.groups {
		g := s.groups[gid]
		if g.state.Terminal() {
			continue
		}
		effects = append(effects, s.releaseGroupLocked(w, g)...)
		for _, tid := range g.order {
			t := s.tasks[tid]
			if t.state.Terminal() {
				continue
			}
			if t.state.Started() {
				effects = append(effects, s.cancelTaskEffect(tid))
			}
			s.setTaskStateLocked(t, model.TaskStateFailedCanceled, "workflow canceled")
		}
	}
	for _, gid := range w.groups {
		effects = append(effects, s.reduceGroupLocked(s.groups[gid])...)
	}
	s.reduceWorkflowLocked(w)
	s.mu.Unlock()

	s.runNow(effects)
	return nil
}

// RestartTask re-executes a task's user command on its existing placement,
// without re-downloading inputs and without a retry ID change. It only
// applies to running tasks.
func (s *Service) RestartTask(tid model.TaskID) error {
	s.mu.Lock()
	t, ok := s.tasks[tid]
	if !ok {
		s.mu.Unlock()
		return errors.Errorf("unknown task %s", tid)
	}
	if t.state != model.TaskStateRunning {
		s.mu.Unlock()
		return errors.Errorf("task %s is %s, not RUNNING", tid, t.state)
	}
	s.history.record(t.workflow, "task", instance(t), t.state.String(), t.state.String(), "restarted in place")
	s.mu.Unlock()

	return s.exec.Restart(context.Background(), tid)
}

// normalizeGroups resolves the groups-or-flat-tasks alternative and validates
// leader flags. Flat tasks become single-task groups with themselves as
// leader.
func normalizeGroups(spec model.WorkflowSpec) ([]model.GroupSpec, error) {
	if len(spec.Groups) > 0 && len(spec.Tasks) > 0 {
		return nil, errors.New("groups and tasks are mutually exclusive in a workflow definition")
	}
	if len(spec.Groups) == 0 && len(spec.Tasks) == 0 {
		return nil, errors.New("a workflow needs at least one group or task")
	}

	if len(spec.Tasks) > 0 {
		groups := make([]model.GroupSpec, 0, len(spec.Tasks))
		for _, t := range spec.Tasks {
			t.Leader = true
			groups = append(groups, model.GroupSpec{
				ID:    model.GroupID(t.ID),
				Tasks: []model.TaskSpec{t},
			})
		}
		return groups, nil
	}

	groups := make([]model.GroupSpec, len(spec.Groups))
	copy(groups, spec.Groups)
	for i, g := range groups {
		if len(g.Tasks) == 0 {
			return nil, errors.Errorf("group %s has no tasks", g.ID)
		}
		leaders := 0
		for _, t := range g.Tasks {
			if t.Leader {
				leaders++
			}
		}
		switch {
		case leaders == 0 && len(g.Tasks) == 1:
			groups[i].Tasks[0].Leader = true
		case leaders != 1:
			return nil, errors.Errorf("group %s must flag exactly one leader task, found %d", g.ID, leaders)
		}
	}
	return groups, nil
}

// qualifyGroups namespaces group and task IDs with the workflow ID so records
// and executor reports are globally unambiguous.
func qualifyGroups(wid model.WorkflowID, groups []model.GroupSpec) []model.GroupSpec {
	prefix := func(id string) string { return fmt.Sprintf("%s/%s", wid, id) }
	out := make([]model.GroupSpec, 0, len(groups))
	for _, g := range groups {
		qg := g
		qg.ID = model.GroupID(prefix(string(g.ID)))
		qg.Tasks = make([]model.TaskSpec, 0, len(g.Tasks))
		for _, t := range g.Tasks {
			qt := t
			qt.ID = model.TaskID(prefix(string(t.ID)))
			qt.Upstream = make([]model.TaskID, 0, len(t.Upstream))
			for _, up := range t.Upstream {
				qt.Upstream = append(qt.Upstream, model.TaskID(prefix(string(up))))
			}
			qg.Tasks = append(qg.Tasks, qt)
		}
		out = append(out, qg)
	}
	return out
}

func instance(t *task) string {
	return string(model.NewInstanceID(t.id, t.retryID))
}

// runNow executes side effects; callers must not hold the service lock.
func (s *Service) runNow(effects []func()) {
	for _, fn := range effects {
		fn()
	}
}

// runLater schedules side effects on a background goroutine; safe to call
// with the service lock held by the caller's deferred unlock.
func (s *Service) runLater(effects []func()) {
	if len(effects) == 0 {
		return
	}
	s.wg.Go(func(ctx context.Context) {
		for _, fn := range effects {
			fn()
		}
	})
}

func (s *Service) cancelTaskEffect(tid model.TaskID) func() {
	return func() {
		if err := s.exec.Cancel(context.Background(), tid); err != nil {
			s.syslog.WithError(err).Warnf("asking executor to stop task %s", tid)
		}
	}
}

func (s *Service) archiveLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.archiveExpired()
		}
	}
}

func (s *Service) archiveExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.cfg.Retention)
	for wid, w := range s.workflows {
		if !w.state.Terminal() || w.terminalAt.IsZero() || w.terminalAt.After(cutoff) {
			continue
		}
		for _, gid := range w.groups {
			for _, tid := range s.groups[gid].order {
				delete(s.tasks, tid)
			}
			delete(s.groups, gid)
		}
		delete(s.workflows, wid)
		s.history.drop(wid)
		s.syslog.Infof("archived workflow %s after retention", wid)
	}
}
