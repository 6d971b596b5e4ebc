// Package devexec is an in-process executor for local development: it accepts
// gang placements and walks each task instance through the pulling, ready,
// running and exited phases on timers instead of a real container backend.
package devexec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/meridian-ml/meridian/internal/wproto"
	"github.com/meridian-ml/meridian/pkg/model"
)

type instance struct {
	task    model.TaskID
	group   model.GroupID
	retryID int
	node    string

	runTimer *time.Timer
}

// Executor simulates a container backend. Every placed task becomes ready
// after the pull delay, starts when its group's barrier releases and exits
// zero after the run duration.
type Executor struct {
	syslog *logrus.Entry

	pullDelay time.Duration
	runFor    time.Duration

	mu        sync.Mutex
	events    func(wproto.TaskEvent)
	instances map[model.TaskID]*instance
	groups    map[model.GroupID][]model.TaskID
	nodeSeq   int
	closed    bool
}

// New constructs the executor. Events are delivered only after Bind.
func New(pullDelay, runFor time.Duration) *Executor {
	return &Executor{
		syslog:    logrus.WithField("component", "dev-executor"),
		pullDelay: pullDelay,
		runFor:    runFor,
		instances: make(map[model.TaskID]*instance),
		groups:    make(map[model.GroupID][]model.TaskID),
	}
}

// Bind sets the event sink; the lifecycle's HandleTaskEvent in practice.
func (e *Executor) Bind(events func(wproto.TaskEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = events
}

// Close stops all pending timers.
func (e *Executor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for _, in := range e.instances {
		if in.runTimer != nil {
			in.runTimer.Stop()
		}
	}
}

// PlaceGang implements wproto.Executor.
func (e *Executor) PlaceGang(ctx context.Context, req wproto.GangRequest) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("executor is shut down")
	}
	if e.events == nil {
		e.mu.Unlock()
		return errors.New("executor has no event sink bound")
	}
	members := e.groups[req.GroupID]
	for _, t := range req.Tasks {
		e.nodeSeq++
		in := &instance{
			task:    t.TaskID,
			group:   req.GroupID,
			retryID: t.RetryID,
			node:    fmt.Sprintf("dev-node-%d", e.nodeSeq),
		}
		e.instances[t.TaskID] = in
		known := false
		for _, m := range members {
			if m == t.TaskID {
				known = true
				break
			}
		}
		if !known {
			members = append(members, t.TaskID)
		}
		e.schedulePullLocked(in)
	}
	e.groups[req.GroupID] = members
	e.mu.Unlock()

	e.syslog.Infof("placed %d task(s) for group %s", len(req.Tasks), req.GroupID)
	return nil
}

// ReleaseStart implements wproto.Executor: every member's simulated command
// begins now and exits zero after the configured run duration.
func (e *Executor) ReleaseStart(ctx context.Context, group model.GroupID) error {
	e.mu.Lock()
	var started []func()
	for _, tid := range e.groups[group] {
		in, ok := e.instances[tid]
		if !ok {
			continue
		}
		started = append(started, e.startLocked(in))
	}
	e.mu.Unlock()

	for _, emit := range started {
		emit()
	}
	return nil
}

// Restart implements wproto.Executor: the simulated command starts over on the
// same placement.
func (e *Executor) Restart(ctx context.Context, task model.TaskID) error {
	e.mu.Lock()
	in, ok := e.instances[task]
	if !ok {
		e.mu.Unlock()
		return errors.Errorf("task %s is not placed", task)
	}
	if in.runTimer != nil {
		in.runTimer.Stop()
	}
	emit := e.startLocked(in)
	e.mu.Unlock()

	emit()
	return nil
}

// Cancel implements wproto.Executor.
func (e *Executor) Cancel(ctx context.Context, task model.TaskID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.instances[task]
	if !ok {
		return nil
	}
	if in.runTimer != nil {
		in.runTimer.Stop()
	}
	delete(e.instances, task)
	return nil
}

func (e *Executor) schedulePullLocked(in *instance) {
	tid, retryID := in.task, in.retryID
	time.AfterFunc(e.pullDelay, func() {
		e.emit(tid, retryID, wproto.PhasePulling, "", nil)
		e.emit(tid, retryID, wproto.PhaseReady, "", nil)
	})
}

// startLocked arms the exit timer and returns the PhaseRunning emission to be
// performed once the lock is dropped.
func (e *Executor) startLocked(in *instance) func() {
	tid, retryID := in.task, in.retryID
	in.runTimer = time.AfterFunc(e.runFor, func() {
		code := 0
		e.emit(tid, retryID, wproto.PhaseExited, "simulated command finished", &code)
		e.mu.Lock()
		delete(e.instances, tid)
		e.mu.Unlock()
	})
	return func() { e.emit(tid, retryID, wproto.PhaseRunning, "", nil) }
}

// emit delivers one event; it never holds the executor lock across the sink
// call since the lifecycle may call back in.
func (e *Executor) emit(tid model.TaskID, retryID int, phase wproto.TaskPhase, reason string, code *int) {
	e.mu.Lock()
	events := e.events
	in, ok := e.instances[tid]
	node := ""
	if ok {
		node = in.node
	}
	stale := e.closed || !ok || in.retryID != retryID
	e.mu.Unlock()

	if stale || events == nil {
		return
	}
	events(wproto.TaskEvent{
		TaskID:   tid,
		RetryID:  retryID,
		Phase:    phase,
		Reason:   reason,
		Node:     node,
		ExitCode: code,
	})
}
