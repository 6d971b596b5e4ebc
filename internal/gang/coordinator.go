// Package gang enforces all-or-nothing starts for groups: placement is
// requested atomically from the executor, and a bounded start barrier holds
// every member's user command until all members report ready, so peer
// discovery between members does not time out on skewed initialization.
package gang

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/meridian-ml/meridian/internal/wproto"
	"github.com/meridian-ml/meridian/pkg/model"
	"github.com/meridian-ml/meridian/pkg/set"
)

// ErrStartWindowExceeded is the timeout error passed to Events.GangStartTimeout.
var ErrStartWindowExceeded = errors.New("gang start barrier did not release within the window")

// Events is implemented by the lifecycle state machine to receive barrier
// outcomes.
type Events interface {
	// GangStarted fires once per group, after every member reported ready and
	// the start barrier was released.
	GangStarted(group model.GroupID)
	// GangStartTimeout fires when the start window elapses before all members
	// report ready.
	GangStartTimeout(group model.GroupID, err error)
}

type barrier struct {
	id      uuid.UUID
	group   model.GroupID
	need    set.Set[model.TaskID]
	ready   set.Set[model.TaskID]
	timer   *time.Timer
	release bool
}

// Coordinator tracks one start barrier per group being placed.
type Coordinator struct {
	mu     sync.Mutex
	syslog *logrus.Entry

	exec   wproto.Executor
	events Events
	window time.Duration

	barriers map[model.GroupID]*barrier
}

// NewCoordinator constructs a Coordinator. The window bounds how long a group
// may sit at the start barrier before failing with a start timeout.
func NewCoordinator(exec wproto.Executor, events Events, window time.Duration) *Coordinator {
	return &Coordinator{
		syslog:   logrus.WithField("component", "gang-coordinator"),
		exec:     exec,
		events:   events,
		window:   window,
		barriers: make(map[model.GroupID]*barrier),
	}
}

// PlaceGroup atomically requests placement of all member tasks and opens the
// group's start barrier. The barrier deadline starts at placement, covering
// image pulls and input downloads.
func (c *Coordinator) PlaceGroup(ctx context.Context, req wproto.GangRequest) error {
	c.mu.Lock()
	if _, ok := c.barriers[req.GroupID]; ok {
		c.mu.Unlock()
		return errors.Errorf("group %s is already being placed", req.GroupID)
	}

	b := &barrier{
		id:    uuid.New(),
		group: req.GroupID,
		need:  set.New[model.TaskID](),
		ready: set.New[model.TaskID](),
	}
	for _, t := range req.Tasks {
		b.need.Insert(t.TaskID)
	}
	if c.window > 0 {
		b.timer = time.AfterFunc(c.window, func() { c.expire(req.GroupID, b.id) })
	}
	c.barriers[req.GroupID] = b
	c.mu.Unlock()

	if err := c.exec.PlaceGang(ctx, req); err != nil {
		c.Forget(req.GroupID)
		return errors.Wrapf(err, "placing gang for group %s", req.GroupID)
	}
	c.syslog.WithFields(logrus.Fields{
		"group":   req.GroupID,
		"barrier": b.id,
	}).Infof("gang placement accepted for %d tasks", len(req.Tasks))
	return nil
}

// TaskReady records that one member finished initializing. When the last
// member reports ready the barrier releases: the executor is told to start
// every user command and GangStarted fires exactly once.
func (c *Coordinator) TaskReady(group model.GroupID, task model.TaskID) {
	c.mu.Lock()
	b, ok := c.barriers[group]
	if !ok || b.release || !b.need.Contains(task) {
		c.mu.Unlock()
		return
	}
	b.ready.Insert(task)
	if len(b.ready) < len(b.need) {
		c.mu.Unlock()
		return
	}
	b.release = true
	if b.timer != nil {
		b.timer.Stop()
	}
	delete(c.barriers, group)
	c.mu.Unlock()

	if err := c.exec.ReleaseStart(context.Background(), group); err != nil {
		c.syslog.WithError(err).Errorf("releasing start barrier for group %s", group)
	}
	c.events.GangStarted(group)
}

// Waiting reports whether the group currently sits at an unreleased barrier.
func (c *Coordinator) Waiting(group model.GroupID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.barriers[group]
	return ok
}

// Forget drops the group's barrier without firing events, e.g. on cancellation
// or when placement failed.
func (c *Coordinator) Forget(group model.GroupID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.barriers[group]; ok {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(c.barriers, group)
	}
}

func (c *Coordinator) expire(group model.GroupID, id uuid.UUID) {
	c.mu.Lock()
	b, ok := c.barriers[group]
	if !ok || b.id != id || b.release {
		c.mu.Unlock()
		return
	}
	delete(c.barriers, group)
	missing := len(b.need) - len(b.ready)
	c.mu.Unlock()

	c.syslog.WithFields(logrus.Fields{
		"group":   group,
		"barrier": id,
	}).Warnf("start barrier expired with %d tasks not ready", missing)
	c.events.GangStartTimeout(group, ErrStartWindowExceeded)
}
