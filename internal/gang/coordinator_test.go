package gang

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ml/meridian/internal/wproto"
	"github.com/meridian-ml/meridian/pkg/model"
)

type fakeExec struct {
	mu        sync.Mutex
	placed    []wproto.GangRequest
	released  []model.GroupID
	placeErr  error
}

func (f *fakeExec) PlaceGang(ctx context.Context, req wproto.GangRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return f.placeErr
	}
	f.placed = append(f.placed, req)
	return nil
}

func (f *fakeExec) ReleaseStart(ctx context.Context, group model.GroupID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, group)
	return nil
}

func (f *fakeExec) Restart(ctx context.Context, task model.TaskID) error { return nil }
func (f *fakeExec) Cancel(ctx context.Context, task model.TaskID) error  { return nil }

func (f *fakeExec) releasedGroups() []model.GroupID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.GroupID{}, f.released...)
}

type eventRecorder struct {
	mu       sync.Mutex
	started  []model.GroupID
	timedOut []model.GroupID
}

func (r *eventRecorder) GangStarted(group model.GroupID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, group)
}

func (r *eventRecorder) GangStartTimeout(group model.GroupID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timedOut = append(r.timedOut, group)
}

func (r *eventRecorder) startedGroups() []model.GroupID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.GroupID{}, r.started...)
}

func (r *eventRecorder) timedOutGroups() []model.GroupID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.GroupID{}, r.timedOut...)
}

func gangRequest(group model.GroupID, tasks ...model.TaskID) wproto.GangRequest {
	req := wproto.GangRequest{WorkflowID: "w1", GroupID: group, Pool: "default"}
	for _, t := range tasks {
		req.Tasks = append(req.Tasks, wproto.GangTask{TaskID: t})
	}
	return req
}

func TestBarrierReleasesWhenAllReady(t *testing.T) {
	exec := &fakeExec{}
	events := &eventRecorder{}
	c := NewCoordinator(exec, events, time.Minute)

	require.NoError(t, c.PlaceGroup(context.Background(), gangRequest("g1", "t1", "t2", "t3")))
	require.True(t, c.Waiting("g1"))

	c.TaskReady("g1", "t1")
	c.TaskReady("g1", "t2")
	require.Empty(t, events.startedGroups(), "barrier must hold until every member is ready")

	c.TaskReady("g1", "t3")
	require.Equal(t, []model.GroupID{"g1"}, events.startedGroups())
	require.Equal(t, []model.GroupID{"g1"}, exec.releasedGroups())
	require.False(t, c.Waiting("g1"))
}

func TestBarrierReleaseFiresOnce(t *testing.T) {
	exec := &fakeExec{}
	events := &eventRecorder{}
	c := NewCoordinator(exec, events, time.Minute)

	require.NoError(t, c.PlaceGroup(context.Background(), gangRequest("g1", "t1")))
	c.TaskReady("g1", "t1")
	c.TaskReady("g1", "t1")
	require.Equal(t, []model.GroupID{"g1"}, events.startedGroups())
}

func TestBarrierIgnoresStrangers(t *testing.T) {
	exec := &fakeExec{}
	events := &eventRecorder{}
	c := NewCoordinator(exec, events, time.Minute)

	require.NoError(t, c.PlaceGroup(context.Background(), gangRequest("g1", "t1", "t2")))
	c.TaskReady("g1", "intruder")
	c.TaskReady("g2", "t1")
	require.Empty(t, events.startedGroups())
}

func TestPlacementFailureDropsBarrier(t *testing.T) {
	exec := &fakeExec{placeErr: errors.New("backend unavailable")}
	events := &eventRecorder{}
	c := NewCoordinator(exec, events, time.Minute)

	err := c.PlaceGroup(context.Background(), gangRequest("g1", "t1"))
	require.Error(t, err)
	require.False(t, c.Waiting("g1"))
}

func TestDuplicatePlacementRejected(t *testing.T) {
	exec := &fakeExec{}
	events := &eventRecorder{}
	c := NewCoordinator(exec, events, time.Minute)

	require.NoError(t, c.PlaceGroup(context.Background(), gangRequest("g1", "t1")))
	require.Error(t, c.PlaceGroup(context.Background(), gangRequest("g1", "t1")))
}

func TestBarrierTimeout(t *testing.T) {
	exec := &fakeExec{}
	events := &eventRecorder{}
	c := NewCoordinator(exec, events, 20*time.Millisecond)

	require.NoError(t, c.PlaceGroup(context.Background(), gangRequest("g1", "t1", "t2")))
	c.TaskReady("g1", "t1")

	require.Eventually(t, func() bool {
		return len(events.timedOutGroups()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, events.startedGroups())
	require.False(t, c.Waiting("g1"))

	// A straggler reporting after the window must not resurrect the barrier.
	c.TaskReady("g1", "t2")
	require.Empty(t, events.startedGroups())
}

func TestForgetStopsBarrier(t *testing.T) {
	exec := &fakeExec{}
	events := &eventRecorder{}
	c := NewCoordinator(exec, events, 20*time.Millisecond)

	require.NoError(t, c.PlaceGroup(context.Background(), gangRequest("g1", "t1")))
	c.Forget("g1")
	require.False(t, c.Waiting("g1"))

	time.Sleep(60 * time.Millisecond)
	require.Empty(t, events.timedOutGroups(), "a forgotten barrier must not expire")
}
