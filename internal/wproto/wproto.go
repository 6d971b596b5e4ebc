// Package wproto holds the message and interface types exchanged between the
// admission scheduler, the gang coordinator, the lifecycle state machine and
// the external executor.
package wproto

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-ml/meridian/pkg/model"
)

// DecimalExp is the exponent used for queue position decimals. Positions are
// derived from submission time and spaced widely enough to remain stable and
// comparable across restarts.
const DecimalExp = -1000

// SchedulingState denotes the scheduling state of a queued group.
type SchedulingState uint8

const (
	// SchedulingStateQueued denotes a group waiting for admission.
	SchedulingStateQueued SchedulingState = 0
	// SchedulingStateScheduled denotes a group that holds a ledger reservation
	// and has been handed to the gang coordinator.
	SchedulingStateScheduled SchedulingState = 1
)

func (s SchedulingState) String() string {
	switch s {
	case SchedulingStateQueued:
		return "queued"
	case SchedulingStateScheduled:
		return "scheduled"
	default:
		return "unspecified"
	}
}

// GroupRequest asks the admission scheduler to admit one group. It is the unit
// the per-pool queue orders and the ledger reserves for.
type GroupRequest struct {
	WorkflowID model.WorkflowID
	GroupID    model.GroupID
	Pool       model.PoolID
	Priority   model.Priority

	// SubmitTime and Seq order the request within its priority class. Seq is a
	// process-wide submission sequence number; ties are never broken randomly
	// so replays are deterministic.
	SubmitTime time.Time
	Seq        uint64
	// QueuePosition is the decimal sort key derived from SubmitTime.
	QueuePosition decimal.Decimal

	Demand model.Resources
	Tasks  []GangTask
	State  SchedulingState
}

// NewQueuePosition derives the decimal queue position for a submission time.
func NewQueuePosition(t time.Time) decimal.Decimal {
	return decimal.New(t.UnixMicro(), DecimalExp)
}

// GangTask is one task of a gang placement request.
type GangTask struct {
	TaskID  model.TaskID
	RetryID int
	Request model.ResourceRequest
}

// GangRequest asks the executor to place all tasks of a group as a single
// atomic scheduling unit: either every task obtains resources or none do.
type GangRequest struct {
	WorkflowID model.WorkflowID
	GroupID    model.GroupID
	Pool       model.PoolID
	Tasks      []GangTask
}

// Executor is the narrow interface to the external execution layer. The
// executor reports progress asynchronously through TaskEvents.
type Executor interface {
	// PlaceGang atomically requests placement for all tasks in the request.
	PlaceGang(ctx context.Context, req GangRequest) error
	// ReleaseStart releases the gang start barrier so every member's user
	// command begins at the same logical instant.
	ReleaseStart(ctx context.Context, group model.GroupID) error
	// Restart re-executes a task's user command on its existing placement
	// without re-provisioning and without a retry ID change.
	Restart(ctx context.Context, task model.TaskID) error
	// Cancel asks the executor to stop a task. The caller does not block on
	// the acknowledgment.
	Cancel(ctx context.Context, task model.TaskID) error
}

// TaskPhase is an executor-reported task phase.
type TaskPhase int

const (
	// PhasePulling: the task is placed and its image is being pulled.
	PhasePulling TaskPhase = iota
	// PhaseReady: the task finished initializing and is waiting at the start
	// barrier.
	PhaseReady
	// PhaseRunning: the user command is executing.
	PhaseRunning
	// PhaseExited: the user command exited; ExitCode is set.
	PhaseExited
	// PhaseImagePullFailed: the image could not be pulled.
	PhaseImagePullFailed
	// PhaseEvicted: the backend evicted the task.
	PhaseEvicted
	// PhaseNodeFailed: the assigned node failed or never became ready.
	PhaseNodeFailed
	// PhaseStartFailed: launching the user command failed.
	PhaseStartFailed
)

func (p TaskPhase) String() string {
	switch p {
	case PhasePulling:
		return "pulling"
	case PhaseReady:
		return "ready"
	case PhaseRunning:
		return "running"
	case PhaseExited:
		return "exited"
	case PhaseImagePullFailed:
		return "image_pull_failed"
	case PhaseEvicted:
		return "evicted"
	case PhaseNodeFailed:
		return "node_failed"
	case PhaseStartFailed:
		return "start_failed"
	default:
		return "unspecified"
	}
}

// TaskEvent is an asynchronous executor report about one task instance.
// Events carrying a stale RetryID are dropped by the lifecycle.
type TaskEvent struct {
	TaskID   model.TaskID
	RetryID  int
	Phase    TaskPhase
	Reason   string
	Node     string
	ExitCode *int
}
