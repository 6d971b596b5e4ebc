package model

import "encoding/json"

// TaskState represents the current state of a task instance. The value
// indicates a partial ordering: non-terminal states are ordered by progress,
// and every terminal state is greater than every non-terminal state. Group and
// workflow states reuse the same type; they are always derived by reduction
// over child states and never set directly.
type TaskState int

const (
	// TaskStatePending denotes a workflow that has been accepted but whose
	// first group has not yet started. It is only used at the workflow level.
	TaskStatePending TaskState = 0
	// TaskStateSubmitting denotes a task instance that has been created but not
	// yet classified as waiting or processing.
	TaskStateSubmitting TaskState = 1
	// TaskStateWaiting denotes a task with unresolved upstream dependencies.
	TaskStateWaiting TaskState = 2
	// TaskStateProcessing denotes a task with no unresolved upstream
	// dependencies, eligible for admission.
	TaskStateProcessing TaskState = 3
	// TaskStateScheduling denotes a task whose group passed admission and is
	// being gang-placed on the backend.
	TaskStateScheduling TaskState = 4
	// TaskStateInitializing denotes a placed task whose image is being pulled
	// and inputs downloaded.
	TaskStateInitializing TaskState = 5
	// TaskStateRunning denotes a task whose user command is executing.
	TaskStateRunning TaskState = 6
	// TaskStateCompleted denotes a task whose user command exited successfully.
	TaskStateCompleted TaskState = 7
	// TaskStateRescheduled marks a retired task instance that has been replaced
	// by a new instance with an incremented retry ID.
	TaskStateRescheduled TaskState = 8

	// TaskStateFailed denotes a user command that exited non-zero.
	TaskStateFailed TaskState = 9
	// TaskStateFailedSubmission denotes a workflow rejected at submission time
	// (cyclic DAG, statically infeasible request, validation failure).
	TaskStateFailedSubmission TaskState = 10
	// TaskStateFailedCanceled denotes a user-initiated cancellation.
	TaskStateFailedCanceled TaskState = 11
	// TaskStateFailedServerError denotes an internal error in the core itself.
	TaskStateFailedServerError TaskState = 12
	// TaskStateFailedBackendError denotes a backend infrastructure failure,
	// e.g. node not ready.
	TaskStateFailedBackendError TaskState = 13
	// TaskStateFailedExecTimeout denotes a user command that exceeded its
	// execution deadline.
	TaskStateFailedExecTimeout TaskState = 14
	// TaskStateFailedQueueTimeout denotes a task that exceeded its admission
	// queue deadline.
	TaskStateFailedQueueTimeout TaskState = 15
	// TaskStateFailedImagePull denotes a container image pull failure.
	TaskStateFailedImagePull TaskState = 16
	// TaskStateFailedUpstream denotes a task short-circuited because an
	// upstream group failed non-retryably.
	TaskStateFailedUpstream TaskState = 17
	// TaskStateFailedEvicted denotes a task evicted by the backend.
	TaskStateFailedEvicted TaskState = 18
	// TaskStateFailedPreempted denotes a task preempted to reclaim borrowed
	// capacity for a higher-priority workload.
	TaskStateFailedPreempted TaskState = 19
	// TaskStateFailedStartError denotes a failure launching the user command.
	TaskStateFailedStartError TaskState = 20
	// TaskStateFailedStartTimeout denotes a gang start barrier that did not
	// release within the synchronization window.
	TaskStateFailedStartTimeout TaskState = 21
)

var taskStateNames = map[TaskState]string{
	TaskStatePending:            "PENDING",
	TaskStateSubmitting:         "SUBMITTING",
	TaskStateWaiting:            "WAITING",
	TaskStateProcessing:         "PROCESSING",
	TaskStateScheduling:         "SCHEDULING",
	TaskStateInitializing:       "INITIALIZING",
	TaskStateRunning:            "RUNNING",
	TaskStateCompleted:          "COMPLETED",
	TaskStateRescheduled:        "RESCHEDULED",
	TaskStateFailed:             "FAILED",
	TaskStateFailedSubmission:   "FAILED_SUBMISSION",
	TaskStateFailedCanceled:     "FAILED_CANCELED",
	TaskStateFailedServerError:  "FAILED_SERVER_ERROR",
	TaskStateFailedBackendError: "FAILED_BACKEND_ERROR",
	TaskStateFailedExecTimeout:  "FAILED_EXEC_TIMEOUT",
	TaskStateFailedQueueTimeout: "FAILED_QUEUE_TIMEOUT",
	TaskStateFailedImagePull:    "FAILED_IMAGE_PULL",
	TaskStateFailedUpstream:     "FAILED_UPSTREAM",
	TaskStateFailedEvicted:      "FAILED_EVICTED",
	TaskStateFailedPreempted:    "FAILED_PREEMPTED",
	TaskStateFailedStartError:   "FAILED_START_ERROR",
	TaskStateFailedStartTimeout: "FAILED_START_TIMEOUT",
}

func (s TaskState) String() string {
	if name, ok := taskStateNames[s]; ok {
		return name
	}
	return "UNSPECIFIED"
}

// Terminal reports whether the state is terminal. RESCHEDULED is terminal for
// the instance that carries it; the successor instance starts over in
// SUBMITTING.
func (s TaskState) Terminal() bool {
	return s >= TaskStateCompleted
}

// Successful reports whether the state is a successful terminal state.
func (s TaskState) Successful() bool {
	return s == TaskStateCompleted
}

// Failure reports whether the state is a terminal failure variant.
func (s TaskState) Failure() bool {
	return s >= TaskStateFailed
}

// Started reports whether the task instance has obtained resources, i.e. has
// progressed to INITIALIZING or beyond. Gang atomicity is stated in terms of
// this predicate: all members of a group are started, or none are.
func (s TaskState) Started() bool {
	return s >= TaskStateInitializing
}

// MostProgressed returns the further progressed of the given states, e.g.
// MostProgressed(INITIALIZING, RUNNING) returns RUNNING.
func MostProgressed(states ...TaskState) TaskState {
	if len(states) == 0 {
		return TaskStatePending
	}
	most := states[0]
	for _, s := range states {
		if s > most {
			most = s
		}
	}
	return most
}

// MarshalJSON implements the json.Marshaler interface.
func (s TaskState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// RetryPolicy determines how the lifecycle reacts to a terminal failure.
type RetryPolicy int

const (
	// RetryNever means the failure is final; no new instance is created.
	RetryNever RetryPolicy = iota
	// RetryReschedule means a new instance is created immediately, up to the
	// configured retry ceiling.
	RetryReschedule
	// RetryBackoff means a new instance is created after an exponential
	// backoff delay, up to the configured retry ceiling.
	RetryBackoff
	// RetryAdminOverride means the failure is final unless an operator
	// explicitly resubmits the workflow.
	RetryAdminOverride
)

// retryPolicies is the closed table mapping each terminal failure variant to
// its default reschedule policy.
var retryPolicies = map[TaskState]RetryPolicy{
	TaskStateFailed:             RetryNever,
	TaskStateFailedSubmission:   RetryNever,
	TaskStateFailedCanceled:     RetryNever,
	TaskStateFailedServerError:  RetryBackoff,
	TaskStateFailedBackendError: RetryReschedule,
	TaskStateFailedExecTimeout:  RetryAdminOverride,
	TaskStateFailedQueueTimeout: RetryNever,
	TaskStateFailedImagePull:    RetryReschedule,
	TaskStateFailedUpstream:     RetryNever,
	TaskStateFailedEvicted:      RetryReschedule,
	TaskStateFailedPreempted:    RetryReschedule,
	TaskStateFailedStartError:   RetryBackoff,
	TaskStateFailedStartTimeout: RetryReschedule,
}

// RetryPolicy returns the default reschedule policy for a terminal failure
// state. Non-failure states are never retried.
func (s TaskState) RetryPolicy() RetryPolicy {
	if policy, ok := retryPolicies[s]; ok {
		return policy
	}
	return RetryNever
}
