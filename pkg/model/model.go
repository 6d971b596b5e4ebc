// Package model contains the core entity types shared by the scheduling and
// lifecycle components.
package model

import "fmt"

// WorkflowID is the unique ID of a workflow.
type WorkflowID string

func (id WorkflowID) String() string {
	return string(id)
}

// GroupID is the unique ID of a gang-scheduled group within a workflow.
type GroupID string

func (id GroupID) String() string {
	return string(id)
}

// TaskID is the unique ID of a task definition within a group.
type TaskID string

func (id TaskID) String() string {
	return string(id)
}

// PoolID is the unique name of a resource pool.
type PoolID string

func (id PoolID) String() string {
	return string(id)
}

// InstanceID identifies a concrete attempt of a task. Rescheduling a task
// retires the old instance and creates a new one with an incremented retry ID;
// the task ID itself never changes.
type InstanceID string

// NewInstanceID builds an InstanceID from a task ID and a retry ID.
func NewInstanceID(task TaskID, retryID int) InstanceID {
	return InstanceID(fmt.Sprintf("%s.%d", task, retryID))
}
