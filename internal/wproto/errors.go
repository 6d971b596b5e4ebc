package wproto

import (
	"fmt"

	"github.com/meridian-ml/meridian/pkg/model"
)

// StaticInfeasibleError is returned when no platform in the target pool can
// ever satisfy a task's resource request. Workflows carrying such a request
// fail fast at submission instead of queuing indefinitely.
type StaticInfeasibleError struct {
	Pool    model.PoolID
	Task    model.TaskID
	Request model.ResourceRequest
}

func (e StaticInfeasibleError) Error() string {
	return fmt.Sprintf(
		"no platform in pool %s can satisfy the request of task %s (%d GPUs, %dm CPU, %d MiB, %d GiB)",
		e.Pool, e.Task, e.Request.GPUs, e.Request.CPUMillis, e.Request.MemoryMiB, e.Request.StorageGiB)
}

// UnknownPoolError is returned when a workflow targets a pool that is not
// configured.
type UnknownPoolError struct {
	Pool model.PoolID
}

func (e UnknownPoolError) Error() string {
	return fmt.Sprintf("unknown pool %s", e.Pool)
}
