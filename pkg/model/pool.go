package model

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// PoolState is the administrative state of a resource pool.
type PoolState int

const (
	// PoolStateOnline pools accept admissions.
	PoolStateOnline PoolState = iota
	// PoolStateOffline pools reject admissions; queued groups stay queued.
	PoolStateOffline
	// PoolStateMaintenance pools behave like offline pools but signal that the
	// condition is operator-planned.
	PoolStateMaintenance
)

func (s PoolState) String() string {
	switch s {
	case PoolStateOnline:
		return "ONLINE"
	case PoolStateOffline:
		return "OFFLINE"
	case PoolStateMaintenance:
		return "MAINTENANCE"
	default:
		return "UNSPECIFIED"
	}
}

// ParsePoolState parses a pool state name, case-insensitively.
func ParsePoolState(s string) (PoolState, error) {
	switch strings.ToUpper(s) {
	case "ONLINE", "":
		return PoolStateOnline, nil
	case "OFFLINE":
		return PoolStateOffline, nil
	case "MAINTENANCE":
		return PoolStateMaintenance, nil
	default:
		return 0, errors.Errorf("invalid pool state %q", s)
	}
}

// MarshalJSON implements the json.Marshaler interface.
func (s PoolState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Platform is a named resource-shape variant within a pool, e.g. a specific
// GPU type, with its own access flag.
type Platform struct {
	Name          string `json:"name"`
	GPUType       string `json:"gpu_type,omitempty"`
	MaxGPUs       int    `json:"max_gpus"`
	MaxCPUMillis  int    `json:"max_cpu_millis"`
	MaxMemoryMiB  int    `json:"max_memory_mib"`
	MaxStorageGiB int    `json:"max_storage_gib"`
	Disabled      bool   `json:"disabled,omitempty"`
}

// Satisfies reports whether a task resource request could ever be fulfilled by
// this platform. Used for the static feasibility check at submission.
func (p Platform) Satisfies(req ResourceRequest) bool {
	if p.Disabled {
		return false
	}
	if req.Platform != "" && req.Platform != p.Name {
		return false
	}
	return req.GPUs <= p.MaxGPUs &&
		req.CPUMillis <= p.MaxCPUMillis &&
		req.MemoryMiB <= p.MaxMemoryMiB &&
		req.StorageGiB <= p.MaxStorageGiB
}

// Pool describes a quota-constrained slice of backend capacity. Pools sharing
// a backend are the borrowing domain for LOW-priority workloads.
type Pool struct {
	ID        PoolID                 `json:"id"`
	Backend   string                 `json:"backend"`
	State     PoolState              `json:"state"`
	Quotas    map[Priority]Resources `json:"quotas"`
	Platforms []Platform             `json:"platforms"`
}

// Capacity returns the pool's total physical capacity, i.e. the sum of its
// per-class quotas.
func (p Pool) Capacity() Resources {
	var total Resources
	for _, q := range p.Quotas {
		total = total.Add(q)
	}
	return total
}

// Feasible reports whether any platform in the pool could ever satisfy the
// request.
func (p Pool) Feasible(req ResourceRequest) bool {
	for _, platform := range p.Platforms {
		if platform.Satisfies(req) {
			return true
		}
	}
	return false
}
