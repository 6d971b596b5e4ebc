package model

import "fmt"

// Resources is the pair of quantities the quota ledger accounts for. Memory
// and storage are platform-level constraints checked at feasibility time, not
// ledger-tracked quantities.
type Resources struct {
	GPUs      int `json:"gpus"`
	CPUMillis int `json:"cpu_millis"`
}

// Add returns the element-wise sum of two resource quantities.
func (r Resources) Add(other Resources) Resources {
	return Resources{
		GPUs:      r.GPUs + other.GPUs,
		CPUMillis: r.CPUMillis + other.CPUMillis,
	}
}

// Sub returns the element-wise difference of two resource quantities, floored
// at zero per dimension.
func (r Resources) Sub(other Resources) Resources {
	return Resources{
		GPUs:      max(r.GPUs-other.GPUs, 0),
		CPUMillis: max(r.CPUMillis-other.CPUMillis, 0),
	}
}

// Fits reports whether r fits entirely within the given capacity.
func (r Resources) Fits(capacity Resources) bool {
	return r.GPUs <= capacity.GPUs && r.CPUMillis <= capacity.CPUMillis
}

// Covers reports whether r is at least as large as other in every dimension
// that other requests. It differs from other.Fits(r) only in reading order.
func (r Resources) Covers(other Resources) bool {
	return other.Fits(r)
}

// Min returns the element-wise minimum of two resource quantities.
func (r Resources) Min(other Resources) Resources {
	return Resources{
		GPUs:      min(r.GPUs, other.GPUs),
		CPUMillis: min(r.CPUMillis, other.CPUMillis),
	}
}

// Zero reports whether every dimension is zero.
func (r Resources) Zero() bool {
	return r.GPUs == 0 && r.CPUMillis == 0
}

func (r Resources) String() string {
	return fmt.Sprintf("%d GPUs / %dm CPU", r.GPUs, r.CPUMillis)
}

// ResourceRequest is the per-task resource specification.
type ResourceRequest struct {
	CPUMillis  int `json:"cpu_millis"`
	MemoryMiB  int `json:"memory_mib"`
	GPUs       int `json:"gpus"`
	StorageGiB int `json:"storage_gib"`
	// Platform optionally pins the task to a named platform within the pool.
	// Empty means any platform the request fits.
	Platform string `json:"platform,omitempty"`
}

// Demand returns the ledger-tracked portion of the request.
func (r ResourceRequest) Demand() Resources {
	return Resources{GPUs: r.GPUs, CPUMillis: r.CPUMillis}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
