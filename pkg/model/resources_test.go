package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResourcesArithmetic(t *testing.T) {
	a := Resources{GPUs: 4, CPUMillis: 2000}
	b := Resources{GPUs: 1, CPUMillis: 3000}

	require.Equal(t, Resources{GPUs: 5, CPUMillis: 5000}, a.Add(b))
	// Sub floors at zero per dimension.
	require.Equal(t, Resources{GPUs: 3, CPUMillis: 0}, a.Sub(b))
	require.Equal(t, Resources{GPUs: 1, CPUMillis: 2000}, a.Min(b))
}

func TestResourcesFits(t *testing.T) {
	capacity := Resources{GPUs: 2, CPUMillis: 4000}
	require.True(t, Resources{GPUs: 2, CPUMillis: 4000}.Fits(capacity))
	require.True(t, Resources{}.Fits(capacity))
	require.False(t, Resources{GPUs: 3}.Fits(capacity))
	require.False(t, Resources{CPUMillis: 4001}.Fits(capacity))
	require.True(t, capacity.Covers(Resources{GPUs: 1, CPUMillis: 1000}))
}

func TestPlatformSatisfies(t *testing.T) {
	platform := Platform{
		Name:          "a100",
		GPUType:       "A100",
		MaxGPUs:       8,
		MaxCPUMillis:  64000,
		MaxMemoryMiB:  262144,
		MaxStorageGiB: 1000,
	}

	require.True(t, platform.Satisfies(ResourceRequest{GPUs: 8, CPUMillis: 64000}))
	require.False(t, platform.Satisfies(ResourceRequest{GPUs: 9}))
	require.False(t, platform.Satisfies(ResourceRequest{GPUs: 1, Platform: "h100"}))
	require.True(t, platform.Satisfies(ResourceRequest{GPUs: 1, Platform: "a100"}))

	platform.Disabled = true
	require.False(t, platform.Satisfies(ResourceRequest{GPUs: 1}))
}

func TestPoolCapacityAndFeasibility(t *testing.T) {
	pool := Pool{
		ID:      "training",
		Backend: "east",
		Quotas: map[Priority]Resources{
			PriorityHigh:   {GPUs: 4, CPUMillis: 8000},
			PriorityNormal: {GPUs: 2, CPUMillis: 4000},
			PriorityLow:    {GPUs: 2, CPUMillis: 4000},
		},
		Platforms: []Platform{
			{Name: "v100", MaxGPUs: 4, MaxCPUMillis: 16000, MaxMemoryMiB: 65536, MaxStorageGiB: 500},
		},
	}

	require.Equal(t, Resources{GPUs: 8, CPUMillis: 16000}, pool.Capacity())
	require.True(t, pool.Feasible(ResourceRequest{GPUs: 4}))
	require.False(t, pool.Feasible(ResourceRequest{GPUs: 5}),
		"no single platform can ever hold 5 GPUs")
}
