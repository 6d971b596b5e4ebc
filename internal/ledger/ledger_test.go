package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-ml/meridian/internal/wproto"
	"github.com/meridian-ml/meridian/pkg/model"
)

func testPools() []model.Pool {
	platform := model.Platform{
		Name: "v100", MaxGPUs: 8, MaxCPUMillis: 64000, MaxMemoryMiB: 262144, MaxStorageGiB: 1000,
	}
	return []model.Pool{
		{
			ID: "research", Backend: "east",
			Quotas: map[model.Priority]model.Resources{
				model.PriorityLow: {GPUs: 2, CPUMillis: 8000},
			},
			Platforms: []model.Platform{platform},
		},
		{
			ID: "production", Backend: "east",
			Quotas: map[model.Priority]model.Resources{
				model.PriorityHigh: {GPUs: 2, CPUMillis: 8000},
			},
			Platforms: []model.Platform{platform},
		},
		{
			ID: "isolated", Backend: "west",
			Quotas: map[model.Priority]model.Resources{
				model.PriorityLow: {GPUs: 4, CPUMillis: 16000},
			},
			Platforms: []model.Platform{platform},
		},
	}
}

func req(group model.GroupID, pool model.PoolID, priority model.Priority, gpus int, seq uint64) *wproto.GroupRequest {
	return &wproto.GroupRequest{
		GroupID:  group,
		Pool:     pool,
		Priority: priority,
		Seq:      seq,
		Demand:   model.Resources{GPUs: gpus, CPUMillis: 1000},
	}
}

func TestReserveWithinQuota(t *testing.T) {
	l := New(testPools())

	demand := model.Resources{GPUs: 2, CPUMillis: 1000}
	require.True(t, l.CanAdmit("production", model.PriorityHigh, demand))
	require.False(t, l.CanAdmit("production", model.PriorityHigh, model.Resources{GPUs: 3}))
	require.False(t, l.CanAdmit("production", model.PriorityLow, demand),
		"the pool has no LOW quota at all")

	require.NoError(t, l.Reserve(req("g1", "production", model.PriorityHigh, 2, 1)))
	require.Error(t, l.Reserve(req("g1", "production", model.PriorityHigh, 2, 1)),
		"a group cannot hold two reservations")
	require.False(t, l.CanAdmit("production", model.PriorityHigh, demand))

	l.Release("production", "g1")
	l.Release("production", "g1") // idempotent
	require.True(t, l.CanAdmit("production", model.PriorityHigh, demand))
}

func TestReserveRejectsOfflinePool(t *testing.T) {
	l := New(testPools())
	require.NoError(t, l.SetPoolState("production", model.PoolStateMaintenance))
	require.False(t, l.CanAdmit("production", model.PriorityHigh, model.Resources{GPUs: 1}))
	require.Error(t, l.Reserve(req("g1", "production", model.PriorityHigh, 1, 1)))
}

func TestFeasible(t *testing.T) {
	l := New(testPools())

	feasible, err := l.Feasible("research", model.ResourceRequest{GPUs: 8})
	require.NoError(t, err)
	require.True(t, feasible)

	feasible, err = l.Feasible("research", model.ResourceRequest{GPUs: 9})
	require.NoError(t, err)
	require.False(t, feasible)

	_, err = l.Feasible("ghost", model.ResourceRequest{GPUs: 1})
	require.Error(t, err)
}

func TestPlanBorrowPrefersSameBackendDonors(t *testing.T) {
	l := New(testPools())

	// LOW demand of 4 GPUs against a 2-GPU LOW quota: 2 GPUs must come from
	// the sibling pool on the same backend. The west-backend pool has more
	// idle capacity but is never a donor.
	edges, ok := l.PlanBorrow("research", model.Resources{GPUs: 4, CPUMillis: 1000})
	require.True(t, ok)
	require.Equal(t, []BorrowEdge{{From: "production", Amount: model.Resources{GPUs: 2}}}, edges)

	// More than the whole backend holds is not plannable.
	_, ok = l.PlanBorrow("research", model.Resources{GPUs: 5, CPUMillis: 1000})
	require.False(t, ok)
}

func TestPlanBorrowWithoutNeed(t *testing.T) {
	l := New(testPools())
	edges, ok := l.PlanBorrow("research", model.Resources{GPUs: 1, CPUMillis: 1000})
	require.True(t, ok)
	require.Empty(t, edges, "local headroom suffices, no edges planned")
}

func TestReserveBorrowedValidation(t *testing.T) {
	l := New(testPools())

	highReq := req("g1", "production", model.PriorityHigh, 2, 1)
	require.Error(t, l.ReserveBorrowed(highReq, nil), "only LOW groups may borrow")

	lowReq := req("g2", "research", model.PriorityLow, 4, 2)
	require.Error(t, l.ReserveBorrowed(lowReq,
		[]BorrowEdge{{From: "research", Amount: model.Resources{GPUs: 2}}}),
		"borrowing from the group's own pool")
	require.Error(t, l.ReserveBorrowed(lowReq,
		[]BorrowEdge{{From: "isolated", Amount: model.Resources{GPUs: 2}}}),
		"borrowing across backends")

	require.NoError(t, l.ReserveBorrowed(lowReq,
		[]BorrowEdge{{From: "production", Amount: model.Resources{GPUs: 2}}}))

	// The donor's capacity is physically occupied now.
	require.False(t, l.CanAdmit("production", model.PriorityHigh, model.Resources{GPUs: 1}))

	l.Release("research", "g2")
	require.True(t, l.CanAdmit("production", model.PriorityHigh, model.Resources{GPUs: 2}),
		"releasing the borrower returns the donor's capacity")
}

func TestPreemptionReclaimsBorrowedCapacity(t *testing.T) {
	l := New(testPools())

	// A LOW group fills its own quota and borrows the HIGH pool's 2 GPUs.
	lowReq := req("borrower", "research", model.PriorityLow, 4, 1)
	edges, ok := l.PlanBorrow("research", lowReq.Demand)
	require.True(t, ok)
	require.NoError(t, l.ReserveBorrowed(lowReq, edges))

	// A HIGH group arrives in the donor pool: quota headroom exists but the
	// pool is physically full.
	demand := model.Resources{GPUs: 2, CPUMillis: 1000}
	require.False(t, l.CanAdmit("production", model.PriorityHigh, demand))
	require.True(t, l.HasQuotaHeadroom("production", model.PriorityHigh, demand))

	victims, ok := l.PlanPreemption("production", model.PriorityHigh, demand)
	require.True(t, ok)
	require.Len(t, victims, 1)
	require.Equal(t, model.GroupID("borrower"), victims[0].Group)
	require.Equal(t, model.PoolID("research"), victims[0].Pool)
	require.Equal(t, model.Resources{GPUs: 2}, victims[0].Reclaimed)

	// The lifecycle releases the victim; the HIGH group then admits normally.
	l.Release("research", "borrower")
	require.NoError(t, l.Reserve(req("urgent", "production", model.PriorityHigh, 2, 2)))
}

func TestNoPreemptionUnderQuota(t *testing.T) {
	l := New(testPools())

	// The pool is full of its own-quota work; nothing borrowed anything from
	// it. There is neither headroom nor a preemptable victim.
	require.NoError(t, l.Reserve(req("steady", "production", model.PriorityHigh, 2, 1)))

	demand := model.Resources{GPUs: 1, CPUMillis: 1000}
	require.False(t, l.HasQuotaHeadroom("production", model.PriorityHigh, demand))
	victims, ok := l.PlanPreemption("production", model.PriorityHigh, demand)
	require.False(t, ok)
	require.Empty(t, victims)
}

func TestPreemptionVictimOrderYoungestFirst(t *testing.T) {
	platform := model.Platform{Name: "v100", MaxGPUs: 8, MaxCPUMillis: 64000, MaxMemoryMiB: 262144, MaxStorageGiB: 1000}
	l := New([]model.Pool{
		{
			ID: "research", Backend: "east",
			Quotas: map[model.Priority]model.Resources{
				model.PriorityLow: {GPUs: 2, CPUMillis: 8000},
			},
			Platforms: []model.Platform{platform},
		},
		{
			ID: "production", Backend: "east",
			Quotas: map[model.Priority]model.Resources{
				model.PriorityHigh: {GPUs: 2, CPUMillis: 8000},
			},
			Platforms: []model.Platform{platform},
		},
	})

	// Two LOW groups each borrow one GPU from the HIGH pool.
	old := req("old-borrower", "research", model.PriorityLow, 2, 1)
	require.NoError(t, l.ReserveBorrowed(old,
		[]BorrowEdge{{From: "production", Amount: model.Resources{GPUs: 1}}}))
	young := req("young-borrower", "research", model.PriorityLow, 1, 2)
	young.Demand = model.Resources{GPUs: 1}
	require.NoError(t, l.ReserveBorrowed(young,
		[]BorrowEdge{{From: "production", Amount: model.Resources{GPUs: 1}}}))

	victims, ok := l.PlanPreemption("production", model.PriorityHigh, model.Resources{GPUs: 1})
	require.True(t, ok)
	require.Equal(t, model.GroupID("young-borrower"), victims[0].Group,
		"the youngest borrower is preempted first")
	require.Len(t, victims, 1, "one reclaimed GPU satisfies the demand")
}

func TestClaimKeepsFreedCapacityFromBorrowers(t *testing.T) {
	l := New(testPools())

	// A blocked HIGH group claims the production pool's capacity while its
	// preemption victims drain: nothing may borrow it in the meantime.
	l.Claim("production", "urgent", model.Resources{GPUs: 2, CPUMillis: 1000})

	_, ok := l.PlanBorrow("research", model.Resources{GPUs: 4, CPUMillis: 1000})
	require.False(t, ok, "claimed capacity is not lendable")

	lowReq := req("g1", "research", model.PriorityLow, 4, 1)
	require.Error(t, l.ReserveBorrowed(lowReq,
		[]BorrowEdge{{From: "production", Amount: model.Resources{GPUs: 2}}}),
		"a stale borrow plan is revalidated against the claim")

	// Reserving the claimant clears the claim; the capacity is then spoken
	// for by the reservation itself.
	require.NoError(t, l.Reserve(req("urgent", "production", model.PriorityHigh, 2, 2)))
	l.Release("production", "urgent")

	edges, ok := l.PlanBorrow("research", model.Resources{GPUs: 4, CPUMillis: 1000})
	require.True(t, ok)
	require.Equal(t, []BorrowEdge{{From: "production", Amount: model.Resources{GPUs: 2}}}, edges)
}

func TestUnclaimRestoresLending(t *testing.T) {
	l := New(testPools())
	l.Claim("production", "urgent", model.Resources{GPUs: 2, CPUMillis: 1000})
	l.Unclaim("production", "urgent")

	edges, ok := l.PlanBorrow("research", model.Resources{GPUs: 4, CPUMillis: 1000})
	require.True(t, ok)
	require.Len(t, edges, 1)
}

func TestSnapshot(t *testing.T) {
	l := New(testPools())
	require.NoError(t, l.Reserve(req("g1", "production", model.PriorityHigh, 1, 1)))

	snaps := l.Snapshot()
	require.Len(t, snaps, 3)
	byID := map[model.PoolID]PoolSnapshot{}
	for _, s := range snaps {
		byID[s.ID] = s
	}
	prod := byID["production"]
	require.Equal(t, model.Resources{GPUs: 2, CPUMillis: 8000}, prod.Capacity)
	require.Equal(t, model.Resources{GPUs: 1, CPUMillis: 1000}, prod.PhysicalUsed)
	require.Equal(t, model.Resources{GPUs: 1, CPUMillis: 1000}, prod.Classes["HIGH"].Used)
	require.Contains(t, prod.Reservations, "g1")
}
