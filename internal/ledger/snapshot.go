package ledger

import (
	"sort"

	"github.com/meridian-ml/meridian/pkg/model"
)

// ClassUsage is the externally-visible quota/usage pair of one priority class.
type ClassUsage struct {
	Quota model.Resources `json:"quota"`
	Used  model.Resources `json:"used"`
}

// PoolSnapshot is an immutable view of one pool's ledger state.
type PoolSnapshot struct {
	ID           model.PoolID              `json:"id"`
	Backend      string                    `json:"backend"`
	State        model.PoolState           `json:"state"`
	Capacity     model.Resources           `json:"capacity"`
	PhysicalUsed model.Resources           `json:"physical_used"`
	BorrowedIn   model.Resources           `json:"borrowed_in"`
	BorrowedOut  model.Resources           `json:"borrowed_out"`
	Classes      map[string]ClassUsage     `json:"classes"`
	Reservations map[string]model.Resources `json:"reservations"`
}

// Pools returns the configured pool IDs in sorted order.
func (l *Ledger) Pools() []model.PoolID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]model.PoolID, 0, len(l.pools))
	for id := range l.pools {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns a point-in-time view of every pool, sorted by pool ID.
func (l *Ledger) Snapshot() []PoolSnapshot {
	snapshots := make([]PoolSnapshot, 0, len(l.pools))
	for _, id := range l.Pools() {
		p, err := l.pool(id)
		if err != nil {
			continue
		}
		p.mu.Lock()
		snap := PoolSnapshot{
			ID:           id,
			Backend:      p.info.Backend,
			State:        p.state,
			Capacity:     p.info.Capacity(),
			PhysicalUsed: p.physicalUsed(),
			BorrowedIn:   p.borrowedIn,
			BorrowedOut:  p.borrowedOut,
			Classes:      make(map[string]ClassUsage, len(model.Priorities)),
			Reservations: make(map[string]model.Resources, len(p.reservations)),
		}
		for _, class := range model.Priorities {
			snap.Classes[class.String()] = ClassUsage{
				Quota: p.info.Quotas[class],
				Used:  p.used[class],
			}
		}
		for group, res := range p.reservations {
			snap.Reservations[group.String()] = res.demand
		}
		p.mu.Unlock()
		snapshots = append(snapshots, snap)
	}
	return snapshots
}
