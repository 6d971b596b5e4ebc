// Package ledger tracks per-pool, per-priority-class quota, usage and
// borrowed capacity, and answers the admission questions: can a group run now,
// what can be borrowed for it, and what must be reclaimed to admit it.
//
// Reserve and release are compare-and-commit operations serialized per pool;
// operations touching several pools (borrowing, preemption planning) take the
// pool locks in sorted ID order so cross-pool admissions stay deadlock-free
// and linearizable with respect to each other.
package ledger

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/meridian-ml/meridian/internal/wproto"
	"github.com/meridian-ml/meridian/pkg/model"
)

// BorrowEdge records capacity a LOW reservation borrowed from another pool's
// idle quota. The edge is revocable: preemption releases it.
type BorrowEdge struct {
	From   model.PoolID    `json:"from"`
	Amount model.Resources `json:"amount"`
}

// Victim identifies a LOW reservation selected for preemption.
type Victim struct {
	Group model.GroupID
	Pool  model.PoolID
	// Reclaimed is the capacity freed in the blocked pool when this victim's
	// borrow edges are released.
	Reclaimed model.Resources
}

type reservation struct {
	group   model.GroupID
	class   model.Priority
	demand  model.Resources
	borrows []BorrowEdge
	seq     uint64
}

// borrowedFromPool returns how much of the reservation is borrowed from the
// given pool.
func (r *reservation) borrowedFromPool(pool model.PoolID) model.Resources {
	var sum model.Resources
	for _, edge := range r.borrows {
		if edge.From == pool {
			sum = sum.Add(edge.Amount)
		}
	}
	return sum
}

type poolLedger struct {
	mu sync.Mutex

	info  model.Pool
	state model.PoolState

	used         map[model.Priority]model.Resources
	borrowedIn   model.Resources
	borrowedOut  model.Resources
	reservations map[model.GroupID]*reservation

	// claims earmark capacity for blocked HIGH/NORMAL groups whose preemption
	// victims are still draining. Claimed capacity is not lendable, so a LOW
	// reschedule cannot re-borrow it before the claimant's next admission pass.
	claims map[model.GroupID]model.Resources
}

// claimed is the total capacity earmarked for blocked groups. Callers must
// hold the pool lock.
func (p *poolLedger) claimed() model.Resources {
	var total model.Resources
	for _, c := range p.claims {
		total = total.Add(c)
	}
	return total
}

// lendable is the idle capacity net of claims, i.e. what borrow edges may
// draw on.
func (p *poolLedger) lendable() model.Resources {
	return p.idle().Sub(p.claimed())
}

// physicalUsed is the pool capacity actually occupied: everything reserved
// here, minus the part backed by other pools, plus what this pool has lent
// out. Callers must hold the pool lock.
func (p *poolLedger) physicalUsed() model.Resources {
	var total model.Resources
	for _, u := range p.used {
		total = total.Add(u)
	}
	return total.Sub(p.borrowedIn).Add(p.borrowedOut)
}

// idle is the physically unoccupied capacity of the pool.
func (p *poolLedger) idle() model.Resources {
	return p.info.Capacity().Sub(p.physicalUsed())
}

// classHeadroom is the remaining quota of one priority class, counting
// borrowed-in capacity for the LOW class.
func (p *poolLedger) classHeadroom(class model.Priority) model.Resources {
	limit := p.info.Quotas[class]
	if class == model.PriorityLow {
		limit = limit.Add(p.borrowedIn)
	}
	return limit.Sub(p.used[class])
}

// Ledger is the global quota and borrowing ledger.
type Ledger struct {
	mu     sync.RWMutex
	pools  map[model.PoolID]*poolLedger
	syslog *logrus.Entry
}

// New constructs a ledger over the configured pools.
func New(pools []model.Pool) *Ledger {
	l := &Ledger{
		pools:  make(map[model.PoolID]*poolLedger, len(pools)),
		syslog: logrus.WithField("component", "quota-ledger"),
	}
	for _, p := range pools {
		l.pools[p.ID] = &poolLedger{
			info:         p,
			state:        p.State,
			used:         make(map[model.Priority]model.Resources),
			reservations: make(map[model.GroupID]*reservation),
			claims:       make(map[model.GroupID]model.Resources),
		}
	}
	return l
}

func (l *Ledger) pool(id model.PoolID) (*poolLedger, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.pools[id]
	if !ok {
		return nil, wproto.UnknownPoolError{Pool: id}
	}
	return p, nil
}

// lockPools locks the given pools in sorted ID order and returns the unlock
// function. Duplicate IDs are collapsed.
func (l *Ledger) lockPools(ids ...model.PoolID) (func(), error) {
	unique := make([]model.PoolID, 0, len(ids))
	seen := map[model.PoolID]bool{}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })

	locked := make([]*poolLedger, 0, len(unique))
	unlock := func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}
	for _, id := range unique {
		p, err := l.pool(id)
		if err != nil {
			unlock()
			return nil, err
		}
		p.mu.Lock()
		locked = append(locked, p)
	}
	return unlock, nil
}

// SetPoolState updates the administrative state of a pool.
func (l *Ledger) SetPoolState(id model.PoolID, state model.PoolState) error {
	p, err := l.pool(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	return nil
}

// Feasible reports whether any platform in the pool could ever satisfy the
// request. Used for the fast-fail static feasibility check.
func (l *Ledger) Feasible(id model.PoolID, req model.ResourceRequest) (bool, error) {
	p, err := l.pool(id)
	if err != nil {
		return false, err
	}
	return p.info.Feasible(req), nil
}

// CanAdmit reports whether the demand fits the pool's quota for the class
// right now, without borrowing. HIGH and NORMAL admission additionally
// requires physical capacity net of lent-out borrow edges; the gap between
// the two conditions is what preemption closes.
func (l *Ledger) CanAdmit(id model.PoolID, class model.Priority, demand model.Resources) bool {
	p, err := l.pool(id)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canAdmitLocked(class, demand)
}

func (p *poolLedger) canAdmitLocked(class model.Priority, demand model.Resources) bool {
	if p.state != model.PoolStateOnline {
		return false
	}
	if !demand.Fits(p.classHeadroom(class)) {
		return false
	}
	return demand.Fits(p.idle())
}

// HasQuotaHeadroom reports whether the class quota alone (ignoring physical
// occupancy) could fit the demand. When this holds but CanAdmit does not, the
// pool is physically full, typically because borrowers hold its idle
// capacity, and preemption is warranted.
func (l *Ledger) HasQuotaHeadroom(id model.PoolID, class model.Priority, demand model.Resources) bool {
	p, err := l.pool(id)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == model.PoolStateOnline && demand.Fits(p.classHeadroom(class))
}

// Reserve is the compare-and-commit admission of one group into its pool.
// It re-checks admissibility under the pool lock, so two concurrent
// admissions can never oversubscribe the same quota window.
func (l *Ledger) Reserve(req *wproto.GroupRequest) error {
	p, err := l.pool(req.Pool)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.reservations[req.GroupID]; ok {
		return errors.Errorf("group %s already holds a reservation in pool %s", req.GroupID, req.Pool)
	}
	if !p.canAdmitLocked(req.Priority, req.Demand) {
		return errors.Errorf("pool %s cannot admit group %s (%s at %s)",
			req.Pool, req.GroupID, req.Demand, req.Priority)
	}

	p.used[req.Priority] = p.used[req.Priority].Add(req.Demand)
	p.reservations[req.GroupID] = &reservation{
		group:  req.GroupID,
		class:  req.Priority,
		demand: req.Demand,
		seq:    req.Seq,
	}
	delete(p.claims, req.GroupID)
	return nil
}

// Claim earmarks pool capacity for a blocked HIGH/NORMAL group while its
// preemption victims drain. The claim keeps the freed capacity out of
// PlanBorrow until the claimant reserves (which clears it) or leaves the
// queue (Unclaim).
func (l *Ledger) Claim(pool model.PoolID, group model.GroupID, demand model.Resources) {
	p, err := l.pool(pool)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claims[group] = demand
}

// Unclaim drops a blocked group's capacity claim. No-op for unknown claims.
func (l *Ledger) Unclaim(pool model.PoolID, group model.GroupID) {
	p, err := l.pool(pool)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.claims, group)
}

// ReserveBorrowed admits a LOW group whose demand is partly backed by borrow
// edges from sibling pools. Edges are validated against donor idle capacity
// under the donors' locks; a donor that lost its idle capacity since planning
// fails the whole reservation.
func (l *Ledger) ReserveBorrowed(req *wproto.GroupRequest, edges []BorrowEdge) error {
	if req.Priority != model.PriorityLow {
		return errors.Errorf("only LOW groups may borrow; group %s is %s", req.GroupID, req.Priority)
	}

	ids := []model.PoolID{req.Pool}
	for _, e := range edges {
		ids = append(ids, e.From)
	}
	unlock, err := l.lockPools(ids...)
	if err != nil {
		return err
	}
	defer unlock()

	// Safe without re-locking: lockPools held the registry read lock already
	// and pools are never removed.
	borrower := l.pools[req.Pool]
	if borrower.state != model.PoolStateOnline {
		return errors.Errorf("pool %s is %s", req.Pool, borrower.state)
	}
	if _, ok := borrower.reservations[req.GroupID]; ok {
		return errors.Errorf("group %s already holds a reservation in pool %s", req.GroupID, req.Pool)
	}

	var borrowed model.Resources
	for _, edge := range edges {
		donor := l.pools[edge.From]
		if edge.From == req.Pool {
			return errors.Errorf("group %s cannot borrow from its own pool %s", req.GroupID, req.Pool)
		}
		if donor.info.Backend != borrower.info.Backend {
			return errors.Errorf("pool %s cannot borrow from pool %s on a different backend",
				req.Pool, edge.From)
		}
		if !edge.Amount.Fits(donor.lendable()) {
			return errors.Errorf("pool %s no longer has %s idle to lend to group %s",
				edge.From, edge.Amount, req.GroupID)
		}
		borrowed = borrowed.Add(edge.Amount)
	}

	// The borrowed capacity plus local LOW headroom must cover the demand,
	// and the locally-backed remainder must physically fit.
	local := req.Demand.Sub(borrowed)
	if !local.Fits(borrower.classHeadroom(model.PriorityLow)) {
		return errors.Errorf("pool %s lacks LOW headroom for group %s even after borrowing",
			req.Pool, req.GroupID)
	}
	if !local.Fits(borrower.idle()) {
		return errors.Errorf("pool %s lacks physical capacity for group %s even after borrowing",
			req.Pool, req.GroupID)
	}

	for _, edge := range edges {
		donor := l.pools[edge.From]
		donor.borrowedOut = donor.borrowedOut.Add(edge.Amount)
	}
	borrower.borrowedIn = borrower.borrowedIn.Add(borrowed)
	borrower.used[model.PriorityLow] = borrower.used[model.PriorityLow].Add(req.Demand)
	borrower.reservations[req.GroupID] = &reservation{
		group:   req.GroupID,
		class:   model.PriorityLow,
		demand:  req.Demand,
		borrows: edges,
		seq:     req.Seq,
	}
	l.syslog.WithFields(logrus.Fields{
		"pool":  req.Pool,
		"group": req.GroupID,
	}).Infof("reserved %s with %s borrowed", req.Demand, borrowed)
	return nil
}

// Release returns a group's reservation, including any borrow edges, to the
// ledger. Releasing an unknown group is a no-op so releases stay idempotent
// across reschedules.
func (l *Ledger) Release(pool model.PoolID, group model.GroupID) {
	p, err := l.pool(pool)
	if err != nil {
		return
	}

	p.mu.Lock()
	res, ok := p.reservations[group]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.reservations, group)
	p.used[res.class] = p.used[res.class].Sub(res.demand)
	var borrowed model.Resources
	for _, edge := range res.borrows {
		borrowed = borrowed.Add(edge.Amount)
	}
	p.borrowedIn = p.borrowedIn.Sub(borrowed)
	p.mu.Unlock()

	for _, edge := range res.borrows {
		donor, err := l.pool(edge.From)
		if err != nil {
			continue
		}
		donor.mu.Lock()
		donor.borrowedOut = donor.borrowedOut.Sub(edge.Amount)
		donor.mu.Unlock()
	}
}

// PlanBorrow computes borrow edges that would let a LOW group of the given
// demand be admitted into the pool. Donors are sibling pools on the same
// backend with lendable capacity (idle net of blocked-group claims), most
// lendable first, ties broken by pool ID. The plan is advisory;
// ReserveBorrowed revalidates it.
func (l *Ledger) PlanBorrow(pool model.PoolID, demand model.Resources) ([]BorrowEdge, bool) {
	p, err := l.pool(pool)
	if err != nil {
		return nil, false
	}

	p.mu.Lock()
	if p.state != model.PoolStateOnline {
		p.mu.Unlock()
		return nil, false
	}
	headroom := p.classHeadroom(model.PriorityLow).Min(p.idle())
	backend := p.info.Backend
	p.mu.Unlock()

	remaining := demand.Sub(headroom)
	if remaining.Zero() {
		// No borrowing needed; plain Reserve applies.
		return nil, true
	}

	type donor struct {
		id   model.PoolID
		idle model.Resources
	}
	var donors []donor
	l.mu.RLock()
	for id, candidate := range l.pools {
		if id == pool {
			continue
		}
		candidate.mu.Lock()
		if candidate.info.Backend == backend && candidate.state == model.PoolStateOnline {
			if lendable := candidate.lendable(); !lendable.Zero() {
				donors = append(donors, donor{id: id, idle: lendable})
			}
		}
		candidate.mu.Unlock()
	}
	l.mu.RUnlock()

	sort.Slice(donors, func(i, j int) bool {
		if donors[i].idle.GPUs != donors[j].idle.GPUs {
			return donors[i].idle.GPUs > donors[j].idle.GPUs
		}
		if donors[i].idle.CPUMillis != donors[j].idle.CPUMillis {
			return donors[i].idle.CPUMillis > donors[j].idle.CPUMillis
		}
		return donors[i].id < donors[j].id
	})

	var edges []BorrowEdge
	for _, d := range donors {
		if remaining.Zero() {
			break
		}
		take := remaining.Min(d.idle)
		if take.Zero() {
			continue
		}
		edges = append(edges, BorrowEdge{From: d.id, Amount: take})
		remaining = remaining.Sub(take)
	}
	return edges, remaining.Zero()
}

// PlanPreemption selects the LOW reservations whose borrow edges, if
// reclaimed, free enough capacity in the blocked pool to admit a HIGH or
// NORMAL group of the given demand. Only borrowed capacity is ever reclaimed;
// a pool's own-quota allocations are never preempted, so a pool under its own
// quota cannot be preempted by another pool's borrowing.
//
// Victim order: all candidates are LOW by construction; within that, the
// youngest submission is preempted first, so the oldest borrowed work keeps
// running the longest and the order is deterministic under replay.
func (l *Ledger) PlanPreemption(
	pool model.PoolID, class model.Priority, demand model.Resources,
) ([]Victim, bool) {
	if class == model.PriorityLow {
		return nil, false
	}
	p, err := l.pool(pool)
	if err != nil {
		return nil, false
	}

	p.mu.Lock()
	if p.state != model.PoolStateOnline || !demand.Fits(p.classHeadroom(class)) {
		p.mu.Unlock()
		return nil, false
	}
	needed := demand.Sub(p.idle())
	p.mu.Unlock()
	if needed.Zero() {
		return nil, true
	}

	type candidate struct {
		victim Victim
		seq    uint64
	}
	var candidates []candidate
	l.mu.RLock()
	for id, holder := range l.pools {
		holder.mu.Lock()
		for _, res := range holder.reservations {
			if res.class != model.PriorityLow {
				continue
			}
			if reclaimed := res.borrowedFromPool(pool); !reclaimed.Zero() {
				candidates = append(candidates, candidate{
					victim: Victim{Group: res.group, Pool: id, Reclaimed: reclaimed},
					seq:    res.seq,
				})
			}
		}
		holder.mu.Unlock()
	}
	l.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].seq != candidates[j].seq {
			return candidates[i].seq > candidates[j].seq
		}
		return candidates[i].victim.Group < candidates[j].victim.Group
	})

	var victims []Victim
	var reclaimed model.Resources
	for _, c := range candidates {
		victims = append(victims, c.victim)
		reclaimed = reclaimed.Add(c.victim.Reclaimed)
		if needed.Fits(reclaimed) {
			return victims, true
		}
	}
	l.syslog.WithField("pool", pool).Debugf(
		"preemption cannot free %s: only %s borrowed out", needed, reclaimed)
	return victims, false
}
