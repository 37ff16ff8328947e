// Package ledger tracks cumulative agent spend per run, per service class,
// against a configured per-service budget.
package ledger

import (
	"sync"

	oracle "github.com/justapithecus/oracle-gateway/internal"
)

// runEntry tracks cumulative spend for a single run, one counter per
// service class.
type runEntry struct {
	chutes   float64
	desearch float64
	other    float64
}

func (e *runEntry) get(service oracle.ServiceClass) float64 {
	switch service {
	case oracle.ServiceChutes:
		return e.chutes
	case oracle.ServiceDesearch:
		return e.desearch
	default:
		return e.other
	}
}

func (e *runEntry) add(service oracle.ServiceClass, amount float64) float64 {
	switch service {
	case oracle.ServiceChutes:
		e.chutes += amount
		return e.chutes
	case oracle.ServiceDesearch:
		e.desearch += amount
		return e.desearch
	default:
		e.other += amount
		return e.other
	}
}

// Ledger is a thread-safe cost tracker for multiple runs with per-service
// budgets, shared by the Interception Proxy and the Scheduler/Orchestrator.
type Ledger struct {
	budget oracle.BudgetSpec

	mu    sync.Mutex
	costs map[oracle.RunID]*runEntry
}

// New creates a Ledger enforcing the given per-service budget for every
// run. A zero field in budget means that service class is unlimited.
func New(budget oracle.BudgetSpec) *Ledger {
	return &Ledger{
		budget: budget,
		costs:  make(map[oracle.RunID]*runEntry),
	}
}

func (l *Ledger) entry(runID oracle.RunID) *runEntry {
	e, ok := l.costs[runID]
	if !ok {
		e = &runEntry{}
		l.costs[runID] = e
	}
	return e
}

// Charge adds cost to a run's spend for the given service class and
// returns the new per-service total.
func (l *Ledger) Charge(runID oracle.RunID, service oracle.ServiceClass, amountUSD float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entry(runID).add(service, amountUSD)
}

// Total returns the run's total spend across all service classes.
func (l *Ledger) Total(runID oracle.RunID) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.costs[runID]
	if !ok {
		return 0
	}
	return e.chutes + e.desearch + e.other
}

// TotalByService returns the run's spend broken down by service class.
func (l *Ledger) TotalByService(runID oracle.RunID) map[oracle.ServiceClass]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.costs[runID]
	if !ok {
		e = &runEntry{}
	}
	return map[oracle.ServiceClass]float64{
		oracle.ServiceChutes:   e.chutes,
		oracle.ServiceDesearch: e.desearch,
		oracle.ServiceOther:    e.other,
	}
}

// IsOverBudget reports whether the run has exceeded the budget for the
// given service class. A zero budget for that class means unlimited.
func (l *Ledger) IsOverBudget(runID oracle.RunID, service oracle.ServiceClass) bool {
	limit := l.budget.For(service)
	if limit <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.costs[runID]
	if !ok {
		return false
	}
	return e.get(service) > limit
}

// IsOverBudgetAny reports whether the run has exceeded the budget for any
// known service class. A zero budget for a class excludes it from the
// check, same as IsOverBudget.
func (l *Ledger) IsOverBudgetAny(runID oracle.RunID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.costs[runID]
	if !ok {
		return false
	}
	for _, service := range []oracle.ServiceClass{oracle.ServiceChutes, oracle.ServiceDesearch, oracle.ServiceOther} {
		limit := l.budget.For(service)
		if limit > 0 && e.get(service) > limit {
			return true
		}
	}
	return false
}

// Snapshot returns a point-in-time BudgetStatus for the run's given
// service class, including the per-service breakdown used to populate a
// 402 response body.
func (l *Ledger) Snapshot(runID oracle.RunID, service oracle.ServiceClass) oracle.BudgetStatus {
	l.mu.Lock()
	e, ok := l.costs[runID]
	if !ok {
		e = &runEntry{}
	}
	all := map[oracle.ServiceClass]float64{
		oracle.ServiceChutes:   e.chutes,
		oracle.ServiceDesearch: e.desearch,
		oracle.ServiceOther:    e.other,
	}
	l.mu.Unlock()

	current := e.get(service)
	limit := l.budget.For(service)
	return oracle.BudgetStatus{
		RunID:       runID,
		Service:     service,
		CurrentCost: current,
		Budget:      limit,
		OverBudget:  limit > 0 && current > limit,
		AllServices: all,
	}
}

// Release drops all tracked cost for a finished run so the ledger does
// not grow unbounded across the process lifetime.
func (l *Ledger) Release(runID oracle.RunID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.costs, runID)
}
