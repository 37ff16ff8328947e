package ledger

import (
	"testing"

	oracle "github.com/justapithecus/oracle-gateway/internal"
)

func TestLedger_ChargeAccumulates(t *testing.T) {
	t.Parallel()
	l := New(oracle.BudgetSpec{Chutes: 0.02})

	l.Charge("run1", oracle.ServiceChutes, 0.01)
	total := l.Charge("run1", oracle.ServiceChutes, 0.005)

	if total != 0.015 {
		t.Errorf("service total = %v, want 0.015", total)
	}
	if got := l.Total("run1"); got != 0.015 {
		t.Errorf("Total = %v, want 0.015", got)
	}
}

func TestLedger_UnknownRunIsZero(t *testing.T) {
	t.Parallel()
	l := New(oracle.BudgetSpec{})

	if got := l.Total("missing"); got != 0 {
		t.Errorf("Total for unknown run = %v, want 0", got)
	}
	if l.IsOverBudget("missing", oracle.ServiceChutes) {
		t.Error("unknown run should never be over budget")
	}
}

func TestLedger_IsOverBudget(t *testing.T) {
	t.Parallel()
	l := New(oracle.BudgetSpec{Chutes: 0.02, Desearch: 0.10})

	l.Charge("run1", oracle.ServiceChutes, 0.02)
	if l.IsOverBudget("run1", oracle.ServiceChutes) {
		t.Error("cost equal to budget should not be over (strict >)")
	}

	l.Charge("run1", oracle.ServiceChutes, 0.001)
	if !l.IsOverBudget("run1", oracle.ServiceChutes) {
		t.Error("cost above budget should be over")
	}

	// Desearch is unaffected.
	if l.IsOverBudget("run1", oracle.ServiceDesearch) {
		t.Error("desearch budget should be untouched by chutes spend")
	}
}

func TestLedger_IsOverBudgetAny(t *testing.T) {
	t.Parallel()
	l := New(oracle.BudgetSpec{Chutes: 0.02, Desearch: 0.10})

	if l.IsOverBudgetAny("run1") {
		t.Error("unknown run should not be over budget")
	}

	l.Charge("run1", oracle.ServiceDesearch, 0.05)
	if l.IsOverBudgetAny("run1") {
		t.Error("run under every service's budget should not be over")
	}

	l.Charge("run1", oracle.ServiceChutes, 0.03)
	if !l.IsOverBudgetAny("run1") {
		t.Error("run over chutes budget should be over (any service)")
	}
}

func TestLedger_ZeroBudgetIsUnlimited(t *testing.T) {
	t.Parallel()
	l := New(oracle.BudgetSpec{Other: 0})

	l.Charge("run1", oracle.ServiceOther, 1000.0)
	if l.IsOverBudget("run1", oracle.ServiceOther) {
		t.Error("zero budget should mean unlimited")
	}
}

func TestLedger_TotalByService(t *testing.T) {
	t.Parallel()
	l := New(oracle.BudgetSpec{})

	l.Charge("run1", oracle.ServiceChutes, 0.01)
	l.Charge("run1", oracle.ServiceDesearch, 0.05)

	got := l.TotalByService("run1")
	if got[oracle.ServiceChutes] != 0.01 || got[oracle.ServiceDesearch] != 0.05 || got[oracle.ServiceOther] != 0 {
		t.Errorf("TotalByService = %+v", got)
	}
}

func TestLedger_SnapshotIncludesAllServices(t *testing.T) {
	t.Parallel()
	l := New(oracle.BudgetSpec{Chutes: 0.02, Desearch: 0.10})

	l.Charge("run1", oracle.ServiceChutes, 0.025)
	l.Charge("run1", oracle.ServiceDesearch, 0.01)

	status := l.Snapshot("run1", oracle.ServiceChutes)
	if !status.OverBudget {
		t.Error("snapshot should report over budget for chutes")
	}
	if status.AllServices[oracle.ServiceDesearch] != 0.01 {
		t.Errorf("all-services breakdown missing desearch spend: %+v", status.AllServices)
	}
	if status.Budget != 0.02 {
		t.Errorf("Budget = %v, want 0.02", status.Budget)
	}
}

func TestLedger_Release(t *testing.T) {
	t.Parallel()
	l := New(oracle.BudgetSpec{})

	l.Charge("run1", oracle.ServiceChutes, 5.0)
	l.Release("run1")

	if got := l.Total("run1"); got != 0 {
		t.Errorf("Total after Release = %v, want 0", got)
	}
}

func TestLedger_SeparatesRuns(t *testing.T) {
	t.Parallel()
	l := New(oracle.BudgetSpec{Chutes: 0.02})

	l.Charge("run1", oracle.ServiceChutes, 0.025)

	if l.IsOverBudget("run2", oracle.ServiceChutes) {
		t.Error("run2 should be unaffected by run1's spend")
	}
}
