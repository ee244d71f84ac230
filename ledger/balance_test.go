package ledger_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcfs/compliance-ledger/ledger"
)

var t0 = time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

func row(id int64, units int64, action ledger.Action, at time.Time) ledger.Transaction {
	return ledger.Transaction{
		ID:               ledger.TransactionID(id),
		OrganizationID:   1,
		ComplianceUnits:  units,
		Action:           action,
		WorkflowKind:     ledger.KindTransfer,
		CompliancePeriod: ledger.PeriodOf(at),
		EffectiveDate:    at,
		CreateDate:       at,
	}
}

// =============================================================================
// PROJECTION
// =============================================================================

func TestProjectBalance(t *testing.T) {
	txs := []ledger.Transaction{
		row(1, 500, ledger.ActionAdjustment, t0),
		row(2, -200, ledger.ActionReserved, t0.Add(time.Hour)),
		row(3, -50, ledger.ActionReserved, t0.Add(2*time.Hour)),
		row(4, 50, ledger.ActionReleased, t0.Add(3*time.Hour)),
	}
	b := ledger.ProjectBalance(1, txs)
	assert.Equal(t, int64(500), b.Total)
	assert.Equal(t, int64(200), b.Reserved)
	assert.Equal(t, int64(300), b.Available())
}

func TestProjectBalanceAt_UsesEffectiveDate(t *testing.T) {
	txs := []ledger.Transaction{
		row(1, 100, ledger.ActionAdjustment, t0),
		row(2, 40, ledger.ActionAdjustment, t0.AddDate(1, 0, 0)),
	}
	assert.Equal(t, int64(100), ledger.ProjectBalanceAt(1, txs, t0.AddDate(0, 6, 0)).Total)
	assert.Equal(t, int64(140), ledger.ProjectBalanceAt(1, txs, t0.AddDate(2, 0, 0)).Total)
	assert.Equal(t, int64(0), ledger.ProjectBalanceAt(1, txs, t0.Add(-time.Second)).Total)
}

// Reserved never goes negative and available always equals total minus
// reserved, whatever order holds and releases arrive in.
func TestProjectBalance_RandomHistories(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 200; run++ {
		var (
			txs  []ledger.Transaction
			open []ledger.Transaction
			id   int64
		)
		at := t0
		for step := 0; step < 40; step++ {
			id++
			at = at.Add(time.Minute)
			switch k := rng.Intn(3); {
			case k == 0:
				txs = append(txs, row(id, int64(rng.Intn(400)-150), ledger.ActionAdjustment, at))
			case k == 1:
				hold := row(id, -int64(rng.Intn(90)+1), ledger.ActionReserved, at)
				txs = append(txs, hold)
				open = append(open, hold)
			case len(open) > 0:
				i := rng.Intn(len(open))
				rel := row(id, -open[i].ComplianceUnits, ledger.ActionReleased, at)
				rel.ReleasesID = open[i].ID
				txs = append(txs, rel)
				open = append(open[:i], open[i+1:]...)
			}
		}

		b := ledger.ProjectBalance(1, txs)
		var wantReserved, wantTotal int64
		for _, h := range open {
			wantReserved -= h.ComplianceUnits
		}
		for _, tx := range txs {
			if tx.Action == ledger.ActionAdjustment {
				wantTotal += tx.ComplianceUnits
			}
		}
		require.GreaterOrEqual(t, b.Reserved, int64(0))
		require.Equal(t, wantReserved, b.Reserved, "reserved is the sum of open holds")
		require.Equal(t, wantTotal, b.Total)
		require.Equal(t, b.Total-b.Reserved, b.Available())

		rows := ledger.BuildCreditLedger(1, txs)
		require.Len(t, rows, len(txs), "one view row per transaction")
		if len(rows) > 0 {
			require.Equal(t, b.Available(), rows[len(rows)-1].AvailableBalanceAfter)
		}
	}
}

// =============================================================================
// CREDIT LEDGER
// =============================================================================

func TestBuildCreditLedger_RunningBalance(t *testing.T) {
	txs := []ledger.Transaction{
		row(1, 500, ledger.ActionAdjustment, t0),
		row(2, -200, ledger.ActionReserved, t0.Add(time.Hour)),
		// written by the same transition
		row(3, -200, ledger.ActionAdjustment, t0.Add(2*time.Hour)),
		row(4, 200, ledger.ActionReleased, t0.Add(2*time.Hour)),
	}
	rows := ledger.BuildCreditLedger(1, txs)
	require.Len(t, rows, 4)
	assert.Equal(t, int64(500), rows[0].AvailableBalanceAfter)
	assert.Equal(t, int64(300), rows[1].AvailableBalanceAfter)
	assert.Equal(t, int64(300), rows[2].AvailableBalanceAfter, "rows sharing an update date share the figure")
	assert.Equal(t, int64(300), rows[3].AvailableBalanceAfter)
	assert.Equal(t, ledger.KindTransfer, rows[3].TransactionType)
}

func TestCreditLedger_ClampedOnPresentation(t *testing.T) {
	svc, _ := newService(t)
	org := createOrg(t, svc, ledger.StatusRegistered)
	adjust(t, svc, org.ID, 30)
	adjust(t, svc, org.ID, -80)

	rows, err := svc.CreditLedger(context.Background(), ledger.CreditLedgerFilter{OrganizationID: org.ID})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(-80), rows[0].ComplianceUnits, "newest first")
	assert.Equal(t, int64(0), rows[0].AvailableBalanceAfter)
	assert.Equal(t, int64(30), rows[1].AvailableBalanceAfter)

	assertBalance(t, svc, org.ID, -50, 0)
}

func TestCreditLedger_RequiresOrganization(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.CreditLedger(context.Background(), ledger.CreditLedgerFilter{})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// MAINTENANCE
// =============================================================================

func corrupt(t *testing.T, svc *ledger.Service, org ledger.OrganizationID) {
	t.Helper()
	err := svc.TxStore().WithinTx(context.Background(), func(st ledger.Store) error {
		if err := st.UpdateBalances(context.Background(), org, 999, 7, time.Now()); err != nil {
			return err
		}
		return st.ReplaceCreditLedger(context.Background(), org, nil)
	})
	require.NoError(t, err)
}

func TestVerifyBalances_ReportsDriftWithoutRepair(t *testing.T) {
	svc, _ := newService(t)
	a := createOrg(t, svc, ledger.StatusRegistered)
	b := createOrg(t, svc, ledger.StatusRegistered)
	adjust(t, svc, a.ID, 100)
	adjust(t, svc, b.ID, 50)

	drifts, err := svc.VerifyBalances(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drifts)

	corrupt(t, svc, b.ID)
	drifts, err = svc.VerifyBalances(context.Background())
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.Equal(t, b.ID, drifts[0].OrganizationID)
	assert.Equal(t, int64(999), drifts[0].Stored.Total)
	assert.Equal(t, int64(50), drifts[0].Projected.Total)

	recs, err := svc.Audit(context.Background(), ledger.AuditFilter{Severity: ledger.SeverityCritical})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assertBalance(t, svc, b.ID, 999, 7)
}

func TestRebuildBalances_IsIdempotent(t *testing.T) {
	svc, _ := newService(t)
	var orgs []ledger.Organization
	for i := 0; i < 5; i++ {
		org := createOrg(t, svc, ledger.StatusRegistered)
		adjust(t, svc, org.ID, int64(100*(i+1)))
		reserve(t, svc, org.ID, int64(10*(i+1)))
		orgs = append(orgs, org)
	}
	want := map[ledger.OrganizationID][]ledger.CreditLedgerRow{}
	for _, org := range orgs {
		rows, err := svc.CreditLedger(context.Background(), ledger.CreditLedgerFilter{OrganizationID: org.ID})
		require.NoError(t, err)
		want[org.ID] = rows
		corrupt(t, svc, org.ID)
	}

	for pass := 0; pass < 2; pass++ {
		require.NoError(t, svc.RebuildBalances(context.Background(), 3))
		for i, org := range orgs {
			assertBalance(t, svc, org.ID, int64(100*(i+1)), int64(10*(i+1)))
			rows, err := svc.CreditLedger(context.Background(), ledger.CreditLedgerFilter{OrganizationID: org.ID})
			require.NoError(t, err)
			assert.Equal(t, want[org.ID], rows)
		}
	}

	drifts, err := svc.VerifyBalances(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestBalanceAt(t *testing.T) {
	svc, _ := newService(t)
	org := createOrg(t, svc, ledger.StatusRegistered)
	first := adjust(t, svc, org.ID, 100)
	adjust(t, svc, org.ID, 25)

	b, err := svc.BalanceAt(context.Background(), org.ID, first.EffectiveDate)
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Total)

	_, err = svc.BalanceAt(context.Background(), 404, first.EffectiveDate)
	assert.True(t, ledger.IsNotFound(err))
}
