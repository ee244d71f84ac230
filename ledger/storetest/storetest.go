// Package storetest holds the conformance suite every ledger.TxStore runs.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcfs/compliance-ledger/ledger"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) ledger.TxStore

var base = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Organizations", func(t *testing.T) { testOrganizations(t, newStore(t)) })
	t.Run("TransactionsAppendOnly", func(t *testing.T) { testTransactions(t, newStore(t)) })
	t.Run("LogOrderIsInsertOrder", func(t *testing.T) { testLogOrder(t, newStore(t)) })
	t.Run("ReleaseUniqueness", func(t *testing.T) { testReleaseUniqueness(t, newStore(t)) })
	t.Run("WorkflowVersioning", func(t *testing.T) { testWorkflows(t, newStore(t)) })
	t.Run("GroupVersionUnique", func(t *testing.T) { testGroupVersionUnique(t, newStore(t)) })
	t.Run("WorkflowFilter", func(t *testing.T) { testWorkflowFilter(t, newStore(t)) })
	t.Run("CreditLedger", func(t *testing.T) { testCreditLedger(t, newStore(t)) })
	t.Run("Journal", func(t *testing.T) { testJournal(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("ConcurrentUnitsOfWork", func(t *testing.T) { testConcurrent(t, newStore(t)) })
}

func within(t *testing.T, s ledger.TxStore, fn func(st ledger.Store) error) {
	t.Helper()
	require.NoError(t, s.WithinTx(context.Background(), fn))
}

func createOrg(t *testing.T, s ledger.TxStore, id ledger.OrganizationID, status ledger.OrganizationStatus) ledger.Organization {
	t.Helper()
	var org ledger.Organization
	within(t, s, func(st ledger.Store) error {
		var err error
		org, err = st.CreateOrganization(context.Background(), ledger.Organization{
			ID:        id,
			LegalName: "Org",
			Status:    status,
			Type:      ledger.TypeFuelSupplier,
			CreatedAt: base,
			UpdatedAt: base,
		})
		return err
	})
	return org
}

func insertTx(t *testing.T, st ledger.Store, tx ledger.Transaction) ledger.Transaction {
	t.Helper()
	if tx.WorkflowKind == "" {
		tx.WorkflowKind = ledger.KindAdminAdjustment
		tx.WorkflowID = "wf"
	}
	if tx.EffectiveDate.IsZero() {
		tx.EffectiveDate = base
	}
	if tx.CreateDate.IsZero() {
		tx.CreateDate = base
	}
	if tx.CompliancePeriod == 0 {
		tx.CompliancePeriod = 2024
	}
	out, err := st.InsertTransaction(context.Background(), tx)
	require.NoError(t, err)
	return out
}

// =============================================================================
// ORGANIZATIONS
// =============================================================================

func testOrganizations(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	a := createOrg(t, s, 0, ledger.StatusRegistered)
	b := createOrg(t, s, 0, ledger.StatusUnregistered)
	gov := createOrg(t, s, 100, ledger.StatusRegistered)
	assert.NotZero(t, a.ID)
	assert.Greater(t, b.ID, a.ID)
	assert.Equal(t, ledger.OrganizationID(100), gov.ID)

	within(t, s, func(st ledger.Store) error {
		orgs, err := st.ListOrganizations(ctx)
		require.NoError(t, err)
		require.Len(t, orgs, 3)
		assert.Equal(t, a.ID, orgs[0].ID)
		assert.Equal(t, gov.ID, orgs[2].ID)

		require.NoError(t, st.UpdateOrganizationStatus(ctx, b.ID, ledger.StatusRegistered, base.Add(time.Hour)))
		require.NoError(t, st.UpdateBalances(ctx, a.ID, 500, 200, base.Add(time.Hour)))
		require.NoError(t, st.LockOrganizations(ctx, []ledger.OrganizationID{a.ID, b.ID}))
		return nil
	})

	within(t, s, func(st ledger.Store) error {
		got, err := st.GetOrganization(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(500), got.TotalBalance)
		assert.Equal(t, int64(200), got.ReservedBalance)
		assert.Equal(t, int64(300), got.Balance().Available())

		got, err = st.GetOrganization(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusRegistered, got.Status)

		_, err = st.GetOrganization(ctx, 9999)
		assert.True(t, ledger.IsNotFound(err), "want not found, got %v", err)
		return nil
	})
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testTransactions(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	org := createOrg(t, s, 0, ledger.StatusRegistered)
	other := createOrg(t, s, 0, ledger.StatusRegistered)

	var first, second ledger.Transaction
	within(t, s, func(st ledger.Store) error {
		first = insertTx(t, st, ledger.Transaction{OrganizationID: org.ID, ComplianceUnits: 100, Action: ledger.ActionAdjustment, CreateDate: base})
		insertTx(t, st, ledger.Transaction{OrganizationID: other.ID, ComplianceUnits: 7, Action: ledger.ActionAdjustment, CreateDate: base})
		second = insertTx(t, st, ledger.Transaction{OrganizationID: org.ID, ComplianceUnits: -40, Action: ledger.ActionReserved, CreateDate: base.Add(time.Minute)})
		return nil
	})
	assert.Greater(t, second.ID, first.ID, "ids increase with insert order")

	within(t, s, func(st ledger.Store) error {
		got, err := st.GetTransaction(ctx, second.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.ActionReserved, got.Action)
		assert.Equal(t, int64(-40), got.ComplianceUnits)
		assert.Equal(t, ledger.CompliancePeriod(2024), got.CompliancePeriod)
		assert.True(t, got.EffectiveDate.Equal(base))

		txs, err := st.LoadTransactions(ctx, org.ID)
		require.NoError(t, err)
		require.Len(t, txs, 2)
		assert.Equal(t, first.ID, txs[0].ID)
		assert.Equal(t, second.ID, txs[1].ID)

		_, err = st.GetTransaction(ctx, 424242)
		assert.True(t, ledger.IsNotFound(err))
		return nil
	})
}

// testLogOrder inserts a row stamped earlier than the row before it, as a
// writer that read the clock before waiting on a lock would. The log still
// lists rows in insert order.
func testLogOrder(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	org := createOrg(t, s, 0, ledger.StatusRegistered)

	var committedFirst, committedSecond ledger.Transaction
	within(t, s, func(st ledger.Store) error {
		committedFirst = insertTx(t, st, ledger.Transaction{OrganizationID: org.ID, ComplianceUnits: 100, Action: ledger.ActionAdjustment, CreateDate: base.Add(time.Hour)})
		return nil
	})
	within(t, s, func(st ledger.Store) error {
		committedSecond = insertTx(t, st, ledger.Transaction{OrganizationID: org.ID, ComplianceUnits: -30, Action: ledger.ActionAdjustment, CreateDate: base})
		return nil
	})

	within(t, s, func(st ledger.Store) error {
		txs, err := st.LoadTransactions(ctx, org.ID)
		require.NoError(t, err)
		require.Len(t, txs, 2)
		assert.Equal(t, committedFirst.ID, txs[0].ID)
		assert.Equal(t, committedSecond.ID, txs[1].ID)

		rows := ledger.BuildCreditLedger(org.ID, txs)
		require.Len(t, rows, 2)
		assert.Equal(t, committedFirst.ID, rows[0].TransactionID)
		assert.Equal(t, int64(100), rows[0].AvailableBalanceAfter)
		assert.Equal(t, int64(70), rows[1].AvailableBalanceAfter)
		return nil
	})
}

func testReleaseUniqueness(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	org := createOrg(t, s, 0, ledger.StatusRegistered)

	var reserved ledger.Transaction
	within(t, s, func(st ledger.Store) error {
		reserved = insertTx(t, st, ledger.Transaction{OrganizationID: org.ID, ComplianceUnits: -10, Action: ledger.ActionReserved})
		_, ok, err := st.FindRelease(ctx, reserved.ID)
		require.NoError(t, err)
		assert.False(t, ok)
		insertTx(t, st, ledger.Transaction{OrganizationID: org.ID, ComplianceUnits: 10, Action: ledger.ActionReleased, ReleasesID: reserved.ID})
		return nil
	})

	err := s.WithinTx(ctx, func(st ledger.Store) error {
		_, err := st.InsertTransaction(ctx, ledger.Transaction{
			OrganizationID: org.ID, ComplianceUnits: 10, Action: ledger.ActionReleased, ReleasesID: reserved.ID,
			WorkflowKind: ledger.KindTransfer, WorkflowID: "wf", CompliancePeriod: 2024, EffectiveDate: base, CreateDate: base,
		})
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrAlreadyReleased)

	within(t, s, func(st ledger.Store) error {
		rel, ok, err := st.FindRelease(ctx, reserved.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, reserved.ID, rel.ReleasesID)
		assert.Equal(t, int64(10), rel.ComplianceUnits)
		return nil
	})
}

// =============================================================================
// WORKFLOWS
// =============================================================================

func record(kind ledger.WorkflowKind, id string, org ledger.OrganizationID, status string) ledger.WorkflowRecord {
	return ledger.WorkflowRecord{
		Kind:             kind,
		ID:               id,
		Status:           status,
		Version:          1,
		OrganizationID:   org,
		CompliancePeriod: 2024,
		Payload:          json.RawMessage(`{"units":10}`),
		CreatedAt:        base,
		UpdatedAt:        base,
	}
}

func testWorkflows(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	org := createOrg(t, s, 0, ledger.StatusRegistered)
	rec := record(ledger.KindTransfer, "t-1", org.ID, "Draft")

	within(t, s, func(st ledger.Store) error {
		require.NoError(t, st.InsertWorkflow(ctx, rec))
		return st.AppendHistory(ctx, ledger.HistoryEntry{Kind: rec.Kind, WorkflowID: rec.ID, ToStatus: "Draft", ActorID: "u1", At: base})
	})

	next := rec
	next.Status = "Sent"
	next.Version = 2
	next.Payload = json.RawMessage(`{"units":20}`)
	within(t, s, func(st ledger.Store) error {
		require.NoError(t, st.UpdateWorkflow(ctx, next, 1))
		return st.AppendHistory(ctx, ledger.HistoryEntry{Kind: rec.Kind, WorkflowID: rec.ID, FromStatus: "Draft", ToStatus: "Sent", ActorID: "u1", At: base.Add(time.Minute)})
	})

	err := s.WithinTx(ctx, func(st ledger.Store) error {
		return st.UpdateWorkflow(ctx, next, 1)
	})
	require.ErrorIs(t, err, ledger.ErrStaleVersion)
	var conflict *ledger.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 2, conflict.ActualVersion)
	assert.Equal(t, "Sent", conflict.ActualStatus)

	within(t, s, func(st ledger.Store) error {
		got, err := st.GetWorkflow(ctx, ledger.KindTransfer, "t-1")
		require.NoError(t, err)
		assert.Equal(t, "Sent", got.Status)
		assert.Equal(t, 2, got.Version)
		assert.JSONEq(t, `{"units":20}`, string(got.Payload))

		_, err = st.GetWorkflow(ctx, ledger.KindInitiativeAgreement, "t-1")
		assert.True(t, ledger.IsNotFound(err), "kind is part of the key")

		hist, err := st.History(ctx, ledger.KindTransfer, "t-1")
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, "Draft", hist[1].FromStatus)
		assert.Equal(t, "Sent", hist[1].ToStatus)
		return nil
	})
}

func testGroupVersionUnique(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	org := createOrg(t, s, 0, ledger.StatusRegistered)

	v1 := record(ledger.KindComplianceReport, "r-1", org.ID, "Assessed")
	v1.GroupID, v1.GroupVersion = "g-1", 1
	v2 := record(ledger.KindComplianceReport, "r-2", org.ID, "Draft")
	v2.GroupID, v2.GroupVersion = "g-1", 2
	within(t, s, func(st ledger.Store) error {
		require.NoError(t, st.InsertWorkflow(ctx, v1))
		return st.InsertWorkflow(ctx, v2)
	})

	dup := record(ledger.KindComplianceReport, "r-3", org.ID, "Draft")
	dup.GroupID, dup.GroupVersion = "g-1", 2
	err := s.WithinTx(ctx, func(st ledger.Store) error {
		return st.InsertWorkflow(ctx, dup)
	})
	assert.ErrorIs(t, err, ledger.ErrStaleVersion)

	// Ungrouped workflows share the zero group freely.
	within(t, s, func(st ledger.Store) error {
		require.NoError(t, st.InsertWorkflow(ctx, record(ledger.KindTransfer, "t-1", org.ID, "Draft")))
		return st.InsertWorkflow(ctx, record(ledger.KindTransfer, "t-2", org.ID, "Draft"))
	})

	within(t, s, func(st ledger.Store) error {
		got, err := st.FindWorkflows(ctx, ledger.WorkflowFilter{Kind: ledger.KindComplianceReport, GroupID: "g-1"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
		return nil
	})
}

func testWorkflowFilter(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	a := createOrg(t, s, 0, ledger.StatusRegistered)
	b := createOrg(t, s, 0, ledger.StatusRegistered)

	within(t, s, func(st ledger.Store) error {
		r1 := record(ledger.KindComplianceReport, "r-1", a.ID, "Assessed")
		r1.GroupID = "g-1"
		r2 := record(ledger.KindComplianceReport, "r-2", a.ID, "Draft")
		r2.GroupID = "g-1"
		r2.GroupVersion = 1
		r2.CreatedAt = base.Add(time.Hour)
		r3 := record(ledger.KindComplianceReport, "r-3", b.ID, "Assessed")
		r3.CompliancePeriod = 2023
		tr := record(ledger.KindTransfer, "t-1", a.ID, "Sent")
		tr.CounterpartyID = b.ID
		for _, r := range []ledger.WorkflowRecord{r1, r2, r3, tr} {
			require.NoError(t, st.InsertWorkflow(ctx, r))
		}
		return nil
	})

	within(t, s, func(st ledger.Store) error {
		got, err := st.FindWorkflows(ctx, ledger.WorkflowFilter{Kind: ledger.KindComplianceReport, OrganizationID: a.ID})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "r-1", got[0].ID)
		assert.Equal(t, "r-2", got[1].ID)

		got, err = st.FindWorkflows(ctx, ledger.WorkflowFilter{Kind: ledger.KindComplianceReport, Statuses: []string{"Assessed"}, ExcludeIDs: []string{"r-1"}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "r-3", got[0].ID)

		got, err = st.FindWorkflows(ctx, ledger.WorkflowFilter{GroupID: "g-1"})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = st.FindWorkflows(ctx, ledger.WorkflowFilter{OrganizationID: b.ID})
		require.NoError(t, err)
		assert.Len(t, got, 2, "counterparty matches")

		got, err = st.FindWorkflows(ctx, ledger.WorkflowFilter{CompliancePeriod: 2023})
		require.NoError(t, err)
		assert.Len(t, got, 1)
		return nil
	})
}

// =============================================================================
// CREDIT LEDGER
// =============================================================================

func testCreditLedger(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	org := createOrg(t, s, 0, ledger.StatusRegistered)

	rows := []ledger.CreditLedgerRow{
		{TransactionID: 1, TransactionType: ledger.KindComplianceReport, Action: ledger.ActionAdjustment, CompliancePeriod: 2023, OrganizationID: org.ID, ComplianceUnits: 100, AvailableBalanceAfter: 100, UpdateDate: base},
		{TransactionID: 2, TransactionType: ledger.KindTransfer, Action: ledger.ActionReserved, CompliancePeriod: 2024, OrganizationID: org.ID, ComplianceUnits: -30, AvailableBalanceAfter: 70, UpdateDate: base.Add(time.Hour)},
		{TransactionID: 3, TransactionType: ledger.KindAdminAdjustment, Action: ledger.ActionAdjustment, CompliancePeriod: 2024, OrganizationID: org.ID, ComplianceUnits: -200, AvailableBalanceAfter: -130, UpdateDate: base.Add(2 * time.Hour)},
	}
	within(t, s, func(st ledger.Store) error {
		require.NoError(t, st.ReplaceCreditLedger(ctx, org.ID, rows[:1]))
		return st.ReplaceCreditLedger(ctx, org.ID, rows)
	})

	within(t, s, func(st ledger.Store) error {
		got, err := st.CreditLedger(ctx, ledger.CreditLedgerFilter{OrganizationID: org.ID})
		require.NoError(t, err)
		require.Len(t, got, 3, "replace swaps all rows")
		assert.Equal(t, ledger.TransactionID(3), got[0].TransactionID, "newest first by default")
		assert.Equal(t, int64(-130), got[0].AvailableBalanceAfter, "stored unclamped")

		got, err = st.CreditLedger(ctx, ledger.CreditLedgerFilter{OrganizationID: org.ID, Ascending: true, CompliancePeriod: 2024})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, ledger.TransactionID(2), got[0].TransactionID)

		got, err = st.CreditLedger(ctx, ledger.CreditLedgerFilter{OrganizationID: org.ID, Ascending: true, Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ledger.TransactionID(2), got[0].TransactionID)
		return nil
	})
}

// =============================================================================
// JOURNAL
// =============================================================================

func testJournal(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	within(t, s, func(st ledger.Store) error {
		require.NoError(t, st.AppendAudit(ctx, ledger.AuditRecord{
			ID: "a-1", Table: ledger.TableTransaction, Operation: ledger.AuditInsert, RowID: "1",
			NewValues: map[string]any{"compliance_units": float64(5)}, ActorID: "u1", Severity: ledger.SeverityInfo, CreatedAt: base,
		}))
		require.NoError(t, st.AppendAudit(ctx, ledger.AuditRecord{
			ID: "a-2", Table: ledger.TableOrganization, Operation: ledger.AuditUpdate, RowID: "7",
			OldValues: map[string]any{"total_balance": float64(1)}, NewValues: map[string]any{"total_balance": float64(2)},
			Delta: map[string]any{"total_balance": float64(2)}, ActorID: "system", Severity: ledger.SeverityCritical, CreatedAt: base,
		}))
		for _, id := range []string{"e-1", "e-2", "e-3"} {
			require.NoError(t, st.EnqueueEvent(ctx, ledger.OutboxEntry{
				Event:     ledger.Event{ID: id, WorkflowType: ledger.KindTransfer, WorkflowID: "t", FromState: "Recommended", ToState: "Recorded", Actor: "d", AffectedOrganizationIDs: []ledger.OrganizationID{1, 2}, OccurredAt: base},
				CreatedAt: base,
			}))
		}
		return nil
	})

	within(t, s, func(st ledger.Store) error {
		recs, err := st.ListAudit(ctx, ledger.AuditFilter{Severity: ledger.SeverityCritical})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "7", recs[0].RowID)
		assert.Equal(t, float64(2), recs[0].Delta["total_balance"])

		pending, err := st.PendingEvents(ctx, 2)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "e-1", pending[0].Event.ID)
		assert.Equal(t, []ledger.OrganizationID{1, 2}, pending[0].Event.AffectedOrganizationIDs)

		require.NoError(t, st.MarkPublished(ctx, []string{"e-1", "e-2"}, base.Add(time.Minute)))
		return st.MarkFailed(ctx, []string{"e-3"}, "broker down")
	})

	within(t, s, func(st ledger.Store) error {
		pending, err := st.PendingEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "e-3", pending[0].Event.ID)
		assert.Equal(t, 1, pending[0].Attempts)
		assert.Equal(t, "broker down", pending[0].LastError)
		return nil
	})
}

// =============================================================================
// ATOMICITY
// =============================================================================

func testRollback(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	org := createOrg(t, s, 0, ledger.StatusRegistered)
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(st ledger.Store) error {
		insertTx(t, st, ledger.Transaction{OrganizationID: org.ID, ComplianceUnits: 50, Action: ledger.ActionAdjustment})
		require.NoError(t, st.UpdateBalances(ctx, org.ID, 50, 0, base))
		require.NoError(t, st.InsertWorkflow(ctx, record(ledger.KindAdminAdjustment, "aa-1", org.ID, "Approved")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	within(t, s, func(st ledger.Store) error {
		txs, err := st.LoadTransactions(ctx, org.ID)
		require.NoError(t, err)
		assert.Empty(t, txs)
		got, err := st.GetOrganization(ctx, org.ID)
		require.NoError(t, err)
		assert.Zero(t, got.TotalBalance)
		_, err = st.GetWorkflow(ctx, ledger.KindAdminAdjustment, "aa-1")
		assert.True(t, ledger.IsNotFound(err))
		return nil
	})
}

func testConcurrent(t *testing.T, s ledger.TxStore) {
	ctx := context.Background()
	org := createOrg(t, s, 0, ledger.StatusRegistered)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.WithinTx(ctx, func(st ledger.Store) error {
				if err := st.LockOrganizations(ctx, []ledger.OrganizationID{org.ID}); err != nil {
					return err
				}
				cur, err := st.GetOrganization(ctx, org.ID)
				if err != nil {
					return err
				}
				_, err = st.InsertTransaction(ctx, ledger.Transaction{
					OrganizationID: org.ID, ComplianceUnits: 1, Action: ledger.ActionAdjustment,
					WorkflowKind: ledger.KindAdminAdjustment, WorkflowID: "wf", CompliancePeriod: 2024,
					EffectiveDate: base, CreateDate: base,
				})
				if err != nil {
					return err
				}
				return st.UpdateBalances(ctx, org.ID, cur.TotalBalance+1, 0, base)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	within(t, s, func(st ledger.Store) error {
		got, err := st.GetOrganization(ctx, org.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(workers), got.TotalBalance, "locked read-modify-write never loses an update")
		txs, err := st.LoadTransactions(ctx, org.ID)
		require.NoError(t, err)
		assert.Len(t, txs, workers)
		return nil
	})
}
