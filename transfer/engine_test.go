package transfer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcfs/compliance-ledger/ledger"
	"github.com/lcfs/compliance-ledger/ledger/store"
	"github.com/lcfs/compliance-ledger/transfer"
)

var (
	ctx      = context.Background()
	admin    = ledger.Actor{ID: "admin", Role: ledger.RoleAdministrator}
	analyst  = ledger.Actor{ID: "ana", Role: ledger.RoleAnalyst}
	director = ledger.Actor{ID: "dir", Role: ledger.RoleDirector}
)

type fixture struct {
	svc    *ledger.Service
	engine *transfer.Engine
	a, b   ledger.Organization
}

func supplier(org ledger.Organization) ledger.Actor {
	return ledger.Actor{ID: "user-" + org.LegalName, Role: ledger.RoleSupplier, OrganizationID: org.ID}
}

func setup(t *testing.T, balanceA int64) *fixture {
	t.Helper()
	svc := ledger.NewService(store.NewMemory())
	f := &fixture{svc: svc, engine: transfer.NewEngine(svc)}
	f.a = newOrg(t, svc, "A", ledger.StatusRegistered)
	f.b = newOrg(t, svc, "B", ledger.StatusRegistered)
	if balanceA != 0 {
		credit(t, svc, f.a.ID, balanceA)
	}
	return f
}

func newOrg(t *testing.T, svc *ledger.Service, name string, status ledger.OrganizationStatus) ledger.Organization {
	t.Helper()
	org, err := svc.CreateOrganization(ctx, admin, ledger.NewOrganization{LegalName: name, Type: ledger.TypeFuelSupplier, Status: status})
	require.NoError(t, err)
	return org
}

func credit(t *testing.T, svc *ledger.Service, org ledger.OrganizationID, units int64) {
	t.Helper()
	err := svc.Run(ctx, "test.credit", ledger.SystemActor, func(sess *ledger.Session) error {
		_, err := sess.Append(ctx, ledger.AppendInput{
			OrganizationID: org, ComplianceUnits: units, Action: ledger.ActionAdjustment,
			EffectiveDate: sess.Now(), WorkflowKind: ledger.KindAdminAdjustment, WorkflowID: "opening",
			GovernmentIssued: true,
		})
		return err
	})
	require.NoError(t, err)
}

func (f *fixture) draft(t *testing.T, qty int64) transfer.Transfer {
	t.Helper()
	tr, err := f.engine.Create(ctx, supplier(f.a), transfer.Draft{
		FromOrganizationID: f.a.ID,
		ToOrganizationID:   f.b.ID,
		Quantity:           qty,
		PricePerUnit:       decimal.RequireFromString("212.50"),
		AgreementDate:      time.Date(2024, time.June, 3, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return tr
}

func (f *fixture) move(t *testing.T, actor ledger.Actor, id string, to transfer.Status) transfer.Transfer {
	t.Helper()
	tr, err := f.engine.Transition(ctx, actor, transfer.TransitionInput{ID: id, To: to})
	require.NoError(t, err, "%s -> %s", actor, to)
	return tr
}

// toRecommended drives a fresh draft of qty units to Recommended.
func (f *fixture) toRecommended(t *testing.T, qty int64) transfer.Transfer {
	t.Helper()
	tr := f.draft(t, qty)
	f.move(t, supplier(f.a), tr.ID, transfer.StatusSent)
	f.move(t, supplier(f.b), tr.ID, transfer.StatusSubmitted)
	return f.move(t, analyst, tr.ID, transfer.StatusRecommended)
}

func (f *fixture) balance(t *testing.T, org ledger.OrganizationID) ledger.Organization {
	t.Helper()
	got, err := f.svc.Organization(ctx, org)
	require.NoError(t, err)
	return got
}

func (f *fixture) rows(t *testing.T, org ledger.OrganizationID, workflowID string) []ledger.Transaction {
	t.Helper()
	txs, err := f.svc.Transactions(ctx, org)
	require.NoError(t, err)
	var out []ledger.Transaction
	for _, tx := range txs {
		if tx.WorkflowID == workflowID {
			out = append(out, tx)
		}
	}
	return out
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestTransfer_Recorded(t *testing.T) {
	f := setup(t, 1000)
	tr := f.toRecommended(t, 300)

	sentA := f.balance(t, f.a.ID)
	assert.Equal(t, int64(1000), sentA.TotalBalance)
	assert.Equal(t, int64(300), sentA.ReservedBalance)

	tr = f.move(t, director, tr.ID, transfer.StatusRecorded)
	assert.Equal(t, transfer.StatusRecorded, tr.Status)
	assert.NotZero(t, tr.DebitTransactionID)
	assert.NotZero(t, tr.CreditTransactionID)
	assert.NotZero(t, tr.ReleasedTransactionID)

	a, b := f.balance(t, f.a.ID), f.balance(t, f.b.ID)
	assert.Equal(t, int64(700), a.TotalBalance)
	assert.Equal(t, int64(0), a.ReservedBalance)
	assert.Equal(t, int64(300), b.TotalBalance)

	rowsA := f.rows(t, f.a.ID, tr.ID)
	require.Len(t, rowsA, 3)
	assert.Equal(t, ledger.ActionReserved, rowsA[0].Action)
	assert.Equal(t, int64(-300), rowsA[0].ComplianceUnits)
	byAction := map[ledger.Action]ledger.Transaction{}
	for _, tx := range rowsA {
		byAction[tx.Action] = tx
	}
	assert.Equal(t, int64(300), byAction[ledger.ActionReleased].ComplianceUnits)
	assert.Equal(t, rowsA[0].ID, byAction[ledger.ActionReleased].ReleasesID)
	assert.Equal(t, int64(-300), byAction[ledger.ActionAdjustment].ComplianceUnits)

	rowsB := f.rows(t, f.b.ID, tr.ID)
	require.Len(t, rowsB, 1)
	assert.Equal(t, int64(300), rowsB[0].ComplianceUnits)

	// All four rows share the agreement date.
	for _, tx := range append(rowsA, rowsB...) {
		assert.True(t, tx.EffectiveDate.Equal(tr.AgreementDate), "%s", tx)
		assert.Equal(t, ledger.CompliancePeriod(2024), tx.CompliancePeriod)
	}
}

func TestTransfer_Refused(t *testing.T) {
	f := setup(t, 1000)
	tr := f.toRecommended(t, 300)
	f.move(t, director, tr.ID, transfer.StatusRefused)

	a, b := f.balance(t, f.a.ID), f.balance(t, f.b.ID)
	assert.Equal(t, int64(1000), a.TotalBalance)
	assert.Equal(t, int64(0), a.ReservedBalance)
	assert.Equal(t, int64(0), b.TotalBalance)

	rowsA := f.rows(t, f.a.ID, tr.ID)
	require.Len(t, rowsA, 2)
	assert.Equal(t, ledger.ActionReserved, rowsA[0].Action)
	assert.Equal(t, ledger.ActionReleased, rowsA[1].Action)
	assert.Equal(t, int64(300), rowsA[1].ComplianceUnits)
	assert.Empty(t, f.rows(t, f.b.ID, tr.ID))
}

func TestTransfer_ConcurrentSendsCannotDoubleSpend(t *testing.T) {
	f := setup(t, 500)
	first, second := f.draft(t, 400), f.draft(t, 400)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{first.ID, second.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.engine.Transition(ctx, supplier(f.a), transfer.TransitionInput{ID: id, To: transfer.StatusSent})
		}(i, id)
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrInsufficientBalance):
			short++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)

	a := f.balance(t, f.a.ID)
	assert.Equal(t, int64(400), a.ReservedBalance)
	assert.Equal(t, int64(100), a.Balance().Available())
}

// =============================================================================
// GUARDS
// =============================================================================

func TestTransfer_SendGuards(t *testing.T) {
	t.Run("insufficient balance", func(t *testing.T) {
		f := setup(t, 100)
		tr := f.draft(t, 101)
		_, err := f.engine.Transition(ctx, supplier(f.a), transfer.TransitionInput{ID: tr.ID, To: transfer.StatusSent})
		var ib *ledger.InsufficientBalanceError
		require.ErrorAs(t, err, &ib)
		assert.Equal(t, int64(100), ib.Available)
		assert.Equal(t, int64(101), ib.Requested)
		assert.Empty(t, f.rows(t, f.a.ID, tr.ID))
	})

	t.Run("receiver not registered", func(t *testing.T) {
		f := setup(t, 100)
		tr := f.draft(t, 10)
		_, err := f.svc.SetOrganizationStatus(ctx, admin, f.b.ID, ledger.StatusSuspended)
		require.NoError(t, err)
		_, err = f.engine.Transition(ctx, supplier(f.a), transfer.TransitionInput{ID: tr.ID, To: transfer.StatusSent})
		assert.ErrorIs(t, err, ledger.ErrOrganizationNotRegistered)
	})

	t.Run("only the sender may send", func(t *testing.T) {
		f := setup(t, 100)
		tr := f.draft(t, 10)
		_, err := f.engine.Transition(ctx, supplier(f.b), transfer.TransitionInput{ID: tr.ID, To: transfer.StatusSent})
		var te *ledger.TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "Draft", te.From)
	})

	t.Run("self transfer rejected at draft", func(t *testing.T) {
		f := setup(t, 100)
		_, err := f.engine.Create(ctx, supplier(f.a), transfer.Draft{FromOrganizationID: f.a.ID, ToOrganizationID: f.a.ID, Quantity: 1})
		assert.ErrorIs(t, err, ledger.ErrValidation)
	})
}

func TestTransfer_RecordedRechecksRegistration(t *testing.T) {
	f := setup(t, 1000)
	tr := f.toRecommended(t, 300)
	_, err := f.svc.SetOrganizationStatus(ctx, admin, f.b.ID, ledger.StatusCanceled)
	require.NoError(t, err)

	_, err = f.engine.Transition(ctx, director, transfer.TransitionInput{ID: tr.ID, To: transfer.StatusRecorded})
	assert.ErrorIs(t, err, ledger.ErrOrganizationNotRegistered)

	got, err := f.engine.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusRecommended, got.Status)
	assert.Len(t, f.rows(t, f.a.ID, tr.ID), 1, "only the hold")
}

func TestTransfer_IllegalTransitions(t *testing.T) {
	f := setup(t, 1000)
	tr := f.draft(t, 10)

	cases := []struct {
		actor ledger.Actor
		to    transfer.Status
	}{
		{director, transfer.StatusRecorded},
		{analyst, transfer.StatusRecommended},
		{supplier(f.b), transfer.StatusSubmitted},
		{supplier(f.a), transfer.StatusDraft},
	}
	for _, tc := range cases {
		_, err := f.engine.Transition(ctx, tc.actor, transfer.TransitionInput{ID: tr.ID, To: tc.to})
		assert.ErrorIs(t, err, ledger.ErrInvalidTransition, "%s -> %s", tc.actor, tc.to)
	}

	_, err := f.engine.Transition(ctx, director, transfer.TransitionInput{ID: "missing", To: transfer.StatusRecorded})
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// RESERVATION RELEASE
// =============================================================================

func TestTransfer_EveryExitReleasesTheHold(t *testing.T) {
	type step struct {
		actor func(f *fixture) ledger.Actor
		to    transfer.Status
	}
	sender := func(f *fixture) ledger.Actor { return supplier(f.a) }
	receiver := func(f *fixture) ledger.Actor { return supplier(f.b) }
	gov := func(a ledger.Actor) func(*fixture) ledger.Actor { return func(*fixture) ledger.Actor { return a } }

	paths := map[string][]step{
		"rescinded from sent":      {{sender, transfer.StatusRescinded}},
		"rescinded from submitted": {{receiver, transfer.StatusSubmitted}, {sender, transfer.StatusRescinded}},
		"declined":                 {{receiver, transfer.StatusSubmitted}, {receiver, transfer.StatusDeclined}},
		"refused": {
			{receiver, transfer.StatusSubmitted},
			{gov(analyst), transfer.StatusRecommended},
			{gov(director), transfer.StatusRefused},
		},
	}
	for name, path := range paths {
		t.Run(name, func(t *testing.T) {
			f := setup(t, 500)
			tr := f.draft(t, 200)
			f.move(t, supplier(f.a), tr.ID, transfer.StatusSent)
			for _, s := range path {
				tr = f.move(t, s.actor(f), tr.ID, s.to)
			}
			a := f.balance(t, f.a.ID)
			assert.Equal(t, int64(0), a.ReservedBalance)
			assert.Equal(t, int64(500), a.TotalBalance)
			assert.NotZero(t, tr.ReleasedTransactionID)
			assert.Len(t, f.rows(t, f.a.ID, tr.ID), 2)
		})
	}
}

func TestTransfer_DeletedDraftHasNoLedgerEffect(t *testing.T) {
	f := setup(t, 500)
	tr := f.draft(t, 200)
	f.move(t, supplier(f.a), tr.ID, transfer.StatusDeleted)
	assert.Empty(t, f.rows(t, f.a.ID, tr.ID))
}

// =============================================================================
// IDEMPOTENCY AND VERSIONING
// =============================================================================

func TestTransfer_RefiringIsNoOp(t *testing.T) {
	f := setup(t, 1000)
	tr := f.toRecommended(t, 300)
	recorded := f.move(t, director, tr.ID, transfer.StatusRecorded)
	before := len(f.rows(t, f.a.ID, tr.ID)) + len(f.rows(t, f.b.ID, tr.ID))

	again := f.move(t, director, tr.ID, transfer.StatusRecorded)
	assert.Equal(t, recorded.Version, again.Version)
	assert.Equal(t, before, len(f.rows(t, f.a.ID, tr.ID))+len(f.rows(t, f.b.ID, tr.ID)))

	// A different actor cannot use the idempotent path.
	_, err := f.engine.Transition(ctx, analyst, transfer.TransitionInput{ID: tr.ID, To: transfer.StatusRecorded})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestTransfer_ExpectedVersion(t *testing.T) {
	f := setup(t, 1000)
	tr := f.draft(t, 10)
	stale := tr.Version

	_, err := f.engine.Update(ctx, supplier(f.a), tr.ID, transfer.Draft{
		FromOrganizationID: f.a.ID, ToOrganizationID: f.b.ID, Quantity: 20,
	}, tr.Version)
	require.NoError(t, err)

	_, err = f.engine.Transition(ctx, supplier(f.a), transfer.TransitionInput{ID: tr.ID, To: transfer.StatusSent, ExpectedVersion: &stale})
	var ce *ledger.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Draft", ce.ActualStatus)
	assert.Equal(t, stale+1, ce.ActualVersion)
	assert.ErrorIs(t, err, ledger.ErrStaleVersion)
}

func TestTransfer_UpdateOnlyInDraft(t *testing.T) {
	f := setup(t, 1000)
	tr := f.draft(t, 10)
	updated, err := f.engine.Update(ctx, supplier(f.a), tr.ID, transfer.Draft{
		FromOrganizationID: f.a.ID, ToOrganizationID: f.b.ID, Quantity: 25, PricePerUnit: decimal.NewFromInt(3),
	}, tr.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(25), updated.Quantity)
	assert.True(t, decimal.NewFromInt(75).Equal(updated.TotalValue()))
	assert.True(t, updated.AgreementDate.Equal(tr.CreatedAt), "a cleared date falls back to the creation date")

	sent := f.move(t, supplier(f.a), tr.ID, transfer.StatusSent)
	_, err = f.engine.Update(ctx, supplier(f.a), tr.ID, transfer.Draft{
		FromOrganizationID: f.a.ID, ToOrganizationID: f.b.ID, Quantity: 1,
	}, sent.Version)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

// =============================================================================
// EVENTS AND HISTORY
// =============================================================================

func TestTransfer_TerminalTransitionsPublish(t *testing.T) {
	f := setup(t, 1000)
	tr := f.toRecommended(t, 300)
	f.move(t, director, tr.ID, transfer.StatusRecorded)

	var pending []ledger.OutboxEntry
	err := f.svc.View(ctx, func(st ledger.Store) error {
		var err error
		pending, err = st.PendingEvents(ctx, 0)
		return err
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	ev := pending[0].Event
	assert.Equal(t, ledger.KindTransfer, ev.WorkflowType)
	assert.Equal(t, "Recommended", ev.FromState)
	assert.Equal(t, "Recorded", ev.ToState)
	assert.Equal(t, director.ID, ev.Actor)
	assert.Equal(t, []ledger.OrganizationID{f.a.ID, f.b.ID}, ev.AffectedOrganizationIDs)

	history, err := f.engine.History(ctx, tr.ID)
	require.NoError(t, err)
	var statuses []string
	for _, h := range history {
		statuses = append(statuses, h.ToStatus)
	}
	assert.Equal(t, []string{"Draft", "Sent", "Submitted", "Recommended", "Recorded"}, statuses)

	list, err := f.engine.List(ctx, transfer.Filter{OrganizationID: f.b.ID, Statuses: []transfer.Status{transfer.StatusRecorded}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, tr.ID, list[0].ID)
}
