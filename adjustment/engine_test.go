package adjustment_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcfs/compliance-ledger/adjustment"
	"github.com/lcfs/compliance-ledger/ledger"
	"github.com/lcfs/compliance-ledger/ledger/store"
)

var (
	ctx      = context.Background()
	admin    = ledger.Actor{ID: "admin", Role: ledger.RoleAdministrator}
	analyst  = ledger.Actor{ID: "ana", Role: ledger.RoleAnalyst}
	director = ledger.Actor{ID: "dir", Role: ledger.RoleDirector}
)

func approve(t *testing.T, engine *adjustment.Engine, org ledger.OrganizationID, units int64) adjustment.Adjustment {
	t.Helper()
	a, err := engine.Create(ctx, analyst, adjustment.Draft{ToOrganizationID: org, ComplianceUnits: units})
	require.NoError(t, err)
	_, err = engine.Transition(ctx, analyst, adjustment.TransitionInput{ID: a.ID, To: adjustment.StatusRecommended})
	require.NoError(t, err)
	a, err = engine.Transition(ctx, director, adjustment.TransitionInput{ID: a.ID, To: adjustment.StatusApproved})
	require.NoError(t, err)
	return a
}

// GIVEN an organization with no units
// WHEN a negative adjustment is approved
// THEN its total balance goes below zero without a guard failure
func TestAdjustment_DebitBelowZero(t *testing.T) {
	svc := ledger.NewService(store.NewMemory())
	engine := adjustment.NewEngine(svc)
	org, err := svc.CreateOrganization(ctx, admin, ledger.NewOrganization{LegalName: "B", Type: ledger.TypeFuelSupplier, Status: ledger.StatusRegistered})
	require.NoError(t, err)

	a := approve(t, engine, org.ID, -50)
	assert.Equal(t, adjustment.StatusApproved, a.Status)

	got, err := svc.Organization(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-50), got.TotalBalance)
	assert.Equal(t, int64(0), got.ReservedBalance)

	rows, err := svc.CreditLedger(ctx, ledger.CreditLedgerFilter{OrganizationID: org.ID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(-50), rows[0].ComplianceUnits)
	assert.Equal(t, int64(0), rows[0].AvailableBalanceAfter, "presented clamped")
}

func TestAdjustment_ReachesUnregisteredOrganization(t *testing.T) {
	svc := ledger.NewService(store.NewMemory())
	engine := adjustment.NewEngine(svc)
	org, err := svc.CreateOrganization(ctx, admin, ledger.NewOrganization{LegalName: "New Co", Type: ledger.TypeFuelSupplier})
	require.NoError(t, err)
	require.Equal(t, ledger.StatusUnregistered, org.Status)

	approve(t, engine, org.ID, 75)
	b, err := svc.Balance(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(75), b.Total)
}

func TestAdjustment_ValidationAndRoles(t *testing.T) {
	svc := ledger.NewService(store.NewMemory())
	engine := adjustment.NewEngine(svc)
	org, err := svc.CreateOrganization(ctx, admin, ledger.NewOrganization{LegalName: "B", Type: ledger.TypeFuelSupplier, Status: ledger.StatusRegistered})
	require.NoError(t, err)

	_, err = engine.Create(ctx, analyst, adjustment.Draft{ToOrganizationID: org.ID})
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = engine.Create(ctx, analyst, adjustment.Draft{ToOrganizationID: 404, ComplianceUnits: 1})
	assert.True(t, ledger.IsNotFound(err))

	a, err := engine.Create(ctx, analyst, adjustment.Draft{ToOrganizationID: org.ID, ComplianceUnits: 10})
	require.NoError(t, err)
	_, err = engine.Transition(ctx, director, adjustment.TransitionInput{ID: a.ID, To: adjustment.StatusRecommended})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	a, err = engine.Update(ctx, analyst, a.ID, adjustment.Draft{ToOrganizationID: org.ID, ComplianceUnits: -10}, a.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(-10), a.ComplianceUnits)
}

func TestAdjustment_RefireApprovedIsNoOp(t *testing.T) {
	svc := ledger.NewService(store.NewMemory())
	engine := adjustment.NewEngine(svc)
	org, err := svc.CreateOrganization(ctx, admin, ledger.NewOrganization{LegalName: "B", Type: ledger.TypeFuelSupplier, Status: ledger.StatusRegistered})
	require.NoError(t, err)
	a := approve(t, engine, org.ID, 20)

	stale := 1
	again, err := engine.Transition(ctx, director, adjustment.TransitionInput{ID: a.ID, To: adjustment.StatusApproved, ExpectedVersion: &stale})
	require.NoError(t, err, "a duplicate request carries the version it was built from")
	assert.Equal(t, a.Version, again.Version)

	txs, err := svc.Transactions(ctx, org.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}
