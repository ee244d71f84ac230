package initiative_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcfs/compliance-ledger/initiative"
	"github.com/lcfs/compliance-ledger/ledger"
	"github.com/lcfs/compliance-ledger/ledger/store"
)

var (
	ctx      = context.Background()
	admin    = ledger.Actor{ID: "admin", Role: ledger.RoleAdministrator}
	analyst  = ledger.Actor{ID: "ana", Role: ledger.RoleAnalyst}
	director = ledger.Actor{ID: "dir", Role: ledger.RoleDirector}
)

func setup(t *testing.T, status ledger.OrganizationStatus) (*ledger.Service, *initiative.Engine, ledger.Organization) {
	t.Helper()
	svc := ledger.NewService(store.NewMemory())
	org, err := svc.CreateOrganization(ctx, admin, ledger.NewOrganization{LegalName: "Biofuel Co", Type: ledger.TypeInitiative, Status: status})
	require.NoError(t, err)
	return svc, initiative.NewEngine(svc), org
}

func TestInitiative_Approved(t *testing.T) {
	svc, engine, org := setup(t, ledger.StatusRegistered)
	effective := time.Date(2023, time.November, 15, 0, 0, 0, 0, time.UTC)

	a, err := engine.Create(ctx, analyst, initiative.Draft{ToOrganizationID: org.ID, ComplianceUnits: 250, EffectiveDate: effective})
	require.NoError(t, err)
	assert.Equal(t, initiative.StatusDraft, a.Status)

	_, err = engine.Transition(ctx, analyst, initiative.TransitionInput{ID: a.ID, To: initiative.StatusRecommended})
	require.NoError(t, err)
	a, err = engine.Transition(ctx, director, initiative.TransitionInput{ID: a.ID, To: initiative.StatusApproved})
	require.NoError(t, err)
	assert.NotZero(t, a.AdjustmentTransactionID)

	b, err := svc.Balance(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(250), b.Total)

	txs, err := svc.Transactions(ctx, org.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].EffectiveDate.Equal(effective))
	assert.Equal(t, ledger.CompliancePeriod(2023), txs[0].CompliancePeriod)

	// Approved is terminal; re-approving is a no-op.
	again, err := engine.Transition(ctx, director, initiative.TransitionInput{ID: a.ID, To: initiative.StatusApproved})
	require.NoError(t, err)
	assert.Equal(t, a.Version, again.Version)
	_, err = engine.Transition(ctx, analyst, initiative.TransitionInput{ID: a.ID, To: initiative.StatusDeleted})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	txs, err = svc.Transactions(ctx, org.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestInitiative_Guards(t *testing.T) {
	_, engine, org := setup(t, ledger.StatusRegistered)

	_, err := engine.Create(ctx, analyst, initiative.Draft{ToOrganizationID: org.ID, ComplianceUnits: 0})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = engine.Create(ctx, director, initiative.Draft{ToOrganizationID: org.ID, ComplianceUnits: 5})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	a, err := engine.Create(ctx, analyst, initiative.Draft{ToOrganizationID: org.ID, ComplianceUnits: 5})
	require.NoError(t, err)
	_, err = engine.Transition(ctx, director, initiative.TransitionInput{ID: a.ID, To: initiative.StatusApproved})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition, "approval needs a recommendation first")
	_, err = engine.Transition(ctx, analyst, initiative.TransitionInput{ID: a.ID, To: initiative.StatusApproved})
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestInitiative_UnregisteredRecipient(t *testing.T) {
	svc, engine, org := setup(t, ledger.StatusRegistered)
	a, err := engine.Create(ctx, analyst, initiative.Draft{ToOrganizationID: org.ID, ComplianceUnits: 5})
	require.NoError(t, err)
	_, err = engine.Transition(ctx, analyst, initiative.TransitionInput{ID: a.ID, To: initiative.StatusRecommended})
	require.NoError(t, err)

	_, err = svc.SetOrganizationStatus(ctx, admin, org.ID, ledger.StatusSuspended)
	require.NoError(t, err)
	_, err = engine.Transition(ctx, director, initiative.TransitionInput{ID: a.ID, To: initiative.StatusApproved})
	assert.ErrorIs(t, err, ledger.ErrOrganizationNotRegistered)

	got, err := engine.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, initiative.StatusRecommended, got.Status)
}

func TestInitiative_ReturnAndDelete(t *testing.T) {
	svc, engine, org := setup(t, ledger.StatusRegistered)
	a, err := engine.Create(ctx, analyst, initiative.Draft{ToOrganizationID: org.ID, ComplianceUnits: 5})
	require.NoError(t, err)

	for _, step := range []struct {
		actor ledger.Actor
		to    initiative.Status
	}{
		{analyst, initiative.StatusRecommended},
		{director, initiative.StatusDraft},
		{analyst, initiative.StatusDeleted},
	} {
		a, err = engine.Transition(ctx, step.actor, initiative.TransitionInput{ID: a.ID, To: step.to})
		require.NoError(t, err)
	}
	assert.Equal(t, initiative.StatusDeleted, a.Status)

	txs, err := svc.Transactions(ctx, org.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)

	history, err := engine.History(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, history, 4)

	list, err := engine.List(ctx, initiative.Filter{Statuses: []initiative.Status{initiative.StatusDeleted}})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestInitiative_UpdateDraft(t *testing.T) {
	_, engine, org := setup(t, ledger.StatusRegistered)
	a, err := engine.Create(ctx, analyst, initiative.Draft{ToOrganizationID: org.ID, ComplianceUnits: 5})
	require.NoError(t, err)

	a, err = engine.Update(ctx, analyst, a.ID, initiative.Draft{ToOrganizationID: org.ID, ComplianceUnits: 9}, a.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(9), a.ComplianceUnits)
	assert.Equal(t, 2, a.Version)

	_, err = engine.Update(ctx, analyst, a.ID, initiative.Draft{ToOrganizationID: org.ID, ComplianceUnits: 10}, 1)
	assert.ErrorIs(t, err, ledger.ErrStaleVersion)
}
