package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcfs/compliance-ledger/ledger"
	"github.com/lcfs/compliance-ledger/ledger/store"
)

// stepClock advances one second on every reading so each unit of work gets
// a distinct timestamp.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

var admin = ledger.Actor{ID: "admin", Role: ledger.RoleAdministrator}

func newService(t *testing.T) (*ledger.Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	clock := &stepClock{t: time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)}
	return ledger.NewService(mem, ledger.WithClock(clock.Now)), mem
}

func createOrg(t *testing.T, svc *ledger.Service, status ledger.OrganizationStatus) ledger.Organization {
	t.Helper()
	org, err := svc.CreateOrganization(context.Background(), admin, ledger.NewOrganization{
		LegalName: "Fuel Co",
		Type:      ledger.TypeFuelSupplier,
		Status:    status,
	})
	require.NoError(t, err)
	return org
}

func adjust(t *testing.T, svc *ledger.Service, org ledger.OrganizationID, units int64) ledger.Transaction {
	t.Helper()
	var tx ledger.Transaction
	err := svc.Run(context.Background(), "test.adjust", ledger.SystemActor, func(sess *ledger.Session) error {
		var err error
		tx, err = sess.Append(context.Background(), ledger.AppendInput{
			OrganizationID:   org,
			ComplianceUnits:  units,
			Action:           ledger.ActionAdjustment,
			EffectiveDate:    sess.Now(),
			WorkflowKind:     ledger.KindAdminAdjustment,
			WorkflowID:       "test",
			GovernmentIssued: true,
		})
		return err
	})
	require.NoError(t, err)
	return tx
}

func reserve(t *testing.T, svc *ledger.Service, org ledger.OrganizationID, units int64) ledger.Transaction {
	t.Helper()
	var tx ledger.Transaction
	err := svc.Run(context.Background(), "test.reserve", ledger.SystemActor, func(sess *ledger.Session) error {
		var err error
		tx, err = sess.Append(context.Background(), ledger.AppendInput{
			OrganizationID:  org,
			ComplianceUnits: -units,
			Action:          ledger.ActionReserved,
			EffectiveDate:   sess.Now(),
			WorkflowKind:    ledger.KindTransfer,
			WorkflowID:      "t-1",
		})
		return err
	})
	require.NoError(t, err)
	return tx
}

func assertBalance(t *testing.T, svc *ledger.Service, org ledger.OrganizationID, total, reserved int64) {
	t.Helper()
	b, err := svc.Balance(context.Background(), org)
	require.NoError(t, err)
	assert.Equal(t, total, b.Total, "total balance")
	assert.Equal(t, reserved, b.Reserved, "reserved balance")
	assert.Equal(t, total-reserved, b.Available(), "available balance")
}

// =============================================================================
// LOG
// =============================================================================

func TestAppend_UpdatesCachedBalance(t *testing.T) {
	svc, _ := newService(t)
	org := createOrg(t, svc, ledger.StatusRegistered)

	adjust(t, svc, org.ID, 500)
	reserve(t, svc, org.ID, 200)

	assertBalance(t, svc, org.ID, 500, 200)
}

func TestAppend_RejectsPositiveReservation(t *testing.T) {
	svc, _ := newService(t)
	org := createOrg(t, svc, ledger.StatusRegistered)

	err := svc.Run(context.Background(), "test", ledger.SystemActor, func(sess *ledger.Session) error {
		_, err := sess.Append(context.Background(), ledger.AppendInput{
			OrganizationID: org.ID, ComplianceUnits: 10, Action: ledger.ActionReserved,
			EffectiveDate: sess.Now(), WorkflowKind: ledger.KindTransfer, WorkflowID: "t",
		})
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)

	recs, err := svc.Audit(context.Background(), ledger.AuditFilter{Severity: ledger.SeverityCritical})
	require.NoError(t, err)
	assert.Len(t, recs, 1, "invariant violations are audited after rollback")
}

func TestAppend_RejectsUnregisteredUnlessGovernmentIssued(t *testing.T) {
	svc, _ := newService(t)
	org := createOrg(t, svc, ledger.StatusUnregistered)

	err := svc.Run(context.Background(), "test", ledger.SystemActor, func(sess *ledger.Session) error {
		_, err := sess.Append(context.Background(), ledger.AppendInput{
			OrganizationID: org.ID, ComplianceUnits: 10, Action: ledger.ActionAdjustment,
			EffectiveDate: sess.Now(), WorkflowKind: ledger.KindTransfer, WorkflowID: "t",
		})
		return err
	})
	require.ErrorIs(t, err, ledger.ErrOrganizationNotRegistered)
	var orgErr *ledger.OrganizationError
	require.True(t, errors.As(err, &orgErr))
	assert.Equal(t, ledger.StatusUnregistered, orgErr.Status)

	adjust(t, svc, org.ID, 10)
	assertBalance(t, svc, org.ID, 10, 0)
}

func TestAppend_ValidatesInput(t *testing.T) {
	svc, _ := newService(t)
	org := createOrg(t, svc, ledger.StatusRegistered)

	cases := map[string]ledger.AppendInput{
		"zero units":       {OrganizationID: org.ID, Action: ledger.ActionAdjustment, WorkflowKind: ledger.KindTransfer, WorkflowID: "t", EffectiveDate: time.Now()},
		"direct release":   {OrganizationID: org.ID, ComplianceUnits: 5, Action: ledger.ActionReleased, WorkflowKind: ledger.KindTransfer, WorkflowID: "t", EffectiveDate: time.Now()},
		"no effective":     {OrganizationID: org.ID, ComplianceUnits: 5, Action: ledger.ActionAdjustment, WorkflowKind: ledger.KindTransfer, WorkflowID: "t"},
		"no workflow ref":  {OrganizationID: org.ID, ComplianceUnits: 5, Action: ledger.ActionAdjustment, EffectiveDate: time.Now()},
		"unknown action":   {OrganizationID: org.ID, ComplianceUnits: 5, Action: "Burn", WorkflowKind: ledger.KindTransfer, WorkflowID: "t", EffectiveDate: time.Now()},
		"no organization":  {ComplianceUnits: 5, Action: ledger.ActionAdjustment, WorkflowKind: ledger.KindTransfer, WorkflowID: "t", EffectiveDate: time.Now()},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			err := svc.Run(context.Background(), "test", ledger.SystemActor, func(sess *ledger.Session) error {
				_, err := sess.Append(context.Background(), in)
				return err
			})
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestRelease_NetsToZeroAndCannotRepeat(t *testing.T) {
	svc, _ := newService(t)
	org := createOrg(t, svc, ledger.StatusRegistered)
	adjust(t, svc, org.ID, 100)
	hold := reserve(t, svc, org.ID, 60)

	var released ledger.Transaction
	err := svc.Run(context.Background(), "test.release", ledger.SystemActor, func(sess *ledger.Session) error {
		var err error
		released, err = sess.Release(context.Background(), hold.ID)
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.ActionReleased, released.Action)
	assert.Equal(t, int64(60), released.ComplianceUnits, "opposite sign of the hold")
	assert.Equal(t, hold.ID, released.ReleasesID)
	assert.Equal(t, hold.WorkflowID, released.WorkflowID)
	assert.True(t, released.EffectiveDate.Equal(hold.EffectiveDate))
	assertBalance(t, svc, org.ID, 100, 0)

	err = svc.Run(context.Background(), "test.release", ledger.SystemActor, func(sess *ledger.Session) error {
		_, err := sess.Release(context.Background(), hold.ID)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrAlreadyReleased)
	assertBalance(t, svc, org.ID, 100, 0)
}

func TestRelease_OnlyReservations(t *testing.T) {
	svc, _ := newService(t)
	org := createOrg(t, svc, ledger.StatusRegistered)
	adj := adjust(t, svc, org.ID, 100)

	err := svc.Run(context.Background(), "test.release", ledger.SystemActor, func(sess *ledger.Session) error {
		_, err := sess.Release(context.Background(), adj.ID)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func TestRun_RollsBackEveryEffect(t *testing.T) {
	svc, _ := newService(t)
	org := createOrg(t, svc, ledger.StatusRegistered)
	adjust(t, svc, org.ID, 100)

	// GIVEN a unit of work that appends, publishes and then fails
	boom := errors.New("boom")
	err := svc.Run(context.Background(), "test", ledger.SystemActor, func(sess *ledger.Session) error {
		if _, err := sess.Append(context.Background(), ledger.AppendInput{
			OrganizationID: org.ID, ComplianceUnits: -40, Action: ledger.ActionAdjustment,
			EffectiveDate: sess.Now(), WorkflowKind: ledger.KindAdminAdjustment, WorkflowID: "x",
		}); err != nil {
			return err
		}
		if err := sess.Publish(context.Background(), ledger.Event{WorkflowType: ledger.KindAdminAdjustment, WorkflowID: "x", ToState: "Approved"}); err != nil {
			return err
		}
		return boom
	})

	// THEN nothing it wrote is visible
	require.ErrorIs(t, err, boom)
	assertBalance(t, svc, org.ID, 100, 0)
	txs, err := svc.Transactions(context.Background(), org.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	rows, err := svc.CreditLedger(context.Background(), ledger.CreditLedgerFilter{OrganizationID: org.ID})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRun_CancelledContextCommitsNothing(t *testing.T) {
	svc, _ := newService(t)
	org := createOrg(t, svc, ledger.StatusRegistered)

	ctx, cancel := context.WithCancel(context.Background())
	err := svc.Run(ctx, "test", ledger.SystemActor, func(sess *ledger.Session) error {
		_, err := sess.Append(ctx, ledger.AppendInput{
			OrganizationID: org.ID, ComplianceUnits: 5, Action: ledger.ActionAdjustment,
			EffectiveDate: sess.Now(), WorkflowKind: ledger.KindAdminAdjustment, WorkflowID: "x",
		})
		cancel()
		return err
	})
	require.ErrorIs(t, err, context.Canceled)
	assertBalance(t, svc, org.ID, 0, 0)
}

func TestRun_StampsAfterWaitingForLock(t *testing.T) {
	mem := store.NewMemory()
	clock := &stepClock{t: time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)}
	svc := ledger.NewService(mem, ledger.WithClock(clock.Now))
	org := createOrg(t, svc, ledger.StatusRegistered)
	ctx := context.Background()

	// GIVEN a unit of work that waits before its lock is granted
	var (
		waitedUntil time.Time
		tx          ledger.Transaction
	)
	err := svc.Run(ctx, "test", ledger.SystemActor, func(sess *ledger.Session) error {
		waitedUntil = clock.Now()
		if err := sess.Lock(ctx, org.ID); err != nil {
			return err
		}
		var err error
		tx, err = sess.Append(ctx, ledger.AppendInput{
			OrganizationID: org.ID, ComplianceUnits: 5, Action: ledger.ActionAdjustment,
			EffectiveDate: sess.Now(), WorkflowKind: ledger.KindAdminAdjustment, WorkflowID: "x",
		})
		return err
	})
	require.NoError(t, err)

	// THEN its rows carry the time the lock was granted
	assert.True(t, tx.CreateDate.After(waitedUntil), "stamped %s, waited until %s", tx.CreateDate, waitedUntil)
	assert.True(t, tx.EffectiveDate.Equal(tx.CreateDate))

	// A timestamp already handed out is kept.
	err = svc.Run(ctx, "test", ledger.SystemActor, func(sess *ledger.Session) error {
		before := sess.Now()
		if err := sess.Lock(ctx, org.ID); err != nil {
			return err
		}
		assert.True(t, sess.Now().Equal(before))
		return nil
	})
	require.NoError(t, err)
}

func TestRun_RequiresValidActor(t *testing.T) {
	svc, _ := newService(t)
	err := svc.Run(context.Background(), "test", ledger.Actor{ID: "x", Role: ledger.RoleSupplier}, func(*ledger.Session) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestRun_AuditsTransactionsAndBalances(t *testing.T) {
	svc, _ := newService(t)
	org := createOrg(t, svc, ledger.StatusRegistered)
	adjust(t, svc, org.ID, 75)

	txAudit, err := svc.Audit(context.Background(), ledger.AuditFilter{Table: ledger.TableTransaction})
	require.NoError(t, err)
	require.Len(t, txAudit, 1)
	assert.Equal(t, ledger.AuditInsert, txAudit[0].Operation)
	assert.Equal(t, float64(75), txAudit[0].NewValues["compliance_units"])

	orgAudit, err := svc.Audit(context.Background(), ledger.AuditFilter{Table: ledger.TableOrganization, RowID: "1"})
	require.NoError(t, err)
	require.Len(t, orgAudit, 2, "creation and balance change")
	assert.Equal(t, float64(75), orgAudit[1].Delta["total_balance"])
}

func TestRun_AuditKeepsUndecodablePayload(t *testing.T) {
	svc, _ := newService(t)
	err := svc.Run(context.Background(), "test", ledger.SystemActor, func(sess *ledger.Session) error {
		_, err := sess.CreateWorkflow(context.Background(), ledger.WorkflowRecord{
			Kind: ledger.KindAdminAdjustment, ID: "bad", Status: "Draft", Payload: []byte(`[1,2]`),
		}, "")
		return err
	})
	require.NoError(t, err)

	recs, err := svc.Audit(context.Background(), ledger.AuditFilter{Table: ledger.TableWorkflow})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].NewValues, "error")
	assert.Equal(t, "[1,2]", recs[0].NewValues["payload"])
	assert.Equal(t, "Draft", recs[0].NewValues["status"])
}

// =============================================================================
// ORGANIZATIONS
// =============================================================================

func TestOrganizations_AdminOnly(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.CreateOrganization(context.Background(), ledger.Actor{ID: "a", Role: ledger.RoleAnalyst}, ledger.NewOrganization{LegalName: "X", Type: ledger.TypeFuelSupplier})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	org := createOrg(t, svc, "")
	assert.Equal(t, ledger.StatusUnregistered, org.Status, "new organizations start unregistered")

	updated, err := svc.SetOrganizationStatus(context.Background(), admin, org.ID, ledger.StatusRegistered)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRegistered, updated.Status)

	_, err = svc.SetOrganizationStatus(context.Background(), admin, 999, ledger.StatusRegistered)
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrorHelpers(t *testing.T) {
	cases := []struct {
		err       error
		code      string
		client    bool
		retryable bool
	}{
		{&ledger.TransitionError{Kind: ledger.KindTransfer, From: "Draft", To: "Recorded"}, "invalid_transition", true, false},
		{&ledger.InsufficientBalanceError{Available: 1, Requested: 2}, "insufficient_balance", true, false},
		{&ledger.ConflictError{}, "stale_version", false, true},
		{&ledger.OrganizationError{}, "organization_not_registered", true, false},
		{ledger.NewValidationError("x", "y"), "validation_failed", true, false},
		{&ledger.NotFoundError{Entity: "organization", ID: "1"}, "not_found", false, false},
		{ledger.ErrUnavailable, "unavailable", false, true},
		{errors.New("other"), "internal", false, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, ledger.Code(tc.err), tc.err.Error())
		assert.Equal(t, tc.client, ledger.IsClientError(tc.err), tc.err.Error())
		assert.Equal(t, tc.retryable, ledger.IsRetryable(tc.err), tc.err.Error())
	}
}

func TestRoleTable(t *testing.T) {
	type status string
	table := ledger.RoleTable[status]{
		{"Draft", "Recommended"}:    ledger.RoleAnalyst,
		{"Recommended", "Approved"}: ledger.RoleDirector,
	}

	role, ok := table.Role("Draft", "Recommended")
	require.True(t, ok)
	assert.Equal(t, ledger.RoleAnalyst, role)
	_, ok = table.Role("Draft", "Approved")
	assert.False(t, ok)

	assert.True(t, table.CanEnter(ledger.RoleDirector, "Approved"))
	assert.False(t, table.CanEnter(ledger.RoleAnalyst, "Approved"))
	assert.False(t, table.CanEnter(ledger.RoleDirector, "Draft"))
}
