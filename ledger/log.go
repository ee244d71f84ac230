/*
log.go - Append-only transaction log

PURPOSE:
  The Log is the immutable source of truth for every balance change.
  Adjustments move the total balance. Reservations place a hold on
  units that are about to leave an organization, and a release cancels
  exactly one hold. Balances are always recomputed from these rows.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: no Update, no Delete
  2. Reserved rows carry negative units
  3. A Reserved row has at most one Released row, with the negated units
  4. Only government-issued rows may target an unregistered organization

CORRECTIONS:
  Mistakes are fixed with a new Adjustment, never by editing a row.

SEE ALSO:
  - balance.go: projection of the log onto balances
  - session.go: the only caller inside a unit of work
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AppendInput describes a new Adjustment or Reserved row.
type AppendInput struct {
	OrganizationID   OrganizationID
	ComplianceUnits  int64
	Action           Action
	EffectiveDate    time.Time
	CompliancePeriod CompliancePeriod
	WorkflowKind     WorkflowKind
	WorkflowID       string
	CreatedBy        string
	// GovernmentIssued lets an Adjustment reach an organization that is not
	// Registered (assessments, administrative adjustments).
	GovernmentIssued bool
}

func (in AppendInput) validate() error {
	switch in.Action {
	case ActionAdjustment:
	case ActionReserved:
		if in.ComplianceUnits >= 0 {
			return &InvariantError{Invariant: "reserved-sign", Detail: fmt.Sprintf("reserved units must be negative, got %d", in.ComplianceUnits)}
		}
	case ActionReleased:
		return NewValidationError("action", "released rows are created by Release")
	default:
		return NewValidationError("action", fmt.Sprintf("unknown action %q", in.Action))
	}
	if in.ComplianceUnits == 0 {
		return NewValidationError("compliance_units", "must be non-zero")
	}
	if in.OrganizationID == 0 {
		return NewValidationError("organization_id", "is required")
	}
	if in.EffectiveDate.IsZero() {
		return NewValidationError("effective_date", "is required")
	}
	if !in.WorkflowKind.Valid() || in.WorkflowID == "" {
		return NewValidationError("workflow", "a workflow reference is required")
	}
	return nil
}

// =============================================================================
// LOG
// =============================================================================

// Log appends to the transaction table of one Store.
type Log struct {
	store Store
	now   func() time.Time
}

func NewLog(store Store, now func() time.Time) *Log {
	return &Log{store: store, now: now}
}

// Append validates and persists a new row. The create date is the log's clock.
func (l *Log) Append(ctx context.Context, in AppendInput) (Transaction, error) {
	if err := in.validate(); err != nil {
		return Transaction{}, err
	}
	org, err := l.store.GetOrganization(ctx, in.OrganizationID)
	if err != nil {
		return Transaction{}, err
	}
	if !org.IsRegistered() && !(in.GovernmentIssued && in.Action == ActionAdjustment) {
		return Transaction{}, &OrganizationError{OrganizationID: org.ID, Status: org.Status}
	}

	period := in.CompliancePeriod
	if period == 0 {
		period = PeriodOf(in.EffectiveDate)
	}
	return l.store.InsertTransaction(ctx, Transaction{
		OrganizationID:   in.OrganizationID,
		ComplianceUnits:  in.ComplianceUnits,
		Action:           in.Action,
		WorkflowKind:     in.WorkflowKind,
		WorkflowID:       in.WorkflowID,
		CompliancePeriod: period,
		EffectiveDate:    in.EffectiveDate.UTC(),
		CreateDate:       l.now().UTC(),
		CreatedBy:        in.CreatedBy,
	})
}

func (l *Log) Get(ctx context.Context, id TransactionID) (Transaction, error) {
	return l.store.GetTransaction(ctx, id)
}

// Release appends the Released row cancelling reservedID. The release keeps
// the hold's organization, workflow reference, period and effective date, so
// the pair always nets to zero inside the same compliance window.
func (l *Log) Release(ctx context.Context, reservedID TransactionID, createdBy string) (Transaction, error) {
	reserved, err := l.store.GetTransaction(ctx, reservedID)
	if err != nil {
		return Transaction{}, err
	}
	if reserved.Action != ActionReserved {
		return Transaction{}, NewValidationError("transaction_id", fmt.Sprintf("%s is not a reservation", reserved))
	}
	if existing, ok, err := l.store.FindRelease(ctx, reservedID); err != nil {
		return Transaction{}, err
	} else if ok {
		return Transaction{}, fmt.Errorf("%w: %s released by tx#%d", ErrAlreadyReleased, reserved, existing.ID)
	}

	released, err := l.store.InsertTransaction(ctx, Transaction{
		OrganizationID:   reserved.OrganizationID,
		ComplianceUnits:  -reserved.ComplianceUnits,
		Action:           ActionReleased,
		WorkflowKind:     reserved.WorkflowKind,
		WorkflowID:       reserved.WorkflowID,
		ReleasesID:       reserved.ID,
		CompliancePeriod: reserved.CompliancePeriod,
		EffectiveDate:    reserved.EffectiveDate,
		CreateDate:       l.now().UTC(),
		CreatedBy:        createdBy,
	})
	if errors.Is(err, ErrAlreadyReleased) {
		return Transaction{}, fmt.Errorf("%w: %s", ErrAlreadyReleased, reserved)
	}
	return released, err
}

// Transactions returns the full log of org in commit order.
func (l *Log) Transactions(ctx context.Context, org OrganizationID) ([]Transaction, error) {
	return l.store.LoadTransactions(ctx, org)
}
