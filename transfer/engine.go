package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/lcfs/compliance-ledger/ledger"
)

// Engine runs the transfer state machine on top of a ledger Service.
type Engine struct {
	ledger *ledger.Service
}

func NewEngine(svc *ledger.Service) *Engine {
	return &Engine{ledger: svc}
}

// =============================================================================
// DRAFTS
// =============================================================================

// Create opens a transfer in Draft on behalf of the sending supplier.
func (e *Engine) Create(ctx context.Context, actor ledger.Actor, d Draft) (Transfer, error) {
	if err := d.validate(); err != nil {
		return Transfer{}, err
	}
	if !actor.ActsFor(d.FromOrganizationID) {
		return Transfer{}, ledger.NewValidationError("actor", "only the sending supplier may create a transfer")
	}

	var out Transfer
	err := e.ledger.Run(ctx, "transfer.create", actor, func(sess *ledger.Session) error {
		for _, id := range []ledger.OrganizationID{d.FromOrganizationID, d.ToOrganizationID} {
			if _, err := sess.Organization(ctx, id); err != nil {
				return err
			}
		}
		t := Transfer{Status: StatusDraft}
		t.apply(d, sess.Now())
		rec, err := t.record()
		if err != nil {
			return err
		}
		rec, err = sess.CreateWorkflow(ctx, rec, d.Comment)
		if err != nil {
			return err
		}
		out, err = fromRecord(rec)
		return err
	})
	return out, err
}

// Update rewrites the editable fields of a Draft transfer.
func (e *Engine) Update(ctx context.Context, actor ledger.Actor, id string, d Draft, expectedVersion int) (Transfer, error) {
	if err := d.validate(); err != nil {
		return Transfer{}, err
	}

	var out Transfer
	err := e.ledger.Run(ctx, "transfer.update", actor, func(sess *ledger.Session) error {
		rec, err := sess.Store().GetWorkflow(ctx, ledger.KindTransfer, id)
		if err != nil {
			return err
		}
		t, err := fromRecord(rec)
		if err != nil {
			return err
		}
		if rec.Version != expectedVersion {
			return &ledger.ConflictError{Kind: ledger.KindTransfer, ID: id, ExpectedVersion: expectedVersion, ActualVersion: rec.Version, ActualStatus: rec.Status}
		}
		if t.Status != StatusDraft {
			return &ledger.TransitionError{Kind: ledger.KindTransfer, ID: id, From: string(t.Status), To: string(t.Status), Reason: "only drafts can be edited"}
		}
		if !actor.ActsFor(t.FromOrganizationID) || d.FromOrganizationID != t.FromOrganizationID {
			return ledger.NewValidationError("actor", "only the sending supplier may edit its draft")
		}
		if _, err := sess.Organization(ctx, d.ToOrganizationID); err != nil {
			return err
		}
		t.apply(d, t.CreatedAt)
		next, err := t.record()
		if err != nil {
			return err
		}
		next, err = sess.SaveWorkflow(ctx, rec, next, d.Comment)
		if err != nil {
			return err
		}
		out, err = fromRecord(next)
		return err
	})
	return out, err
}

func (t *Transfer) apply(d Draft, defaultDate time.Time) {
	t.FromOrganizationID = d.FromOrganizationID
	t.ToOrganizationID = d.ToOrganizationID
	t.Quantity = d.Quantity
	t.PricePerUnit = d.PricePerUnit
	t.Comment = d.Comment
	t.AgreementDate = d.AgreementDate.UTC()
	if d.AgreementDate.IsZero() {
		t.AgreementDate = defaultDate
	}
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) Get(ctx context.Context, id string) (Transfer, error) {
	rec, err := e.ledger.Workflow(ctx, ledger.KindTransfer, id)
	if err != nil {
		return Transfer{}, err
	}
	return fromRecord(rec)
}

func (e *Engine) List(ctx context.Context, f Filter) ([]Transfer, error) {
	filter := ledger.WorkflowFilter{Kind: ledger.KindTransfer, OrganizationID: f.OrganizationID}
	for _, s := range f.Statuses {
		filter.Statuses = append(filter.Statuses, string(s))
	}
	recs, err := e.ledger.Workflows(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Transfer, 0, len(recs))
	for _, rec := range recs {
		t, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (e *Engine) History(ctx context.Context, id string) ([]ledger.HistoryEntry, error) {
	return e.ledger.History(ctx, ledger.KindTransfer, id)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Transition moves a transfer to in.To and applies the ledger effects of the
// edge, all in one unit of work. Asking again for the status the transfer is
// already in is a no-op for an actor who may enter that status.
func (e *Engine) Transition(ctx context.Context, actor ledger.Actor, in TransitionInput) (Transfer, error) {
	var (
		out  Transfer
		from Status
	)
	err := e.ledger.Run(ctx, "transfer.transition", actor, func(sess *ledger.Session) error {
		rec, err := sess.LockWorkflow(ctx, ledger.KindTransfer, in.ID)
		if err != nil {
			return err
		}
		t, err := fromRecord(rec)
		if err != nil {
			return err
		}
		from = t.Status

		if t.Status == in.To && canEnter(actor, t, in.To) {
			out = t
			return nil
		}
		if in.ExpectedVersion != nil && *in.ExpectedVersion != rec.Version {
			return &ledger.ConflictError{Kind: ledger.KindTransfer, ID: t.ID, ExpectedVersion: *in.ExpectedVersion, ActualVersion: rec.Version, ActualStatus: rec.Status}
		}
		p, ok := transitions[edge{t.Status, in.To}]
		if !ok {
			return e.refuse(t, in.To, "no such transition")
		}
		if !p.allows(actor, t) {
			return e.refuse(t, in.To, fmt.Sprintf("only the %s may take this transition", p))
		}

		next := t
		next.Status = in.To
		if err := e.applyEffects(ctx, sess, t, &next); err != nil {
			return err
		}

		nextRec, err := next.record()
		if err != nil {
			return err
		}
		nextRec, err = sess.SaveWorkflow(ctx, rec, nextRec, in.Comment)
		if err != nil {
			return err
		}
		if out, err = fromRecord(nextRec); err != nil {
			return err
		}

		if in.To.notifies() {
			return sess.Publish(ctx, ledger.Event{
				WorkflowType:            ledger.KindTransfer,
				WorkflowID:              t.ID,
				FromState:               string(t.Status),
				ToState:                 string(in.To),
				AffectedOrganizationIDs: []ledger.OrganizationID{t.FromOrganizationID, t.ToOrganizationID},
			})
		}
		return nil
	})
	e.ledger.ObserveTransition(ledger.KindTransfer, in.ID, string(from), string(in.To), actor, err)
	return out, err
}

func (e *Engine) refuse(t Transfer, to Status, reason string) error {
	return &ledger.TransitionError{Kind: ledger.KindTransfer, ID: t.ID, From: string(t.Status), To: string(to), Reason: reason}
}

// applyEffects appends the ledger rows for prev → next and records their ids
// on next. Organizations are already locked by LockWorkflow.
func (e *Engine) applyEffects(ctx context.Context, sess *ledger.Session, prev Transfer, next *Transfer) error {
	switch next.Status {
	case StatusSent:
		if err := e.reserve(ctx, sess, next); err != nil {
			return err
		}
	case StatusRecorded:
		if err := e.settle(ctx, sess, next); err != nil {
			return err
		}
	}

	if prev.Status.HoldsReservation() && !next.Status.HoldsReservation() {
		if prev.ReservedTransactionID == 0 {
			return &ledger.InvariantError{Invariant: "transfer-hold", Detail: fmt.Sprintf("transfer %s in %s has no reservation", prev.ID, prev.Status)}
		}
		released, err := sess.Release(ctx, prev.ReservedTransactionID)
		if err != nil {
			return err
		}
		next.ReleasedTransactionID = released.ID
	}
	return nil
}

// reserve checks the sending guards and places the hold.
func (e *Engine) reserve(ctx context.Context, sess *ledger.Session, t *Transfer) error {
	if t.FromOrganizationID == t.ToOrganizationID {
		return e.refuse(*t, StatusSent, "an organization cannot transfer to itself")
	}
	if t.Quantity <= 0 {
		return e.refuse(*t, StatusSent, "quantity must be positive")
	}
	if err := requireRegistered(ctx, sess, t.FromOrganizationID, t.ToOrganizationID); err != nil {
		return err
	}
	bal, err := sess.Balance(ctx, t.FromOrganizationID)
	if err != nil {
		return err
	}
	if bal.Available() < t.Quantity {
		return &ledger.InsufficientBalanceError{OrganizationID: t.FromOrganizationID, Available: bal.Available(), Requested: t.Quantity}
	}
	hold, err := sess.Append(ctx, ledger.AppendInput{
		OrganizationID:   t.FromOrganizationID,
		ComplianceUnits:  -t.Quantity,
		Action:           ledger.ActionReserved,
		EffectiveDate:    t.AgreementDate,
		CompliancePeriod: t.CompliancePeriod(),
		WorkflowKind:     ledger.KindTransfer,
		WorkflowID:       t.ID,
	})
	if err != nil {
		return err
	}
	t.ReservedTransactionID = hold.ID
	return nil
}

// settle moves the units for good. The hold is released by applyEffects.
func (e *Engine) settle(ctx context.Context, sess *ledger.Session, t *Transfer) error {
	if err := requireRegistered(ctx, sess, t.FromOrganizationID, t.ToOrganizationID); err != nil {
		return err
	}
	legs := []struct {
		org   ledger.OrganizationID
		units int64
		id    *ledger.TransactionID
	}{
		{t.FromOrganizationID, -t.Quantity, &t.DebitTransactionID},
		{t.ToOrganizationID, t.Quantity, &t.CreditTransactionID},
	}
	for _, leg := range legs {
		tx, err := sess.Append(ctx, ledger.AppendInput{
			OrganizationID:   leg.org,
			ComplianceUnits:  leg.units,
			Action:           ledger.ActionAdjustment,
			EffectiveDate:    t.AgreementDate,
			CompliancePeriod: t.CompliancePeriod(),
			WorkflowKind:     ledger.KindTransfer,
			WorkflowID:       t.ID,
		})
		if err != nil {
			return err
		}
		*leg.id = tx.ID
	}
	return nil
}

func requireRegistered(ctx context.Context, sess *ledger.Session, ids ...ledger.OrganizationID) error {
	for _, id := range ids {
		org, err := sess.Organization(ctx, id)
		if err != nil {
			return err
		}
		if !org.IsRegistered() {
			return &ledger.OrganizationError{OrganizationID: org.ID, Status: org.Status}
		}
	}
	return nil
}
