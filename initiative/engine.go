package initiative

import (
	"context"
	"fmt"

	"github.com/lcfs/compliance-ledger/ledger"
)

type Engine struct {
	ledger *ledger.Service
}

func NewEngine(svc *ledger.Service) *Engine {
	return &Engine{ledger: svc}
}

// Create drafts an agreement. Only analysts draft initiative agreements.
func (e *Engine) Create(ctx context.Context, actor ledger.Actor, d Draft) (Agreement, error) {
	if err := d.validate(); err != nil {
		return Agreement{}, err
	}
	if actor.Role != ledger.RoleAnalyst {
		return Agreement{}, ledger.NewValidationError("actor", "only an analyst may draft an initiative agreement")
	}

	var out Agreement
	err := e.ledger.Run(ctx, "initiative.create", actor, func(sess *ledger.Session) error {
		if err := registered(ctx, sess, d.ToOrganizationID); err != nil {
			return err
		}
		a := Agreement{Status: StatusDraft}
		a.apply(d, sess)
		rec, err := a.record()
		if err != nil {
			return err
		}
		if rec, err = sess.CreateWorkflow(ctx, rec, d.Comment); err != nil {
			return err
		}
		out, err = fromRecord(rec)
		return err
	})
	return out, err
}

// Update edits a Draft agreement.
func (e *Engine) Update(ctx context.Context, actor ledger.Actor, id string, d Draft, expectedVersion int) (Agreement, error) {
	if err := d.validate(); err != nil {
		return Agreement{}, err
	}
	if actor.Role != ledger.RoleAnalyst {
		return Agreement{}, ledger.NewValidationError("actor", "only an analyst may edit an initiative agreement")
	}

	var out Agreement
	err := e.ledger.Run(ctx, "initiative.update", actor, func(sess *ledger.Session) error {
		rec, err := sess.Store().GetWorkflow(ctx, ledger.KindInitiativeAgreement, id)
		if err != nil {
			return err
		}
		if rec.Version != expectedVersion {
			return &ledger.ConflictError{Kind: rec.Kind, ID: id, ExpectedVersion: expectedVersion, ActualVersion: rec.Version, ActualStatus: rec.Status}
		}
		if Status(rec.Status) != StatusDraft {
			return &ledger.TransitionError{Kind: rec.Kind, ID: id, From: rec.Status, To: rec.Status, Reason: "only drafts can be edited"}
		}
		a, err := fromRecord(rec)
		if err != nil {
			return err
		}
		if err := registered(ctx, sess, d.ToOrganizationID); err != nil {
			return err
		}
		a.apply(d, sess)
		next, err := a.record()
		if err != nil {
			return err
		}
		if next, err = sess.SaveWorkflow(ctx, rec, next, d.Comment); err != nil {
			return err
		}
		out, err = fromRecord(next)
		return err
	})
	return out, err
}

func (a *Agreement) apply(d Draft, sess *ledger.Session) {
	a.ToOrganizationID = d.ToOrganizationID
	a.ComplianceUnits = d.ComplianceUnits
	a.Comment = d.Comment
	a.EffectiveDate = d.EffectiveDate.UTC()
	if d.EffectiveDate.IsZero() {
		a.EffectiveDate = sess.Now()
	}
}

func (e *Engine) Get(ctx context.Context, id string) (Agreement, error) {
	rec, err := e.ledger.Workflow(ctx, ledger.KindInitiativeAgreement, id)
	if err != nil {
		return Agreement{}, err
	}
	return fromRecord(rec)
}

func (e *Engine) List(ctx context.Context, f Filter) ([]Agreement, error) {
	filter := ledger.WorkflowFilter{Kind: ledger.KindInitiativeAgreement, OrganizationID: f.OrganizationID}
	for _, s := range f.Statuses {
		filter.Statuses = append(filter.Statuses, string(s))
	}
	recs, err := e.ledger.Workflows(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Agreement, 0, len(recs))
	for _, rec := range recs {
		a, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (e *Engine) History(ctx context.Context, id string) ([]ledger.HistoryEntry, error) {
	return e.ledger.History(ctx, ledger.KindInitiativeAgreement, id)
}

// Transition moves an agreement to in.To. Approving appends the credit.
func (e *Engine) Transition(ctx context.Context, actor ledger.Actor, in TransitionInput) (Agreement, error) {
	var (
		out  Agreement
		from Status
	)
	err := e.ledger.Run(ctx, "initiative.transition", actor, func(sess *ledger.Session) error {
		rec, err := sess.LockWorkflow(ctx, ledger.KindInitiativeAgreement, in.ID)
		if err != nil {
			return err
		}
		a, err := fromRecord(rec)
		if err != nil {
			return err
		}
		from = a.Status

		if a.Status == in.To && transitions.CanEnter(actor.Role, in.To) {
			out = a
			return nil
		}
		if in.ExpectedVersion != nil && *in.ExpectedVersion != rec.Version {
			return &ledger.ConflictError{Kind: rec.Kind, ID: a.ID, ExpectedVersion: *in.ExpectedVersion, ActualVersion: rec.Version, ActualStatus: rec.Status}
		}
		role, ok := transitions.Role(a.Status, in.To)
		switch {
		case !ok:
			return &ledger.TransitionError{Kind: rec.Kind, ID: a.ID, From: string(a.Status), To: string(in.To), Reason: "no such transition"}
		case actor.Role != role:
			return &ledger.TransitionError{Kind: rec.Kind, ID: a.ID, From: string(a.Status), To: string(in.To), Reason: fmt.Sprintf("requires role %s", role)}
		}

		next := a
		next.Status = in.To
		if in.To == StatusApproved {
			if err := registered(ctx, sess, a.ToOrganizationID); err != nil {
				return err
			}
			tx, err := sess.Append(ctx, ledger.AppendInput{
				OrganizationID:   a.ToOrganizationID,
				ComplianceUnits:  a.ComplianceUnits,
				Action:           ledger.ActionAdjustment,
				EffectiveDate:    a.EffectiveDate,
				CompliancePeriod: a.CompliancePeriod(),
				WorkflowKind:     ledger.KindInitiativeAgreement,
				WorkflowID:       a.ID,
			})
			if err != nil {
				return err
			}
			next.AdjustmentTransactionID = tx.ID
		}

		nextRec, err := next.record()
		if err != nil {
			return err
		}
		if nextRec, err = sess.SaveWorkflow(ctx, rec, nextRec, in.Comment); err != nil {
			return err
		}
		if out, err = fromRecord(nextRec); err != nil {
			return err
		}
		if in.To == StatusApproved {
			return sess.Publish(ctx, ledger.Event{
				WorkflowType:            ledger.KindInitiativeAgreement,
				WorkflowID:              a.ID,
				FromState:               string(a.Status),
				ToState:                 string(in.To),
				AffectedOrganizationIDs: []ledger.OrganizationID{a.ToOrganizationID},
			})
		}
		return nil
	})
	e.ledger.ObserveTransition(ledger.KindInitiativeAgreement, in.ID, string(from), string(in.To), actor, err)
	return out, err
}

func registered(ctx context.Context, sess *ledger.Session, id ledger.OrganizationID) error {
	org, err := sess.Organization(ctx, id)
	if err != nil {
		return err
	}
	if !org.IsRegistered() {
		return &ledger.OrganizationError{OrganizationID: org.ID, Status: org.Status}
	}
	return nil
}
