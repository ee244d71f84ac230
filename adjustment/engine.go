package adjustment

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

func (e *Engine) Create(ctx context.Context, actor ledger.Actor, d Draft) (Adjustment, error) {
	if err := d.validate(); err != nil {
		return Adjustment{}, err
	}
	if actor.Role != ledger.RoleAnalyst {
		return Adjustment{}, ledger.NewValidationError("actor", "only an analyst may draft an admin adjustment")
	}

	var out Adjustment
	err := e.ledger.Run(ctx, "adjustment.create", actor, func(sess *ledger.Session) error {
		if _, err := sess.Organization(ctx, d.ToOrganizationID); err != nil {
			return err
		}
		a := Adjustment{Status: StatusDraft}
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

func (e *Engine) Update(ctx context.Context, actor ledger.Actor, id string, d Draft, expectedVersion int) (Adjustment, error) {
	if err := d.validate(); err != nil {
		return Adjustment{}, err
	}
	if actor.Role != ledger.RoleAnalyst {
		return Adjustment{}, ledger.NewValidationError("actor", "only an analyst may edit an admin adjustment")
	}

	var out Adjustment
	err := e.ledger.Run(ctx, "adjustment.update", actor, func(sess *ledger.Session) error {
		rec, err := sess.Store().GetWorkflow(ctx, ledger.KindAdminAdjustment, id)
		if err != nil {
			return err
		}
		if rec.Version != expectedVersion {
			return &ledger.ConflictError{Kind: rec.Kind, ID: id, ExpectedVersion: expectedVersion, ActualVersion: rec.Version, ActualStatus: rec.Status}
		}
		if Status(rec.Status) != StatusDraft {
			return &ledger.TransitionError{Kind: rec.Kind, ID: id, From: rec.Status, To: rec.Status, Reason: "only drafts can be edited"}
		}
		if _, err := sess.Organization(ctx, d.ToOrganizationID); err != nil {
			return err
		}
		a, err := fromRecord(rec)
		if err != nil {
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

func (a *Adjustment) apply(d Draft, sess *ledger.Session) {
	a.ToOrganizationID = d.ToOrganizationID
	a.ComplianceUnits = d.ComplianceUnits
	a.Comment = d.Comment
	a.EffectiveDate = d.EffectiveDate.UTC()
	if d.EffectiveDate.IsZero() {
		a.EffectiveDate = sess.Now()
	}
}

func (e *Engine) Get(ctx context.Context, id string) (Adjustment, error) {
	rec, err := e.ledger.Workflow(ctx, ledger.KindAdminAdjustment, id)
	if err != nil {
		return Adjustment{}, err
	}
	return fromRecord(rec)
}

func (e *Engine) List(ctx context.Context, f Filter) ([]Adjustment, error) {
	filter := ledger.WorkflowFilter{Kind: ledger.KindAdminAdjustment, OrganizationID: f.OrganizationID}
	for _, s := range f.Statuses {
		filter.Statuses = append(filter.Statuses, string(s))
	}
	recs, err := e.ledger.Workflows(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Adjustment, 0, len(recs))
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
	return e.ledger.History(ctx, ledger.KindAdminAdjustment, id)
}

// Transition moves an adjustment to in.To. Approving appends the signed
// adjustment; no balance guard applies.
func (e *Engine) Transition(ctx context.Context, actor ledger.Actor, in TransitionInput) (Adjustment, error) {
	var (
		out  Adjustment
		from Status
	)
	err := e.ledger.Run(ctx, "adjustment.transition", actor, func(sess *ledger.Session) error {
		rec, err := sess.LockWorkflow(ctx, ledger.KindAdminAdjustment, in.ID)
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
			tx, err := sess.Append(ctx, ledger.AppendInput{
				OrganizationID:   a.ToOrganizationID,
				ComplianceUnits:  a.ComplianceUnits,
				Action:           ledger.ActionAdjustment,
				EffectiveDate:    a.EffectiveDate,
				CompliancePeriod: a.CompliancePeriod(),
				WorkflowKind:     ledger.KindAdminAdjustment,
				WorkflowID:       a.ID,
				GovernmentIssued: true,
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
				WorkflowType:            ledger.KindAdminAdjustment,
				WorkflowID:              a.ID,
				FromState:               string(a.Status),
				ToState:                 string(in.To),
				AffectedOrganizationIDs: []ledger.OrganizationID{a.ToOrganizationID},
			})
		}
		return nil
	})
	e.ledger.ObserveTransition(ledger.KindAdminAdjustment, in.ID, string(from), string(in.To), actor, err)
	return out, err
}
