package report

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/lcfs/compliance-ledger/ledger"
)

type Engine struct {
	ledger *ledger.Service
}

func NewEngine(svc *ledger.Service) *Engine {
	return &Engine{ledger: svc}
}

func (v versionGuard) admits(rep Report) bool {
	switch v {
	case originalOnly:
		return !rep.IsSupplemental()
	case supplementalOnly:
		return rep.IsSupplemental()
	}
	return true
}

// =============================================================================
// CREATION
// =============================================================================

// Create files the original report of an organization for a period. There
// is at most one original per organization and period that has not been
// rejected.
func (e *Engine) Create(ctx context.Context, actor ledger.Actor, in NewReport) (Report, error) {
	if in.OrganizationID == 0 {
		return Report{}, ledger.NewValidationError("organization_id", "is required")
	}
	if in.CompliancePeriod < 2000 {
		return Report{}, ledger.NewValidationError("compliance_period", fmt.Sprintf("invalid period %d", in.CompliancePeriod))
	}
	if !actor.ActsFor(in.OrganizationID) {
		return Report{}, ledger.NewValidationError("actor", "only the reporting supplier may file a report")
	}

	var out Report
	err := e.ledger.Run(ctx, "report.create", actor, func(sess *ledger.Session) error {
		// The organization lock serializes report creation per supplier.
		if err := sess.Lock(ctx, in.OrganizationID); err != nil {
			return err
		}
		existing, err := sess.Store().FindWorkflows(ctx, ledger.WorkflowFilter{
			Kind:             ledger.KindComplianceReport,
			OrganizationID:   in.OrganizationID,
			CompliancePeriod: in.CompliancePeriod,
		})
		if err != nil {
			return err
		}
		// A period whose every report was rejected may be filed again.
		for _, rec := range existing {
			if rec.Status != string(StatusRejected) {
				return ledger.NewValidationError("compliance_period", fmt.Sprintf("a report for %s already exists; file a supplemental instead", in.CompliancePeriod))
			}
		}

		id := uuid.NewString()
		rep := Report{
			ID:               id,
			GroupID:          id,
			Version:          1,
			OrganizationID:   in.OrganizationID,
			CompliancePeriod: in.CompliancePeriod,
			Status:           StatusDraft,
			ComplianceUnits:  in.ComplianceUnits,
			Comment:          in.Comment,
		}
		out, err = e.insert(ctx, sess, rep, in.Comment)
		return err
	})
	return out, err
}

// CreateSupplemental opens the next version of a report group. The base must
// be the live version of the group and must be assessed. A supplier's
// supplemental starts in Draft; an analyst's starts in Analyst_adjustment.
func (e *Engine) CreateSupplemental(ctx context.Context, actor ledger.Actor, groupID string, baseVersion int, comment string) (Report, error) {
	var out Report
	err := e.ledger.Run(ctx, "report.supplemental", actor, func(sess *ledger.Session) error {
		group, err := e.lockGroup(ctx, sess, groupID)
		if err != nil {
			return err
		}
		newest := group[len(group)-1]

		var start Status
		switch {
		case actor.ActsFor(newest.OrganizationID):
			start = StatusDraft
		case actor.Role == ledger.RoleAnalyst:
			start = StatusAnalystAdjustment
		default:
			return ledger.NewValidationError("actor", "only the reporting supplier or an analyst may open a supplemental report")
		}

		// Rejected supplementals do not replace the version they were based on.
		base := newest
		for i := len(group) - 1; i > 0 && base.Status == StatusRejected; i-- {
			base = group[i-1]
		}
		if base.Version != baseVersion {
			return fmt.Errorf("%w: report group %s is live at version %d, not %d", ledger.ErrStaleVersion, groupID, base.Version, baseVersion)
		}
		if !base.Status.IsAssessed() {
			return &ledger.TransitionError{Kind: ledger.KindComplianceReport, ID: base.ID, From: string(base.Status), To: string(start), Reason: "a supplemental report requires an assessed base"}
		}

		rep := Report{
			ID:               uuid.NewString(),
			GroupID:          base.GroupID,
			Version:          newest.Version + 1,
			OrganizationID:   base.OrganizationID,
			CompliancePeriod: base.CompliancePeriod,
			Status:           start,
			Comment:          comment,
		}
		out, err = e.insert(ctx, sess, rep, comment)
		return err
	})
	return out, err
}

// lockGroup locks the group's organization and loads the group under that
// lock, so versions are numbered from committed state.
func (e *Engine) lockGroup(ctx context.Context, sess *ledger.Session, groupID string) ([]Report, error) {
	group, err := e.group(ctx, sess.Store(), groupID)
	if err != nil {
		return nil, err
	}
	if err := sess.Lock(ctx, group[0].OrganizationID); err != nil {
		return nil, err
	}
	return e.group(ctx, sess.Store(), groupID)
}

func (e *Engine) insert(ctx context.Context, sess *ledger.Session, rep Report, comment string) (Report, error) {
	rec, err := rep.record()
	if err != nil {
		return Report{}, err
	}
	if rec, err = sess.CreateWorkflow(ctx, rec, comment); err != nil {
		return Report{}, err
	}
	return fromRecord(rec)
}

// SetUnits records the report's signed delta. The supplier sets it while the
// report is a Draft and the analyst while it is in Analyst_adjustment.
func (e *Engine) SetUnits(ctx context.Context, actor ledger.Actor, id string, units int64, expectedVersion int) (Report, error) {
	var out Report
	err := e.ledger.Run(ctx, "report.set_units", actor, func(sess *ledger.Session) error {
		rec, err := sess.Store().GetWorkflow(ctx, ledger.KindComplianceReport, id)
		if err != nil {
			return err
		}
		rep, err := fromRecord(rec)
		if err != nil {
			return err
		}
		if rec.Version != expectedVersion {
			return &ledger.ConflictError{Kind: rec.Kind, ID: id, ExpectedVersion: expectedVersion, ActualVersion: rec.Version, ActualStatus: rec.Status}
		}
		editable := (rep.Status == StatusDraft && actor.ActsFor(rep.OrganizationID)) ||
			(rep.Status == StatusAnalystAdjustment && actor.Role == ledger.RoleAnalyst)
		if !editable {
			return &ledger.TransitionError{Kind: rec.Kind, ID: id, From: rec.Status, To: rec.Status, Reason: fmt.Sprintf("%s may not edit the report in this status", actor.Role)}
		}
		rep.ComplianceUnits = units
		next, err := rep.record()
		if err != nil {
			return err
		}
		if next, err = sess.SaveWorkflow(ctx, rec, next, ""); err != nil {
			return err
		}
		out, err = fromRecord(next)
		return err
	})
	return out, err
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) Get(ctx context.Context, id string) (Report, error) {
	rec, err := e.ledger.Workflow(ctx, ledger.KindComplianceReport, id)
	if err != nil {
		return Report{}, err
	}
	return fromRecord(rec)
}

func (e *Engine) List(ctx context.Context, f Filter) ([]Report, error) {
	filter := ledger.WorkflowFilter{
		Kind:             ledger.KindComplianceReport,
		OrganizationID:   f.OrganizationID,
		CompliancePeriod: f.CompliancePeriod,
	}
	for _, s := range f.Statuses {
		filter.Statuses = append(filter.Statuses, string(s))
	}
	recs, err := e.ledger.Workflows(ctx, filter)
	if err != nil {
		return nil, err
	}
	return decodeAll(recs)
}

// ListGroup returns every version of a report group, oldest first.
func (e *Engine) ListGroup(ctx context.Context, groupID string) ([]Report, error) {
	var out []Report
	err := e.ledger.View(ctx, func(st ledger.Store) error {
		var err error
		out, err = e.group(ctx, st, groupID)
		return err
	})
	return out, err
}

func (e *Engine) History(ctx context.Context, id string) ([]ledger.HistoryEntry, error) {
	return e.ledger.History(ctx, ledger.KindComplianceReport, id)
}

func (e *Engine) group(ctx context.Context, st ledger.Store, groupID string) ([]Report, error) {
	recs, err := st.FindWorkflows(ctx, ledger.WorkflowFilter{Kind: ledger.KindComplianceReport, GroupID: groupID})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, &ledger.NotFoundError{Entity: "report group", ID: groupID}
	}
	reps, err := decodeAll(recs)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(reps, func(a, b Report) int { return a.Version - b.Version })
	return reps, nil
}

func decodeAll(recs []ledger.WorkflowRecord) ([]Report, error) {
	out := make([]Report, 0, len(recs))
	for _, rec := range recs {
		rep, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Transition moves a report to in.To. Entering Assessed or Reassessed appends
// the report's delta to the supplier's balance, attributed to the report's
// compliance period.
func (e *Engine) Transition(ctx context.Context, actor ledger.Actor, in TransitionInput) (Report, error) {
	var (
		out  Report
		from Status
	)
	err := e.ledger.Run(ctx, "report.transition", actor, func(sess *ledger.Session) error {
		rec, err := sess.LockWorkflow(ctx, ledger.KindComplianceReport, in.ID)
		if err != nil {
			return err
		}
		rep, err := fromRecord(rec)
		if err != nil {
			return err
		}
		from = rep.Status

		if rep.Status == in.To && canEnter(actor, rep, in.To) {
			out = rep
			return nil
		}
		if in.ExpectedVersion != nil && *in.ExpectedVersion != rec.Version {
			return &ledger.ConflictError{Kind: rec.Kind, ID: rep.ID, ExpectedVersion: *in.ExpectedVersion, ActualVersion: rec.Version, ActualStatus: rec.Status}
		}
		r, ok := transitions[edge{rep.Status, in.To}]
		if !ok || !r.versions.admits(rep) {
			return refuse(rep, in.To, "no such transition")
		}
		if !r.allows(actor, rep) {
			return refuse(rep, in.To, fmt.Sprintf("only %s may take this transition", r))
		}
		group, err := e.group(ctx, sess.Store(), rep.GroupID)
		if err != nil {
			return err
		}
		if live := group[len(group)-1]; live.ID != rep.ID {
			return refuse(rep, in.To, fmt.Sprintf("superseded by version %d", live.Version))
		}

		next := rep
		next.Status = in.To
		if in.To.IsAssessed() && rep.ComplianceUnits != 0 {
			tx, err := sess.Append(ctx, ledger.AppendInput{
				OrganizationID:   rep.OrganizationID,
				ComplianceUnits:  rep.ComplianceUnits,
				Action:           ledger.ActionAdjustment,
				EffectiveDate:    sess.Now(),
				CompliancePeriod: rep.CompliancePeriod,
				WorkflowKind:     ledger.KindComplianceReport,
				WorkflowID:       rep.ID,
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
		if in.To.Terminal() {
			return sess.Publish(ctx, ledger.Event{
				WorkflowType:            ledger.KindComplianceReport,
				WorkflowID:              rep.ID,
				FromState:               string(rep.Status),
				ToState:                 string(in.To),
				AffectedOrganizationIDs: []ledger.OrganizationID{rep.OrganizationID},
			})
		}
		return nil
	})
	e.ledger.ObserveTransition(ledger.KindComplianceReport, in.ID, string(from), string(in.To), actor, err)
	return out, err
}

func refuse(rep Report, to Status, reason string) error {
	return &ledger.TransitionError{Kind: ledger.KindComplianceReport, ID: rep.ID, From: string(rep.Status), To: string(to), Reason: reason}
}
