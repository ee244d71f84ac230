/*
Package report runs the compliance report lifecycle and turns assessments
into ledger adjustments.

PURPOSE:
  A supplier files one report per compliance period. Government staff review
  it and the director assesses it, at which point the report's signed
  compliance-unit delta lands on the supplier's balance. Corrections are new
  supplemental versions of the same report group; each carries only the
  incremental delta, so the log never restates an earlier assessment.

STATE MACHINE:

	Draft ──► Submitted ──► Recommended_by_analyst ──► Recommended_by_manager ──► Assessed
	              │                   ▲                                            Reassessed
	              ▼                   │
	      Analyst_adjustment ─────────┘

  Supplier:   Draft → Submitted
  Analyst:    Submitted → Recommended_by_analyst | Analyst_adjustment
              Analyst_adjustment → Recommended_by_analyst
  Manager:    Recommended_by_analyst → Recommended_by_manager | Submitted
  Director:   Recommended_by_manager → Assessed (original) | Reassessed (supplemental)
              Recommended_by_manager → Recommended_by_analyst
              Recommended_by_* → Rejected

VERSIONS:
  Reports of one group share GroupID. Version counts from 1 for the original.
  Only the latest version is live; superseded versions cannot move.
  RowVersion is the optimistic concurrency token of one report row.

SEE ALSO:
  - window.go: which dates count toward a compliance year
*/
package report

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lcfs/compliance-ledger/ledger"
)

type Status string

const (
	StatusDraft                Status = "Draft"
	StatusSubmitted            Status = "Submitted"
	StatusRecommendedByAnalyst Status = "Recommended_by_analyst"
	StatusRecommendedByManager Status = "Recommended_by_manager"
	StatusAssessed             Status = "Assessed"
	StatusReassessed           Status = "Reassessed"
	StatusAnalystAdjustment    Status = "Analyst_adjustment"
	StatusRejected             Status = "Rejected"
)

// IsAssessed reports whether the report's delta is on the ledger.
func (s Status) IsAssessed() bool {
	return s == StatusAssessed || s == StatusReassessed
}

func (s Status) Terminal() bool {
	return s.IsAssessed() || s == StatusRejected
}

// =============================================================================
// TRANSITION TABLE
// =============================================================================

type edge struct {
	from, to Status
}

type rule struct {
	// supplier is true when the reporting organization fires the edge;
	// otherwise role must match.
	supplier bool
	role     ledger.Role
	// versions restricts the edge to originals or supplementals.
	versions versionGuard
}

type versionGuard int

const (
	anyVersion versionGuard = iota
	originalOnly
	supplementalOnly
)

func (r rule) allows(actor ledger.Actor, rep Report) bool {
	if r.supplier {
		return actor.ActsFor(rep.OrganizationID)
	}
	return actor.Role == r.role
}

func (r rule) String() string {
	if r.supplier {
		return "the reporting supplier"
	}
	return string(r.role)
}

var transitions = map[edge]rule{
	{StatusDraft, StatusSubmitted}:                           {supplier: true},
	{StatusSubmitted, StatusRecommendedByAnalyst}:            {role: ledger.RoleAnalyst},
	{StatusSubmitted, StatusAnalystAdjustment}:               {role: ledger.RoleAnalyst},
	{StatusAnalystAdjustment, StatusRecommendedByAnalyst}:    {role: ledger.RoleAnalyst},
	{StatusRecommendedByAnalyst, StatusRecommendedByManager}: {role: ledger.RoleComplianceManager},
	{StatusRecommendedByAnalyst, StatusSubmitted}:            {role: ledger.RoleComplianceManager},
	{StatusRecommendedByAnalyst, StatusRejected}:             {role: ledger.RoleDirector},
	{StatusRecommendedByManager, StatusAssessed}:             {role: ledger.RoleDirector, versions: originalOnly},
	{StatusRecommendedByManager, StatusReassessed}:           {role: ledger.RoleDirector, versions: supplementalOnly},
	{StatusRecommendedByManager, StatusRecommendedByAnalyst}: {role: ledger.RoleDirector},
	{StatusRecommendedByManager, StatusRejected}:             {role: ledger.RoleDirector},
}

func canEnter(actor ledger.Actor, rep Report, to Status) bool {
	for e, r := range transitions {
		if e.to == to && r.allows(actor, rep) {
			return true
		}
	}
	return false
}

// =============================================================================
// REPORT
// =============================================================================

// Report is one version of a compliance report. ComplianceUnits is the
// signed delta this version contributes to the supplier's balance.
type Report struct {
	ID                      string                  `json:"id"`
	GroupID                 string                  `json:"group_id"`
	Version                 int                     `json:"version"`
	RowVersion              int                     `json:"row_version"`
	OrganizationID          ledger.OrganizationID   `json:"organization_id"`
	CompliancePeriod        ledger.CompliancePeriod `json:"compliance_period"`
	Status                  Status                  `json:"status"`
	ComplianceUnits         int64                   `json:"compliance_units"`
	Comment                 string                  `json:"comment,omitempty"`
	AdjustmentTransactionID ledger.TransactionID    `json:"adjustment_transaction_id,omitempty"`
	CreatedAt               time.Time               `json:"created_at"`
	UpdatedAt               time.Time               `json:"updated_at"`
}

func (r Report) IsSupplemental() bool { return r.Version > 1 }

func (r Report) record() (ledger.WorkflowRecord, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return ledger.WorkflowRecord{}, fmt.Errorf("failed to encode compliance report: %w", err)
	}
	return ledger.WorkflowRecord{
		Kind:             ledger.KindComplianceReport,
		ID:               r.ID,
		Status:           string(r.Status),
		Version:          r.RowVersion,
		OrganizationID:   r.OrganizationID,
		CompliancePeriod: r.CompliancePeriod,
		GroupID:          r.GroupID,
		GroupVersion:     r.Version,
		Payload:          payload,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}

func fromRecord(rec ledger.WorkflowRecord) (Report, error) {
	var r Report
	if err := json.Unmarshal(rec.Payload, &r); err != nil {
		return Report{}, fmt.Errorf("failed to decode compliance report %s: %w", rec.ID, err)
	}
	r.ID = rec.ID
	r.Status = Status(rec.Status)
	r.RowVersion = rec.Version
	r.GroupID = rec.GroupID
	r.Version = rec.GroupVersion
	r.OrganizationID = rec.OrganizationID
	r.CompliancePeriod = rec.CompliancePeriod
	r.CreatedAt, r.UpdatedAt = rec.CreatedAt, rec.UpdatedAt
	return r, nil
}

// =============================================================================
// INPUTS
// =============================================================================

type NewReport struct {
	OrganizationID   ledger.OrganizationID
	CompliancePeriod ledger.CompliancePeriod
	ComplianceUnits  int64
	Comment          string
}

type TransitionInput struct {
	ID              string
	To              Status
	ExpectedVersion *int
	Comment         string
}

type Filter struct {
	OrganizationID   ledger.OrganizationID
	CompliancePeriod ledger.CompliancePeriod
	Statuses         []Status
}
