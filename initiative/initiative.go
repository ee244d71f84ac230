/*
Package initiative issues compliance units to a supplier under an initiative
agreement with the government.

STATE MACHINE:

	Draft ──► Recommended ──► Approved
	  │    ◄──────┘ │
	  ▼             ▼
	Deleted      Deleted

  The analyst drafts, recommends and deletes. The director approves or
  returns a recommendation to Draft. Approved and Deleted are terminal.

LEDGER EFFECTS:
  Recommended → Approved  Adjustment +units on the receiving organization,
                          effective on the agreement's effective date
*/
package initiative

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lcfs/compliance-ledger/ledger"
)

type Status string

const (
	StatusDraft       Status = "Draft"
	StatusRecommended Status = "Recommended"
	StatusApproved    Status = "Approved"
	StatusDeleted     Status = "Deleted"
)

func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDeleted
}

var transitions = ledger.RoleTable[Status]{
	{StatusDraft, StatusRecommended}:    ledger.RoleAnalyst,
	{StatusDraft, StatusDeleted}:        ledger.RoleAnalyst,
	{StatusRecommended, StatusDeleted}:  ledger.RoleAnalyst,
	{StatusRecommended, StatusDraft}:    ledger.RoleDirector,
	{StatusRecommended, StatusApproved}: ledger.RoleDirector,
}

// Agreement is one initiative agreement.
type Agreement struct {
	ID                      string                `json:"id"`
	Status                  Status                `json:"status"`
	Version                 int                   `json:"version"`
	ToOrganizationID        ledger.OrganizationID `json:"to_organization_id"`
	ComplianceUnits         int64                 `json:"compliance_units"`
	EffectiveDate           time.Time             `json:"effective_date"`
	Comment                 string                `json:"comment,omitempty"`
	AdjustmentTransactionID ledger.TransactionID  `json:"adjustment_transaction_id,omitempty"`
	CreatedAt               time.Time             `json:"created_at"`
	UpdatedAt               time.Time             `json:"updated_at"`
}

func (a Agreement) CompliancePeriod() ledger.CompliancePeriod {
	return ledger.PeriodOf(a.EffectiveDate)
}

func (a Agreement) record() (ledger.WorkflowRecord, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return ledger.WorkflowRecord{}, fmt.Errorf("failed to encode initiative agreement: %w", err)
	}
	return ledger.WorkflowRecord{
		Kind:             ledger.KindInitiativeAgreement,
		ID:               a.ID,
		Status:           string(a.Status),
		Version:          a.Version,
		OrganizationID:   a.ToOrganizationID,
		CompliancePeriod: a.CompliancePeriod(),
		Payload:          payload,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}, nil
}

func fromRecord(rec ledger.WorkflowRecord) (Agreement, error) {
	var a Agreement
	if err := json.Unmarshal(rec.Payload, &a); err != nil {
		return Agreement{}, fmt.Errorf("failed to decode initiative agreement %s: %w", rec.ID, err)
	}
	a.ID = rec.ID
	a.Status = Status(rec.Status)
	a.Version = rec.Version
	a.CreatedAt, a.UpdatedAt = rec.CreatedAt, rec.UpdatedAt
	return a, nil
}

// Draft holds the editable fields of an agreement.
type Draft struct {
	ToOrganizationID ledger.OrganizationID
	ComplianceUnits  int64
	EffectiveDate    time.Time
	Comment          string
}

func (d Draft) validate() error {
	if d.ToOrganizationID == 0 {
		return ledger.NewValidationError("to_organization_id", "is required")
	}
	if d.ComplianceUnits < 1 {
		return ledger.NewValidationError("compliance_units", "must be at least 1")
	}
	return nil
}

type TransitionInput struct {
	ID              string
	To              Status
	ExpectedVersion *int
	Comment         string
}

type Filter struct {
	OrganizationID ledger.OrganizationID
	Statuses       []Status
}
