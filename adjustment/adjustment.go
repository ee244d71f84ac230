/*
Package adjustment is the government's direct lever on a balance.

PURPOSE:
  An admin adjustment credits or debits one organization by a signed number
  of units. It follows the initiative agreement lifecycle (analyst drafts and
  recommends, director approves) but its amount may be negative, and a debit
  may take the organization's total balance below zero.

LEDGER EFFECTS:
  Recommended → Approved  Adjustment ±units, government issued, so the
                          organization need not be Registered
*/
package adjustment

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

var transitions = ledger.RoleTable[Status]{
	{StatusDraft, StatusRecommended}:    ledger.RoleAnalyst,
	{StatusDraft, StatusDeleted}:        ledger.RoleAnalyst,
	{StatusRecommended, StatusDeleted}:  ledger.RoleAnalyst,
	{StatusRecommended, StatusDraft}:    ledger.RoleDirector,
	{StatusRecommended, StatusApproved}: ledger.RoleDirector,
}

// Adjustment is one administrative credit or debit.
type Adjustment struct {
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

func (a Adjustment) CompliancePeriod() ledger.CompliancePeriod {
	return ledger.PeriodOf(a.EffectiveDate)
}

func (a Adjustment) record() (ledger.WorkflowRecord, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return ledger.WorkflowRecord{}, fmt.Errorf("failed to encode admin adjustment: %w", err)
	}
	return ledger.WorkflowRecord{
		Kind:             ledger.KindAdminAdjustment,
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

func fromRecord(rec ledger.WorkflowRecord) (Adjustment, error) {
	var a Adjustment
	if err := json.Unmarshal(rec.Payload, &a); err != nil {
		return Adjustment{}, fmt.Errorf("failed to decode admin adjustment %s: %w", rec.ID, err)
	}
	a.ID = rec.ID
	a.Status = Status(rec.Status)
	a.Version = rec.Version
	a.CreatedAt, a.UpdatedAt = rec.CreatedAt, rec.UpdatedAt
	return a, nil
}

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
	if d.ComplianceUnits == 0 {
		return ledger.NewValidationError("compliance_units", "must be non-zero")
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
