/*
Package transfer moves compliance units between two supplier organizations.

PURPOSE:
  A transfer is proposed by the sending supplier, accepted by the receiving
  supplier, recommended by an analyst and recorded or refused by the
  director. Units leave the sender's available balance as soon as the
  proposal is sent, as a hold, and only move for good when the director
  records the transfer.

STATE MACHINE:

	Draft ──► Sent ──► Submitted ──► Recommended ──► Recorded
	  │         │          │   │            │
	  ▼         ▼          ▼   ▼            ▼
	Deleted  Rescinded  Rescinded Declined  Refused

LEDGER EFFECTS:
  Draft → Sent            Reserved −q on the sender
  Recommended → Recorded  Adjustment −q sender, Adjustment +q receiver
  any exit from Sent, Submitted or Recommended releases the hold

  Every row shares the agreement date as its effective date, so the four
  rows of a recorded transfer always fall in the same compliance window.

SEE ALSO:
  - engine.go: transitions inside a ledger unit of work
*/
package transfer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lcfs/compliance-ledger/ledger"
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusDraft       Status = "Draft"
	StatusSent        Status = "Sent"
	StatusSubmitted   Status = "Submitted"
	StatusRecommended Status = "Recommended"
	StatusRecorded    Status = "Recorded"
	StatusRefused     Status = "Refused"
	StatusDeleted     Status = "Deleted"
	StatusRescinded   Status = "Rescinded"
	StatusDeclined    Status = "Declined"
)

// HoldsReservation reports whether a transfer in this status has units on
// hold in the sender's balance.
func (s Status) HoldsReservation() bool {
	switch s {
	case StatusSent, StatusSubmitted, StatusRecommended:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusRecorded, StatusRefused, StatusDeleted, StatusRescinded, StatusDeclined:
		return true
	}
	return false
}

// notifies lists the terminal statuses that publish an event.
func (s Status) notifies() bool {
	return s.Terminal() && s != StatusDeleted
}

// =============================================================================
// TRANSITION TABLE
// =============================================================================

type party int

const (
	sender party = iota
	receiver
	analyst
	director
)

func (p party) allows(actor ledger.Actor, t Transfer) bool {
	switch p {
	case sender:
		return actor.ActsFor(t.FromOrganizationID)
	case receiver:
		return actor.ActsFor(t.ToOrganizationID)
	case analyst:
		return actor.Role == ledger.RoleAnalyst
	case director:
		return actor.Role == ledger.RoleDirector
	}
	return false
}

func (p party) String() string {
	return [...]string{"sending supplier", "receiving supplier", "analyst", "director"}[p]
}

type edge struct {
	from, to Status
}

var transitions = map[edge]party{
	{StatusDraft, StatusSent}:            sender,
	{StatusDraft, StatusDeleted}:         sender,
	{StatusSent, StatusSubmitted}:        receiver,
	{StatusSent, StatusRescinded}:        sender,
	{StatusSubmitted, StatusRescinded}:   sender,
	{StatusSubmitted, StatusDeclined}:    receiver,
	{StatusSubmitted, StatusRecommended}: analyst,
	{StatusRecommended, StatusRecorded}:  director,
	{StatusRecommended, StatusRefused}:   director,
}

// canEnter reports whether actor may fire some transition ending in to.
func canEnter(actor ledger.Actor, t Transfer, to Status) bool {
	for e, p := range transitions {
		if e.to == to && p.allows(actor, t) {
			return true
		}
	}
	return false
}

// =============================================================================
// TRANSFER
// =============================================================================

// Transfer is one proposal to move units between two organizations. The price
// is informational; only Quantity reaches the ledger.
type Transfer struct {
	ID                 string                `json:"id"`
	Status             Status                `json:"status"`
	Version            int                   `json:"version"`
	FromOrganizationID ledger.OrganizationID `json:"from_organization_id"`
	ToOrganizationID   ledger.OrganizationID `json:"to_organization_id"`
	Quantity           int64                 `json:"quantity"`
	PricePerUnit       decimal.Decimal       `json:"price_per_unit"`
	AgreementDate      time.Time             `json:"agreement_date"`
	Comment            string                `json:"comment,omitempty"`

	ReservedTransactionID ledger.TransactionID `json:"reserved_transaction_id,omitempty"`
	ReleasedTransactionID ledger.TransactionID `json:"released_transaction_id,omitempty"`
	DebitTransactionID    ledger.TransactionID `json:"debit_transaction_id,omitempty"`
	CreditTransactionID   ledger.TransactionID `json:"credit_transaction_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TotalValue is quantity times price per unit.
func (t Transfer) TotalValue() decimal.Decimal {
	return t.PricePerUnit.Mul(decimal.NewFromInt(t.Quantity))
}

// CompliancePeriod is the year of the agreement date.
func (t Transfer) CompliancePeriod() ledger.CompliancePeriod {
	return ledger.PeriodOf(t.AgreementDate)
}

func (t Transfer) record() (ledger.WorkflowRecord, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return ledger.WorkflowRecord{}, fmt.Errorf("failed to encode transfer: %w", err)
	}
	return ledger.WorkflowRecord{
		Kind:             ledger.KindTransfer,
		ID:               t.ID,
		Status:           string(t.Status),
		Version:          t.Version,
		OrganizationID:   t.FromOrganizationID,
		CounterpartyID:   t.ToOrganizationID,
		CompliancePeriod: t.CompliancePeriod(),
		Payload:          payload,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}, nil
}

func fromRecord(rec ledger.WorkflowRecord) (Transfer, error) {
	var t Transfer
	if err := json.Unmarshal(rec.Payload, &t); err != nil {
		return Transfer{}, fmt.Errorf("failed to decode transfer %s: %w", rec.ID, err)
	}
	t.ID = rec.ID
	t.Status = Status(rec.Status)
	t.Version = rec.Version
	t.CreatedAt, t.UpdatedAt = rec.CreatedAt, rec.UpdatedAt
	return t, nil
}

// =============================================================================
// INPUTS
// =============================================================================

// Draft holds the editable fields of a transfer.
type Draft struct {
	FromOrganizationID ledger.OrganizationID
	ToOrganizationID   ledger.OrganizationID
	Quantity           int64
	PricePerUnit       decimal.Decimal
	AgreementDate      time.Time
	Comment            string
}

func (d Draft) validate() error {
	if d.FromOrganizationID == 0 {
		return ledger.NewValidationError("from_organization_id", "is required")
	}
	if d.ToOrganizationID == 0 {
		return ledger.NewValidationError("to_organization_id", "is required")
	}
	if d.FromOrganizationID == d.ToOrganizationID {
		return ledger.NewValidationError("to_organization_id", "must differ from the sending organization")
	}
	if d.Quantity <= 0 {
		return ledger.NewValidationError("quantity", "must be positive")
	}
	if d.PricePerUnit.IsNegative() {
		return ledger.NewValidationError("price_per_unit", "must not be negative")
	}
	return nil
}

// TransitionInput asks to move transfer ID to status To. ExpectedVersion, when
// set, must match the stored version.
type TransitionInput struct {
	ID              string
	To              Status
	ExpectedVersion *int
	Comment         string
}

// Filter selects transfers. OrganizationID matches either side.
type Filter struct {
	OrganizationID ledger.OrganizationID
	Statuses       []Status
}
