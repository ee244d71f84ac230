/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Workflow entities
  (transfers, agreements, adjustments, reports) already carry JSON tags and
  are returned as they are; ledger types are mapped here so the wire names
  stay stable when the ledger's Go types change.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done by the engines. DTOs are pure data carriers; the
  handlers only parse dates and identifiers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/lcfs/compliance-ledger/ledger"
)

// =============================================================================
// ORGANIZATIONS & BALANCES
// =============================================================================

type OrganizationDTO struct {
	ID               ledger.OrganizationID     `json:"id"`
	LegalName        string                    `json:"legal_name"`
	Status           ledger.OrganizationStatus `json:"status"`
	Type             ledger.OrganizationType   `json:"type"`
	TotalBalance     int64                     `json:"total_balance"`
	ReservedBalance  int64                     `json:"reserved_balance"`
	AvailableBalance int64                     `json:"available_balance"`
	CreatedAt        string                    `json:"created_at"`
	UpdatedAt        string                    `json:"updated_at"`
}

func toOrganizationDTO(o ledger.Organization) OrganizationDTO {
	return OrganizationDTO{
		ID:               o.ID,
		LegalName:        o.LegalName,
		Status:           o.Status,
		Type:             o.Type,
		TotalBalance:     o.TotalBalance,
		ReservedBalance:  o.ReservedBalance,
		AvailableBalance: o.Balance().Available(),
		CreatedAt:        o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        o.UpdatedAt.Format(time.RFC3339),
	}
}

type CreateOrganizationRequest struct {
	ID        ledger.OrganizationID     `json:"id,omitempty"`
	LegalName string                    `json:"legal_name"`
	Type      ledger.OrganizationType   `json:"type"`
	Status    ledger.OrganizationStatus `json:"status,omitempty"`
}

type SetStatusRequest struct {
	Status ledger.OrganizationStatus `json:"status"`
}

type BalanceDTO struct {
	OrganizationID ledger.OrganizationID `json:"organization_id"`
	Total          int64                 `json:"total_balance"`
	Reserved       int64                 `json:"reserved_balance"`
	Available      int64                 `json:"available_balance"`
	AsOf           string                `json:"as_of,omitempty"`
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		OrganizationID: b.OrganizationID,
		Total:          b.Total,
		Reserved:       b.Reserved,
		Available:      b.Available(),
	}
}

// =============================================================================
// LEDGER
// =============================================================================

type TransactionDTO struct {
	ID               ledger.TransactionID  `json:"id"`
	OrganizationID   ledger.OrganizationID `json:"organization_id"`
	ComplianceUnits  int64                 `json:"compliance_units"`
	Action           ledger.Action         `json:"action"`
	WorkflowType     ledger.WorkflowKind   `json:"workflow_type"`
	WorkflowID       string                `json:"workflow_id"`
	ReleasesID       ledger.TransactionID  `json:"releases_id,omitempty"`
	CompliancePeriod string                `json:"compliance_period"`
	EffectiveDate    string                `json:"effective_date"`
	CreateDate       string                `json:"create_date"`
	CreatedBy        string                `json:"created_by,omitempty"`
}

func toTransactionDTO(t ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:               t.ID,
		OrganizationID:   t.OrganizationID,
		ComplianceUnits:  t.ComplianceUnits,
		Action:           t.Action,
		WorkflowType:     t.WorkflowKind,
		WorkflowID:       t.WorkflowID,
		ReleasesID:       t.ReleasesID,
		CompliancePeriod: t.CompliancePeriod.String(),
		EffectiveDate:    t.EffectiveDate.Format(time.RFC3339),
		CreateDate:       t.CreateDate.Format(time.RFC3339),
		CreatedBy:        t.CreatedBy,
	}
}

type CreditLedgerRowDTO struct {
	TransactionID         ledger.TransactionID  `json:"transaction_id"`
	TransactionType       ledger.WorkflowKind   `json:"transaction_type"`
	Action                ledger.Action         `json:"action"`
	CompliancePeriod      string                `json:"compliance_period"`
	OrganizationID        ledger.OrganizationID `json:"organization_id"`
	ComplianceUnits       int64                 `json:"compliance_units"`
	AvailableBalanceAfter int64                 `json:"available_balance"`
	UpdateDate            string                `json:"update_date"`
}

func toCreditLedgerDTO(r ledger.CreditLedgerRow) CreditLedgerRowDTO {
	return CreditLedgerRowDTO{
		TransactionID:         r.TransactionID,
		TransactionType:       r.TransactionType,
		Action:                r.Action,
		CompliancePeriod:      r.CompliancePeriod.String(),
		OrganizationID:        r.OrganizationID,
		ComplianceUnits:       r.ComplianceUnits,
		AvailableBalanceAfter: r.AvailableBalanceAfter,
		UpdateDate:            r.UpdateDate.Format(time.RFC3339),
	}
}

type HistoryDTO struct {
	FromStatus string      `json:"from_status,omitempty"`
	ToStatus   string      `json:"to_status"`
	ActorID    string      `json:"actor_id"`
	ActorRole  ledger.Role `json:"actor_role"`
	Comment    string      `json:"comment,omitempty"`
	At         string      `json:"at"`
}

func toHistoryDTOs(entries []ledger.HistoryEntry) []HistoryDTO {
	out := make([]HistoryDTO, len(entries))
	for i, e := range entries {
		out[i] = HistoryDTO{
			FromStatus: e.FromStatus,
			ToStatus:   e.ToStatus,
			ActorID:    e.ActorID,
			ActorRole:  e.ActorRole,
			Comment:    e.Comment,
			At:         e.At.Format(time.RFC3339),
		}
	}
	return out
}

type AuditDTO struct {
	ID        string                `json:"id"`
	Table     string                `json:"table"`
	Operation ledger.AuditOperation `json:"operation"`
	RowID     string                `json:"row_id"`
	OldValues map[string]any        `json:"old_values,omitempty"`
	NewValues map[string]any        `json:"new_values,omitempty"`
	Delta     map[string]any        `json:"delta,omitempty"`
	ActorID   string                `json:"actor_id"`
	Severity  ledger.AuditSeverity  `json:"severity"`
	CreatedAt string                `json:"created_at"`
}

func toAuditDTO(a ledger.AuditRecord) AuditDTO {
	return AuditDTO{
		ID:        a.ID,
		Table:     a.Table,
		Operation: a.Operation,
		RowID:     a.RowID,
		OldValues: a.OldValues,
		NewValues: a.NewValues,
		Delta:     a.Delta,
		ActorID:   a.ActorID,
		Severity:  a.Severity,
		CreatedAt: a.CreatedAt.Format(time.RFC3339),
	}
}

type WindowDTO struct {
	OrganizationID ledger.OrganizationID `json:"organization_id"`
	Year           int                   `json:"year"`
	Start          string                `json:"start"`
	End            string                `json:"end"`
}

type DriftDTO struct {
	OrganizationID ledger.OrganizationID `json:"organization_id"`
	Stored         BalanceDTO            `json:"stored"`
	Projected      BalanceDTO            `json:"projected"`
}

// =============================================================================
// WORKFLOW REQUESTS
// =============================================================================

// TransitionRequest moves a workflow to Status. ExpectedVersion is optional
// and enables optimistic concurrency.
type TransitionRequest struct {
	Status          string `json:"status"`
	ExpectedVersion *int   `json:"expected_version,omitempty"`
	Comment         string `json:"comment,omitempty"`
}

type TransferRequest struct {
	FromOrganizationID ledger.OrganizationID `json:"from_organization_id"`
	ToOrganizationID   ledger.OrganizationID `json:"to_organization_id"`
	Quantity           int64                 `json:"quantity"`
	PricePerUnit       decimal.Decimal       `json:"price_per_unit"`
	AgreementDate      string                `json:"agreement_date,omitempty"` // YYYY-MM-DD
	Comment            string                `json:"comment,omitempty"`
	ExpectedVersion    int                   `json:"expected_version,omitempty"`
}

// UnitsRequest drafts an initiative agreement or an admin adjustment.
type UnitsRequest struct {
	ToOrganizationID ledger.OrganizationID `json:"to_organization_id"`
	ComplianceUnits  int64                 `json:"compliance_units"`
	EffectiveDate    string                `json:"effective_date,omitempty"` // YYYY-MM-DD
	Comment          string                `json:"comment,omitempty"`
	ExpectedVersion  int                   `json:"expected_version,omitempty"`
}

type ReportRequest struct {
	OrganizationID   ledger.OrganizationID   `json:"organization_id"`
	CompliancePeriod ledger.CompliancePeriod `json:"compliance_period"`
	ComplianceUnits  int64                   `json:"compliance_units"`
	Comment          string                  `json:"comment,omitempty"`
}

type SupplementalRequest struct {
	BaseVersion int    `json:"base_version"`
	Comment     string `json:"comment,omitempty"`
}

type SetUnitsRequest struct {
	ComplianceUnits int64 `json:"compliance_units"`
	ExpectedVersion int   `json:"expected_version"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`

	// Conflict details
	CurrentStatus  string `json:"current_status,omitempty"`
	CurrentVersion int    `json:"current_version,omitempty"`

	// Insufficient balance details
	Available int64 `json:"available,omitempty"`
	Requested int64 `json:"requested,omitempty"`
}
