/*
Package ledger provides the compliance-unit ledger core.

PURPOSE:
  This package owns the append-only transaction log, the balance projection
  kept on every organization, and the per-organization credit ledger view.
  The four workflow engines (transfer, initiative, adjustment, report) never
  touch balances directly: they open a Session, and every ledger effect of a
  state transition goes through it so the whole transition commits or rolls
  back as one unit.

KEY CONCEPTS IN THIS FILE (types.go):
  - Organization: a regulated party with a denormalized balance
  - Transaction: an immutable ledger entry (Adjustment, Reserved, Released)
  - Balance: total / reserved / available, always derived from the log
  - Actor: the authenticated caller that drives a transition
  - WorkflowRecord: the persisted envelope of one workflow entity

DESIGN PRINCIPLES:
  1. Immutability: transactions are never updated or deleted
  2. Derivation: balances and the credit ledger are projections of the log
  3. Integer units: compliance units are whole numbers (int64)

SEE ALSO:
  - log.go: appending and releasing transactions
  - balance.go: balance projection
  - creditledger.go: the materialized per-organization ledger view
  - session.go: the unit of work used by workflow engines
*/
package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// OrganizationID identifies a regulated party.
type OrganizationID int64

// TransactionID is assigned by the store in strictly increasing order.
type TransactionID int64

// CompliancePeriod is a calendar year.
type CompliancePeriod int

func (p CompliancePeriod) String() string { return strconv.Itoa(int(p)) }

// PeriodOf returns the compliance period a date belongs to.
func PeriodOf(t time.Time) CompliancePeriod {
	return CompliancePeriod(t.UTC().Year())
}

// =============================================================================
// ORGANIZATION
// =============================================================================

type OrganizationStatus string

const (
	StatusUnregistered OrganizationStatus = "Unregistered"
	StatusRegistered   OrganizationStatus = "Registered"
	StatusSuspended    OrganizationStatus = "Suspended"
	StatusCanceled     OrganizationStatus = "Canceled"
)

func (s OrganizationStatus) Valid() bool {
	switch s {
	case StatusUnregistered, StatusRegistered, StatusSuspended, StatusCanceled:
		return true
	}
	return false
}

type OrganizationType string

const (
	TypeFuelSupplier OrganizationType = "fuel_supplier"
	TypeInitiative   OrganizationType = "initiative_agreement_holder"
	TypeBroker       OrganizationType = "broker"
	TypeGovernment   OrganizationType = "government"
)

func (t OrganizationType) Valid() bool {
	switch t {
	case TypeFuelSupplier, TypeInitiative, TypeBroker, TypeGovernment:
		return true
	}
	return false
}

// Organization is a regulated party. TotalBalance and ReservedBalance are a
// projection of the transaction log and are only written by the projector.
type Organization struct {
	ID              OrganizationID
	LegalName       string
	Status          OrganizationStatus
	Type            OrganizationType
	TotalBalance    int64
	ReservedBalance int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (o Organization) IsRegistered() bool { return o.Status == StatusRegistered }
func (o Organization) IsGovernment() bool { return o.Type == TypeGovernment }

func (o Organization) Balance() Balance {
	return Balance{OrganizationID: o.ID, Total: o.TotalBalance, Reserved: o.ReservedBalance}
}

// =============================================================================
// TRANSACTION
// =============================================================================

type Action string

const (
	// ActionAdjustment changes the total balance.
	ActionAdjustment Action = "Adjustment"
	// ActionReserved places a hold; units are always negative.
	ActionReserved Action = "Reserved"
	// ActionReleased cancels exactly one earlier Reserved row.
	ActionReleased Action = "Released"
)

type WorkflowKind string

const (
	KindTransfer            WorkflowKind = "Transfer"
	KindInitiativeAgreement WorkflowKind = "InitiativeAgreement"
	KindAdminAdjustment     WorkflowKind = "AdminAdjustment"
	KindComplianceReport    WorkflowKind = "ComplianceReport"
)

func (k WorkflowKind) Valid() bool {
	switch k {
	case KindTransfer, KindInitiativeAgreement, KindAdminAdjustment, KindComplianceReport:
		return true
	}
	return false
}

// Transaction is one immutable row of the log. EffectiveDate decides which
// compliance window the row counts toward. The ID orders the log.
type Transaction struct {
	ID               TransactionID
	OrganizationID   OrganizationID
	ComplianceUnits  int64
	Action           Action
	WorkflowKind     WorkflowKind
	WorkflowID       string
	ReleasesID       TransactionID // set on Released rows only
	CompliancePeriod CompliancePeriod
	EffectiveDate    time.Time
	CreateDate       time.Time
	CreatedBy        string
}

func (t Transaction) String() string {
	return fmt.Sprintf("tx#%d(org=%d %s %+d)", t.ID, t.OrganizationID, t.Action, t.ComplianceUnits)
}

// =============================================================================
// ACTOR
// =============================================================================

type Role string

const (
	RoleSupplier          Role = "Supplier"
	RoleAnalyst           Role = "Analyst"
	RoleComplianceManager Role = "ComplianceManager"
	RoleDirector          Role = "Director"
	RoleAdministrator     Role = "Administrator"
	RoleSystem            Role = "System"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSupplier, RoleAnalyst, RoleComplianceManager, RoleDirector, RoleAdministrator, RoleSystem:
		return true
	}
	return false
}

// IsGovernment reports whether the role acts on behalf of the regulator.
func (r Role) IsGovernment() bool {
	switch r {
	case RoleAnalyst, RoleComplianceManager, RoleDirector, RoleAdministrator, RoleSystem:
		return true
	}
	return false
}

// Actor is the caller driving an operation. Suppliers carry the organization
// they act for; government roles do not.
type Actor struct {
	ID             string
	Role           Role
	OrganizationID OrganizationID
}

// SystemActor is used for maintenance jobs.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

func (a Actor) String() string {
	if a.Role == RoleSupplier {
		return fmt.Sprintf("%s(%s@%d)", a.ID, a.Role, a.OrganizationID)
	}
	return fmt.Sprintf("%s(%s)", a.ID, a.Role)
}

func (a Actor) Validate() error {
	if a.ID == "" {
		return NewValidationError("actor", "actor id is required")
	}
	if !a.Role.Valid() {
		return NewValidationError("actor", fmt.Sprintf("unknown role %q", a.Role))
	}
	if a.Role == RoleSupplier && a.OrganizationID == 0 {
		return NewValidationError("actor", "supplier actor must carry an organization")
	}
	return nil
}

// ActsFor reports whether the actor is a supplier acting for org.
func (a Actor) ActsFor(org OrganizationID) bool {
	return a.Role == RoleSupplier && a.OrganizationID == org
}

// =============================================================================
// WORKFLOW ENVELOPE
// =============================================================================

// WorkflowRecord is the persisted form of a workflow entity. The engines own
// Payload; the store only indexes the envelope columns.
type WorkflowRecord struct {
	Kind             WorkflowKind
	ID               string
	Status           string
	Version          int
	OrganizationID   OrganizationID
	CounterpartyID   OrganizationID
	CompliancePeriod CompliancePeriod
	GroupID          string
	GroupVersion     int
	Payload          json.RawMessage
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Organizations returns the non-zero organizations the record references.
func (r WorkflowRecord) Organizations() []OrganizationID {
	var ids []OrganizationID
	if r.OrganizationID != 0 {
		ids = append(ids, r.OrganizationID)
	}
	if r.CounterpartyID != 0 && r.CounterpartyID != r.OrganizationID {
		ids = append(ids, r.CounterpartyID)
	}
	return ids
}

// WorkflowFilter selects workflow records. Zero fields match everything.
// OrganizationID matches either the owning organization or the counterparty.
type WorkflowFilter struct {
	Kind             WorkflowKind
	OrganizationID   OrganizationID
	CompliancePeriod CompliancePeriod
	Statuses         []string
	GroupID          string
	ExcludeIDs       []string
}

// HistoryEntry records one status change of a workflow entity.
type HistoryEntry struct {
	Kind       WorkflowKind
	WorkflowID string
	FromStatus string
	ToStatus   string
	ActorID    string
	ActorRole  Role
	Comment    string
	At         time.Time
}

// Edge is one status change of a workflow.
type Edge[S ~string] struct {
	From, To S
}

// RoleTable maps every allowed status change of a single-role workflow to
// the role that may take it.
type RoleTable[S ~string] map[Edge[S]]Role

// Role returns the role required for from -> to, if the edge exists.
func (t RoleTable[S]) Role(from, to S) (Role, bool) {
	role, ok := t[Edge[S]{from, to}]
	return role, ok
}

// CanEnter reports whether role may move some entity into to. Repeating a
// request for the status an entity already has is a no-op for such roles.
func (t RoleTable[S]) CanEnter(role Role, to S) bool {
	for e, r := range t {
		if e.To == to && r == role {
			return true
		}
	}
	return false
}

// =============================================================================
// CREDIT LEDGER VIEW
// =============================================================================

// CreditLedgerRow is one row of the per-organization ledger view.
type CreditLedgerRow struct {
	TransactionID         TransactionID
	TransactionType       WorkflowKind
	Action                Action
	CompliancePeriod      CompliancePeriod
	OrganizationID        OrganizationID
	ComplianceUnits       int64
	AvailableBalanceAfter int64
	UpdateDate            time.Time
}

type CreditLedgerFilter struct {
	OrganizationID   OrganizationID
	CompliancePeriod CompliancePeriod
	Ascending        bool
	Limit            int
	Offset           int
}
