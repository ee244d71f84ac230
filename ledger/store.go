/*
store.go - Persistence interface for the ledger

PURPOSE:
  Defines the boundary between ledger logic and the database. Every ledger
  write happens inside TxStore.WithinTx so a workflow transition, its ledger
  rows, the balance projection, the credit ledger view, the audit records and
  the outbox events all commit together.

KEY INTERFACES:
  OrganizationStore: parties and their projected balances
  TransactionStore:  the append-only log (no Update, no Delete)
  WorkflowStore:     workflow envelopes with optimistic versioning
  CreditLedgerStore: the materialized per-organization ledger view
  JournalStore:      audit records and the notification outbox
  TxStore:           atomic unit of work across all of the above

LOCKING:
  LockOrganizations serializes writers per organization. Callers pass every
  organization they will touch in one call; implementations lock in ascending
  id order so two units of work never wait on each other in a cycle.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and demos
  - store/sqlite: single-node deployments
  - store/postgres: production

SEE ALSO:
  - ledger/storetest: conformance suite every implementation runs
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Persistence for one unit of work
// =============================================================================

type OrganizationStore interface {
	// CreateOrganization persists org. A zero ID is assigned by the store.
	CreateOrganization(ctx context.Context, org Organization) (Organization, error)
	GetOrganization(ctx context.Context, id OrganizationID) (Organization, error)
	ListOrganizations(ctx context.Context) ([]Organization, error)
	UpdateOrganizationStatus(ctx context.Context, id OrganizationID, status OrganizationStatus, at time.Time) error
	// UpdateBalances is written by the projector only.
	UpdateBalances(ctx context.Context, id OrganizationID, total, reserved int64, at time.Time) error
	// LockOrganizations blocks until the caller holds the write lock of every
	// organization in ids. Locks are released when the unit of work ends.
	LockOrganizations(ctx context.Context, ids []OrganizationID) error
}

// TransactionStore is APPEND-ONLY. No Update, No Delete. Ever.
type TransactionStore interface {
	// InsertTransaction assigns the next ID and persists tx.
	InsertTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)
	// FindRelease returns the Released row pointing at reservedID, if any.
	FindRelease(ctx context.Context, reservedID TransactionID) (Transaction, bool, error)
	// LoadTransactions returns every row of org ordered by ID. IDs are
	// allocated under the organization lock, so this is commit order.
	LoadTransactions(ctx context.Context, org OrganizationID) ([]Transaction, error)
}

type WorkflowStore interface {
	InsertWorkflow(ctx context.Context, rec WorkflowRecord) error
	// UpdateWorkflow overwrites the record if the stored version equals
	// expectedVersion, otherwise it returns ErrStaleVersion.
	UpdateWorkflow(ctx context.Context, rec WorkflowRecord, expectedVersion int) error
	GetWorkflow(ctx context.Context, kind WorkflowKind, id string) (WorkflowRecord, error)
	// FindWorkflows returns matching records ordered by (CreatedAt, ID).
	FindWorkflows(ctx context.Context, filter WorkflowFilter) ([]WorkflowRecord, error)
	AppendHistory(ctx context.Context, entry HistoryEntry) error
	History(ctx context.Context, kind WorkflowKind, id string) ([]HistoryEntry, error)
}

type CreditLedgerStore interface {
	// ReplaceCreditLedger swaps every row of org for rows.
	ReplaceCreditLedger(ctx context.Context, org OrganizationID, rows []CreditLedgerRow) error
	CreditLedger(ctx context.Context, filter CreditLedgerFilter) ([]CreditLedgerRow, error)
}

type JournalStore interface {
	AppendAudit(ctx context.Context, rec AuditRecord) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)
	EnqueueEvent(ctx context.Context, entry OutboxEntry) error
	// PendingEvents returns unpublished entries, oldest first.
	PendingEvents(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkPublished(ctx context.Context, ids []string, at time.Time) error
	MarkFailed(ctx context.Context, ids []string, lastError string) error
}

// RowClaimer is implemented by stores whose PendingEvents locks the rows it
// returns until the transaction ends. Stores without it serialize whole
// transactions, so a claim must not be held across network I/O.
type RowClaimer interface {
	ClaimsRows() bool
}

// Store is the full persistence surface available inside a unit of work.
type Store interface {
	OrganizationStore
	TransactionStore
	WorkflowStore
	CreditLedgerStore
	JournalStore
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore runs units of work.
type TxStore interface {
	// WithinTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithinTx(ctx context.Context, fn func(Store) error) error
}
