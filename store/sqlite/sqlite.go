/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Single-node deployments and local development run the ledger on one SQLite
  file. Every unit of work is a database transaction; a process-wide mutex
  serializes writers, so organization locks are implicit.

APPEND-ONLY ENFORCEMENT:
  The transactions table rejects UPDATE and DELETE with triggers, and a
  partial unique index guarantees a Reserved row is released at most once.

KEY TABLES:
  organizations:    parties with their cached balances
  transactions:     the immutable ledger
  workflows:        workflow envelopes (payload is JSON)
  workflow_history: status changes
  credit_ledger:    materialized per-organization view
  audit_log:        row-level audit trail
  outbox:           notification events awaiting delivery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store)

MIGRATION:
  Schema is auto-migrated on New(). The PostgreSQL store uses versioned
  migrations instead.

SEE ALSO:
  - ledger/store.go: interface definitions
  - store/postgres: production implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/lcfs/compliance-ledger/ledger"
)

// timeLayout has a fixed width so text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var _ ledger.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: an in-memory database lives on it, and the store
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	store, err := NewWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an open database and migrates it.
func NewWithDB(db *sql.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

const schema = `
	CREATE TABLE IF NOT EXISTS organizations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		legal_name TEXT NOT NULL,
		status TEXT NOT NULL,
		type TEXT NOT NULL,
		total_balance INTEGER NOT NULL DEFAULT 0,
		reserved_balance INTEGER NOT NULL DEFAULT 0 CHECK (reserved_balance >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Immutable ledger
	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		organization_id INTEGER NOT NULL REFERENCES organizations(id),
		compliance_units INTEGER NOT NULL CHECK (compliance_units <> 0),
		action TEXT NOT NULL CHECK (action IN ('Adjustment', 'Reserved', 'Released')),
		workflow_kind TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		releases_id INTEGER REFERENCES transactions(id),
		compliance_period INTEGER NOT NULL,
		effective_date TEXT NOT NULL,
		create_date TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		CHECK (action <> 'Reserved' OR compliance_units < 0),
		CHECK ((action = 'Released') = (releases_id IS NOT NULL))
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_org_create
		ON transactions(organization_id, create_date, id);

	-- A reservation is released at most once
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_release
		ON transactions(releases_id) WHERE releases_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS transactions_no_update
		BEFORE UPDATE ON transactions
		BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END;

	CREATE TRIGGER IF NOT EXISTS transactions_no_delete
		BEFORE DELETE ON transactions
		BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END;

	CREATE TABLE IF NOT EXISTS workflows (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		organization_id INTEGER NOT NULL DEFAULT 0,
		counterparty_id INTEGER NOT NULL DEFAULT 0,
		compliance_period INTEGER NOT NULL DEFAULT 0,
		group_id TEXT NOT NULL DEFAULT '',
		group_version INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (kind, id)
	);

	CREATE INDEX IF NOT EXISTS idx_workflows_org ON workflows(organization_id);
	CREATE INDEX IF NOT EXISTS idx_workflows_counterparty ON workflows(counterparty_id);
	CREATE INDEX IF NOT EXISTS idx_workflows_group ON workflows(group_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_workflows_group_version
		ON workflows(kind, group_id, group_version) WHERE group_id <> '';

	CREATE TABLE IF NOT EXISTS workflow_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_workflow ON workflow_history(kind, workflow_id);

	CREATE TABLE IF NOT EXISTS credit_ledger (
		transaction_id INTEGER PRIMARY KEY,
		organization_id INTEGER NOT NULL,
		transaction_type TEXT NOT NULL,
		action TEXT NOT NULL,
		compliance_period INTEGER NOT NULL,
		compliance_units INTEGER NOT NULL,
		available_balance_after INTEGER NOT NULL,
		update_date TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_ledger_org
		ON credit_ledger(organization_id, update_date, transaction_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		operation TEXT NOT NULL,
		row_id TEXT NOT NULL,
		old_values TEXT,
		new_values TEXT,
		delta TEXT,
		actor_id TEXT NOT NULL,
		severity TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_row ON audit_log(table_name, row_id);

	CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		published_at TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(seq) WHERE published_at IS NULL;
`

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithinTx executes fn within a database transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapError(sqlTx.Commit())
}

// txStore runs every statement on one *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

// =============================================================================
// ORGANIZATIONS
// =============================================================================

func (ts *txStore) CreateOrganization(ctx context.Context, org ledger.Organization) (ledger.Organization, error) {
	var id any
	if org.ID != 0 {
		id = int64(org.ID)
	}
	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO organizations (id, legal_name, status, type, total_balance, reserved_balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?)`,
		id, org.LegalName, org.Status, org.Type, formatTime(org.CreatedAt), formatTime(org.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.Organization{}, ledger.NewValidationError("id", "organization already exists")
		}
		return ledger.Organization{}, mapError(fmt.Errorf("failed to insert organization: %w", err))
	}
	if org.ID == 0 {
		newID, err := res.LastInsertId()
		if err != nil {
			return ledger.Organization{}, err
		}
		org.ID = ledger.OrganizationID(newID)
	}
	org.TotalBalance, org.ReservedBalance = 0, 0
	return org, nil
}

const organizationColumns = `id, legal_name, status, type, total_balance, reserved_balance, created_at, updated_at`

func (ts *txStore) GetOrganization(ctx context.Context, id ledger.OrganizationID) (ledger.Organization, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE id = ?`, int64(id))
	org, err := scanOrganization(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Organization{}, &ledger.NotFoundError{Entity: "organization", ID: strconv.FormatInt(int64(id), 10)}
	}
	return org, err
}

func (ts *txStore) ListOrganizations(ctx context.Context) ([]ledger.Organization, error) {
	rows, err := ts.tx.QueryContext(ctx, `SELECT `+organizationColumns+` FROM organizations ORDER BY id`)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query organizations: %w", err))
	}
	defer rows.Close()

	var orgs []ledger.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

func (ts *txStore) UpdateOrganizationStatus(ctx context.Context, id ledger.OrganizationID, status ledger.OrganizationStatus, at time.Time) error {
	return ts.updateOrganization(ctx, id,
		`UPDATE organizations SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(at), int64(id))
}

func (ts *txStore) UpdateBalances(ctx context.Context, id ledger.OrganizationID, total, reserved int64, at time.Time) error {
	return ts.updateOrganization(ctx, id,
		`UPDATE organizations SET total_balance = ?, reserved_balance = ?, updated_at = ? WHERE id = ?`,
		total, reserved, formatTime(at), int64(id))
}

func (ts *txStore) updateOrganization(ctx context.Context, id ledger.OrganizationID, query string, args ...any) error {
	res, err := ts.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(fmt.Errorf("failed to update organization: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Entity: "organization", ID: strconv.FormatInt(int64(id), 10)}
	}
	return nil
}

// LockOrganizations checks existence only; the store mutex serializes
// every unit of work.
func (ts *txStore) LockOrganizations(ctx context.Context, ids []ledger.OrganizationID) error {
	for _, id := range ids {
		var found int64
		err := ts.tx.QueryRowContext(ctx, `SELECT id FROM organizations WHERE id = ?`, int64(id)).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return &ledger.NotFoundError{Entity: "organization", ID: strconv.FormatInt(int64(id), 10)}
		}
		if err != nil {
			return mapError(err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS (append-only)
// =============================================================================

func (ts *txStore) InsertTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	var releases any
	if tx.ReleasesID != 0 {
		releases = int64(tx.ReleasesID)
	}
	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO transactions
		(organization_id, compliance_units, action, workflow_kind, workflow_id, releases_id,
		 compliance_period, effective_date, create_date, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(tx.OrganizationID), tx.ComplianceUnits, tx.Action, tx.WorkflowKind, tx.WorkflowID, releases,
		int(tx.CompliancePeriod), formatTime(tx.EffectiveDate), formatTime(tx.CreateDate), tx.CreatedBy,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.Transaction{}, ledger.ErrAlreadyReleased
		}
		if isForeignKeyError(err) {
			return ledger.Transaction{}, &ledger.NotFoundError{Entity: "organization", ID: strconv.FormatInt(int64(tx.OrganizationID), 10)}
		}
		return ledger.Transaction{}, mapError(fmt.Errorf("failed to append transaction: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Transaction{}, err
	}
	tx.ID = ledger.TransactionID(id)
	return tx, nil
}

const transactionColumns = `id, organization_id, compliance_units, action, workflow_kind, workflow_id,
	COALESCE(releases_id, 0), compliance_period, effective_date, create_date, created_by`

func (ts *txStore) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, int64(id))
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, &ledger.NotFoundError{Entity: "transaction", ID: strconv.FormatInt(int64(id), 10)}
	}
	return tx, err
}

func (ts *txStore) FindRelease(ctx context.Context, reservedID ledger.TransactionID) (ledger.Transaction, bool, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE releases_id = ?`, int64(reservedID))
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	return tx, true, nil
}

func (ts *txStore) LoadTransactions(ctx context.Context, org ledger.OrganizationID) ([]ledger.Transaction, error) {
	rows, err := ts.tx.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE organization_id = ? ORDER BY id`,
		int64(org))
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query transactions: %w", err))
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// WORKFLOWS
// =============================================================================

func (ts *txStore) InsertWorkflow(ctx context.Context, rec ledger.WorkflowRecord) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO workflows
		(kind, id, status, version, organization_id, counterparty_id, compliance_period,
		 group_id, group_version, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Kind, rec.ID, rec.Status, rec.Version, int64(rec.OrganizationID), int64(rec.CounterpartyID),
		int(rec.CompliancePeriod), rec.GroupID, rec.GroupVersion, string(rec.Payload),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return groupVersionTaken(rec)
		}
		if isUniqueConstraintError(err) {
			return ledger.NewValidationError("id", "workflow already exists")
		}
		return mapError(fmt.Errorf("failed to insert workflow: %w", err))
	}
	return nil
}

func groupVersionTaken(rec ledger.WorkflowRecord) error {
	return fmt.Errorf("%w: group %s already has version %d", ledger.ErrStaleVersion, rec.GroupID, rec.GroupVersion)
}

func (ts *txStore) UpdateWorkflow(ctx context.Context, rec ledger.WorkflowRecord, expectedVersion int) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE workflows SET status = ?, version = ?, organization_id = ?, counterparty_id = ?,
			compliance_period = ?, group_id = ?, group_version = ?, payload = ?, updated_at = ?
		WHERE kind = ? AND id = ? AND version = ?`,
		rec.Status, rec.Version, int64(rec.OrganizationID), int64(rec.CounterpartyID),
		int(rec.CompliancePeriod), rec.GroupID, rec.GroupVersion, string(rec.Payload), formatTime(rec.UpdatedAt),
		rec.Kind, rec.ID, expectedVersion,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to update workflow: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	cur, err := ts.GetWorkflow(ctx, rec.Kind, rec.ID)
	if err != nil {
		return err
	}
	return &ledger.ConflictError{Kind: rec.Kind, ID: rec.ID, ExpectedVersion: expectedVersion, ActualVersion: cur.Version, ActualStatus: cur.Status}
}

const workflowColumns = `kind, id, status, version, organization_id, counterparty_id, compliance_period,
	group_id, group_version, payload, created_at, updated_at`

func (ts *txStore) GetWorkflow(ctx context.Context, kind ledger.WorkflowKind, id string) (ledger.WorkflowRecord, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE kind = ? AND id = ?`, kind, id)
	rec, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.WorkflowRecord{}, &ledger.NotFoundError{Entity: string(kind), ID: id}
	}
	return rec, err
}

func (ts *txStore) FindWorkflows(ctx context.Context, f ledger.WorkflowFilter) ([]ledger.WorkflowRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.OrganizationID != 0 {
		where = append(where, "(organization_id = ? OR counterparty_id = ?)")
		args = append(args, int64(f.OrganizationID), int64(f.OrganizationID))
	}
	if f.CompliancePeriod != 0 {
		where = append(where, "compliance_period = ?")
		args = append(args, int(f.CompliancePeriod))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if len(f.ExcludeIDs) > 0 {
		where = append(where, "id NOT IN ("+placeholders(len(f.ExcludeIDs))+")")
		for _, id := range f.ExcludeIDs {
			args = append(args, id)
		}
	}
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := ts.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query workflows: %w", err))
	}
	defer rows.Close()

	var recs []ledger.WorkflowRecord
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (ts *txStore) AppendHistory(ctx context.Context, e ledger.HistoryEntry) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO workflow_history (kind, workflow_id, from_status, to_status, actor_id, actor_role, comment, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Kind, e.WorkflowID, e.FromStatus, e.ToStatus, e.ActorID, e.ActorRole, e.Comment, formatTime(e.At),
	)
	return mapError(err)
}

func (ts *txStore) History(ctx context.Context, kind ledger.WorkflowKind, id string) ([]ledger.HistoryEntry, error) {
	rows, err := ts.tx.QueryContext(ctx, `
		SELECT kind, workflow_id, from_status, to_status, actor_id, actor_role, comment, at
		FROM workflow_history WHERE kind = ? AND workflow_id = ? ORDER BY id`, kind, id)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query history: %w", err))
	}
	defer rows.Close()

	var entries []ledger.HistoryEntry
	for rows.Next() {
		var (
			e  ledger.HistoryEntry
			at string
		)
		if err := rows.Scan(&e.Kind, &e.WorkflowID, &e.FromStatus, &e.ToStatus, &e.ActorID, &e.ActorRole, &e.Comment, &at); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.At = parseTime(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// CREDIT LEDGER
// =============================================================================

func (ts *txStore) ReplaceCreditLedger(ctx context.Context, org ledger.OrganizationID, rows []ledger.CreditLedgerRow) error {
	if _, err := ts.tx.ExecContext(ctx, `DELETE FROM credit_ledger WHERE organization_id = ?`, int64(org)); err != nil {
		return mapError(fmt.Errorf("failed to clear credit ledger: %w", err))
	}
	stmt, err := ts.tx.PrepareContext(ctx, `
		INSERT INTO credit_ledger
		(transaction_id, organization_id, transaction_type, action, compliance_period,
		 compliance_units, available_balance_after, update_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return mapError(err)
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.ExecContext(ctx, int64(r.TransactionID), int64(org), r.TransactionType, r.Action,
			int(r.CompliancePeriod), r.ComplianceUnits, r.AvailableBalanceAfter, formatTime(r.UpdateDate))
		if err != nil {
			return mapError(fmt.Errorf("failed to write credit ledger: %w", err))
		}
	}
	return nil
}

func (ts *txStore) CreditLedger(ctx context.Context, f ledger.CreditLedgerFilter) ([]ledger.CreditLedgerRow, error) {
	query := `
		SELECT transaction_id, organization_id, transaction_type, action, compliance_period,
		       compliance_units, available_balance_after, update_date
		FROM credit_ledger WHERE organization_id = ?`
	args := []any{int64(f.OrganizationID)}
	if f.CompliancePeriod != 0 {
		query += ` AND compliance_period = ?`
		args = append(args, int(f.CompliancePeriod))
	}
	if f.Ascending {
		query += ` ORDER BY update_date ASC, transaction_id ASC`
	} else {
		query += ` ORDER BY update_date DESC, transaction_id DESC`
	}
	query += ` LIMIT ? OFFSET ?`
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, f.Offset)

	rows, err := ts.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query credit ledger: %w", err))
	}
	defer rows.Close()

	var out []ledger.CreditLedgerRow
	for rows.Next() {
		var (
			r  ledger.CreditLedgerRow
			at string
		)
		if err := rows.Scan(&r.TransactionID, &r.OrganizationID, &r.TransactionType, &r.Action, &r.CompliancePeriod,
			&r.ComplianceUnits, &r.AvailableBalanceAfter, &at); err != nil {
			return nil, fmt.Errorf("failed to scan credit ledger: %w", err)
		}
		r.UpdateDate = parseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// JOURNAL
// =============================================================================

func (ts *txStore) AppendAudit(ctx context.Context, rec ledger.AuditRecord) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, table_name, operation, row_id, old_values, new_values, delta, actor_id, severity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Table, rec.Operation, rec.RowID,
		jsonText(rec.OldValues), jsonText(rec.NewValues), jsonText(rec.Delta),
		rec.ActorID, rec.Severity, formatTime(rec.CreatedAt),
	)
	return mapError(err)
}

func (ts *txStore) ListAudit(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Table != "" {
		where = append(where, "table_name = ?")
		args = append(args, f.Table)
	}
	if f.RowID != "" {
		where = append(where, "row_id = ?")
		args = append(args, f.RowID)
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, f.Severity)
	}
	query := `SELECT id, table_name, operation, row_id, old_values, new_values, delta, actor_id, severity, created_at FROM audit_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY rowid`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := ts.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query audit log: %w", err))
	}
	defer rows.Close()

	var out []ledger.AuditRecord
	for rows.Next() {
		var (
			rec               ledger.AuditRecord
			oldV, newV, delta sql.NullString
			createdAt         string
		)
		if err := rows.Scan(&rec.ID, &rec.Table, &rec.Operation, &rec.RowID, &oldV, &newV, &delta,
			&rec.ActorID, &rec.Severity, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.OldValues = parseJSONMap(oldV)
		rec.NewValues = parseJSONMap(newV)
		rec.Delta = parseJSONMap(delta)
		rec.CreatedAt = parseTime(createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (ts *txStore) EnqueueEvent(ctx context.Context, entry ledger.OutboxEntry) error {
	payload, err := json.Marshal(entry.Event)
	if err != nil {
		return err
	}
	_, err = ts.tx.ExecContext(ctx, `INSERT INTO outbox (event_id, payload, created_at) VALUES (?, ?, ?)`,
		entry.Event.ID, string(payload), formatTime(entry.CreatedAt))
	return mapError(err)
}

func (ts *txStore) PendingEvents(ctx context.Context, limit int) ([]ledger.OutboxEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := ts.tx.QueryContext(ctx, `
		SELECT payload, created_at, attempts, last_error FROM outbox
		WHERE published_at IS NULL ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to query outbox: %w", err))
	}
	defer rows.Close()

	var out []ledger.OutboxEntry
	for rows.Next() {
		var (
			entry     ledger.OutboxEntry
			payload   string
			createdAt string
		)
		if err := rows.Scan(&payload, &createdAt, &entry.Attempts, &entry.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &entry.Event); err != nil {
			return nil, fmt.Errorf("failed to decode outbox event: %w", err)
		}
		entry.CreatedAt = parseTime(createdAt)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (ts *txStore) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{formatTime(at)}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := ts.tx.ExecContext(ctx,
		`UPDATE outbox SET published_at = ? WHERE event_id IN (`+placeholders(len(ids))+`)`, args...)
	return mapError(err)
}

func (ts *txStore) MarkFailed(ctx context.Context, ids []string, lastError string) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{lastError}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := ts.tx.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE event_id IN (`+placeholders(len(ids))+`)`, args...)
	return mapError(err)
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanOrganization(row scanner) (ledger.Organization, error) {
	var (
		org                  ledger.Organization
		createdAt, updatedAt string
	)
	err := row.Scan(&org.ID, &org.LegalName, &org.Status, &org.Type, &org.TotalBalance, &org.ReservedBalance, &createdAt, &updatedAt)
	if err != nil {
		return org, err
	}
	org.CreatedAt = parseTime(createdAt)
	org.UpdatedAt = parseTime(updatedAt)
	return org, nil
}

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		tx                        ledger.Transaction
		effectiveDate, createDate string
	)
	err := row.Scan(&tx.ID, &tx.OrganizationID, &tx.ComplianceUnits, &tx.Action, &tx.WorkflowKind, &tx.WorkflowID,
		&tx.ReleasesID, &tx.CompliancePeriod, &effectiveDate, &createDate, &tx.CreatedBy)
	if err != nil {
		return tx, err
	}
	tx.EffectiveDate = parseTime(effectiveDate)
	tx.CreateDate = parseTime(createDate)
	return tx, nil
}

func scanWorkflow(row scanner) (ledger.WorkflowRecord, error) {
	var (
		rec                  ledger.WorkflowRecord
		payload              string
		createdAt, updatedAt string
	)
	err := row.Scan(&rec.Kind, &rec.ID, &rec.Status, &rec.Version, &rec.OrganizationID, &rec.CounterpartyID,
		&rec.CompliancePeriod, &rec.GroupID, &rec.GroupVersion, &payload, &createdAt, &updatedAt)
	if err != nil {
		return rec, err
	}
	rec.Payload = json.RawMessage(payload)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func jsonText(m map[string]any) sql.NullString {
	if m == nil {
		return sql.NullString{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func parseJSONMap(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

// mapError turns lock contention into ledger.ErrUnavailable.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	return err
}
