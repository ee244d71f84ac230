/*
Package postgres provides the production ledger.TxStore on PostgreSQL.

PURPOSE:
  Units of work run as READ COMMITTED transactions on a pgx pool. Writers on
  the same organization are serialized with row locks on the organizations
  table, always taken in ascending id order in a single statement, so two
  transfers between the same pair of organizations cannot deadlock.

CONCURRENCY:
  - LockOrganizations: SELECT ... ORDER BY id FOR UPDATE
  - UpdateWorkflow: optimistic version check in the WHERE clause
  - PendingEvents: FOR UPDATE SKIP LOCKED so relays can run side by side

ERRORS:
  Serialization failures, deadlocks and lock timeouts map to
  ledger.ErrUnavailable; callers may retry.

SEE ALSO:
  - migrate.go: versioned schema
  - store/sqlite: single-node implementation of the same contract
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lcfs/compliance-ledger/ledger"
)

// Store implements ledger.TxStore on a pgx pool.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

var (
	_ ledger.TxStore    = (*Store)(nil)
	_ ledger.RowClaimer = (*Store)(nil)
)

type Option func(*Store)

// WithLockTimeout bounds how long a unit of work waits for organization locks.
func WithLockTimeout(d time.Duration) Option { return func(s *Store) { s.lockTimeout = d } }

// New connects to url. Migrations are not applied; call Migrate first.
func New(ctx context.Context, url string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return NewWithPool(pool, opts...), nil
}

func NewWithPool(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, lockTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ClaimsRows reports that PendingEvents takes row locks, so the relay may
// publish while it holds them.
func (s *Store) ClaimsRows() bool { return true }

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithinTx executes fn within a database transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if s.lockTimeout > 0 {
		ms := strconv.FormatInt(s.lockTimeout.Milliseconds(), 10)
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, ms+"ms"); err != nil {
			return mapError(err)
		}
	}
	if err := fn(&txStore{q: tx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapError(tx.Commit(ctx))
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type txStore struct {
	q querier
}

// =============================================================================
// ORGANIZATIONS
// =============================================================================

func (ts *txStore) CreateOrganization(ctx context.Context, org ledger.Organization) (ledger.Organization, error) {
	var err error
	if org.ID == 0 {
		var id int64
		err = ts.q.QueryRow(ctx, `
			INSERT INTO organizations (legal_name, status, type, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			org.LegalName, string(org.Status), string(org.Type), org.CreatedAt, org.UpdatedAt,
		).Scan(&id)
		org.ID = ledger.OrganizationID(id)
	} else {
		_, err = ts.q.Exec(ctx, `
			INSERT INTO organizations (id, legal_name, status, type, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			int64(org.ID), org.LegalName, string(org.Status), string(org.Type), org.CreatedAt, org.UpdatedAt,
		)
		if err == nil {
			// Keep the sequence ahead of explicitly chosen ids.
			_, err = ts.q.Exec(ctx, `SELECT setval(pg_get_serial_sequence('organizations', 'id'), (SELECT MAX(id) FROM organizations))`)
		}
	}
	if err != nil {
		if pgCode(err) == "23505" {
			return ledger.Organization{}, ledger.NewValidationError("id", "organization already exists")
		}
		return ledger.Organization{}, mapError(fmt.Errorf("failed to insert organization: %w", err))
	}
	org.TotalBalance, org.ReservedBalance = 0, 0
	return org, nil
}

const organizationColumns = `id, legal_name, status, type, total_balance, reserved_balance, created_at, updated_at`

func (ts *txStore) GetOrganization(ctx context.Context, id ledger.OrganizationID) (ledger.Organization, error) {
	org, err := scanOrganization(ts.q.QueryRow(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Organization{}, organizationNotFound(id)
	}
	return org, mapError(err)
}

func (ts *txStore) ListOrganizations(ctx context.Context) ([]ledger.Organization, error) {
	rows, err := ts.q.Query(ctx, `SELECT `+organizationColumns+` FROM organizations ORDER BY id`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []ledger.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, org)
	}
	return out, mapError(rows.Err())
}

func (ts *txStore) UpdateOrganizationStatus(ctx context.Context, id ledger.OrganizationID, status ledger.OrganizationStatus, at time.Time) error {
	tag, err := ts.q.Exec(ctx, `UPDATE organizations SET status = $1, updated_at = $2 WHERE id = $3`, string(status), at, int64(id))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return organizationNotFound(id)
	}
	return nil
}

func (ts *txStore) UpdateBalances(ctx context.Context, id ledger.OrganizationID, total, reserved int64, at time.Time) error {
	tag, err := ts.q.Exec(ctx, `
		UPDATE organizations SET total_balance = $1, reserved_balance = $2, updated_at = $3 WHERE id = $4`,
		total, reserved, at, int64(id))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return organizationNotFound(id)
	}
	return nil
}

// LockOrganizations takes row locks in ascending id order in one statement.
func (ts *txStore) LockOrganizations(ctx context.Context, ids []ledger.OrganizationID) error {
	if len(ids) == 0 {
		return nil
	}
	want := make([]int64, len(ids))
	for i, id := range ids {
		want[i] = int64(id)
	}
	rows, err := ts.q.Query(ctx, `SELECT id FROM organizations WHERE id = ANY($1) ORDER BY id FOR UPDATE`, want)
	if err != nil {
		return mapError(err)
	}
	locked, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return mapError(err)
	}
	found := make(map[int64]bool, len(locked))
	for _, id := range locked {
		found[id] = true
	}
	for _, id := range want {
		if !found[id] {
			return organizationNotFound(ledger.OrganizationID(id))
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS (append-only)
// =============================================================================

func (ts *txStore) InsertTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	var releases *int64
	if tx.ReleasesID != 0 {
		r := int64(tx.ReleasesID)
		releases = &r
	}
	var id int64
	err := ts.q.QueryRow(ctx, `
		INSERT INTO transactions
		(organization_id, compliance_units, action, workflow_kind, workflow_id, releases_id,
		 compliance_period, effective_date, create_date, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		int64(tx.OrganizationID), tx.ComplianceUnits, string(tx.Action), string(tx.WorkflowKind), tx.WorkflowID, releases,
		int(tx.CompliancePeriod), tx.EffectiveDate, tx.CreateDate, tx.CreatedBy,
	).Scan(&id)
	if err != nil {
		switch pgCode(err) {
		case "23505":
			return ledger.Transaction{}, ledger.ErrAlreadyReleased
		case "23503":
			return ledger.Transaction{}, organizationNotFound(tx.OrganizationID)
		case "23514":
			return ledger.Transaction{}, &ledger.InvariantError{Invariant: "transaction-check", Detail: err.Error()}
		}
		return ledger.Transaction{}, mapError(fmt.Errorf("failed to append transaction: %w", err))
	}
	tx.ID = ledger.TransactionID(id)
	return tx, nil
}

const transactionColumns = `id, organization_id, compliance_units, action, workflow_kind, workflow_id,
	COALESCE(releases_id, 0), compliance_period, effective_date, create_date, created_by`

func (ts *txStore) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	tx, err := scanTransaction(ts.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, &ledger.NotFoundError{Entity: "transaction", ID: strconv.FormatInt(int64(id), 10)}
	}
	return tx, mapError(err)
}

func (ts *txStore) FindRelease(ctx context.Context, reservedID ledger.TransactionID) (ledger.Transaction, bool, error) {
	tx, err := scanTransaction(ts.q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE releases_id = $1`, int64(reservedID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, mapError(err)
	}
	return tx, true, nil
}

func (ts *txStore) LoadTransactions(ctx context.Context, org ledger.OrganizationID) ([]ledger.Transaction, error) {
	rows, err := ts.q.Query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE organization_id = $1 ORDER BY id`, int64(org))
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, mapError(rows.Err())
}

// =============================================================================
// WORKFLOWS
// =============================================================================

func (ts *txStore) InsertWorkflow(ctx context.Context, rec ledger.WorkflowRecord) error {
	_, err := ts.q.Exec(ctx, `
		INSERT INTO workflows
		(kind, id, status, version, organization_id, counterparty_id, compliance_period,
		 group_id, group_version, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		string(rec.Kind), rec.ID, rec.Status, rec.Version, int64(rec.OrganizationID), int64(rec.CounterpartyID),
		int(rec.CompliancePeriod), rec.GroupID, rec.GroupVersion, []byte(rec.Payload), rec.CreatedAt, rec.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "idx_workflows_group_version" {
			return fmt.Errorf("%w: group %s already has version %d", ledger.ErrStaleVersion, rec.GroupID, rec.GroupVersion)
		}
		return ledger.NewValidationError("id", "workflow already exists")
	}
	return mapError(err)
}

func (ts *txStore) UpdateWorkflow(ctx context.Context, rec ledger.WorkflowRecord, expectedVersion int) error {
	tag, err := ts.q.Exec(ctx, `
		UPDATE workflows SET status = $1, version = $2, organization_id = $3, counterparty_id = $4,
			compliance_period = $5, group_id = $6, group_version = $7, payload = $8, updated_at = $9
		WHERE kind = $10 AND id = $11 AND version = $12`,
		rec.Status, rec.Version, int64(rec.OrganizationID), int64(rec.CounterpartyID),
		int(rec.CompliancePeriod), rec.GroupID, rec.GroupVersion, []byte(rec.Payload), rec.UpdatedAt,
		string(rec.Kind), rec.ID, expectedVersion,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 1 {
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
	rec, err := scanWorkflow(ts.q.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE kind = $1 AND id = $2`, string(kind), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.WorkflowRecord{}, &ledger.NotFoundError{Entity: string(kind), ID: id}
	}
	return rec, mapError(err)
}

func (ts *txStore) FindWorkflows(ctx context.Context, f ledger.WorkflowFilter) ([]ledger.WorkflowRecord, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.Kind != "" {
		where = append(where, "kind = "+arg(string(f.Kind)))
	}
	if f.OrganizationID != 0 {
		p := arg(int64(f.OrganizationID))
		where = append(where, "(organization_id = "+p+" OR counterparty_id = "+p+")")
	}
	if f.CompliancePeriod != 0 {
		where = append(where, "compliance_period = "+arg(int(f.CompliancePeriod)))
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(f.Statuses)+")")
	}
	if f.GroupID != "" {
		where = append(where, "group_id = "+arg(f.GroupID))
	}
	if len(f.ExcludeIDs) > 0 {
		where = append(where, "NOT (id = ANY("+arg(f.ExcludeIDs)+"))")
	}
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := ts.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []ledger.WorkflowRecord
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, mapError(rows.Err())
}

func (ts *txStore) AppendHistory(ctx context.Context, e ledger.HistoryEntry) error {
	_, err := ts.q.Exec(ctx, `
		INSERT INTO workflow_history (kind, workflow_id, from_status, to_status, actor_id, actor_role, comment, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(e.Kind), e.WorkflowID, e.FromStatus, e.ToStatus, e.ActorID, string(e.ActorRole), e.Comment, e.At)
	return mapError(err)
}

func (ts *txStore) History(ctx context.Context, kind ledger.WorkflowKind, id string) ([]ledger.HistoryEntry, error) {
	rows, err := ts.q.Query(ctx, `
		SELECT kind, workflow_id, from_status, to_status, actor_id, actor_role, comment, at
		FROM workflow_history WHERE kind = $1 AND workflow_id = $2 ORDER BY id`, string(kind), id)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []ledger.HistoryEntry
	for rows.Next() {
		var (
			e                                ledger.HistoryEntry
			kindText, role                   string
			from, to, actorID, comment, wfID string
			at                               time.Time
		)
		if err := rows.Scan(&kindText, &wfID, &from, &to, &actorID, &role, &comment, &at); err != nil {
			return nil, mapError(err)
		}
		e.Kind = ledger.WorkflowKind(kindText)
		e.WorkflowID = wfID
		e.FromStatus, e.ToStatus = from, to
		e.ActorID, e.ActorRole = actorID, ledger.Role(role)
		e.Comment = comment
		e.At = at.UTC()
		out = append(out, e)
	}
	return out, mapError(rows.Err())
}

// =============================================================================
// CREDIT LEDGER
// =============================================================================

func (ts *txStore) ReplaceCreditLedger(ctx context.Context, org ledger.OrganizationID, rows []ledger.CreditLedgerRow) error {
	if _, err := ts.q.Exec(ctx, `DELETE FROM credit_ledger WHERE organization_id = $1`, int64(org)); err != nil {
		return mapError(err)
	}
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO credit_ledger
			(transaction_id, organization_id, transaction_type, action, compliance_period,
			 compliance_units, available_balance_after, update_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			int64(r.TransactionID), int64(org), string(r.TransactionType), string(r.Action),
			int(r.CompliancePeriod), r.ComplianceUnits, r.AvailableBalanceAfter, r.UpdateDate)
	}
	return mapError(ts.q.SendBatch(ctx, batch).Close())
}

func (ts *txStore) CreditLedger(ctx context.Context, f ledger.CreditLedgerFilter) ([]ledger.CreditLedgerRow, error) {
	query := `
		SELECT transaction_id, organization_id, transaction_type, action, compliance_period,
		       compliance_units, available_balance_after, update_date
		FROM credit_ledger WHERE organization_id = $1`
	args := []any{int64(f.OrganizationID)}
	if f.CompliancePeriod != 0 {
		args = append(args, int(f.CompliancePeriod))
		query += ` AND compliance_period = $2`
	}
	if f.Ascending {
		query += ` ORDER BY update_date ASC, transaction_id ASC`
	} else {
		query += ` ORDER BY update_date DESC, transaction_id DESC`
	}
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := ts.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []ledger.CreditLedgerRow
	for rows.Next() {
		var (
			r                 ledger.CreditLedgerRow
			txID, orgID       int64
			txType, action    string
			period            int
			units, availAfter int64
			updated           time.Time
		)
		if err := rows.Scan(&txID, &orgID, &txType, &action, &period, &units, &availAfter, &updated); err != nil {
			return nil, mapError(err)
		}
		r.TransactionID = ledger.TransactionID(txID)
		r.OrganizationID = ledger.OrganizationID(orgID)
		r.TransactionType = ledger.WorkflowKind(txType)
		r.Action = ledger.Action(action)
		r.CompliancePeriod = ledger.CompliancePeriod(period)
		r.ComplianceUnits = units
		r.AvailableBalanceAfter = availAfter
		r.UpdateDate = updated.UTC()
		out = append(out, r)
	}
	return out, mapError(rows.Err())
}

// =============================================================================
// JOURNAL
// =============================================================================

func (ts *txStore) AppendAudit(ctx context.Context, rec ledger.AuditRecord) error {
	_, err := ts.q.Exec(ctx, `
		INSERT INTO audit_log (id, table_name, operation, row_id, old_values, new_values, delta, actor_id, severity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.Table, string(rec.Operation), rec.RowID,
		jsonb(rec.OldValues), jsonb(rec.NewValues), jsonb(rec.Delta),
		rec.ActorID, string(rec.Severity), rec.CreatedAt)
	return mapError(err)
}

func (ts *txStore) ListAudit(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditRecord, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.Table != "" {
		where = append(where, "table_name = "+arg(f.Table))
	}
	if f.RowID != "" {
		where = append(where, "row_id = "+arg(f.RowID))
	}
	if f.Severity != "" {
		where = append(where, "severity = "+arg(string(f.Severity)))
	}
	query := `SELECT id, table_name, operation, row_id, old_values, new_values, delta, actor_id, severity, created_at FROM audit_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := ts.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []ledger.AuditRecord
	for rows.Next() {
		var (
			rec               ledger.AuditRecord
			op, severity      string
			oldV, newV, delta []byte
			createdAt         time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.Table, &op, &rec.RowID, &oldV, &newV, &delta, &rec.ActorID, &severity, &createdAt); err != nil {
			return nil, mapError(err)
		}
		rec.Operation = ledger.AuditOperation(op)
		rec.Severity = ledger.AuditSeverity(severity)
		rec.OldValues = parseJSONMap(oldV)
		rec.NewValues = parseJSONMap(newV)
		rec.Delta = parseJSONMap(delta)
		rec.CreatedAt = createdAt.UTC()
		out = append(out, rec)
	}
	return out, mapError(rows.Err())
}

func (ts *txStore) EnqueueEvent(ctx context.Context, entry ledger.OutboxEntry) error {
	payload, err := json.Marshal(entry.Event)
	if err != nil {
		return err
	}
	_, err = ts.q.Exec(ctx, `INSERT INTO outbox (event_id, payload, created_at) VALUES ($1, $2, $3)`,
		entry.Event.ID, payload, entry.CreatedAt)
	return mapError(err)
}

func (ts *txStore) PendingEvents(ctx context.Context, limit int) ([]ledger.OutboxEntry, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := ts.q.Query(ctx, `
		SELECT payload, created_at, attempts, last_error FROM outbox
		WHERE published_at IS NULL ORDER BY seq LIMIT $1
		FOR UPDATE SKIP LOCKED`, lim)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []ledger.OutboxEntry
	for rows.Next() {
		var (
			entry     ledger.OutboxEntry
			payload   []byte
			createdAt time.Time
		)
		if err := rows.Scan(&payload, &createdAt, &entry.Attempts, &entry.LastError); err != nil {
			return nil, mapError(err)
		}
		if err := json.Unmarshal(payload, &entry.Event); err != nil {
			return nil, fmt.Errorf("failed to decode outbox event: %w", err)
		}
		entry.CreatedAt = createdAt.UTC()
		out = append(out, entry)
	}
	return out, mapError(rows.Err())
}

func (ts *txStore) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := ts.q.Exec(ctx, `UPDATE outbox SET published_at = $1 WHERE event_id = ANY($2)`, at, ids)
	return mapError(err)
}

func (ts *txStore) MarkFailed(ctx context.Context, ids []string, lastError string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := ts.q.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_error = $1 WHERE event_id = ANY($2)`, lastError, ids)
	return mapError(err)
}

// =============================================================================
// SCANNING
// =============================================================================

func scanOrganization(row pgx.Row) (ledger.Organization, error) {
	var (
		org                  ledger.Organization
		id                   int64
		status, typ          string
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&id, &org.LegalName, &status, &typ, &org.TotalBalance, &org.ReservedBalance, &createdAt, &updatedAt); err != nil {
		return org, err
	}
	org.ID = ledger.OrganizationID(id)
	org.Status = ledger.OrganizationStatus(status)
	org.Type = ledger.OrganizationType(typ)
	org.CreatedAt, org.UpdatedAt = createdAt.UTC(), updatedAt.UTC()
	return org, nil
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		tx                        ledger.Transaction
		id, orgID, releases       int64
		action, kind              string
		period                    int
		effectiveDate, createDate time.Time
	)
	err := row.Scan(&id, &orgID, &tx.ComplianceUnits, &action, &kind, &tx.WorkflowID,
		&releases, &period, &effectiveDate, &createDate, &tx.CreatedBy)
	if err != nil {
		return tx, err
	}
	tx.ID = ledger.TransactionID(id)
	tx.OrganizationID = ledger.OrganizationID(orgID)
	tx.Action = ledger.Action(action)
	tx.WorkflowKind = ledger.WorkflowKind(kind)
	tx.ReleasesID = ledger.TransactionID(releases)
	tx.CompliancePeriod = ledger.CompliancePeriod(period)
	tx.EffectiveDate = effectiveDate.UTC()
	tx.CreateDate = createDate.UTC()
	return tx, nil
}

func scanWorkflow(row pgx.Row) (ledger.WorkflowRecord, error) {
	var (
		rec                  ledger.WorkflowRecord
		kind                 string
		orgID, counterparty  int64
		period               int
		payload              []byte
		createdAt, updatedAt time.Time
	)
	err := row.Scan(&kind, &rec.ID, &rec.Status, &rec.Version, &orgID, &counterparty, &period,
		&rec.GroupID, &rec.GroupVersion, &payload, &createdAt, &updatedAt)
	if err != nil {
		return rec, err
	}
	rec.Kind = ledger.WorkflowKind(kind)
	rec.OrganizationID = ledger.OrganizationID(orgID)
	rec.CounterpartyID = ledger.OrganizationID(counterparty)
	rec.CompliancePeriod = ledger.CompliancePeriod(period)
	rec.Payload = json.RawMessage(payload)
	rec.CreatedAt, rec.UpdatedAt = createdAt.UTC(), updatedAt.UTC()
	return rec, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func organizationNotFound(id ledger.OrganizationID) error {
	return &ledger.NotFoundError{Entity: "organization", ID: strconv.FormatInt(int64(id), 10)}
}

func jsonb(m map[string]any) []byte {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return raw
}

func parseJSONMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// mapError turns contention and connection loss into ledger.ErrUnavailable.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch pgCode(err) {
	case "40001", "40P01", "55P03", "57014":
		return fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	}
	return err
}

// Truncate empties every table and resets sequences. Test suites use it to
// share one database between cases.
func Truncate(ctx context.Context, st ledger.Store) error {
	ts, ok := st.(*txStore)
	if !ok {
		return fmt.Errorf("truncate: not a postgres store")
	}
	_, err := ts.q.Exec(ctx, `TRUNCATE organizations, transactions, workflows, workflow_history,
		credit_ledger, audit_log, outbox RESTART IDENTITY CASCADE`)
	return mapError(err)
}
