// Package store provides the in-memory ledger.TxStore.
package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/lcfs/compliance-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory serializes every unit of work behind one mutex. A unit of work
// writes in place; the first write takes a snapshot that is restored if the
// unit of work fails.
type Memory struct {
	mu   sync.Mutex
	data *memoryData
}

type workflowKey struct {
	Kind ledger.WorkflowKind
	ID   string
}

type memoryData struct {
	orgs      map[ledger.OrganizationID]ledger.Organization
	nextOrgID ledger.OrganizationID

	txs      []ledger.Transaction // txs[i].ID == i+1
	byOrg    map[ledger.OrganizationID][]ledger.TransactionID
	releases map[ledger.TransactionID]ledger.TransactionID

	workflows map[workflowKey]ledger.WorkflowRecord
	history   map[workflowKey][]ledger.HistoryEntry

	creditLedger map[ledger.OrganizationID][]ledger.CreditLedgerRow

	audit  []ledger.AuditRecord
	outbox []ledger.OutboxEntry
}

var _ ledger.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{data: newMemoryData()}
}

func newMemoryData() *memoryData {
	return &memoryData{
		orgs:         make(map[ledger.OrganizationID]ledger.Organization),
		byOrg:        make(map[ledger.OrganizationID][]ledger.TransactionID),
		releases:     make(map[ledger.TransactionID]ledger.TransactionID),
		workflows:    make(map[workflowKey]ledger.WorkflowRecord),
		history:      make(map[workflowKey][]ledger.HistoryEntry),
		creditLedger: make(map[ledger.OrganizationID][]ledger.CreditLedgerRow),
	}
}

// WithinTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithinTx(ctx context.Context, fn func(ledger.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	view := &memoryView{parent: m}
	err := fn(view)
	if err == nil {
		// Cancel-safe until the unit of work returns.
		err = ctx.Err()
	}
	if err != nil {
		if view.snapshot != nil {
			m.data = view.snapshot
		}
		return err
	}
	return nil
}

func (d *memoryData) clone() *memoryData {
	c := &memoryData{
		orgs:         make(map[ledger.OrganizationID]ledger.Organization, len(d.orgs)),
		nextOrgID:    d.nextOrgID,
		txs:          slices.Clone(d.txs),
		byOrg:        make(map[ledger.OrganizationID][]ledger.TransactionID, len(d.byOrg)),
		releases:     make(map[ledger.TransactionID]ledger.TransactionID, len(d.releases)),
		workflows:    make(map[workflowKey]ledger.WorkflowRecord, len(d.workflows)),
		history:      make(map[workflowKey][]ledger.HistoryEntry, len(d.history)),
		creditLedger: make(map[ledger.OrganizationID][]ledger.CreditLedgerRow, len(d.creditLedger)),
		audit:        slices.Clone(d.audit),
		outbox:       slices.Clone(d.outbox),
	}
	for k, v := range d.orgs {
		c.orgs[k] = v
	}
	for k, v := range d.byOrg {
		c.byOrg[k] = slices.Clone(v)
	}
	for k, v := range d.releases {
		c.releases[k] = v
	}
	for k, v := range d.workflows {
		c.workflows[k] = v
	}
	for k, v := range d.history {
		c.history[k] = slices.Clone(v)
	}
	for k, v := range d.creditLedger {
		c.creditLedger[k] = slices.Clone(v)
	}
	return c
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

type memoryView struct {
	parent   *Memory
	snapshot *memoryData
}

func (v *memoryView) data() *memoryData { return v.parent.data }

// mutate must be called before the first write of a unit of work.
func (v *memoryView) mutate() *memoryData {
	if v.snapshot == nil {
		v.snapshot = v.parent.data.clone()
	}
	return v.parent.data
}

// ---- organizations ----

func (v *memoryView) CreateOrganization(_ context.Context, org ledger.Organization) (ledger.Organization, error) {
	d := v.mutate()
	if org.ID == 0 {
		d.nextOrgID++
		for _, taken := d.orgs[d.nextOrgID]; taken; _, taken = d.orgs[d.nextOrgID] {
			d.nextOrgID++
		}
		org.ID = d.nextOrgID
	} else if _, exists := d.orgs[org.ID]; exists {
		return ledger.Organization{}, ledger.NewValidationError("id", "organization already exists")
	} else if org.ID > d.nextOrgID {
		d.nextOrgID = org.ID
	}
	d.orgs[org.ID] = org
	return org, nil
}

func (v *memoryView) GetOrganization(_ context.Context, id ledger.OrganizationID) (ledger.Organization, error) {
	org, ok := v.data().orgs[id]
	if !ok {
		return ledger.Organization{}, organizationNotFound(id)
	}
	return org, nil
}

func (v *memoryView) ListOrganizations(_ context.Context) ([]ledger.Organization, error) {
	out := make([]ledger.Organization, 0, len(v.data().orgs))
	for _, org := range v.data().orgs {
		out = append(out, org)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *memoryView) UpdateOrganizationStatus(_ context.Context, id ledger.OrganizationID, status ledger.OrganizationStatus, at time.Time) error {
	if _, ok := v.data().orgs[id]; !ok {
		return organizationNotFound(id)
	}
	d := v.mutate()
	org := d.orgs[id]
	org.Status = status
	org.UpdatedAt = at
	d.orgs[id] = org
	return nil
}

func (v *memoryView) UpdateBalances(_ context.Context, id ledger.OrganizationID, total, reserved int64, at time.Time) error {
	if _, ok := v.data().orgs[id]; !ok {
		return organizationNotFound(id)
	}
	d := v.mutate()
	org := d.orgs[id]
	org.TotalBalance = total
	org.ReservedBalance = reserved
	org.UpdatedAt = at
	d.orgs[id] = org
	return nil
}

// LockOrganizations only checks existence: the store mutex already
// serializes every unit of work.
func (v *memoryView) LockOrganizations(_ context.Context, ids []ledger.OrganizationID) error {
	for _, id := range ids {
		if _, ok := v.data().orgs[id]; !ok {
			return organizationNotFound(id)
		}
	}
	return nil
}

// ---- transactions ----

func (v *memoryView) InsertTransaction(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if _, ok := v.data().orgs[tx.OrganizationID]; !ok {
		return ledger.Transaction{}, organizationNotFound(tx.OrganizationID)
	}
	if tx.Action == ledger.ActionReleased {
		if _, dup := v.data().releases[tx.ReleasesID]; dup {
			return ledger.Transaction{}, ledger.ErrAlreadyReleased
		}
	}
	d := v.mutate()
	tx.ID = ledger.TransactionID(len(d.txs) + 1)
	d.txs = append(d.txs, tx)
	d.byOrg[tx.OrganizationID] = append(d.byOrg[tx.OrganizationID], tx.ID)
	if tx.Action == ledger.ActionReleased {
		d.releases[tx.ReleasesID] = tx.ID
	}
	return tx, nil
}

func (v *memoryView) GetTransaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	d := v.data()
	if id < 1 || int(id) > len(d.txs) {
		return ledger.Transaction{}, &ledger.NotFoundError{Entity: "transaction", ID: strconv.FormatInt(int64(id), 10)}
	}
	return d.txs[id-1], nil
}

func (v *memoryView) FindRelease(_ context.Context, reservedID ledger.TransactionID) (ledger.Transaction, bool, error) {
	d := v.data()
	id, ok := d.releases[reservedID]
	if !ok {
		return ledger.Transaction{}, false, nil
	}
	return d.txs[id-1], true, nil
}

func (v *memoryView) LoadTransactions(_ context.Context, org ledger.OrganizationID) ([]ledger.Transaction, error) {
	d := v.data()
	ids := d.byOrg[org]
	out := make([]ledger.Transaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.txs[id-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- workflows ----

func (v *memoryView) InsertWorkflow(_ context.Context, rec ledger.WorkflowRecord) error {
	k := workflowKey{Kind: rec.Kind, ID: rec.ID}
	if _, exists := v.data().workflows[k]; exists {
		return ledger.NewValidationError("id", "workflow already exists")
	}
	if rec.GroupID != "" {
		for _, other := range v.data().workflows {
			if other.Kind == rec.Kind && other.GroupID == rec.GroupID && other.GroupVersion == rec.GroupVersion {
				return fmt.Errorf("%w: group %s already has version %d", ledger.ErrStaleVersion, rec.GroupID, rec.GroupVersion)
			}
		}
	}
	v.mutate().workflows[k] = rec
	return nil
}

func (v *memoryView) UpdateWorkflow(_ context.Context, rec ledger.WorkflowRecord, expectedVersion int) error {
	k := workflowKey{Kind: rec.Kind, ID: rec.ID}
	cur, ok := v.data().workflows[k]
	if !ok {
		return workflowNotFound(rec.Kind, rec.ID)
	}
	if cur.Version != expectedVersion {
		return &ledger.ConflictError{Kind: rec.Kind, ID: rec.ID, ExpectedVersion: expectedVersion, ActualVersion: cur.Version, ActualStatus: cur.Status}
	}
	v.mutate().workflows[k] = rec
	return nil
}

func (v *memoryView) GetWorkflow(_ context.Context, kind ledger.WorkflowKind, id string) (ledger.WorkflowRecord, error) {
	rec, ok := v.data().workflows[workflowKey{Kind: kind, ID: id}]
	if !ok {
		return ledger.WorkflowRecord{}, workflowNotFound(kind, id)
	}
	return rec, nil
}

func (v *memoryView) FindWorkflows(_ context.Context, f ledger.WorkflowFilter) ([]ledger.WorkflowRecord, error) {
	var out []ledger.WorkflowRecord
	for _, rec := range v.data().workflows {
		if matchWorkflow(rec, f) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func matchWorkflow(rec ledger.WorkflowRecord, f ledger.WorkflowFilter) bool {
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.OrganizationID != 0 && rec.OrganizationID != f.OrganizationID && rec.CounterpartyID != f.OrganizationID {
		return false
	}
	if f.CompliancePeriod != 0 && rec.CompliancePeriod != f.CompliancePeriod {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, rec.Status) {
		return false
	}
	if f.GroupID != "" && rec.GroupID != f.GroupID {
		return false
	}
	return !slices.Contains(f.ExcludeIDs, rec.ID)
}

func (v *memoryView) AppendHistory(_ context.Context, e ledger.HistoryEntry) error {
	k := workflowKey{Kind: e.Kind, ID: e.WorkflowID}
	d := v.mutate()
	d.history[k] = append(d.history[k], e)
	return nil
}

func (v *memoryView) History(_ context.Context, kind ledger.WorkflowKind, id string) ([]ledger.HistoryEntry, error) {
	return slices.Clone(v.data().history[workflowKey{Kind: kind, ID: id}]), nil
}

// ---- credit ledger ----

func (v *memoryView) ReplaceCreditLedger(_ context.Context, org ledger.OrganizationID, rows []ledger.CreditLedgerRow) error {
	v.mutate().creditLedger[org] = slices.Clone(rows)
	return nil
}

func (v *memoryView) CreditLedger(_ context.Context, f ledger.CreditLedgerFilter) ([]ledger.CreditLedgerRow, error) {
	var out []ledger.CreditLedgerRow
	for _, row := range v.data().creditLedger[f.OrganizationID] {
		if f.CompliancePeriod != 0 && row.CompliancePeriod != f.CompliancePeriod {
			continue
		}
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b ledger.CreditLedgerRow) int {
		c := a.UpdateDate.Compare(b.UpdateDate)
		if c == 0 {
			c = cmp.Compare(a.TransactionID, b.TransactionID)
		}
		if f.Ascending {
			return c
		}
		return -c
	})
	return page(out, f.Offset, f.Limit), nil
}

// ---- journal ----

func (v *memoryView) AppendAudit(_ context.Context, rec ledger.AuditRecord) error {
	d := v.mutate()
	d.audit = append(d.audit, rec)
	return nil
}

func (v *memoryView) ListAudit(_ context.Context, f ledger.AuditFilter) ([]ledger.AuditRecord, error) {
	var out []ledger.AuditRecord
	for _, rec := range v.data().audit {
		if f.Table != "" && rec.Table != f.Table {
			continue
		}
		if f.RowID != "" && rec.RowID != f.RowID {
			continue
		}
		if f.Severity != "" && rec.Severity != f.Severity {
			continue
		}
		out = append(out, rec)
	}
	return page(out, 0, f.Limit), nil
}

func (v *memoryView) EnqueueEvent(_ context.Context, entry ledger.OutboxEntry) error {
	d := v.mutate()
	d.outbox = append(d.outbox, entry)
	return nil
}

func (v *memoryView) PendingEvents(_ context.Context, limit int) ([]ledger.OutboxEntry, error) {
	var out []ledger.OutboxEntry
	for _, e := range v.data().outbox {
		if e.PublishedAt == nil {
			out = append(out, e)
		}
	}
	return page(out, 0, limit), nil
}

func (v *memoryView) MarkPublished(_ context.Context, ids []string, at time.Time) error {
	d := v.mutate()
	for i := range d.outbox {
		if slices.Contains(ids, d.outbox[i].Event.ID) {
			published := at
			d.outbox[i].PublishedAt = &published
		}
	}
	return nil
}

func (v *memoryView) MarkFailed(_ context.Context, ids []string, lastError string) error {
	d := v.mutate()
	for i := range d.outbox {
		if slices.Contains(ids, d.outbox[i].Event.ID) {
			d.outbox[i].Attempts++
			d.outbox[i].LastError = lastError
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func page[T any](rows []T, offset, limit int) []T {
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

func organizationNotFound(id ledger.OrganizationID) error {
	return &ledger.NotFoundError{Entity: "organization", ID: strconv.FormatInt(int64(id), 10)}
}

func workflowNotFound(kind ledger.WorkflowKind, id string) error {
	return &ledger.NotFoundError{Entity: string(kind), ID: id}
}
