/*
session.go - Unit of work handed to workflow engines

PURPOSE:
  A Session wraps one store transaction. Workflow engines read their entity,
  lock the organizations involved, append or release ledger rows, save the
  entity with its new status and publish events, all through the Session.
  When the engine's function returns nil the Service projects balances and
  refreshes the credit ledger of every touched organization, then commits.

LOCK ORDER:
  Lock takes every organization of the transition in one call, in ascending
  id order. LockWorkflow reads an entity, locks its organizations, then
  re-reads it so guards are evaluated on state no other writer can change.

TIMESTAMP:
  The session clock is read again when the first lock is granted, unless
  the timestamp was already used. A unit of work that waited for a lock is
  therefore stamped after the writer it waited for.

SEE ALSO:
  - service.go: opens sessions and commits them
*/
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Session struct {
	svc     *Service
	store   Store
	log     *Log
	actor   Actor
	now     time.Time
	pinned  bool
	locked  map[OrganizationID]struct{}
	touched map[OrganizationID]struct{}

	appended  []Action
	published []Event
}

func newSession(svc *Service, st Store, actor Actor) *Session {
	s := &Session{
		svc:     svc,
		store:   st,
		actor:   actor,
		now:     svc.clock().UTC(),
		locked:  map[OrganizationID]struct{}{},
		touched: map[OrganizationID]struct{}{},
	}
	s.log = NewLog(st, s.stamp)
	return s
}

// Now is the single timestamp of this unit of work.
func (s *Session) Now() time.Time { return s.stamp() }

// stamp pins the timestamp on first use.
func (s *Session) stamp() time.Time {
	s.pinned = true
	return s.now
}

func (s *Session) Actor() Actor { return s.actor }

// Store exposes raw reads inside the unit of work.
func (s *Session) Store() Store { return s.store }

// =============================================================================
// LOCKING
// =============================================================================

// Lock acquires the write locks of ids in ascending order. Organizations that
// are already held by this session are skipped.
func (s *Session) Lock(ctx context.Context, ids ...OrganizationID) error {
	var pending []OrganizationID
	for _, id := range sortedOrganizations(ids) {
		if _, ok := s.locked[id]; !ok {
			pending = append(pending, id)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if err := s.store.LockOrganizations(ctx, pending); err != nil {
		return err
	}
	for _, id := range pending {
		s.locked[id] = struct{}{}
	}
	if !s.pinned {
		s.now = s.svc.clock().UTC()
		s.pinned = true
	}
	return nil
}

// LockWorkflow loads a workflow entity with its organizations locked.
func (s *Session) LockWorkflow(ctx context.Context, kind WorkflowKind, id string) (WorkflowRecord, error) {
	rec, err := s.store.GetWorkflow(ctx, kind, id)
	if err != nil {
		return WorkflowRecord{}, err
	}
	if err := s.Lock(ctx, rec.Organizations()...); err != nil {
		return WorkflowRecord{}, err
	}
	return s.store.GetWorkflow(ctx, kind, id)
}

// =============================================================================
// READS
// =============================================================================

func (s *Session) Organization(ctx context.Context, id OrganizationID) (Organization, error) {
	return s.store.GetOrganization(ctx, id)
}

// Balance projects org's balance from the log, including rows appended
// earlier in this session.
func (s *Session) Balance(ctx context.Context, org OrganizationID) (Balance, error) {
	txs, err := s.store.LoadTransactions(ctx, org)
	if err != nil {
		return Balance{}, err
	}
	return ProjectBalance(org, txs), nil
}

// =============================================================================
// LEDGER WRITES
// =============================================================================

// Append adds a row to the log and marks its organization for projection.
func (s *Session) Append(ctx context.Context, in AppendInput) (Transaction, error) {
	if in.CreatedBy == "" {
		in.CreatedBy = s.actor.ID
	}
	tx, err := s.log.Append(ctx, in)
	if err != nil {
		return Transaction{}, err
	}
	return tx, s.recordAppend(ctx, tx)
}

// Release cancels the hold placed by reservedID.
func (s *Session) Release(ctx context.Context, reservedID TransactionID) (Transaction, error) {
	tx, err := s.log.Release(ctx, reservedID, s.actor.ID)
	if err != nil {
		return Transaction{}, err
	}
	return tx, s.recordAppend(ctx, tx)
}

func (s *Session) recordAppend(ctx context.Context, tx Transaction) error {
	s.touched[tx.OrganizationID] = struct{}{}
	s.appended = append(s.appended, tx.Action)
	return s.audit(ctx, TableTransaction, AuditInsert, strconv.FormatInt(int64(tx.ID), 10), nil, transactionValues(tx), SeverityInfo)
}

// Touch schedules org for projection without appending.
func (s *Session) Touch(ids ...OrganizationID) {
	for _, id := range ids {
		s.touched[id] = struct{}{}
	}
}

// =============================================================================
// WORKFLOW WRITES
// =============================================================================

// CreateWorkflow inserts rec at version 1 and records its initial status.
func (s *Session) CreateWorkflow(ctx context.Context, rec WorkflowRecord, comment string) (WorkflowRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Version = 1
	rec.CreatedAt = s.stamp()
	rec.UpdatedAt = s.now
	if err := s.store.InsertWorkflow(ctx, rec); err != nil {
		return WorkflowRecord{}, err
	}
	if err := s.history(ctx, rec, "", comment); err != nil {
		return WorkflowRecord{}, err
	}
	return rec, s.audit(ctx, TableWorkflow, AuditInsert, workflowRowID(rec), nil, workflowValues(rec), SeverityInfo)
}

// SaveWorkflow writes next over prev, bumping the version. It fails with
// ErrStaleVersion if prev is no longer the stored version.
func (s *Session) SaveWorkflow(ctx context.Context, prev, next WorkflowRecord, comment string) (WorkflowRecord, error) {
	next.Kind = prev.Kind
	next.ID = prev.ID
	next.CreatedAt = prev.CreatedAt
	next.Version = prev.Version + 1
	next.UpdatedAt = s.stamp()
	if err := s.store.UpdateWorkflow(ctx, next, prev.Version); err != nil {
		return WorkflowRecord{}, err
	}
	if prev.Status != next.Status {
		if err := s.history(ctx, next, prev.Status, comment); err != nil {
			return WorkflowRecord{}, err
		}
	}
	oldValues, newValues := workflowValues(prev), workflowValues(next)
	if err := s.auditDelta(ctx, TableWorkflow, workflowRowID(next), oldValues, newValues); err != nil {
		return WorkflowRecord{}, err
	}
	return next, nil
}

func (s *Session) history(ctx context.Context, rec WorkflowRecord, from, comment string) error {
	return s.store.AppendHistory(ctx, HistoryEntry{
		Kind:       rec.Kind,
		WorkflowID: rec.ID,
		FromStatus: from,
		ToStatus:   rec.Status,
		ActorID:    s.actor.ID,
		ActorRole:  s.actor.Role,
		Comment:    comment,
		At:         s.stamp(),
	})
}

func workflowRowID(rec WorkflowRecord) string {
	return fmt.Sprintf("%s/%s", rec.Kind, rec.ID)
}

// =============================================================================
// JOURNAL
// =============================================================================

// Publish enqueues ev in the outbox. It is delivered only if the unit of
// work commits.
func (s *Session) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.stamp()
	}
	if ev.Actor == "" {
		ev.Actor = s.actor.ID
	}
	ev.AffectedOrganizationIDs = sortedOrganizations(ev.AffectedOrganizationIDs)
	if err := s.store.EnqueueEvent(ctx, OutboxEntry{Event: ev, CreatedAt: s.stamp()}); err != nil {
		return err
	}
	s.published = append(s.published, ev)
	return nil
}

func (s *Session) auditDelta(ctx context.Context, table, rowID string, oldValues, newValues map[string]any) error {
	delta := diffValues(oldValues, newValues)
	if len(delta) == 0 {
		return nil
	}
	return s.store.AppendAudit(ctx, AuditRecord{
		ID:        uuid.NewString(),
		Table:     table,
		Operation: AuditUpdate,
		RowID:     rowID,
		OldValues: oldValues,
		NewValues: newValues,
		Delta:     delta,
		ActorID:   s.actor.ID,
		Severity:  SeverityInfo,
		CreatedAt: s.stamp(),
	})
}

func (s *Session) audit(ctx context.Context, table string, op AuditOperation, rowID string, oldValues, newValues map[string]any, severity AuditSeverity) error {
	return s.store.AppendAudit(ctx, AuditRecord{
		ID:        uuid.NewString(),
		Table:     table,
		Operation: op,
		RowID:     rowID,
		OldValues: oldValues,
		NewValues: newValues,
		ActorID:   s.actor.ID,
		Severity:  severity,
		CreatedAt: s.stamp(),
	})
}

// =============================================================================
// FLUSH
// =============================================================================

// flush re-projects every touched organization. It runs last inside the
// unit of work so the cached balances and the credit ledger commit together
// with the rows they summarize.
func (s *Session) flush(ctx context.Context) error {
	ids := make([]OrganizationID, 0, len(s.touched))
	for id := range s.touched {
		ids = append(ids, id)
	}
	for _, id := range sortedOrganizations(ids) {
		before, err := s.store.GetOrganization(ctx, id)
		if err != nil {
			return err
		}
		after, err := refreshBalance(ctx, s.store, id, s.now)
		if err != nil {
			return err
		}
		if err := refreshCreditLedger(ctx, s.store, id); err != nil {
			return err
		}
		if !before.Balance().Equal(after) {
			err := s.auditDelta(ctx, TableOrganization, strconv.FormatInt(int64(id), 10),
				map[string]any{"total_balance": float64(before.TotalBalance), "reserved_balance": float64(before.ReservedBalance)},
				map[string]any{"total_balance": float64(after.Total), "reserved_balance": float64(after.Reserved)})
			if err != nil {
				return err
			}
		}
	}
	return nil
}
