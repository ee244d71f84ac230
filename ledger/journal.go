/*
journal.go - Audit records and notification events

PURPOSE:
  Every mutation of a ledger table writes an AuditRecord in the same unit of
  work as the mutation. Every terminal workflow transition enqueues an Event
  in the outbox; the notify package relays the outbox to subscribers after
  commit, so a rolled-back transition never produces a notification.

SEE ALSO:
  - notify/relay.go: publishes the outbox
*/
package ledger

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"
)

// =============================================================================
// AUDIT
// =============================================================================

type AuditOperation string

const (
	AuditInsert AuditOperation = "INSERT"
	AuditUpdate AuditOperation = "UPDATE"
)

type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityCritical AuditSeverity = "critical"
)

// Audited table names.
const (
	TableOrganization = "organization"
	TableTransaction  = "transaction"
	TableWorkflow     = "workflow"
	TableLedger       = "ledger"
)

// AuditRecord captures one mutation: who changed which row, and how.
type AuditRecord struct {
	ID        string
	Table     string
	Operation AuditOperation
	RowID     string
	OldValues map[string]any
	NewValues map[string]any
	Delta     map[string]any
	ActorID   string
	Severity  AuditSeverity
	CreatedAt time.Time
}

type AuditFilter struct {
	Table    string
	RowID    string
	Severity AuditSeverity
	Limit    int
}

// diffValues returns the keys of next whose values differ from prev.
func diffValues(prev, next map[string]any) map[string]any {
	delta := map[string]any{}
	for k, v := range next {
		if old, ok := prev[k]; !ok || !reflect.DeepEqual(old, v) {
			delta[k] = v
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			delta[k] = nil
		}
	}
	return delta
}

// toValues flattens a JSON-serializable value into a generic map so records
// compare the same way before and after a trip through the database.
func toValues(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"value": string(raw)}
	}
	return out
}

func workflowValues(rec WorkflowRecord) map[string]any {
	values := map[string]any{}
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &values); err != nil {
			values = map[string]any{"error": err.Error(), "payload": string(rec.Payload)}
		}
	}
	values["status"] = rec.Status
	values["version"] = float64(rec.Version)
	return values
}

func transactionValues(tx Transaction) map[string]any {
	return toValues(map[string]any{
		"organization_id":   tx.OrganizationID,
		"compliance_units":  tx.ComplianceUnits,
		"action":            tx.Action,
		"workflow_kind":     tx.WorkflowKind,
		"workflow_id":       tx.WorkflowID,
		"releases_id":       tx.ReleasesID,
		"compliance_period": tx.CompliancePeriod,
		"effective_date":    tx.EffectiveDate,
	})
}

// =============================================================================
// EVENTS
// =============================================================================

// Event is the notification emitted when a workflow reaches a terminal state.
type Event struct {
	ID                      string           `json:"id"`
	WorkflowType            WorkflowKind     `json:"workflow_type"`
	WorkflowID              string           `json:"workflow_id"`
	FromState               string           `json:"from_state"`
	ToState                 string           `json:"to_state"`
	Actor                   string           `json:"actor"`
	AffectedOrganizationIDs []OrganizationID `json:"affected_organization_ids"`
	OccurredAt              time.Time        `json:"occurred_at"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s %s->%s", e.WorkflowType, e.WorkflowID, e.FromState, e.ToState)
}

// OutboxEntry is an Event waiting for delivery.
type OutboxEntry struct {
	Event       Event
	CreatedAt   time.Time
	PublishedAt *time.Time
	Attempts    int
	LastError   string
}

func sortedOrganizations(ids []OrganizationID) []OrganizationID {
	seen := map[OrganizationID]struct{}{}
	out := make([]OrganizationID, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
