package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// OBSERVER - metrics hook
// =============================================================================

// Observer receives ledger events after they are committed.
type Observer interface {
	TransactionAppended(action Action)
	UnitOfWorkCompleted(op string, d time.Duration, err error)
	BalanceDrift(org OrganizationID)
	WorkflowTransitioned(kind WorkflowKind, to string, err error)
}

type nopObserver struct{}

func (nopObserver) TransactionAppended(Action)                      {}
func (nopObserver) UnitOfWorkCompleted(string, time.Duration, error) {}
func (nopObserver) BalanceDrift(OrganizationID)                      {}
func (nopObserver) WorkflowTransitioned(WorkflowKind, string, error) {}

// =============================================================================
// SERVICE
// =============================================================================

// Service runs units of work against a TxStore and serves ledger reads.
type Service struct {
	store    TxStore
	logger   logrus.FieldLogger
	observer Observer
	tracer   trace.Tracer
	clock    func() time.Time
}

type Option func(*Service)

func WithLogger(l logrus.FieldLogger) Option { return func(s *Service) { s.logger = l } }
func WithObserver(o Observer) Option         { return func(s *Service) { s.observer = o } }
func WithClock(c func() time.Time) Option    { return func(s *Service) { s.clock = c } }
func WithTracer(t trace.Tracer) Option       { return func(s *Service) { s.tracer = t } }

func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store:    store,
		logger:   logrus.StandardLogger(),
		observer: nopObserver{},
		tracer:   otel.Tracer("github.com/lcfs/compliance-ledger/ledger"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Now() time.Time { return s.clock().UTC() }

func (s *Service) Logger() logrus.FieldLogger { return s.logger }

func (s *Service) TxStore() TxStore { return s.store }

// Run executes fn as one atomic unit of work on behalf of actor. Balances and
// the credit ledger of every organization fn touched are re-projected before
// commit. Nothing fn wrote is visible if Run returns an error.
func (s *Service) Run(ctx context.Context, op string, actor Actor, fn func(*Session) error) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("actor.id", actor.ID),
		attribute.String("actor.role", string(actor.Role)),
	))
	defer span.End()

	start := time.Now()
	var sess *Session
	err := s.store.WithinTx(ctx, func(st Store) error {
		sess = newSession(s, st, actor)
		if err := fn(sess); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return sess.flush(ctx)
	})
	s.observer.UnitOfWorkCompleted(op, time.Since(start), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Code(err))
		if errors.Is(err, ErrInvariantViolation) {
			s.reportInvariant(ctx, op, actor, err)
		}
		return err
	}

	for _, a := range sess.appended {
		s.observer.TransactionAppended(a)
	}
	span.SetAttributes(attribute.Int("ledger.appended", len(sess.appended)))
	if len(sess.published) > 0 {
		s.logger.WithFields(logrus.Fields{
			"op":     op,
			"actor":  actor.String(),
			"events": len(sess.published),
		}).Debug("unit of work committed")
	}
	return nil
}

// ObserveTransition logs the outcome of a workflow transition and reports it
// to the observer. Engines call it once per attempt, after Run returns.
func (s *Service) ObserveTransition(kind WorkflowKind, id, from, to string, actor Actor, err error) {
	s.observer.WorkflowTransitioned(kind, to, err)
	entry := s.logger.WithFields(logrus.Fields{
		"workflow":    string(kind),
		"workflow_id": id,
		"from":        from,
		"to":          to,
		"actor":       actor.String(),
	})
	switch {
	case err == nil:
		entry.Info("workflow transitioned")
	case errors.Is(err, ErrInvariantViolation):
		entry.WithError(err).Error("workflow transition broke a ledger invariant")
	case IsClientError(err), IsRetryable(err), IsNotFound(err):
		entry.WithField("code", Code(err)).WithError(err).Warn("workflow transition refused")
	default:
		entry.WithError(err).Error("workflow transition failed")
	}
}

// View runs a read-only function against a consistent snapshot.
func (s *Service) View(ctx context.Context, fn func(Store) error) error {
	return s.store.WithinTx(ctx, fn)
}

// reportInvariant writes a critical audit record in its own unit of work;
// the failed one has already rolled back.
func (s *Service) reportInvariant(ctx context.Context, op string, actor Actor, cause error) {
	entry := s.logger.WithFields(logrus.Fields{"op": op, "actor": actor.String()}).WithError(cause)
	entry.Error("ledger invariant violation")
	ctx = context.WithoutCancel(ctx)
	err := s.store.WithinTx(ctx, func(st Store) error {
		return st.AppendAudit(ctx, AuditRecord{
			ID:        uuid.NewString(),
			Table:     TableLedger,
			Operation: AuditInsert,
			RowID:     op,
			NewValues: map[string]any{"error": cause.Error()},
			ActorID:   actor.ID,
			Severity:  SeverityCritical,
			CreatedAt: s.Now(),
		})
	})
	if err != nil {
		entry.WithField("audit_error", err).Error("failed to record invariant violation")
	}
}

// =============================================================================
// ORGANIZATIONS
// =============================================================================

type NewOrganization struct {
	ID        OrganizationID
	LegalName string
	Type      OrganizationType
	Status    OrganizationStatus
}

func (n NewOrganization) validate() error {
	if strings.TrimSpace(n.LegalName) == "" {
		return NewValidationError("legal_name", "is required")
	}
	if !n.Type.Valid() {
		return NewValidationError("type", fmt.Sprintf("unknown organization type %q", n.Type))
	}
	if n.Status != "" && !n.Status.Valid() {
		return NewValidationError("status", fmt.Sprintf("unknown status %q", n.Status))
	}
	return nil
}

// CreateOrganization registers a new party with a zero balance.
func (s *Service) CreateOrganization(ctx context.Context, actor Actor, in NewOrganization) (Organization, error) {
	if actor.Role != RoleAdministrator && actor.Role != RoleSystem {
		return Organization{}, NewValidationError("actor", "only administrators manage organizations")
	}
	if err := in.validate(); err != nil {
		return Organization{}, err
	}
	if in.Status == "" {
		in.Status = StatusUnregistered
	}
	var created Organization
	err := s.Run(ctx, "ledger.create_organization", actor, func(sess *Session) error {
		org, err := sess.store.CreateOrganization(ctx, Organization{
			ID:        in.ID,
			LegalName: strings.TrimSpace(in.LegalName),
			Status:    in.Status,
			Type:      in.Type,
			CreatedAt: sess.now,
			UpdatedAt: sess.now,
		})
		if err != nil {
			return err
		}
		created = org
		return sess.audit(ctx, TableOrganization, AuditInsert, strconv.FormatInt(int64(org.ID), 10), nil, toValues(map[string]any{
			"legal_name": org.LegalName,
			"status":     org.Status,
			"type":       org.Type,
		}), SeverityInfo)
	})
	return created, err
}

// SetOrganizationStatus changes an organization's registration status.
// Balances and reservations are untouched.
func (s *Service) SetOrganizationStatus(ctx context.Context, actor Actor, id OrganizationID, status OrganizationStatus) (Organization, error) {
	if actor.Role != RoleAdministrator && actor.Role != RoleSystem {
		return Organization{}, NewValidationError("actor", "only administrators manage organizations")
	}
	if !status.Valid() {
		return Organization{}, NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}
	var updated Organization
	err := s.Run(ctx, "ledger.set_organization_status", actor, func(sess *Session) error {
		if err := sess.Lock(ctx, id); err != nil {
			return err
		}
		org, err := sess.store.GetOrganization(ctx, id)
		if err != nil {
			return err
		}
		if org.Status == status {
			updated = org
			return nil
		}
		if err := sess.store.UpdateOrganizationStatus(ctx, id, status, sess.now); err != nil {
			return err
		}
		if err := sess.auditDelta(ctx, TableOrganization, strconv.FormatInt(int64(id), 10),
			map[string]any{"status": string(org.Status)}, map[string]any{"status": string(status)}); err != nil {
			return err
		}
		org.Status = status
		org.UpdatedAt = sess.now
		updated = org
		return nil
	})
	return updated, err
}

func (s *Service) Organization(ctx context.Context, id OrganizationID) (Organization, error) {
	var org Organization
	err := s.View(ctx, func(st Store) error {
		var err error
		org, err = st.GetOrganization(ctx, id)
		return err
	})
	return org, err
}

func (s *Service) Organizations(ctx context.Context) ([]Organization, error) {
	var orgs []Organization
	err := s.View(ctx, func(st Store) error {
		var err error
		orgs, err = st.ListOrganizations(ctx)
		return err
	})
	return orgs, err
}

// =============================================================================
// READS
// =============================================================================

// Balance returns the cached balance of org.
func (s *Service) Balance(ctx context.Context, org OrganizationID) (Balance, error) {
	o, err := s.Organization(ctx, org)
	if err != nil {
		return Balance{}, err
	}
	return o.Balance(), nil
}

// BalanceAt projects org's balance over rows effective on or before at.
func (s *Service) BalanceAt(ctx context.Context, org OrganizationID, at time.Time) (Balance, error) {
	var b Balance
	err := s.View(ctx, func(st Store) error {
		if _, err := st.GetOrganization(ctx, org); err != nil {
			return err
		}
		txs, err := st.LoadTransactions(ctx, org)
		if err != nil {
			return err
		}
		b = ProjectBalanceAt(org, txs, at)
		return nil
	})
	return b, err
}

// Transactions returns org's log in commit order.
func (s *Service) Transactions(ctx context.Context, org OrganizationID) ([]Transaction, error) {
	var txs []Transaction
	err := s.View(ctx, func(st Store) error {
		if _, err := st.GetOrganization(ctx, org); err != nil {
			return err
		}
		var err error
		txs, err = st.LoadTransactions(ctx, org)
		return err
	})
	return txs, err
}

// CreditLedger returns the presented view rows, newest first unless the
// filter asks for ascending order.
func (s *Service) CreditLedger(ctx context.Context, filter CreditLedgerFilter) ([]CreditLedgerRow, error) {
	if filter.OrganizationID == 0 {
		return nil, NewValidationError("organization_id", "is required")
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, NewValidationError("limit", "limit and offset must not be negative")
	}
	var rows []CreditLedgerRow
	err := s.View(ctx, func(st Store) error {
		var err error
		rows, err = st.CreditLedger(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return presentRows(rows), nil
}

// Audit lists audit records.
func (s *Service) Audit(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	var recs []AuditRecord
	err := s.View(ctx, func(st Store) error {
		var err error
		recs, err = st.ListAudit(ctx, filter)
		return err
	})
	return recs, err
}

// History returns the status changes of one workflow entity.
func (s *Service) History(ctx context.Context, kind WorkflowKind, id string) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := s.View(ctx, func(st Store) error {
		if _, err := st.GetWorkflow(ctx, kind, id); err != nil {
			return err
		}
		var err error
		entries, err = st.History(ctx, kind, id)
		return err
	})
	return entries, err
}

// Workflow loads one workflow envelope.
func (s *Service) Workflow(ctx context.Context, kind WorkflowKind, id string) (WorkflowRecord, error) {
	var rec WorkflowRecord
	err := s.View(ctx, func(st Store) error {
		var err error
		rec, err = st.GetWorkflow(ctx, kind, id)
		return err
	})
	return rec, err
}

// Workflows lists workflow envelopes.
func (s *Service) Workflows(ctx context.Context, filter WorkflowFilter) ([]WorkflowRecord, error) {
	var recs []WorkflowRecord
	err := s.View(ctx, func(st Store) error {
		var err error
		recs, err = st.FindWorkflows(ctx, filter)
		return err
	})
	return recs, err
}
