/*
handlers.go - HTTP API handlers for the compliance-unit ledger

PURPOSE:
  Exposes the ledger and the four workflow engines via REST API. Handles
  HTTP request/response and JSON serialization and delegates every rule to
  the engines; handlers only decide what a caller may read.

ENDPOINTS:
  Organizations:
    GET    /api/organizations                         List organizations
    POST   /api/organizations                         Register an organization (admin)
    GET    /api/organizations/{id}                    Organization with balances
    PUT    /api/organizations/{id}/status             Change registration status (admin)
    GET    /api/organizations/{id}/balance            Balance, optionally ?as_of=YYYY-MM-DD
    GET    /api/organizations/{id}/transactions       Raw log rows (government)
    GET    /api/organizations/{id}/credit-ledger      Ledger view (?period, ?order, ?limit, ?offset)
    GET    /api/organizations/{id}/window/{year}      Transaction window (?exclude=report ids)

  Workflows (transfers, initiative-agreements, admin-adjustments):
    GET    /api/{workflow}                            List (?organization_id, ?status)
    POST   /api/{workflow}                            Create a draft
    GET    /api/{workflow}/{id}                       Fetch
    PUT    /api/{workflow}/{id}                       Edit a draft
    POST   /api/{workflow}/{id}/transitions           Move to another status
    GET    /api/{workflow}/{id}/history               Status history

  Compliance reports:
    GET    /api/compliance-reports                    List (?organization_id, ?period, ?status)
    POST   /api/compliance-reports                    File an original report
    GET    /api/compliance-reports/{id}               Fetch one version
    PUT    /api/compliance-reports/{id}/units         Set the version's delta
    POST   /api/compliance-reports/{id}/transitions   Move to another status
    GET    /api/compliance-reports/{id}/history       Status history
    GET    /api/compliance-reports/groups/{group}     Every version of a report
    POST   /api/compliance-reports/groups/{group}/supplementals  Open the next version

  Admin:
    GET    /api/admin/audit                           Audit records (?table, ?row_id, ?severity, ?limit)
    POST   /api/admin/verify-balances                 Compare cached balances with the log
    POST   /api/admin/rebuild-balances                Re-project every balance
    POST   /api/admin/outbox/flush                    Deliver pending notifications now
    POST   /api/admin/seed                            Apply a YAML seed document (demo when empty)

VISIBILITY:
  Government roles read everything. A supplier reads its own organization
  and the workflows that involve it; initiative agreements and admin
  adjustments become visible to the recipient once approved.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: error to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lcfs/compliance-ledger/adjustment"
	"github.com/lcfs/compliance-ledger/initiative"
	"github.com/lcfs/compliance-ledger/ledger"
	"github.com/lcfs/compliance-ledger/notify"
	"github.com/lcfs/compliance-ledger/report"
	"github.com/lcfs/compliance-ledger/seed"
	"github.com/lcfs/compliance-ledger/transfer"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger      *ledger.Service
	Transfers   *transfer.Engine
	Initiatives *initiative.Engine
	Adjustments *adjustment.Engine
	Reports     *report.Engine

	// Relay is optional; without it the flush endpoint is unavailable.
	Relay          *notify.Relay
	RebuildWorkers int
}

func NewHandler(svc *ledger.Service) *Handler {
	return &Handler{
		Ledger:         svc,
		Transfers:      transfer.NewEngine(svc),
		Initiatives:    initiative.NewEngine(svc),
		Adjustments:    adjustment.NewEngine(svc),
		Reports:        report.NewEngine(svc),
		RebuildWorkers: 4,
	}
}

func actor(r *http.Request) ledger.Actor {
	a, _ := ActorFrom(r.Context())
	return a
}

// canSee reports whether the caller may read data of any of orgs.
func canSee(a ledger.Actor, orgs ...ledger.OrganizationID) bool {
	if a.Role.IsGovernment() {
		return true
	}
	for _, o := range orgs {
		if a.ActsFor(o) {
			return true
		}
	}
	return false
}

func hidden(entity, id string) error {
	return &ledger.NotFoundError{Entity: entity, ID: id}
}

func requireRole(a ledger.Actor, roles ...ledger.Role) error {
	for _, r := range roles {
		if a.Role == r {
			return nil
		}
	}
	return ledger.NewValidationError("actor", "operation requires role "+joinRoles(roles))
}

func joinRoles(roles []ledger.Role) string {
	s := make([]string, len(roles))
	for i, r := range roles {
		s[i] = string(r)
	}
	return strings.Join(s, " or ")
}

// =============================================================================
// PARAMETER PARSING
// =============================================================================

func orgParam(r *http.Request, name string) (ledger.OrganizationID, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, ledger.NewValidationError(name, "must be an organization id")
	}
	return ledger.OrganizationID(id), nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, ledger.NewValidationError(name, "must be a non-negative integer")
	}
	return n, nil
}

func queryOrg(r *http.Request) (ledger.OrganizationID, error) {
	n, err := queryInt(r, "organization_id")
	return ledger.OrganizationID(n), err
}

// parseDate accepts YYYY-MM-DD or RFC 3339. Empty input yields the zero time.
func parseDate(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, ledger.NewValidationError(field, "use YYYY-MM-DD or RFC 3339")
	}
	return t.UTC(), nil
}

func statuses[S ~string](r *http.Request) []S {
	var out []S
	for _, raw := range r.URL.Query()["status"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, S(s))
			}
		}
	}
	return out
}

// scopeList pins a supplier's list filter to its own organization.
func scopeList(a ledger.Actor, requested ledger.OrganizationID) (ledger.OrganizationID, error) {
	if a.Role.IsGovernment() {
		return requested, nil
	}
	if requested != 0 && requested != a.OrganizationID {
		return 0, hidden("organization", strconv.FormatInt(int64(requested), 10))
	}
	return a.OrganizationID, nil
}

// =============================================================================
// ORGANIZATION HANDLERS
// =============================================================================

func (h *Handler) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.Ledger.Organizations(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	a := actor(r)
	dtos := make([]OrganizationDTO, 0, len(orgs))
	for _, o := range orgs {
		dto := toOrganizationDTO(o)
		if !canSee(a, o.ID) {
			// Other suppliers' balances are private.
			dto.TotalBalance, dto.ReservedBalance, dto.AvailableBalance = 0, 0, 0
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req CreateOrganizationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	org, err := h.Ledger.CreateOrganization(r.Context(), actor(r), ledger.NewOrganization{
		ID:        req.ID,
		LegalName: req.LegalName,
		Type:      req.Type,
		Status:    req.Status,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrganizationDTO(org))
}

func (h *Handler) GetOrganization(w http.ResponseWriter, r *http.Request) {
	id, err := orgParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !canSee(actor(r), id) {
		writeError(w, r, hidden("organization", chi.URLParam(r, "id")))
		return
	}
	org, err := h.Ledger.Organization(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrganizationDTO(org))
}

func (h *Handler) SetOrganizationStatus(w http.ResponseWriter, r *http.Request) {
	id, err := orgParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req SetStatusRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	org, err := h.Ledger.SetOrganizationStatus(r.Context(), actor(r), id, req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrganizationDTO(org))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, err := orgParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !canSee(actor(r), id) {
		writeError(w, r, hidden("organization", chi.URLParam(r, "id")))
		return
	}
	asOf, err := parseDate("as_of", r.URL.Query().Get("as_of"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	if asOf.IsZero() {
		b, err := h.Ledger.Balance(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toBalanceDTO(b))
		return
	}

	// A date without a time covers the whole day.
	if asOf.Hour() == 0 && asOf.Minute() == 0 && asOf.Second() == 0 {
		asOf = asOf.Add(24*time.Hour - time.Second)
	}
	b, err := h.Ledger.BalanceAt(r.Context(), id, asOf)
	if err != nil {
		writeError(w, r, err)
		return
	}
	dto := toBalanceDTO(b)
	dto.AsOf = asOf.Format(time.RFC3339)
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id, err := orgParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !actor(r).Role.IsGovernment() {
		writeError(w, r, requireRole(actor(r), ledger.RoleAnalyst, ledger.RoleComplianceManager, ledger.RoleDirector, ledger.RoleAdministrator))
		return
	}
	txs, err := h.Ledger.Transactions(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetCreditLedger(w http.ResponseWriter, r *http.Request) {
	id, err := orgParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !canSee(actor(r), id) {
		writeError(w, r, hidden("organization", chi.URLParam(r, "id")))
		return
	}
	filter := ledger.CreditLedgerFilter{OrganizationID: id}
	q := r.URL.Query()
	switch q.Get("order") {
	case "", "desc":
	case "asc":
		filter.Ascending = true
	default:
		writeError(w, r, ledger.NewValidationError("order", "must be asc or desc"))
		return
	}
	period, err := queryInt(r, "period")
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter.CompliancePeriod = ledger.CompliancePeriod(period)
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, r, err)
		return
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		writeError(w, r, err)
		return
	}

	rows, err := h.Ledger.CreditLedger(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	dtos := make([]CreditLedgerRowDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toCreditLedgerDTO(row)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetWindow(w http.ResponseWriter, r *http.Request) {
	id, err := orgParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !canSee(actor(r), id) {
		writeError(w, r, hidden("organization", chi.URLParam(r, "id")))
		return
	}
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil || year < 2000 {
		writeError(w, r, ledger.NewValidationError("year", "must be a compliance year"))
		return
	}
	var exclude []string
	if raw := r.URL.Query().Get("exclude"); raw != "" {
		exclude = strings.Split(raw, ",")
	}
	win, err := h.Reports.Window(r.Context(), id, year, exclude...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WindowDTO{
		OrganizationID: id,
		Year:           year,
		Start:          win.Start.Format(time.RFC3339),
		End:            win.End.Format(time.RFC3339),
	})
}

// =============================================================================
// TRANSFER HANDLERS
// =============================================================================

func (req TransferRequest) draft() (transfer.Draft, error) {
	date, err := parseDate("agreement_date", req.AgreementDate)
	if err != nil {
		return transfer.Draft{}, err
	}
	return transfer.Draft{
		FromOrganizationID: req.FromOrganizationID,
		ToOrganizationID:   req.ToOrganizationID,
		Quantity:           req.Quantity,
		PricePerUnit:       req.PricePerUnit,
		AgreementDate:      date,
		Comment:            req.Comment,
	}, nil
}

func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	org, err := queryOrg(r)
	if err == nil {
		org, err = scopeList(actor(r), org)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.Transfers.List(r.Context(), transfer.Filter{OrganizationID: org, Statuses: statuses[transfer.Status](r)})
	if err != nil {
		writeError(w, r, err)
		return
	}
	// The receiver does not see a transfer until it has been sent.
	a := actor(r)
	visible := out[:0]
	for _, t := range out {
		if a.Role.IsGovernment() || a.ActsFor(t.FromOrganizationID) || t.Status != transfer.StatusDraft {
			visible = append(visible, t)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := req.draft()
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.Transfers.Create(r.Context(), actor(r), d)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) loadTransfer(ctx context.Context, a ledger.Actor, id string) (transfer.Transfer, error) {
	t, err := h.Transfers.Get(ctx, id)
	if err != nil {
		return transfer.Transfer{}, err
	}
	if !canSee(a, t.FromOrganizationID, t.ToOrganizationID) ||
		(t.Status == transfer.StatusDraft && !a.Role.IsGovernment() && !a.ActsFor(t.FromOrganizationID)) {
		return transfer.Transfer{}, hidden("transfer", id)
	}
	return t, nil
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.loadTransfer(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) UpdateTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := req.draft()
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.Transfers.Update(r.Context(), actor(r), chi.URLParam(r, "id"), d, req.ExpectedVersion)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) TransitionTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	a := actor(r)
	id := chi.URLParam(r, "id")
	if _, err := h.loadTransfer(r.Context(), a, id); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.Transfers.Transition(r.Context(), a, transfer.TransitionInput{
		ID:              id,
		To:              transfer.Status(req.Status),
		ExpectedVersion: req.ExpectedVersion,
		Comment:         req.Comment,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) TransferHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.loadTransfer(r.Context(), actor(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := h.Transfers.History(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryDTOs(entries))
}

// =============================================================================
// INITIATIVE AGREEMENT HANDLERS
// =============================================================================

func (req UnitsRequest) dates() (time.Time, error) {
	return parseDate("effective_date", req.EffectiveDate)
}

func (h *Handler) ListInitiatives(w http.ResponseWriter, r *http.Request) {
	org, err := queryOrg(r)
	if err == nil {
		org, err = scopeList(actor(r), org)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	f := initiative.Filter{OrganizationID: org, Statuses: statuses[initiative.Status](r)}
	if !actor(r).Role.IsGovernment() {
		f.Statuses = []initiative.Status{initiative.StatusApproved}
	}
	out, err := h.Initiatives.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateInitiative(w http.ResponseWriter, r *http.Request) {
	var req UnitsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	date, err := req.dates()
	if err != nil {
		writeError(w, r, err)
		return
	}
	ia, err := h.Initiatives.Create(r.Context(), actor(r), initiative.Draft{
		ToOrganizationID: req.ToOrganizationID,
		ComplianceUnits:  req.ComplianceUnits,
		EffectiveDate:    date,
		Comment:          req.Comment,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ia)
}

func (h *Handler) loadInitiative(ctx context.Context, a ledger.Actor, id string) (initiative.Agreement, error) {
	ia, err := h.Initiatives.Get(ctx, id)
	if err != nil {
		return initiative.Agreement{}, err
	}
	if !a.Role.IsGovernment() && (!a.ActsFor(ia.ToOrganizationID) || ia.Status != initiative.StatusApproved) {
		return initiative.Agreement{}, hidden("initiative agreement", id)
	}
	return ia, nil
}

func (h *Handler) GetInitiative(w http.ResponseWriter, r *http.Request) {
	ia, err := h.loadInitiative(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ia)
}

func (h *Handler) UpdateInitiative(w http.ResponseWriter, r *http.Request) {
	var req UnitsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	date, err := req.dates()
	if err != nil {
		writeError(w, r, err)
		return
	}
	ia, err := h.Initiatives.Update(r.Context(), actor(r), chi.URLParam(r, "id"), initiative.Draft{
		ToOrganizationID: req.ToOrganizationID,
		ComplianceUnits:  req.ComplianceUnits,
		EffectiveDate:    date,
		Comment:          req.Comment,
	}, req.ExpectedVersion)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ia)
}

func (h *Handler) TransitionInitiative(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ia, err := h.Initiatives.Transition(r.Context(), actor(r), initiative.TransitionInput{
		ID:              chi.URLParam(r, "id"),
		To:              initiative.Status(req.Status),
		ExpectedVersion: req.ExpectedVersion,
		Comment:         req.Comment,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ia)
}

func (h *Handler) InitiativeHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.loadInitiative(r.Context(), actor(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := h.Initiatives.History(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryDTOs(entries))
}

// =============================================================================
// ADMIN ADJUSTMENT HANDLERS
// =============================================================================

func (h *Handler) ListAdjustments(w http.ResponseWriter, r *http.Request) {
	org, err := queryOrg(r)
	if err == nil {
		org, err = scopeList(actor(r), org)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	f := adjustment.Filter{OrganizationID: org, Statuses: statuses[adjustment.Status](r)}
	if !actor(r).Role.IsGovernment() {
		f.Statuses = []adjustment.Status{adjustment.StatusApproved}
	}
	out, err := h.Adjustments.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req UnitsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	date, err := req.dates()
	if err != nil {
		writeError(w, r, err)
		return
	}
	adj, err := h.Adjustments.Create(r.Context(), actor(r), adjustment.Draft{
		ToOrganizationID: req.ToOrganizationID,
		ComplianceUnits:  req.ComplianceUnits,
		EffectiveDate:    date,
		Comment:          req.Comment,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, adj)
}

func (h *Handler) loadAdjustment(ctx context.Context, a ledger.Actor, id string) (adjustment.Adjustment, error) {
	adj, err := h.Adjustments.Get(ctx, id)
	if err != nil {
		return adjustment.Adjustment{}, err
	}
	if !a.Role.IsGovernment() && (!a.ActsFor(adj.ToOrganizationID) || adj.Status != adjustment.StatusApproved) {
		return adjustment.Adjustment{}, hidden("admin adjustment", id)
	}
	return adj, nil
}

func (h *Handler) GetAdjustment(w http.ResponseWriter, r *http.Request) {
	adj, err := h.loadAdjustment(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adj)
}

func (h *Handler) UpdateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req UnitsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	date, err := req.dates()
	if err != nil {
		writeError(w, r, err)
		return
	}
	adj, err := h.Adjustments.Update(r.Context(), actor(r), chi.URLParam(r, "id"), adjustment.Draft{
		ToOrganizationID: req.ToOrganizationID,
		ComplianceUnits:  req.ComplianceUnits,
		EffectiveDate:    date,
		Comment:          req.Comment,
	}, req.ExpectedVersion)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adj)
}

func (h *Handler) TransitionAdjustment(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	adj, err := h.Adjustments.Transition(r.Context(), actor(r), adjustment.TransitionInput{
		ID:              chi.URLParam(r, "id"),
		To:              adjustment.Status(req.Status),
		ExpectedVersion: req.ExpectedVersion,
		Comment:         req.Comment,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adj)
}

func (h *Handler) AdjustmentHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.loadAdjustment(r.Context(), actor(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := h.Adjustments.History(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryDTOs(entries))
}

// =============================================================================
// COMPLIANCE REPORT HANDLERS
// =============================================================================

func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	org, err := queryOrg(r)
	if err == nil {
		org, err = scopeList(actor(r), org)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	period, err := queryInt(r, "period")
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.Reports.List(r.Context(), report.Filter{
		OrganizationID:   org,
		CompliancePeriod: ledger.CompliancePeriod(period),
		Statuses:         statuses[report.Status](r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rep, err := h.Reports.Create(r.Context(), actor(r), report.NewReport{
		OrganizationID:   req.OrganizationID,
		CompliancePeriod: req.CompliancePeriod,
		ComplianceUnits:  req.ComplianceUnits,
		Comment:          req.Comment,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}

func (h *Handler) loadReport(ctx context.Context, a ledger.Actor, id string) (report.Report, error) {
	rep, err := h.Reports.Get(ctx, id)
	if err != nil {
		return report.Report{}, err
	}
	if !canSee(a, rep.OrganizationID) {
		return report.Report{}, hidden("compliance report", id)
	}
	return rep, nil
}

func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.loadReport(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) SetReportUnits(w http.ResponseWriter, r *http.Request) {
	var req SetUnitsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rep, err := h.Reports.SetUnits(r.Context(), actor(r), chi.URLParam(r, "id"), req.ComplianceUnits, req.ExpectedVersion)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) TransitionReport(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	a := actor(r)
	id := chi.URLParam(r, "id")
	if _, err := h.loadReport(r.Context(), a, id); err != nil {
		writeError(w, r, err)
		return
	}
	rep, err := h.Reports.Transition(r.Context(), a, report.TransitionInput{
		ID:              id,
		To:              report.Status(req.Status),
		ExpectedVersion: req.ExpectedVersion,
		Comment:         req.Comment,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) ReportHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.loadReport(r.Context(), actor(r), id); err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := h.Reports.History(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryDTOs(entries))
}

func (h *Handler) GetReportGroup(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	versions, err := h.Reports.ListGroup(r.Context(), group)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !canSee(actor(r), versions[0].OrganizationID) {
		writeError(w, r, hidden("report group", group))
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (h *Handler) CreateSupplemental(w http.ResponseWriter, r *http.Request) {
	var req SupplementalRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rep, err := h.Reports.CreateSupplemental(r.Context(), actor(r), chi.URLParam(r, "group"), req.BaseVersion, req.Comment)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(actor(r), ledger.RoleAdministrator, ledger.RoleDirector); err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	records, err := h.Ledger.Audit(r.Context(), ledger.AuditFilter{
		Table:    q.Get("table"),
		RowID:    q.Get("row_id"),
		Severity: ledger.AuditSeverity(q.Get("severity")),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	dtos := make([]AuditDTO, len(records))
	for i, rec := range records {
		dtos[i] = toAuditDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) VerifyBalances(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(actor(r), ledger.RoleAdministrator); err != nil {
		writeError(w, r, err)
		return
	}
	drifts, err := h.Ledger.VerifyBalances(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	dtos := make([]DriftDTO, len(drifts))
	for i, d := range drifts {
		dtos[i] = DriftDTO{OrganizationID: d.OrganizationID, Stored: toBalanceDTO(d.Stored), Projected: toBalanceDTO(d.Projected)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"drift": dtos})
}

func (h *Handler) RebuildBalances(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(actor(r), ledger.RoleAdministrator); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Ledger.RebuildBalances(r.Context(), h.RebuildWorkers); err != nil {
		writeError(w, r, err)
		return
	}
	h.Ledger.Logger().WithField("actor", actor(r).ID).Info("balances rebuilt on request")
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}

func (h *Handler) FlushOutbox(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(actor(r), ledger.RoleAdministrator); err != nil {
		writeError(w, r, err)
		return
	}
	if h.Relay == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Code: "not_configured", Message: "no notification relay configured"})
		return
	}
	n, err := h.Relay.Drain(r.Context())
	if err != nil {
		writeError(w, r, ledger.ErrUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"published": n})
}

func (h *Handler) Seed(w http.ResponseWriter, r *http.Request) {
	if err := requireRole(actor(r), ledger.RoleAdministrator); err != nil {
		writeError(w, r, err)
		return
	}
	doc := seed.Demo()
	if r.ContentLength != 0 {
		var err error
		if doc, err = seed.Parse(r.Body); err != nil {
			writeError(w, r, ledger.NewValidationError("body", err.Error()))
			return
		}
	}
	res, err := seed.Apply(r.Context(), h.Ledger, doc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"created": res.Created, "updated": res.Updated})
}
