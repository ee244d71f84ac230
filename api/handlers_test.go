/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Actor headers and visibility rules
- A transfer driven end to end over HTTP
- Error mapping (guard failures, stale versions, insufficient balance)
- Admin maintenance endpoints and /metrics
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcfs/compliance-ledger/api"
	"github.com/lcfs/compliance-ledger/ledger"
	"github.com/lcfs/compliance-ledger/ledger/store"
	"github.com/lcfs/compliance-ledger/metrics"
	"github.com/lcfs/compliance-ledger/seed"
)

var (
	admin    = ledger.Actor{ID: "admin", Role: ledger.RoleAdministrator}
	analyst  = ledger.Actor{ID: "ana", Role: ledger.RoleAnalyst}
	director = ledger.Actor{ID: "dir", Role: ledger.RoleDirector}
	pacific  = ledger.Actor{ID: "pf-user", Role: ledger.RoleSupplier, OrganizationID: 2}
	coastal  = ledger.Actor{ID: "cr-user", Role: ledger.RoleSupplier, OrganizationID: 3}
)

type client struct {
	t   *testing.T
	srv *httptest.Server
}

// newServer seeds the demo organizations: 2 holds 25000 units, 3 holds 8000.
func newServer(t *testing.T, opts api.RouterOptions) *client {
	t.Helper()
	logger, _ := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	svc := ledger.NewService(store.NewMemory(),
		ledger.WithLogger(logger),
		ledger.WithObserver(metrics.New(reg)),
	)
	_, err := seed.Apply(context.Background(), svc, seed.Demo())
	require.NoError(t, err)

	opts.Logger = logger
	opts.Gatherer = reg
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(svc), opts))
	t.Cleanup(srv.Close)
	return &client{t: t, srv: srv}
}

func (c *client) do(a *ledger.Actor, method, path string, body any) (*http.Response, []byte) {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, rd)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if a != nil {
		req.Header.Set(api.HeaderActorID, a.ID)
		req.Header.Set(api.HeaderActorRole, string(a.Role))
		if a.OrganizationID != 0 {
			req.Header.Set(api.HeaderActorOrg, strconv.FormatInt(int64(a.OrganizationID), 10))
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp, out
}

// call asserts the status and decodes the body into out when out is non-nil.
func (c *client) call(a ledger.Actor, method, path string, body any, status int, out any) {
	c.t.Helper()
	resp, raw := c.do(&a, method, path, body)
	require.Equal(c.t, status, resp.StatusCode, "%s %s: %s", method, path, raw)
	if out != nil {
		require.NoError(c.t, json.Unmarshal(raw, out))
	}
}

func (c *client) move(a ledger.Actor, id, to string) {
	c.t.Helper()
	c.call(a, http.MethodPost, "/api/transfers/"+id+"/transitions", api.TransitionRequest{Status: to}, http.StatusOK, nil)
}

func (c *client) balance(a ledger.Actor, org int) api.BalanceDTO {
	c.t.Helper()
	var b api.BalanceDTO
	c.call(a, http.MethodGet, "/api/organizations/"+strconv.Itoa(org)+"/balance", nil, http.StatusOK, &b)
	return b
}

type transferBody struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Version int    `json:"version"`
}

func draftTransfer(from, to int, qty int64) map[string]any {
	return map[string]any{
		"from_organization_id": from,
		"to_organization_id":   to,
		"quantity":             qty,
		"price_per_unit":       "12.50",
		"agreement_date":       "2024-06-03",
	}
}

// =============================================================================
// IDENTITY & VISIBILITY
// =============================================================================

func TestAPI_ActorHeaders(t *testing.T) {
	c := newServer(t, api.RouterOptions{})

	resp, _ := c.do(nil, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := c.do(nil, http.MethodGet, "/api/organizations", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(raw), "validation_failed")

	system := ledger.SystemActor
	resp, _ = c.do(&system, http.MethodGet, "/api/organizations", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "system role is internal")

	orphan := ledger.Actor{ID: "x", Role: ledger.RoleSupplier}
	resp, _ = c.do(&orphan, http.MethodGet, "/api/organizations", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "supplier without organization")
}

func TestAPI_SupplierVisibility(t *testing.T) {
	c := newServer(t, api.RouterOptions{})

	assert.Equal(t, int64(8000), c.balance(coastal, 3).Available)
	c.call(coastal, http.MethodGet, "/api/organizations/2/balance", nil, http.StatusNotFound, nil)
	c.call(coastal, http.MethodGet, "/api/organizations/3/transactions", nil, http.StatusBadRequest, nil)
	c.call(analyst, http.MethodGet, "/api/organizations/3/transactions", nil, http.StatusOK, nil)

	// The list hides other suppliers' balances.
	var orgs []api.OrganizationDTO
	c.call(coastal, http.MethodGet, "/api/organizations", nil, http.StatusOK, &orgs)
	require.Len(t, orgs, 4)
	for _, o := range orgs {
		if o.ID == 2 {
			assert.Zero(t, o.TotalBalance)
		}
		if o.ID == 3 {
			assert.Equal(t, int64(8000), o.TotalBalance)
		}
	}

	// Suppliers cannot list another organization's transfers.
	c.call(coastal, http.MethodGet, "/api/transfers?organization_id=2", nil, http.StatusNotFound, nil)
}

// =============================================================================
// TRANSFERS
// =============================================================================

func TestAPI_TransferLifecycle(t *testing.T) {
	c := newServer(t, api.RouterOptions{})

	// GIVEN: a draft from Pacific to Coastal
	var tr transferBody
	c.call(pacific, http.MethodPost, "/api/transfers", draftTransfer(2, 3, 500), http.StatusCreated, &tr)
	assert.Equal(t, "Draft", tr.Status)

	// The receiver cannot see a draft.
	c.call(coastal, http.MethodGet, "/api/transfers/"+tr.ID, nil, http.StatusNotFound, nil)

	// WHEN: it is sent, the units are held
	c.move(pacific, tr.ID, "Sent")
	b := c.balance(pacific, 2)
	assert.Equal(t, int64(25000), b.Total)
	assert.Equal(t, int64(500), b.Reserved)
	assert.Equal(t, int64(24500), b.Available)
	c.call(coastal, http.MethodGet, "/api/transfers/"+tr.ID, nil, http.StatusOK, nil)

	c.move(coastal, tr.ID, "Submitted")
	c.move(analyst, tr.ID, "Recommended")
	c.move(director, tr.ID, "Recorded")

	// THEN: the units moved and the hold is gone
	b = c.balance(pacific, 2)
	assert.Equal(t, int64(24500), b.Total)
	assert.Zero(t, b.Reserved)
	assert.Equal(t, int64(8500), c.balance(coastal, 3).Total)

	var rows []api.CreditLedgerRowDTO
	c.call(coastal, http.MethodGet, "/api/organizations/3/credit-ledger?period=2024", nil, http.StatusOK, &rows)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(500), rows[0].ComplianceUnits)
	assert.Equal(t, "2024", rows[0].CompliancePeriod)

	var history []api.HistoryDTO
	c.call(analyst, http.MethodGet, "/api/transfers/"+tr.ID+"/history", nil, http.StatusOK, &history)
	require.Len(t, history, 5)
	assert.Equal(t, "Recorded", history[len(history)-1].ToStatus)
}

func TestAPI_InsufficientBalance(t *testing.T) {
	c := newServer(t, api.RouterOptions{})

	var tr transferBody
	c.call(coastal, http.MethodPost, "/api/transfers", draftTransfer(3, 2, 30000), http.StatusCreated, &tr)

	var e api.ErrorResponse
	c.call(coastal, http.MethodPost, "/api/transfers/"+tr.ID+"/transitions",
		api.TransitionRequest{Status: "Sent"}, http.StatusUnprocessableEntity, &e)
	assert.Equal(t, "insufficient_balance", e.Code)
	assert.Equal(t, int64(8000), e.Available)
	assert.Equal(t, int64(30000), e.Requested)
	assert.Zero(t, c.balance(coastal, 3).Reserved)
}

func TestAPI_Conflicts(t *testing.T) {
	c := newServer(t, api.RouterOptions{})

	var tr transferBody
	c.call(pacific, http.MethodPost, "/api/transfers", draftTransfer(2, 3, 10), http.StatusCreated, &tr)

	stale := 99
	var e api.ErrorResponse
	c.call(pacific, http.MethodPost, "/api/transfers/"+tr.ID+"/transitions",
		api.TransitionRequest{Status: "Sent", ExpectedVersion: &stale}, http.StatusConflict, &e)
	assert.Equal(t, "stale_version", e.Code)
	assert.Equal(t, "Draft", e.CurrentStatus)

	c.call(pacific, http.MethodPost, "/api/transfers/"+tr.ID+"/transitions",
		api.TransitionRequest{Status: "Recorded"}, http.StatusUnprocessableEntity, &e)
	assert.Equal(t, "invalid_transition", e.Code)

	c.call(pacific, http.MethodPost, "/api/transfers", map[string]any{"bogus": true}, http.StatusBadRequest, &e)
	assert.Equal(t, "body", e.Field)

	c.call(pacific, http.MethodGet, "/api/transfers/missing", nil, http.StatusNotFound, nil)
}

// =============================================================================
// OTHER WORKFLOWS
// =============================================================================

func TestAPI_AdminAdjustmentVisibleOnceApproved(t *testing.T) {
	c := newServer(t, api.RouterOptions{})

	var adj transferBody
	c.call(analyst, http.MethodPost, "/api/admin-adjustments", map[string]any{
		"to_organization_id": 3,
		"compliance_units":   -1200,
		"effective_date":     "2024-11-30",
	}, http.StatusCreated, &adj)

	c.call(coastal, http.MethodGet, "/api/admin-adjustments/"+adj.ID, nil, http.StatusNotFound, nil)

	c.call(analyst, http.MethodPost, "/api/admin-adjustments/"+adj.ID+"/transitions",
		api.TransitionRequest{Status: "Recommended"}, http.StatusOK, nil)
	c.call(director, http.MethodPost, "/api/admin-adjustments/"+adj.ID+"/transitions",
		api.TransitionRequest{Status: "Approved"}, http.StatusOK, nil)

	c.call(coastal, http.MethodGet, "/api/admin-adjustments/"+adj.ID, nil, http.StatusOK, nil)
	assert.Equal(t, int64(6800), c.balance(coastal, 3).Total)
}

func TestAPI_ReportWindow(t *testing.T) {
	c := newServer(t, api.RouterOptions{})

	var win api.WindowDTO
	c.call(coastal, http.MethodGet, "/api/organizations/3/window/2024", nil, http.StatusOK, &win)
	assert.Equal(t, "2024-01-01T00:00:00Z", win.Start)
	assert.Equal(t, "2025-03-31T23:59:59Z", win.End)

	c.call(coastal, http.MethodGet, "/api/organizations/3/window/nope", nil, http.StatusBadRequest, nil)
}

// =============================================================================
// ADMIN & OPERATIONS
// =============================================================================

func TestAPI_AdminEndpoints(t *testing.T) {
	c := newServer(t, api.RouterOptions{})

	var verify struct {
		Drift []api.DriftDTO `json:"drift"`
	}
	c.call(admin, http.MethodPost, "/api/admin/verify-balances", nil, http.StatusOK, &verify)
	assert.Empty(t, verify.Drift)
	c.call(analyst, http.MethodPost, "/api/admin/verify-balances", nil, http.StatusBadRequest, nil)

	c.call(admin, http.MethodPost, "/api/admin/rebuild-balances", nil, http.StatusOK, nil)
	assert.Equal(t, int64(25000), c.balance(admin, 2).Total)

	// Re-seeding the demo is idempotent.
	var res struct {
		Created []int `json:"created"`
	}
	c.call(admin, http.MethodPost, "/api/admin/seed", nil, http.StatusOK, &res)
	assert.Empty(t, res.Created)
	assert.Equal(t, int64(25000), c.balance(admin, 2).Total)

	// No relay is configured in tests.
	c.call(admin, http.MethodPost, "/api/admin/outbox/flush", nil, http.StatusNotImplemented, nil)

	var audit []api.AuditDTO
	c.call(admin, http.MethodGet, "/api/admin/audit?table=organization", nil, http.StatusOK, &audit)
	assert.NotEmpty(t, audit)
}

func TestAPI_RateLimit(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c := newServer(t, api.RouterOptions{RateLimiter: api.NewRateLimiter(0.001, 1, logger)})

	c.call(analyst, http.MethodGet, "/api/organizations", nil, http.StatusOK, nil)
	resp, _ := c.do(&analyst, http.MethodGet, "/api/organizations", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// Buckets are per actor.
	c.call(director, http.MethodGet, "/api/organizations", nil, http.StatusOK, nil)
}

func TestAPI_Metrics(t *testing.T) {
	c := newServer(t, api.RouterOptions{})

	resp, raw := c.do(nil, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(raw), "lcfs_transactions_appended_total"))
}
