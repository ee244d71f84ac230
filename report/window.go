package report

import (
	"context"
	"time"

	"github.com/lcfs/compliance-ledger/ledger"
)

// TransactionWindow is the range of effective dates whose transfers and
// initiative agreements count toward compliance year. A supplier whose
// previous year was assessed starts counting on April 1, after that
// assessment's own window closed; a first-time reporter counts from January 1.
// Both windows close at the end of March 31 of the following year.
func TransactionWindow(year int, hasPriorAssessment bool) ledger.Window {
	start := ledger.StartOfYear(year)
	if hasPriorAssessment {
		start = time.Date(year, time.April, 1, 0, 0, 0, 0, time.UTC)
	}
	return ledger.Window{
		Start: start,
		End:   time.Date(year+1, time.March, 31, 23, 59, 59, 0, time.UTC),
	}
}

// Window resolves the transaction window of org for year. Reports listed in
// exclude are ignored, which previews the window as if they were deleted or
// superseded.
func (e *Engine) Window(ctx context.Context, org ledger.OrganizationID, year int, exclude ...string) (ledger.Window, error) {
	if org == 0 {
		return ledger.Window{}, ledger.NewValidationError("organization_id", "is required")
	}
	if _, err := e.ledger.Organization(ctx, org); err != nil {
		return ledger.Window{}, err
	}
	prior, err := e.ledger.Workflows(ctx, ledger.WorkflowFilter{
		Kind:             ledger.KindComplianceReport,
		OrganizationID:   org,
		CompliancePeriod: ledger.CompliancePeriod(year - 1),
		Statuses:         []string{string(StatusAssessed), string(StatusReassessed)},
		ExcludeIDs:       exclude,
	})
	if err != nil {
		return ledger.Window{}, err
	}
	return TransactionWindow(year, len(prior) > 0), nil
}
