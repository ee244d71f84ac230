/*
creditledger.go - Per-organization credit ledger view

PURPOSE:
  The credit ledger is what a supplier sees on its statement: one row per
  transaction with the available balance right after it. It is materialized
  and rebuilt for an organization inside every unit of work that touched the
  organization, so readers never observe a half-applied transition.

RUNNING BALANCE:
  Rows follow log order (transaction id). A unit of work stamps its rows
  after it holds the organization lock, so update dates never decrease along
  that order. The available balance after a row counts every row up to the
  last one sharing its update date, so rows written by the same transition
  share one figure. Negative figures are stored as computed and shown as zero.

SEE ALSO:
  - balance.go: the projection the running balance is built from
*/
package ledger

import (
	"context"
	"sort"
)

// BuildCreditLedger computes the view rows of org from its log.
func BuildCreditLedger(org OrganizationID, txs []Transaction) []CreditLedgerRow {
	ordered := make([]Transaction, len(txs))
	copy(ordered, txs)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	rows := make([]CreditLedgerRow, 0, len(ordered))
	running := Balance{OrganizationID: org}
	for i := 0; i < len(ordered); {
		// Fold the run of rows sharing this update date before emitting any of them.
		j := i
		for j < len(ordered) && ordered[j].CreateDate.Equal(ordered[i].CreateDate) {
			running.apply(ordered[j])
			j++
		}
		for _, tx := range ordered[i:j] {
			rows = append(rows, CreditLedgerRow{
				TransactionID:         tx.ID,
				TransactionType:       tx.WorkflowKind,
				Action:                tx.Action,
				CompliancePeriod:      tx.CompliancePeriod,
				OrganizationID:        org,
				ComplianceUnits:       tx.ComplianceUnits,
				AvailableBalanceAfter: running.Available(),
				UpdateDate:            tx.CreateDate,
			})
		}
		i = j
	}
	return rows
}

func refreshCreditLedger(ctx context.Context, st Store, org OrganizationID) error {
	txs, err := st.LoadTransactions(ctx, org)
	if err != nil {
		return err
	}
	return st.ReplaceCreditLedger(ctx, org, BuildCreditLedger(org, txs))
}

// presentRows clamps the running balance for display.
func presentRows(rows []CreditLedgerRow) []CreditLedgerRow {
	for i := range rows {
		if rows[i].AvailableBalanceAfter < 0 {
			rows[i].AvailableBalanceAfter = 0
		}
	}
	return rows
}
