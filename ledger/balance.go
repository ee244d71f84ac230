/*
balance.go - Balance projection

PURPOSE:
  Computes an organization's balance from its transaction log. The stored
  balance columns on Organization are a cache of this projection and are
  refreshed at the end of every unit of work that appended a row.

BALANCE COMPONENTS:
  Total:     sum of Adjustment units
  Reserved:  units held by Reserved rows that have no Released row yet
  Available: Total - Reserved

EXAMPLE:
  Org has +500 from an assessment and sends a 200-unit transfer:

  Adjustment +500, Reserved -200          => total 500, reserved 200, available 300
  Director records it: Adjustment -200,
  Released +200                           => total 300, reserved 0, available 300

SEE ALSO:
  - log.go: the rows being projected
  - maintenance.go: verification and rebuild
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// BALANCE
// =============================================================================

// Balance is a projection of one organization's log.
type Balance struct {
	OrganizationID OrganizationID
	Total          int64
	Reserved       int64
}

// Available is what can still be committed to new holds.
func (b Balance) Available() int64 { return b.Total - b.Reserved }

func (b Balance) Equal(other Balance) bool {
	return b.Total == other.Total && b.Reserved == other.Reserved
}

// apply folds one row into the balance.
func (b *Balance) apply(tx Transaction) {
	switch tx.Action {
	case ActionAdjustment:
		b.Total += tx.ComplianceUnits
	case ActionReserved:
		if tx.ComplianceUnits < 0 {
			b.Reserved -= tx.ComplianceUnits
		}
	case ActionReleased:
		if tx.ComplianceUnits > 0 {
			b.Reserved -= tx.ComplianceUnits
		}
	}
}

// =============================================================================
// PROJECTION
// =============================================================================

// ProjectBalance reduces a log to its balance.
func ProjectBalance(org OrganizationID, txs []Transaction) Balance {
	b := Balance{OrganizationID: org}
	for _, tx := range txs {
		b.apply(tx)
	}
	return b
}

// ProjectBalanceAt reduces only the rows whose effective date is not after at.
func ProjectBalanceAt(org OrganizationID, txs []Transaction, at time.Time) Balance {
	b := Balance{OrganizationID: org}
	for _, tx := range txs {
		if tx.EffectiveDate.After(at) {
			continue
		}
		b.apply(tx)
	}
	return b
}

// refreshBalance recomputes org's balance from its log and stores it.
func refreshBalance(ctx context.Context, st Store, org OrganizationID, now time.Time) (Balance, error) {
	txs, err := st.LoadTransactions(ctx, org)
	if err != nil {
		return Balance{}, err
	}
	b := ProjectBalance(org, txs)
	if b.Reserved < 0 {
		return Balance{}, &InvariantError{Invariant: "reserved-non-negative", Detail: "reserved balance below zero"}
	}
	if err := st.UpdateBalances(ctx, org, b.Total, b.Reserved, now); err != nil {
		return Balance{}, err
	}
	return b, nil
}
