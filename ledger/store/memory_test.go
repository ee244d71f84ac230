package store_test

import (
	"testing"

	"github.com/lcfs/compliance-ledger/ledger"
	"github.com/lcfs/compliance-ledger/ledger/store"
	"github.com/lcfs/compliance-ledger/ledger/storetest"
)

func TestMemoryConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.TxStore {
		return store.NewMemory()
	})
}
