package seed_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcfs/compliance-ledger/ledger"
	"github.com/lcfs/compliance-ledger/ledger/store"
	"github.com/lcfs/compliance-ledger/seed"
)

func TestDemo_AppliesIdempotently(t *testing.T) {
	ctx := context.Background()
	svc := ledger.NewService(store.NewMemory())
	doc := seed.Demo()
	require.Len(t, doc.Organizations, 4)

	res, err := seed.Apply(ctx, svc, doc)
	require.NoError(t, err)
	assert.Equal(t, []ledger.OrganizationID{1, 2, 3, 4}, res.Created)

	pacific, err := svc.Organization(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "Pacific Fuels Ltd.", pacific.LegalName)
	assert.Equal(t, int64(25000), pacific.TotalBalance)

	initiative, err := svc.Organization(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusUnregistered, initiative.Status)

	res, err = seed.Apply(ctx, svc, doc)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Empty(t, res.Updated)

	pacific, err = svc.Organization(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(25000), pacific.TotalBalance, "opening units are credited once")
}

func TestApply_AlignsStatus(t *testing.T) {
	ctx := context.Background()
	svc := ledger.NewService(store.NewMemory())
	_, err := seed.Apply(ctx, svc, seed.Demo())
	require.NoError(t, err)

	doc, err := seed.Parse(strings.NewReader(`
organizations:
  - id: 3
    legal_name: Coastal Renewables Inc.
    type: fuel_supplier
    status: Suspended
`))
	require.NoError(t, err)
	res, err := seed.Apply(ctx, svc, doc)
	require.NoError(t, err)
	assert.Equal(t, []ledger.OrganizationID{3}, res.Updated)

	org, err := svc.Organization(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSuspended, org.Status)
}

func TestParse_Rejects(t *testing.T) {
	tests := map[string]string{
		"missing name":   "organizations:\n  - type: broker\n",
		"unknown type":   "organizations:\n  - legal_name: X\n    type: bank\n",
		"unknown field":  "organizations:\n  - legal_name: X\n    type: broker\n    balance: 3\n",
		"negative units": "organizations:\n  - legal_name: X\n    type: broker\n    opening_units: -1\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := seed.Parse(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}
