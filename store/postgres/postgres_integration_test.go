//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lcfs/compliance-ledger/ledger"
	"github.com/lcfs/compliance-ledger/ledger/storetest"
	"github.com/lcfs/compliance-ledger/store/postgres"
)

type PostgresStoreSuite struct {
	suite.Suite
	container *tcpostgres.PostgresContainer
	store     *postgres.Store
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("ledger"),
		tcpostgres.WithUsername("ledger"),
		tcpostgres.WithPassword("ledger"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err, "failed to start postgres container")
	s.container = container

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)
	s.Require().NoError(postgres.Migrate(url))
	// Applying twice is a no-op.
	s.Require().NoError(postgres.Migrate(url))

	s.store, err = postgres.New(ctx, url)
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) TearDownSuite() {
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.truncate())
}

func (s *PostgresStoreSuite) truncate() error {
	return s.store.WithinTx(context.Background(), func(st ledger.Store) error {
		return postgres.Truncate(context.Background(), st)
	})
}

func (s *PostgresStoreSuite) TestConformance() {
	storetest.Run(s.T(), func(t *testing.T) ledger.TxStore {
		if err := s.truncate(); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s.store
	})
}

// TestNoDoubleSpend races four reservations for the same units: exactly one wins.
func (s *PostgresStoreSuite) TestNoDoubleSpend() {
	ctx := context.Background()
	svc := ledger.NewService(s.store)
	admin := ledger.Actor{ID: "admin", Role: ledger.RoleAdministrator}
	org, err := svc.CreateOrganization(ctx, admin, ledger.NewOrganization{
		LegalName: "Fuel Co", Type: ledger.TypeFuelSupplier, Status: ledger.StatusRegistered,
	})
	s.Require().NoError(err)
	err = svc.Run(ctx, "seed", admin, func(sess *ledger.Session) error {
		_, err := sess.Append(ctx, ledger.AppendInput{
			OrganizationID: org.ID, ComplianceUnits: 100, Action: ledger.ActionAdjustment,
			EffectiveDate: sess.Now(), WorkflowKind: ledger.KindAdminAdjustment, WorkflowID: "seed",
			GovernmentIssued: true,
		})
		return err
	})
	s.Require().NoError(err)

	var (
		wg      sync.WaitGroup
		success atomic.Int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.Run(ctx, "reserve", admin, func(sess *ledger.Session) error {
				if err := sess.Lock(ctx, org.ID); err != nil {
					return err
				}
				b, err := sess.Balance(ctx, org.ID)
				if err != nil {
					return err
				}
				if b.Available() < 80 {
					return &ledger.InsufficientBalanceError{OrganizationID: org.ID, Available: b.Available(), Requested: 80}
				}
				_, err = sess.Append(ctx, ledger.AppendInput{
					OrganizationID: org.ID, ComplianceUnits: -80, Action: ledger.ActionReserved,
					EffectiveDate: sess.Now(), WorkflowKind: ledger.KindTransfer, WorkflowID: "race",
				})
				return err
			})
			if err == nil {
				success.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), success.Load())
	b, err := svc.Balance(ctx, org.ID)
	s.Require().NoError(err)
	s.Equal(int64(20), b.Available())
}
